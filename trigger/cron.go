package trigger

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/relloyd/ogdsync/logger"
	"github.com/robfig/cron/v3"
)

// Cron runs fn on a standard five field schedule and retries failed runs.
type Cron struct {
	log        logger.Logger
	schedule   cron.Schedule
	spec       string
	loc        *time.Location
	retries    int
	retryDelay time.Duration
}

// NewCron parses spec, e.g. "0 5 * * *", which is evaluated in loc.
func NewCron(log logger.Logger, spec string, loc *time.Location, retries int, retryDelay time.Duration) (*Cron, error) {
	if loc == nil {
		loc = time.UTC
	}
	s, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cron schedule %q", spec)
	}
	if retries < 0 {
		retries = 0
	}
	return &Cron{log: log, schedule: s, spec: spec, loc: loc, retries: retries, retryDelay: retryDelay}, nil
}

// Next returns the first scheduled time after t.
func (c *Cron) Next(t time.Time) time.Time {
	return c.schedule.Next(t.In(c.loc))
}

// Start blocks until ctx is done. A run that is still going when the next one is due causes
// that one to be skipped. A failed run does not stop the schedule.
func (c *Cron) Start(ctx context.Context, fn RunFunc) error {
	cl := cronLogger{log: c.log}
	cr := cron.New(
		cron.WithLocation(c.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	cr.Schedule(c.schedule, cron.FuncJob(func() {
		if err := c.runWithRetries(ctx, fn); err != nil {
			c.log.Error("scheduled run failed: ", err)
		}
		c.log.Info("next run at ", c.Next(time.Now()))
	}))
	cr.Start()
	c.log.Info("scheduled ", c.spec, " in ", c.loc, "; first run at ", c.Next(time.Now()))
	<-ctx.Done()
	c.log.Info("stopping scheduler")
	<-cr.Stop().Done() // wait for a running job to see the cancelled context.
	return nil
}

// runWithRetries calls fn and retries up to c.retries times after c.retryDelay.
func (c *Cron) runWithRetries(ctx context.Context, fn RunFunc) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= c.retries || ctx.Err() != nil {
			return err
		}
		c.log.Warn("run failed, retry ", attempt+1, " of ", c.retries, " in ", c.retryDelay, ": ", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(append([]interface{}{"cron: ", msg, " "}, keysAndValues...)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(append([]interface{}{"cron: ", msg, ": ", err, " "}, keysAndValues...)...)
}
