// Package trigger decides when a sync runs: once, on a cron schedule or per Lambda invocation.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/relloyd/ogdsync/constants"
	"github.com/relloyd/ogdsync/logger"
)

// RunFunc performs one sync.
type RunFunc func(ctx context.Context) error

// TriggerSource calls fn whenever a run is due until ctx is done.
type TriggerSource interface {
	Start(ctx context.Context, fn RunFunc) error
}

const (
	KindOnce   = "once"
	KindCron   = "cron"
	KindLambda = "lambda"
)

type Config struct {
	Kind       string
	Schedule   string
	Location   *time.Location
	Retries    int
	RetryDelay time.Duration
}

// New returns the TriggerSource for cfg.Kind. An empty kind means once.
func New(log logger.Logger, cfg Config) (TriggerSource, error) {
	switch cfg.Kind {
	case "", KindOnce:
		return Once{}, nil
	case KindCron:
		if cfg.Schedule == "" {
			cfg.Schedule = constants.DefaultCronSchedule
		}
		return NewCron(log, cfg.Schedule, cfg.Location, cfg.Retries, cfg.RetryDelay)
	case KindLambda:
		return NewLambda(log), nil
	default:
		return nil, fmt.Errorf("unsupported trigger %q, expected one of %v, %v or %v", cfg.Kind, KindOnce, KindCron, KindLambda)
	}
}

// Once runs fn immediately and returns its error.
type Once struct{}

func (Once) Start(ctx context.Context, fn RunFunc) error {
	return fn(ctx)
}
