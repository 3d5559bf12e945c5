// Package pipeline runs the incremental sync of each source: read the watermark, fetch pages,
// write them and advance the watermark.
package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/relloyd/ogdsync/components"
	"github.com/relloyd/ogdsync/constants"
	"github.com/relloyd/ogdsync/fetch"
	h "github.com/relloyd/ogdsync/helper"
	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/stats"
	"github.com/relloyd/ogdsync/warehouse"
	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"
)

const skippedAlreadyRunning = "already running"

// SequenceFetcher starts a batch sequence for a source. It is satisfied by *fetch.Fetcher.
type SequenceFetcher interface {
	FetchFrom(source string, since *time.Time) (*fetch.Sequence, error)
}

// BatchWriter persists a batch. It is satisfied by *warehouse.Writer.
type BatchWriter interface {
	WriteBatchResult(ctx context.Context, batch *fetch.RecordBatch) (warehouse.WriteResult, error)
}

// WatermarkStore is satisfied by *warehouse.WatermarkStore.
type WatermarkStore interface {
	GetWatermark(ctx context.Context, source string) (*time.Time, error)
	AdvanceWatermark(ctx context.Context, source string, ts time.Time) (bool, error)
	GetCompletion(ctx context.Context, source string) (*time.Time, error)
	MarkComplete(ctx context.Context, source string, until time.Time) error
}

// RunLocker is satisfied by *warehouse.RunLocker.
type RunLocker interface {
	TryLock(ctx context.Context, source string) (release func(), acquired bool, err error)
}

// BatchArchiver keeps a copy of each fetched batch. It is satisfied by *s3.BatchArchiver.
type BatchArchiver interface {
	Archive(ctx context.Context, batch *fetch.RecordBatch) error
}

// DefaultFreshnessLagDays returns, per source, how many days before today the last complete run
// may have reached before another run is worth doing. A complete events run reaches midnight
// today and a snapshot its own stamp, so both are due once a day.
func DefaultFreshnessLagDays() map[string]int {
	return map[string]int{
		constants.SourceEvents:   0,
		constants.SourceDatasets: 0,
	}
}

type Config struct {
	Log                       logger.Logger
	Fetcher                   SequenceFetcher
	Writer                    BatchWriter
	Watermarks                WatermarkStore
	Locker                    RunLocker     // optional.
	Archiver                  BatchArchiver // optional.
	Metrics                   *stats.Metrics
	Registry                  *SafeMapRunInfo
	FreshnessLagDays          map[string]int // sources missing here are never skipped.
	Force                     bool           // ignore the freshness gate.
	Location                  *time.Location // portal timezone used to find today.
	Now                       func() time.Time
	StatsDumpFrequencySeconds int
	PanicHandlerFn            components.PanicHandlerFunc
}

// Runner runs sources. It is safe to run different sources concurrently.
type Runner struct {
	cfg Config
}

func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Log == nil || cfg.Fetcher == nil || cfg.Writer == nil || cfg.Watermarks == nil {
		return nil, errors.New("runner requires a logger, fetcher, writer and watermark store")
	}
	if cfg.Registry == nil {
		cfg.Registry = NewSafeMapRunInfo()
	}
	if cfg.FreshnessLagDays == nil {
		cfg.FreshnessLagDays = DefaultFreshnessLagDays()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{cfg: cfg}, nil
}

// Registry returns the registry the runner records runs in.
func (r *Runner) Registry() *SafeMapRunInfo {
	return r.cfg.Registry
}

// WithForce returns a runner sharing r's stack and registry with the freshness gate switched by force.
func (r *Runner) WithForce(force bool) *Runner {
	c := *r
	c.cfg.Force = force
	return &c
}

// RunAll runs sources concurrently. A failing source does not stop the others.
// Results are in the order of sources.
func (r *Runner) RunAll(ctx context.Context, sources []string) []RunResult {
	results := make([]RunResult, len(sources))
	var g errgroup.Group // no shared context: one failure must not cancel the other sources.
	for idx, source := range sources {
		idx, source := idx, source
		g.Go(func() error {
			results[idx] = r.Run(ctx, source)
			return results[idx].Err
		})
	}
	_ = g.Wait()
	return results
}

// Run syncs source until its sequence is exhausted or a step fails.
// Batches are handled strictly in order and the watermark only moves after a batch is committed,
// never beyond the latest timestamp persisted. Only an exhausted sequence marks the source
// complete, so a failed run is retried from its watermark however far it got.
func (r *Runner) Run(ctx context.Context, source string) (res RunResult) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	res = RunResult{Source: source, RunID: xid.New().String(), State: StateIdle, StartTime: r.cfg.Now()}
	log := r.cfg.Log.WithField("source", source).WithField("runId", res.RunID)
	syncStats := stats.NewSyncStats(log, stats.SetStatsDumpFrequency(r.cfg.StatsDumpFrequencySeconds))
	r.cfg.Registry.Store(res.RunID, RunInfo{
		Status: RunStatus{Source: source, State: StateIdle, StartTime: res.StartTime},
		Stats:  syncStats,
		Cancel: cancel,
	})
	defer func() {
		res.EndTime = r.cfg.Now()
		r.cfg.Registry.Finish(res.RunID, res)
		r.cfg.Metrics.ObserveRun(source, res.State.String(), res.EndTime.Sub(res.StartTime))
		switch {
		case res.State == StateFailed:
			log.Error("run failed after ", res.Batches, " batches: ", res.Err)
		case res.Skipped != "":
			log.Info("run skipped: ", res.Skipped)
		default:
			log.Info("run complete: ", res.Batches, " batches, ", res.RowsFetched, " rows fetched, ", res.RowsWritten, " rows written")
		}
	}()
	transition := func(s State) {
		log.Debug("state ", res.State, " -> ", s)
		res.State = s
		r.cfg.Registry.SetState(res.RunID, s)
	}
	fail := func(err error) RunResult {
		transition(StateFailed)
		res.Err = err
		return res
	}
	// Guard against a concurrent run of the same source.
	if r.cfg.Locker != nil {
		release, acquired, err := r.cfg.Locker.TryLock(ctx, source)
		if err != nil {
			return fail(err)
		}
		if !acquired {
			res.Skipped = skippedAlreadyRunning
			return res
		}
		defer release()
	}
	wm, err := r.cfg.Watermarks.GetWatermark(ctx, source)
	if err != nil {
		return fail(err)
	}
	res.Watermark = wm
	if wm != nil {
		r.cfg.Metrics.SetWatermark(source, *wm)
	}
	if !r.cfg.Force {
		completed, err := r.cfg.Watermarks.GetCompletion(ctx, source)
		if err != nil {
			return fail(err)
		}
		if reason := r.isFresh(source, completed); reason != "" {
			res.Skipped = reason
			return res
		}
	}
	seq, err := r.cfg.Fetcher.FetchFrom(source, wm)
	if err != nil {
		return fail(err)
	}
	if wm == nil {
		log.Info("fetching ", source, " from the start")
	} else {
		log.Info("fetching ", source, " from watermark ", wm.UTC().Format(time.RFC3339))
	}
	syncStats.StartDumping()
	defer syncStats.StopDumping()
	transition(StateFetching)
	fetching := &components.WaitGroup{}
	pages, _ := components.NewPageFetcher(ctx, &components.PageFetcherConfig{
		Log:            log,
		Name:           "fetch " + source,
		Sequence:       seq,
		StepWatcher:    syncStats.AddStepWatcher("fetch " + source),
		WaitCounter:    fetching,
		PanicHandlerFn: r.cfg.PanicHandlerFn,
	})
	defer func() { // stop the fetcher before the run lock is released.
		cancel()
		fetching.Wait()
	}()
	writeCount := int64(0)
	writeWatcher := syncStats.AddStepWatcher("write " + source)
	writeWatcher.StartWatching(&writeCount, nil)
	defer writeWatcher.StopWatching()
	for {
		var (
			fr components.FetchResult
			ok bool
		)
		select {
		case <-ctx.Done():
			return fail(ctx.Err())
		case fr, ok = <-pages:
		}
		if !ok { // if the sequence is exhausted or the fetcher gave up on a cancelled context...
			if err = ctx.Err(); err != nil {
				return fail(err)
			}
			if err = r.cfg.Watermarks.MarkComplete(ctx, source, seq.SyncedUntil()); err != nil {
				return fail(err)
			}
			transition(StateIdle)
			return res
		}
		if fr.Err != nil {
			return fail(fr.Err)
		}
		batch := fr.Batch
		transition(StateWriting)
		if r.cfg.Archiver != nil {
			if err = r.cfg.Archiver.Archive(ctx, batch); err != nil {
				log.Warn("error archiving batch ", batch.Page, ": ", err)
			}
		}
		wr, err := r.cfg.Writer.WriteBatchResult(ctx, batch)
		if err != nil {
			return fail(err)
		}
		res.Batches++
		res.RowsFetched += int64(len(batch.Records))
		res.RowsWritten += wr.RowsAffected
		atomic.AddInt64(&writeCount, int64(wr.Written))
		r.cfg.Metrics.ObserveBatch(source, len(batch.Records), wr.RowsAffected)
		transition(StateAdvancing)
		if target, ok := advanceTarget(batch, wr, r.cfg.Location); ok {
			if _, err = r.cfg.Watermarks.AdvanceWatermark(ctx, source, target); err != nil {
				return fail(err)
			}
			if res.Watermark == nil || target.After(*res.Watermark) {
				res.Watermark = &target
			}
			r.cfg.Metrics.SetWatermark(source, *res.Watermark)
		}
		transition(StateFetching)
	}
}

// advanceTarget returns min(batch max instant, max persisted), or false if nothing was persisted.
// The persisted maximum is naive wall clock in loc.
func advanceTarget(batch *fetch.RecordBatch, wr warehouse.WriteResult, loc *time.Location) (time.Time, bool) {
	if wr.MaxPersisted.IsZero() {
		return time.Time{}, false
	}
	if batch.MaxTimestamp.IsZero() || wr.MaxPersisted.Before(h.Naive(batch.MaxTimestamp, loc)) {
		return h.FromNaive(wr.MaxPersisted, loc).UTC(), true
	}
	return batch.MaxTimestamp.UTC(), true
}

// isFresh returns why source need not run given the instant its last complete run reached,
// or "" if it should run.
func (r *Runner) isFresh(source string, completed *time.Time) string {
	if completed == nil {
		return ""
	}
	lag, ok := r.cfg.FreshnessLagDays[source]
	if !ok {
		return ""
	}
	today := h.StartOfDay(h.Naive(r.cfg.Now(), r.cfg.Location))
	reached := h.Naive(*completed, r.cfg.Location)
	if !h.StartOfDay(reached).Before(today.AddDate(0, 0, -lag)) {
		return fmt.Sprintf("last complete run reached %v, which is up to date", reached.Format(constants.TimeFormatNaive))
	}
	return ""
}
