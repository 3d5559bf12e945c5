package components

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/relloyd/ogdsync/fetch"
	"github.com/relloyd/ogdsync/logger"
	s "github.com/relloyd/ogdsync/stats"
)

// BatchSequence yields record batches until io.EOF. It is satisfied by *fetch.Sequence.
type BatchSequence interface {
	Next(ctx context.Context) (*fetch.RecordBatch, error)
}

type PageFetcherConfig struct {
	Log            logger.Logger
	Name           string
	Sequence       BatchSequence
	StepWatcher    *s.StepWatcher // optional ptr to object that can gather step stats.
	WaitCounter    ComponentWaiter // optional, counts the goroutine from before it starts until it exits.
	PanicHandlerFn PanicHandlerFunc
}

// NewPageFetcher reads batches from cfg.Sequence in a goroutine and sends them on the output channel.
// The output channel is unbuffered so the goroutine fetches at most one page ahead of the consumer.
// The channel is closed after the last batch. A failure is sent as a FetchResult with Err set and
// ends the sequence. Send Shutdown on the control channel, or cancel ctx, to stop early.
func NewPageFetcher(ctx context.Context, cfg *PageFetcherConfig) (chan FetchResult, chan ControlAction) {
	outputChan := make(chan FetchResult)
	controlChan := make(chan ControlAction, 1)
	if cfg.WaitCounter != nil {
		cfg.WaitCounter.Add()
	}
	go func() {
		if cfg.WaitCounter != nil {
			defer cfg.WaitCounter.Done()
		}
		if cfg.PanicHandlerFn != nil {
			defer cfg.PanicHandlerFn()
		}
		defer close(outputChan)
		rowCount := int64(0)
		if cfg.StepWatcher != nil { // if the caller supplied a watcher for us to report row count...
			cfg.StepWatcher.StartWatching(&rowCount, func() int { return len(outputChan) })
			defer cfg.StepWatcher.StopWatching()
		}
		for page := 1; ; page++ {
			select { // check for a shutdown request before fetching more.
			case c := <-controlChan:
				cfg.Log.Info(cfg.Name, " shutdown before page ", page)
				sendNilControlResponse(c)
				return
			default:
			}
			batch, err := cfg.Sequence.Next(ctx)
			if errors.Is(err, io.EOF) {
				cfg.Log.Debug(cfg.Name, " fetched all pages")
				return
			}
			if err != nil {
				safeSend(ctx, FetchResult{Err: err}, outputChan, controlChan, sendNilControlResponse)
				return
			}
			atomic.AddInt64(&rowCount, int64(len(batch.Records)))
			if !safeSend(ctx, FetchResult{Batch: batch}, outputChan, controlChan, sendNilControlResponse) {
				cfg.Log.Info(cfg.Name, " shutdown after page ", page)
				return
			}
		}
	}()
	return outputChan, controlChan
}
