package components

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relloyd/ogdsync/fetch"
	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/stream"
)

var testLog = logger.NewLogger("ogdsync", "error", false)

// countingSequence returns n single record batches then io.EOF, or err if set.
type countingSequence struct {
	n       int
	calls   int32
	err     error
	errPage int
}

func (c *countingSequence) Next(ctx context.Context) (*fetch.RecordBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page := int(atomic.AddInt32(&c.calls, 1))
	if c.err != nil && page == c.errPage {
		return nil, c.err
	}
	if page > c.n {
		return nil, io.EOF
	}
	return &fetch.RecordBatch{Source: "events", Page: page, Records: []stream.Record{stream.NewRecord()}}, nil
}

func TestPageFetcherDeliversAllBatchesInOrder(t *testing.T) {
	seq := &countingSequence{n: 5}
	waiter := &MockComponentWaiter{}
	out, _ := NewPageFetcher(context.Background(), &PageFetcherConfig{Log: testLog, Name: "test", Sequence: seq, WaitCounter: waiter})
	if waiter.Count() != 1 {
		t.Fatalf("expected the fetcher to be counted as soon as it is created; got %v", waiter.Count())
	}
	page := 0
	for res := range out {
		if res.Err != nil {
			t.Fatal(res.Err)
		}
		page++
		if res.Batch.Page != page {
			t.Fatalf("expected page %v; got %v", page, res.Batch.Page)
		}
	}
	if page != 5 {
		t.Fatalf("expected 5 batches; got %v", page)
	}
}

func TestPageFetcherReadsOnePageAhead(t *testing.T) {
	seq := &countingSequence{n: 10}
	out, _ := NewPageFetcher(context.Background(), &PageFetcherConfig{Log: testLog, Name: "test", Sequence: seq})
	<-out // take page 1; the goroutine may fetch page 2 and must then block.
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&seq.calls); got != 2 {
		t.Fatalf("expected exactly one page of look-ahead (2 calls); got %v", got)
	}
	for range out { // drain.
	}
}

func TestPageFetcherSendsErrors(t *testing.T) {
	boom := errors.New("boom")
	seq := &countingSequence{n: 5, err: boom, errPage: 3}
	out, _ := NewPageFetcher(context.Background(), &PageFetcherConfig{Log: testLog, Name: "test", Sequence: seq})
	batches := 0
	var gotErr error
	for res := range out {
		if res.Err != nil {
			gotErr = res.Err
			continue
		}
		batches++
	}
	if !errors.Is(gotErr, boom) || batches != 2 {
		t.Fatalf("expected 2 batches then boom; got %v batches and %v", batches, gotErr)
	}
}

func TestPageFetcherShutdown(t *testing.T) {
	seq := &countingSequence{n: 1000}
	out, control := NewPageFetcher(context.Background(), &PageFetcherConfig{Log: testLog, Name: "test", Sequence: seq})
	<-out
	resp := make(chan error, 1)
	control <- ControlAction{Action: Shutdown, ResponseChan: resp}
	select {
	case err := <-resp:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for shutdown response")
	}
	for range out { // the channel must be closed after shutdown.
	}
}

func TestPageFetcherCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	seq := &countingSequence{n: 1000}
	out, _ := NewPageFetcher(ctx, &PageFetcherConfig{Log: testLog, Name: "test", Sequence: seq})
	<-out
	cancel()
	done := make(chan struct{})
	go func() {
		for range out {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the fetcher to stop after cancel")
	}
}

// blockingSequence blocks in Next until ctx is cancelled.
type blockingSequence struct {
	started  chan struct{}
	returned int32
}

func (b *blockingSequence) Next(ctx context.Context) (*fetch.RecordBatch, error) {
	close(b.started)
	<-ctx.Done()
	time.Sleep(20 * time.Millisecond)
	atomic.StoreInt32(&b.returned, 1)
	return nil, ctx.Err()
}

func TestWaitGroupWaitsForTheFetcherToExit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	seq := &blockingSequence{started: make(chan struct{})}
	wg := &WaitGroup{}
	NewPageFetcher(ctx, &PageFetcherConfig{Log: testLog, Name: "test", Sequence: seq, WaitCounter: wg})
	<-seq.started
	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the fetcher goroutine")
	}
	if atomic.LoadInt32(&seq.returned) != 1 {
		t.Fatal("expected Wait to return only after the sequence call returned")
	}
}
