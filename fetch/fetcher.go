// Package fetch pages through monitoring datasets incrementally.
package fetch

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/relloyd/ogdsync/constants"
	h "github.com/relloyd/ogdsync/helper"
	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/monitoring"
	"github.com/relloyd/ogdsync/stream"
)

// PageClient fetches one page of raw records. It is satisfied by *monitoring.Client.
type PageClient interface {
	FetchPage(ctx context.Context, req monitoring.PageRequest) ([]json.RawMessage, error)
}

// Mode selects how a source is paged.
type Mode int

const (
	// ModeIncremental pages by timestamp from the watermark onwards.
	ModeIncremental Mode = iota
	// ModeSnapshot pages by offset over the whole dataset and stamps each record with the run time.
	ModeSnapshot
)

// Source describes one monitoring dataset.
type Source struct {
	Name    string
	Dataset string
	Mode    Mode
	OrderBy string // snapshot sort field; incremental sources always sort by timestamp.
}

// Options control paging for all sources of a Fetcher.
type Options struct {
	PageSize        int
	MaxOffsetWindow int
	Location        *time.Location
	// Until is an exclusive upper bound instant for incremental sources, nil for none.
	Until *time.Time
	// CompleteDaysOnly bounds incremental sources by midnight today in Location, computed when
	// each sequence starts, unless Until is set.
	CompleteDaysOnly bool
	// Now returns the current time, used to stamp snapshots.
	Now func() time.Time
}

// Cursor is the position of an incremental sequence: records before the instant Timestamp and the
// first Skip records at exactly Timestamp have been consumed.
type Cursor struct {
	Timestamp time.Time
	Skip      int
}

func (c Cursor) String() string {
	if c.Timestamp.IsZero() {
		return fmt.Sprintf("(start, skip %d)", c.Skip)
	}
	return fmt.Sprintf("(%v, skip %d)", c.Timestamp.UTC().Format(time.RFC3339), c.Skip)
}

// RecordBatch is one page of normalised records.
type RecordBatch struct {
	Source  string
	Records []stream.Record
	// MaxTimestamp is the latest instant in the page in UTC, or the run stamp of a snapshot.
	// The records themselves carry naive portal time.
	MaxTimestamp time.Time
	Page         int
	Cursor       Cursor // the cursor after this batch.
}

// Fetcher creates record sequences for its sources.
type Fetcher struct {
	log     logger.Logger
	client  PageClient
	opts    Options
	sources map[string]Source
}

// NewFetcher returns a Fetcher for sources.
func NewFetcher(log logger.Logger, client PageClient, opts Options, sources ...Source) *Fetcher {
	if opts.PageSize <= 0 {
		opts.PageSize = constants.DefaultPageSize
	}
	if opts.MaxOffsetWindow <= 0 {
		opts.MaxOffsetWindow = constants.DefaultMaxOffsetWindow
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := make(map[string]Source, len(sources))
	for _, s := range sources {
		m[s.Name] = s
	}
	return &Fetcher{log: log, client: client, opts: opts, sources: m}
}

// FetchFrom returns a lazy sequence of batches for source starting at the instant since
// (inclusive). A nil since starts from the oldest record. Nothing is fetched until Next is called.
func (f *Fetcher) FetchFrom(source string, since *time.Time) (*Sequence, error) {
	src, ok := f.sources[source]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", source)
	}
	opts := f.opts
	now := opts.Now().UTC().Truncate(time.Second)
	if opts.Until == nil && opts.CompleteDaysOnly && src.Mode == ModeIncremental {
		midnight := h.DayStart(now, opts.Location)
		opts.Until = &midnight
	}
	s := &Sequence{
		log:    f.log.WithField("source", source),
		client: f.client,
		opts:   opts,
		src:    src,
		stamp:  now,
	}
	if src.Mode == ModeIncremental && since != nil {
		s.cursor.Timestamp = since.UTC()
	}
	return s, nil
}

// Sequence yields the batches of one source in ascending order.
type Sequence struct {
	log    logger.Logger
	client PageClient
	opts   Options
	src    Source
	cursor Cursor
	stamp  time.Time // start of the sequence, the run stamp of snapshots.
	page   int
	done   bool
}

// Cursor returns the position after the last batch returned.
func (s *Sequence) Cursor() Cursor {
	return s.cursor
}

// SyncedUntil is the instant up to which the source is complete once Next has returned io.EOF:
// the upper bound of an incremental sequence, or else the time it started.
func (s *Sequence) SyncedUntil() time.Time {
	if s.src.Mode == ModeIncremental && s.opts.Until != nil {
		return s.opts.Until.UTC()
	}
	return s.stamp
}

// Next fetches the next batch. It returns io.EOF once the source is exhausted.
func (s *Sequence) Next(ctx context.Context) (*RecordBatch, error) {
	if s.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.cursor.Skip+s.opts.PageSize > s.opts.MaxOffsetWindow {
		return nil, &NonProgressError{
			Source: s.src.Name,
			Cursor: s.cursor,
			Reason: fmt.Sprintf("offset %d plus page size %d exceeds the API window of %d", s.cursor.Skip, s.opts.PageSize, s.opts.MaxOffsetWindow),
		}
	}
	req := s.request()
	raw, err := s.client.FetchPage(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch %v page %d: %w", s.src.Name, s.page+1, err)
	}
	if len(raw) == 0 {
		s.done = true
		return nil, io.EOF
	}
	if len(raw) > s.opts.PageSize {
		return nil, fmt.Errorf("fetch %v page %d: received %d records for a page size of %d", s.src.Name, s.page+1, len(raw), s.opts.PageSize)
	}
	records := make([]stream.Record, 0, len(raw))
	instants := make([]time.Time, 0, len(raw))
	for _, r := range raw {
		rec, err := monitoring.DecodeRecord(r)
		if err != nil {
			return nil, err
		}
		if s.src.Mode == ModeSnapshot {
			rec, err = monitoring.NormalizeSnapshot(rec, h.Naive(s.stamp, s.opts.Location))
		} else {
			var ts time.Time
			if ts, err = monitoring.EventInstant(rec, s.opts.Location); err == nil {
				instants = append(instants, ts)
				rec, err = monitoring.NormalizeEvent(rec, s.opts.Location)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("normalise %v record: %w", s.src.Name, err)
		}
		records = append(records, rec)
	}
	s.page++
	batch := &RecordBatch{Source: s.src.Name, Records: records, Page: s.page}
	if s.src.Mode == ModeSnapshot {
		s.cursor.Skip += len(records)
		batch.MaxTimestamp = s.stamp
	} else if batch.MaxTimestamp, err = s.advance(instants); err != nil {
		return nil, err
	}
	batch.Cursor = s.cursor
	if len(records) < s.opts.PageSize { // if this is a short page...
		s.done = true
	}
	s.log.Debug("fetched page ", batch.Page, " with ", len(records), " records; cursor now ", s.cursor)
	return batch, nil
}

func (s *Sequence) request() monitoring.PageRequest {
	req := monitoring.PageRequest{
		Dataset: s.src.Dataset,
		Limit:   s.opts.PageSize,
		Offset:  s.cursor.Skip,
		OrderBy: s.src.OrderBy,
	}
	if s.src.Mode == ModeIncremental {
		req.OrderBy = stream.FieldTimestamp + " ASC"
		req.Until = s.opts.Until
		if !s.cursor.Timestamp.IsZero() {
			ts := s.cursor.Timestamp
			req.Since = &ts
		}
	}
	return req
}

// advance checks the order of the instants of an incremental page and moves the cursor past it.
// It returns the latest instant in the page.
func (s *Sequence) advance(instants []time.Time) (time.Time, error) {
	var maxTS time.Time
	atMax := 0
	for idx, ts := range instants {
		if ts.Before(s.cursor.Timestamp) {
			return time.Time{}, &NonProgressError{Source: s.src.Name, Cursor: s.cursor, Reason: fmt.Sprintf("record at %v is older than the cursor", ts.Format(time.RFC3339))}
		}
		if idx > 0 && ts.Before(maxTS) {
			return time.Time{}, &NonProgressError{Source: s.src.Name, Cursor: s.cursor, Reason: "page is not in ascending timestamp order"}
		}
		if ts.Equal(maxTS) {
			atMax++
		} else {
			maxTS = ts
			atMax = 1
		}
	}
	if maxTS.After(s.cursor.Timestamp) {
		s.cursor = Cursor{Timestamp: maxTS, Skip: atMax}
	} else { // the whole page sits on the cursor timestamp...
		s.cursor.Skip += len(instants)
	}
	return maxTS, nil
}
