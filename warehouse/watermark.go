package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/relloyd/ogdsync/constants"
	h "github.com/relloyd/ogdsync/helper"
	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/rdbms/shared"
)

// Watermark is the stored position of a source.
type Watermark struct {
	Source    string    `json:"source" yaml:"source"`
	Watermark time.Time `json:"watermark" yaml:"watermark"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// WatermarkStore keeps the maximum persisted instant per source in table sync_watermarks and
// the point each source was last synced up to in full in table sync_completions.
// Both tables hold UTC wall clock.
type WatermarkStore struct {
	log    logger.Logger
	conn   shared.Connector
	schema string
	tables map[string]*TableSpec // raw tables used to bootstrap a missing watermark.
	loc    *time.Location        // zone of the naive raw timestamps.
	now    func() time.Time
}

// NewWatermarkStore returns a store on conn. If tables is nil the default table specs are used.
func NewWatermarkStore(log logger.Logger, conn shared.Connector, schema string, tables map[string]*TableSpec) *WatermarkStore {
	if tables == nil {
		tables = DefaultTableSpecs()
	}
	return &WatermarkStore{log: log, conn: conn, schema: schema, tables: tables, loc: time.UTC, now: time.Now}
}

// WithLocation sets the zone used to read naive raw timestamps when bootstrapping a watermark.
func (s *WatermarkStore) WithLocation(loc *time.Location) *WatermarkStore {
	if loc != nil {
		s.loc = loc
	}
	return s
}

func (s *WatermarkStore) table(name string) string {
	return s.conn.GetDmlGenerator().GetQualifiedName(s.schema, name)
}

// GetWatermark returns the stored watermark of source as a UTC instant. If none was stored it
// falls back to the latest timestamp in the source's raw table, so existing data is not fetched
// again. It returns nil if neither exists.
func (s *WatermarkStore) GetWatermark(ctx context.Context, source string) (*time.Time, error) {
	dml := s.conn.GetDmlGenerator()
	var wm sqlTime
	q := fmt.Sprintf("select watermark from %v where source = %v", s.table(constants.TableWatermarks), dml.GetBindVar(1))
	err := s.conn.QueryRowContext(ctx, q, source).Scan(&wm)
	switch {
	case err == nil && wm.Valid:
		return &wm.Time, nil
	case err != nil && err != sql.ErrNoRows:
		return nil, errors.Wrapf(err, "error reading watermark of source %v", source)
	}
	spec, ok := s.tables[source]
	if !ok {
		return nil, nil
	}
	// Order by rather than max() so SQLite keeps the column type.
	q = fmt.Sprintf("select timestamp from %v order by timestamp desc limit 1", s.table(spec.Table))
	err = s.conn.QueryRowContext(ctx, q).Scan(&wm)
	if err == sql.ErrNoRows || (err == nil && !wm.Valid) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "error reading latest timestamp of table %v", spec.Table)
	}
	s.log.Info("no watermark stored for source ", source, "; starting from the latest row in ", spec.Table, " at ", wm.Time.Format(constants.TimeFormatNaive))
	// An ambiguous wall clock resolves to the earlier instant so nothing is skipped.
	ts := h.FromNaive(wm.Time, s.loc).UTC()
	return &ts, nil
}

// AdvanceWatermark sets the watermark of source to ts unless the stored value is later.
// The compare and set is one statement so concurrent writers cannot move it backwards.
// It returns true if the stored value changed or was created.
func (s *WatermarkStore) AdvanceWatermark(ctx context.Context, source string, ts time.Time) (bool, error) {
	dml := s.conn.GetDmlGenerator()
	q := fmt.Sprintf(`insert into %v (source, watermark, updated_at) values (%v, %v, %v) `+
		`on conflict (source) do update set watermark = excluded.watermark, updated_at = excluded.updated_at `+
		`where %v.watermark <= excluded.watermark`,
		s.table(constants.TableWatermarks), dml.GetBindVar(1), dml.GetBindVar(2), dml.GetBindVar(3), constants.TableWatermarks)
	// Whole seconds keep SQLite's text comparison in line with the time order.
	ts = naive(ts.UTC()).Truncate(time.Second)
	updatedAt := naive(s.now().UTC()).Truncate(time.Second)
	r, err := s.conn.ExecContext(ctx, q, source, ts, updatedAt)
	if err != nil {
		return false, &WatermarkPersistenceError{Source: source, Err: err}
	}
	n, err := r.RowsAffected()
	if err != nil {
		return false, &WatermarkPersistenceError{Source: source, Err: err}
	}
	if n > 0 {
		s.log.Debug("advanced watermark of source ", source, " to ", ts.Format(constants.TimeFormatNaive))
	}
	return n > 0, nil
}

// ListWatermarks returns all stored watermarks ordered by source.
func (s *WatermarkStore) ListWatermarks(ctx context.Context) ([]Watermark, error) {
	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf("select source, watermark, updated_at from %v order by source", s.table(constants.TableWatermarks)))
	if err != nil {
		return nil, errors.Wrap(err, "error listing watermarks")
	}
	defer func() {
		_ = rows.Close()
	}()
	retval := make([]Watermark, 0)
	for rows.Next() {
		var (
			w             Watermark
			wm, updatedAt sqlTime
		)
		if err = rows.Scan(&w.Source, &wm, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "error scanning watermark")
		}
		w.Watermark, w.UpdatedAt = wm.Time, updatedAt.Time
		retval = append(retval, w)
	}
	return retval, rows.Err()
}

// GetCompletion returns the instant up to which source was last synced in full, nil if never.
func (s *WatermarkStore) GetCompletion(ctx context.Context, source string) (*time.Time, error) {
	dml := s.conn.GetDmlGenerator()
	var until sqlTime
	q := fmt.Sprintf("select synced_until from %v where source = %v", s.table(constants.TableCompletions), dml.GetBindVar(1))
	err := s.conn.QueryRowContext(ctx, q, source).Scan(&until)
	if err == sql.ErrNoRows || (err == nil && !until.Valid) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "error reading completion of source %v", source)
	}
	return &until.Time, nil
}

// MarkComplete records that source has been synced in full up to until.
// Like AdvanceWatermark it never moves the stored value backwards.
func (s *WatermarkStore) MarkComplete(ctx context.Context, source string, until time.Time) error {
	dml := s.conn.GetDmlGenerator()
	q := fmt.Sprintf(`insert into %v (source, synced_until, updated_at) values (%v, %v, %v) `+
		`on conflict (source) do update set synced_until = excluded.synced_until, updated_at = excluded.updated_at `+
		`where %v.synced_until <= excluded.synced_until`,
		s.table(constants.TableCompletions), dml.GetBindVar(1), dml.GetBindVar(2), dml.GetBindVar(3), constants.TableCompletions)
	until = naive(until.UTC()).Truncate(time.Second)
	updatedAt := naive(s.now().UTC()).Truncate(time.Second)
	if _, err := s.conn.ExecContext(ctx, q, source, until, updatedAt); err != nil {
		return &WatermarkPersistenceError{Source: source, Err: err}
	}
	s.log.Debug("source ", source, " is complete up to ", until.Format(constants.TimeFormatNaive))
	return nil
}
