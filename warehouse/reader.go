package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/relloyd/ogdsync/cleanse"
	"github.com/relloyd/ogdsync/constants"
	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/rdbms/shared"
	"github.com/relloyd/ogdsync/stream"
)

// Reader queries the raw tables and the derived daily views.
type Reader struct {
	log    logger.Logger
	db     *sqlx.DB
	dml    shared.DmlGenerator
	schema string
}

// NewReader returns a Reader sharing the pool of conn.
func NewReader(log logger.Logger, conn shared.Connector, schema string) *Reader {
	return &Reader{
		log:    log,
		db:     sqlx.NewDb(conn.GetDb(), conn.GetType()),
		dml:    conn.GetDmlGenerator(),
		schema: schema,
	}
}

type dailyCountRow struct {
	Date  sqlDay `db:"date"`
	Count int64  `db:"count"`
}

type combinedReportRow struct {
	Date                sqlDay `db:"date"`
	UniqueIpCount       int64  `db:"unique_ip_count"`
	DatasetInteractions int64  `db:"dataset_interactions"`
}

type rawEventRow struct {
	stream.RawEvent
	Timestamp sqlTime `db:"timestamp"`
}

// RawEvents returns the user actions with from <= timestamp < to in timestamp order.
// Nil bounds are open.
func (r *Reader) RawEvents(ctx context.Context, from *time.Time, to *time.Time) ([]stream.RawEvent, error) {
	where := make([]string, 0, 2)
	args := make([]interface{}, 0, 2)
	if from != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, naive(*from))
	}
	if to != nil {
		where = append(where, "timestamp < ?")
		args = append(args, naive(*to))
	}
	q := fmt.Sprintf("select %v from %v", strings.Join(stream.EventColumns, ", "), r.dml.GetQualifiedName(r.schema, constants.TableUserActions))
	if len(where) > 0 {
		q += " where " + strings.Join(where, " and ")
	}
	q += " order by timestamp"
	rows := make([]rawEventRow, 0)
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "error reading raw events")
	}
	retval := make([]stream.RawEvent, len(rows))
	for idx, row := range rows {
		retval[idx] = row.RawEvent
		retval[idx].Timestamp = row.Timestamp.Time
	}
	return retval, nil
}

// EventRange returns the first and last raw event timestamps, nil if there are no events.
func (r *Reader) EventRange(ctx context.Context) (first *time.Time, last *time.Time, err error) {
	if first, err = r.edgeEvent(ctx, "asc"); err != nil || first == nil {
		return nil, nil, err
	}
	if last, err = r.edgeEvent(ctx, "desc"); err != nil {
		return nil, nil, err
	}
	return first, last, nil
}

func (r *Reader) edgeEvent(ctx context.Context, order string) (*time.Time, error) {
	// Order by rather than min() or max() so SQLite keeps the column type.
	q := fmt.Sprintf("select timestamp from %v order by timestamp %v limit 1", r.dml.GetQualifiedName(r.schema, constants.TableUserActions), order)
	var ts []sqlTime
	if err := r.db.SelectContext(ctx, &ts, q); err != nil {
		return nil, errors.Wrap(err, "error reading the event range")
	}
	if len(ts) == 0 || !ts[0].Valid {
		return nil, nil
	}
	return &ts[0].Time, nil
}

// DailyInteractions reads the gap free series of qualifying interactions in ascending date order.
func (r *Reader) DailyInteractions(ctx context.Context) ([]cleanse.DailyCount, error) {
	return r.dailyCounts(ctx, constants.ViewDailyInteractions, "dataset_interactions")
}

// DailyUniqueIPs reads the gap free series of distinct qualifying IPs in ascending date order.
func (r *Reader) DailyUniqueIPs(ctx context.Context) ([]cleanse.DailyCount, error) {
	return r.dailyCounts(ctx, constants.ViewDailyUniqueIps, "unique_ip_count")
}

func (r *Reader) dailyCounts(ctx context.Context, view string, col string) ([]cleanse.DailyCount, error) {
	q := fmt.Sprintf("select date, %v as count from %v order by date", col, r.dml.GetQualifiedName(r.schema, view))
	rows := make([]dailyCountRow, 0)
	if err := r.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, errors.Wrapf(err, "error reading view %v", view)
	}
	retval := make([]cleanse.DailyCount, len(rows))
	for idx, row := range rows {
		retval[idx] = cleanse.DailyCount{Date: row.Date.Time, Count: row.Count}
	}
	return retval, nil
}

// CombinedReport reads the combined daily report ordered by date descending.
// If days > 0 only the latest days rows are returned.
func (r *Reader) CombinedReport(ctx context.Context, days int) ([]cleanse.CombinedReportRow, error) {
	q := fmt.Sprintf("select date, unique_ip_count, dataset_interactions from %v order by date desc",
		r.dml.GetQualifiedName(r.schema, constants.ViewCombinedDailyReport))
	args := make([]interface{}, 0, 1)
	if days > 0 {
		q += " limit ?"
		args = append(args, days)
	}
	rows := make([]combinedReportRow, 0)
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "error reading the combined daily report")
	}
	retval := make([]cleanse.CombinedReportRow, len(rows))
	for idx, row := range rows {
		retval[idx] = cleanse.CombinedReportRow{Date: row.Date.Time, UniqueIpCount: row.UniqueIpCount, DatasetInteractions: row.DatasetInteractions}
	}
	return retval, nil
}
