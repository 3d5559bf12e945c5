package warehouse

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/relloyd/ogdsync/cleanse"
	"github.com/relloyd/ogdsync/constants"
	"github.com/relloyd/ogdsync/fetch"
	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/rdbms"
	"github.com/relloyd/ogdsync/rdbms/migrations"
	"github.com/relloyd/ogdsync/rdbms/shared"
	"github.com/relloyd/ogdsync/stream"
)

var testLog = logger.NewLogger("ogdsync", "error", false)

func openTestDb(t *testing.T) shared.Connector {
	t.Helper()
	conn, err := rdbms.OpenSqliteMemory(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(conn.Close)
	if _, err = migrations.Migrate(context.Background(), testLog, conn, "", migrations.Up); err != nil {
		t.Fatal(err)
	}
	return conn
}

func ts(day int, hour int) time.Time {
	return time.Date(2024, 1, day, hour, 0, 0, 0, time.UTC)
}

func newEvent(at time.Time, userId string, ip string, agent *string) stream.RawEvent {
	return stream.RawEvent{
		Timestamp:  at,
		UserIpAddr: stream.StrPtr(ip),
		UserId:     stream.StrPtr(userId),
		DatasetId:  stream.StrPtr("10650"),
		Action:     stream.StrPtr("api_call"),
		UserAgent:  agent,
	}
}

func eventBatch(events ...stream.RawEvent) *fetch.RecordBatch {
	b := &fetch.RecordBatch{Source: constants.SourceEvents, Page: 1}
	for _, e := range events {
		b.Records = append(b.Records, e.ToRecord())
		if e.Timestamp.After(b.MaxTimestamp) {
			b.MaxTimestamp = e.Timestamp
		}
	}
	return b
}

func countRows(t *testing.T, conn shared.Connector, table string) int {
	t.Helper()
	var n int
	if err := conn.QueryRowContext(context.Background(), "select count(*) from "+table).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestWriteBatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn := openTestDb(t)
	w := NewWriter(testLog, conn, WriterConfig{ExecBatchSize: 2})
	b := eventBatch(
		newEvent(ts(1, 8), "anonymous", "10.0.0.1", nil),
		newEvent(ts(1, 8), "anonymous", "10.0.0.2", nil),
		newEvent(ts(1, 9), "anonymous", "10.0.0.1", nil),
		newEvent(ts(1, 9), "anonymous", "10.0.0.1", nil), // same action twice.
		newEvent(ts(1, 10), "editor", "10.0.0.3", nil),
	)
	res, err := w.WriteBatchResult(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if res.RowsAffected != 4 || res.Written != 5 || res.Skipped != 0 {
		t.Fatalf("unexpected first write result %+v", res)
	}
	if !res.MaxPersisted.Equal(ts(1, 10)) {
		t.Fatalf("expected max persisted %v; got %v", ts(1, 10), res.MaxPersisted)
	}
	n, err := w.WriteBatch(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected replay to insert nothing; got %v rows", n)
	}
	if got := countRows(t, conn, constants.TableUserActions); got != 4 {
		t.Fatalf("expected 4 rows; got %v", got)
	}
}

func TestProperty_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	conn := openTestDb(t)
	w := NewWriter(testLog, conn, WriterConfig{ExecBatchSize: 7})
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("writing a batch twice leaves the table unchanged", prop.ForAll(
		func(hours []int, ips []int) bool {
			if _, err := conn.ExecContext(ctx, "delete from "+constants.TableUserActions); err != nil {
				return false
			}
			events := make([]stream.RawEvent, len(hours))
			distinct := make(map[string]bool)
			for idx, hr := range hours {
				ip := fmt.Sprintf("10.0.0.%d", ips[idx%len(ips)])
				events[idx] = newEvent(ts(1, 0).Add(time.Duration(hr)*time.Minute), "anonymous", ip, nil)
				distinct[fmt.Sprintf("%v/%v", hr, ip)] = true
			}
			b := eventBatch(events...)
			first, err := w.WriteBatch(ctx, b)
			if err != nil {
				return false
			}
			before := countRows(t, conn, constants.TableUserActions)
			second, err := w.WriteBatch(ctx, b)
			if err != nil {
				return false
			}
			after := countRows(t, conn, constants.TableUserActions)
			return first == int64(len(distinct)) && second == 0 && before == after && after == len(distinct)
		},
		gen.SliceOfN(40, gen.IntRange(0, 30)),
		gen.SliceOfN(3, gen.IntRange(1, 4)),
	))
	properties.TestingRun(t)
}

func TestWriteBatchSkipsSnapshotsWithoutDatasetId(t *testing.T) {
	ctx := context.Background()
	conn := openTestDb(t)
	w := NewWriter(testLog, conn, WriterConfig{})
	stamp := ts(2, 5)
	counts := int64(12)
	good := stream.DatasetSnapshot{Timestamp: stamp, DatasetId: "10650", Title: stream.StrPtr("Abfall"), ApiCallCount: &counts}
	goodRec := stream.NewRecord()
	goodRec.SetData(stream.FieldTimestamp, good.Timestamp)
	goodRec.SetData(stream.FieldDatasetId, good.DatasetId)
	goodRec.SetData("title", *good.Title)
	goodRec.SetData("api_call_count", *good.ApiCallCount)
	badRec := stream.NewRecord()
	badRec.SetData(stream.FieldTimestamp, stamp)
	badRec.SetData(stream.FieldDatasetId, nil)
	b := &fetch.RecordBatch{Source: constants.SourceDatasets, Records: []stream.Record{goodRec, badRec}, MaxTimestamp: stamp, Page: 1}
	res, err := w.WriteBatchResult(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if res.Written != 1 || res.Skipped != 1 || res.RowsAffected != 1 {
		t.Fatalf("unexpected write result %+v", res)
	}
	var (
		title string
		calls int64
		at    sqlTime
	)
	if err = conn.QueryRowContext(ctx, "select timestamp, title, api_call_count from datasets where dataset_id = ?", "10650").Scan(&at, &title, &calls); err != nil {
		t.Fatal(err)
	}
	if !at.Time.Equal(stamp) || title != "Abfall" || calls != 12 {
		t.Fatalf("unexpected snapshot row %v %v %v", at.Time, title, calls)
	}
}

func TestWriteBatchFailureIsWriteConflict(t *testing.T) {
	ctx := context.Background()
	conn := openTestDb(t)
	if _, err := conn.ExecContext(ctx, "drop table datasets"); err != nil {
		t.Fatal(err)
	}
	w := NewWriter(testLog, conn, WriterConfig{})
	rec := stream.NewRecord()
	rec.SetData(stream.FieldTimestamp, ts(1, 0))
	rec.SetData(stream.FieldDatasetId, "1")
	_, err := w.WriteBatch(ctx, &fetch.RecordBatch{Source: constants.SourceDatasets, Records: []stream.Record{rec}})
	var wce *WriteConflictError
	if !errors.As(err, &wce) {
		t.Fatalf("expected a WriteConflictError; got %v", err)
	}
	if wce.Table != constants.TableDatasets {
		t.Fatalf("unexpected table %v", wce.Table)
	}
}

func TestWriteBatchUnknownSource(t *testing.T) {
	conn := openTestDb(t)
	w := NewWriter(testLog, conn, WriterConfig{})
	if _, err := w.WriteBatch(context.Background(), &fetch.RecordBatch{Source: "nope"}); err == nil {
		t.Fatal("expected an error for an unknown source")
	}
}

func TestWatermarkAdvanceIsMonotonic(t *testing.T) {
	ctx := context.Background()
	conn := openTestDb(t)
	s := NewWatermarkStore(testLog, conn, "", nil)
	wm, err := s.GetWatermark(ctx, constants.SourceEvents)
	if err != nil {
		t.Fatal(err)
	}
	if wm != nil {
		t.Fatalf("expected no watermark; got %v", wm)
	}
	steps := []struct {
		at       time.Time
		advanced bool
		want     time.Time
	}{
		{ts(2, 0), true, ts(2, 0)},
		{ts(1, 0), false, ts(2, 0)},
		{ts(2, 0), true, ts(2, 0)}, // equal values still refresh updated_at.
		{ts(3, 12), true, ts(3, 12)},
	}
	for idx, step := range steps {
		advanced, err := s.AdvanceWatermark(ctx, constants.SourceEvents, step.at)
		if err != nil {
			t.Fatal(err)
		}
		if advanced != step.advanced {
			t.Fatalf("step %v: expected advanced=%v", idx, step.advanced)
		}
		wm, err = s.GetWatermark(ctx, constants.SourceEvents)
		if err != nil {
			t.Fatal(err)
		}
		if wm == nil || !wm.Equal(step.want) {
			t.Fatalf("step %v: expected watermark %v; got %v", idx, step.want, wm)
		}
	}
	list, err := s.ListWatermarks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Source != constants.SourceEvents || !list[0].Watermark.Equal(ts(3, 12)) {
		t.Fatalf("unexpected watermarks %+v", list)
	}
}

func TestProperty_WatermarkMonotonicity(t *testing.T) {
	ctx := context.Background()
	conn := openTestDb(t)
	s := NewWatermarkStore(testLog, conn, "", nil)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("the stored watermark is the running maximum", prop.ForAll(
		func(offsets []int) bool {
			if _, err := conn.ExecContext(ctx, "delete from "+constants.TableWatermarks); err != nil {
				return false
			}
			var max time.Time
			for _, o := range offsets {
				at := ts(1, 0).Add(time.Duration(o) * time.Second)
				if _, err := s.AdvanceWatermark(ctx, "p", at); err != nil {
					return false
				}
				if at.After(max) {
					max = at
				}
				wm, err := s.GetWatermark(ctx, "p")
				if err != nil || wm == nil || !wm.Equal(max) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 86400*60)),
	))
	properties.TestingRun(t)
}

func TestWatermarkBootstrapsFromRawTable(t *testing.T) {
	ctx := context.Background()
	conn := openTestDb(t)
	w := NewWriter(testLog, conn, WriterConfig{})
	if _, err := w.WriteBatch(ctx, eventBatch(newEvent(ts(1, 8), "anonymous", "10.0.0.1", nil), newEvent(ts(4, 23), "anonymous", "10.0.0.1", nil))); err != nil {
		t.Fatal(err)
	}
	s := NewWatermarkStore(testLog, conn, "", nil)
	wm, err := s.GetWatermark(ctx, constants.SourceEvents)
	if err != nil {
		t.Fatal(err)
	}
	if wm == nil || !wm.Equal(ts(4, 23)) {
		t.Fatalf("expected the latest raw timestamp; got %v", wm)
	}
	wm, err = s.GetWatermark(ctx, constants.SourceDatasets)
	if err != nil {
		t.Fatal(err)
	}
	if wm != nil {
		t.Fatalf("expected no datasets watermark; got %v", wm)
	}
}

func TestWatermarkBootstrapReadsPortalTime(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skip("no tz database: ", err)
	}
	ctx := context.Background()
	conn := openTestDb(t)
	w := NewWriter(testLog, conn, WriterConfig{})
	if _, err = w.WriteBatch(ctx, eventBatch(newEvent(ts(4, 23), "anonymous", "10.0.0.1", nil))); err != nil {
		t.Fatal(err)
	}
	wm, err := NewWatermarkStore(testLog, conn, "", nil).WithLocation(berlin).GetWatermark(ctx, constants.SourceEvents)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2024, 1, 4, 22, 0, 0, 0, time.UTC); wm == nil || !wm.Equal(want) {
		t.Fatalf("expected the raw wall clock read as Berlin time %v; got %v", want, wm)
	}
}

func TestCompletionMarkerIsMonotonic(t *testing.T) {
	ctx := context.Background()
	conn := openTestDb(t)
	s := NewWatermarkStore(testLog, conn, "", nil)
	got, err := s.GetCompletion(ctx, constants.SourceDatasets)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected no completion; got %v", got)
	}
	for _, at := range []time.Time{ts(3, 5), ts(2, 0)} {
		if err = s.MarkComplete(ctx, constants.SourceDatasets, at); err != nil {
			t.Fatal(err)
		}
	}
	got, err = s.GetCompletion(ctx, constants.SourceDatasets)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || !got.Equal(ts(3, 5)) {
		t.Fatalf("expected the completion to stay at %v; got %v", ts(3, 5), got)
	}
	// Advancing the watermark alone says nothing about completion.
	if _, err = s.AdvanceWatermark(ctx, constants.SourceEvents, ts(4, 0)); err != nil {
		t.Fatal(err)
	}
	if got, err = s.GetCompletion(ctx, constants.SourceEvents); err != nil || got != nil {
		t.Fatalf("expected no events completion; got %v, %v", got, err)
	}
}

func TestEndToEndDailySeriesMatchCleanse(t *testing.T) {
	ctx := context.Background()
	conn := openTestDb(t)
	w := NewWriter(testLog, conn, WriterConfig{})
	if _, err := w.WriteBatch(ctx, eventBatch(
		newEvent(ts(1, 8), "anonymous", "10.0.0.1", nil),
		newEvent(ts(1, 9), "anonymous", "10.0.0.1", stream.StrPtr("Mozilla/5.0 Firefox/121.0")),
		newEvent(ts(1, 10), "anonymous", "10.0.0.2", nil),
		newEvent(ts(1, 11), "alice", "10.0.0.3", nil),
		newEvent(ts(3, 7), "anonymous", "10.0.0.4", stream.StrPtr("Googlebot/2.1")),
	)); err != nil {
		t.Fatal(err)
	}
	r := NewReader(testLog, conn, "")
	raw, err := r.RawEvents(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 5 || !raw[0].Timestamp.Equal(ts(1, 8)) || *raw[0].UserIpAddr != "10.0.0.1" || raw[0].UserAgent != nil {
		t.Fatalf("unexpected raw events %+v", raw)
	}
	q, err := cleanse.NewDefaultQualifier("")
	if err != nil {
		t.Fatal(err)
	}
	wantInteractions := []cleanse.DailyCount{{Date: ts(1, 0), Count: 3}, {Date: ts(2, 0), Count: 0}, {Date: ts(3, 0), Count: 0}}
	wantUniques := []cleanse.DailyCount{{Date: ts(1, 0), Count: 2}, {Date: ts(2, 0), Count: 0}, {Date: ts(3, 0), Count: 0}}
	assertSeries(t, "go interactions", cleanse.DailyInteractions(raw, q), wantInteractions)
	assertSeries(t, "go uniques", cleanse.DailyUniqueIPs(raw, q), wantUniques)
	interactions, err := r.DailyInteractions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assertSeries(t, "view interactions", interactions, wantInteractions)
	uniques, err := r.DailyUniqueIPs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assertSeries(t, "view uniques", uniques, wantUniques)
	report, err := r.CombinedReport(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := cleanse.CombinedReport(wantInteractions, wantUniques)
	if len(report) != len(want) {
		t.Fatalf("expected %v report rows; got %v", len(want), len(report))
	}
	for idx := range want {
		if report[idx] != want[idx] {
			t.Fatalf("report row %v: expected %+v; got %+v", idx, want[idx], report[idx])
		}
	}
	latest, err := r.CombinedReport(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(latest) != 2 || !latest[0].Date.Equal(ts(3, 0)) {
		t.Fatalf("unexpected limited report %+v", latest)
	}
	// Bounds are half open.
	day1, day2 := ts(1, 0), ts(2, 0)
	raw, err = r.RawEvents(ctx, &day1, &day2)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 4 {
		t.Fatalf("expected 4 events on day 1; got %v", len(raw))
	}
}

func assertSeries(t *testing.T, name string, got []cleanse.DailyCount, want []cleanse.DailyCount) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%v: expected %v rows; got %+v", name, len(want), got)
	}
	for idx := range want {
		if !got[idx].Date.Equal(want[idx].Date) || got[idx].Count != want[idx].Count {
			t.Fatalf("%v row %v: expected %+v; got %+v", name, idx, want[idx], got[idx])
		}
	}
}

func TestEventKey(t *testing.T) {
	e := newEvent(ts(1, 8), "anonymous", "10.0.0.1", nil)
	k1, err := EventKey(e.ToRecord())
	if err != nil {
		t.Fatal(err)
	}
	k2, _ := EventKey(e.ToRecord())
	if k1 != k2 || len(k1) != 64 {
		t.Fatalf("expected a stable sha256 key; got %q and %q", k1, k2)
	}
	e.Attributes = stream.StrPtr("")
	k3, _ := EventKey(e.ToRecord())
	if k3 == k1 {
		t.Fatal("expected null and empty attributes to produce different keys")
	}
	e.Attributes = nil
	e.UserAgent = stream.StrPtr("curl") // not part of the key.
	k4, _ := EventKey(e.ToRecord())
	if k4 != k1 {
		t.Fatal("expected the user agent not to change the key")
	}
}

func TestSqlTimeScan(t *testing.T) {
	want := time.Date(2024, 3, 31, 2, 30, 5, 0, time.UTC)
	for _, src := range []interface{}{
		"2024-03-31 02:30:05+00:00",
		[]byte("2024-03-31 02:30:05"),
		"2024-03-31T02:30:05Z",
		time.Date(2024, 3, 31, 2, 30, 5, 0, time.FixedZone("", 0)),
	} {
		var s sqlTime
		if err := s.Scan(src); err != nil {
			t.Fatal(err)
		}
		if !s.Valid || !s.Time.Equal(want) || s.Time.Location() != time.UTC {
			t.Fatalf("unexpected scan of %v: %v", src, s.Time)
		}
	}
	var d sqlDay
	if err := d.Scan("2024-03-31"); err != nil {
		t.Fatal(err)
	}
	if !d.Time.Equal(time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected day %v", d.Time)
	}
	var n sqlTime
	if err := n.Scan(nil); err != nil || n.Valid {
		t.Fatal("expected a null scan to be invalid without error")
	}
	if err := n.Scan(42); err == nil {
		t.Fatal("expected an error scanning an int")
	}
}

func TestRunLockerSqliteAlwaysAcquires(t *testing.T) {
	conn := openTestDb(t)
	l := NewRunLocker(testLog, conn)
	release, ok, err := l.TryLock(context.Background(), constants.SourceEvents)
	if err != nil || !ok {
		t.Fatalf("expected the lock; got %v %v", ok, err)
	}
	release()
	if lockKey("events") == lockKey("datasets") {
		t.Fatal("expected distinct lock keys per source")
	}
}
