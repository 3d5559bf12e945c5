package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/relloyd/ogdsync/constants"
	"github.com/relloyd/ogdsync/fetch"
	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/monitoring"
	"github.com/relloyd/ogdsync/rdbms"
	"github.com/relloyd/ogdsync/rdbms/migrations"
	"github.com/relloyd/ogdsync/rdbms/shared"
	"github.com/relloyd/ogdsync/stats"
	"github.com/relloyd/ogdsync/warehouse"
)

var testLog = logger.NewLogger("ogdsync", "error", false)

func at(day int, hour int) time.Time {
	return time.Date(2024, 1, day, hour, 0, 0, 0, time.UTC)
}

type fakeEvent struct {
	ts time.Time
	ip string
}

// fakeMonitoring serves events for the events dataset and a fixed catalogue for the datasets one.
type fakeMonitoring struct {
	mu          sync.Mutex
	events      []fakeEvent
	catalogue   int
	failDataset string
	failRequest int // fail the request with this 1-based number.
	outOfOrder  bool
	requests    int
}

func (f *fakeMonitoring) FetchPage(ctx context.Context, req monitoring.PageRequest) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Dataset == f.failDataset || f.requests == f.failRequest {
		return nil, &monitoring.TransientTransportError{Attempts: 3, StatusCode: 503, Err: errors.New("unavailable")}
	}
	retval := make([]json.RawMessage, 0)
	if req.Dataset == constants.DefaultDatasetsDataset {
		for idx := req.Offset; idx < f.catalogue && idx < req.Offset+req.Limit; idx++ {
			retval = append(retval, json.RawMessage(fmt.Sprintf(`{"dataset_id": "%d", "title": "Dataset %d", "api_call_count": %d}`, 100+idx, idx, idx*10)))
		}
		return retval, nil
	}
	matching := make([]fakeEvent, 0)
	for _, e := range f.events {
		if req.Since != nil && e.ts.Before(*req.Since) {
			continue
		}
		if req.Until != nil && !e.ts.Before(*req.Until) {
			continue
		}
		matching = append(matching, e)
	}
	sort.SliceStable(matching, func(a, b int) bool { return matching[a].ts.Before(matching[b].ts) })
	if f.outOfOrder && len(matching) > 2 {
		matching[1], matching[2] = matching[2], matching[1]
	}
	for idx := req.Offset; idx < len(matching) && idx < req.Offset+req.Limit; idx++ {
		e := matching[idx]
		retval = append(retval, json.RawMessage(fmt.Sprintf(
			`{"timestamp": %q, "user_ip_addr": %q, "user_id": "anonymous", "dataset_id": ["10650"], "action": "api_call"}`,
			e.ts.Format(time.RFC3339), e.ip)))
	}
	return retval, nil
}

func sevenEvents() []fakeEvent {
	return []fakeEvent{
		{at(1, 8), "10.0.0.1"},
		{at(1, 8), "10.0.0.2"},
		{at(1, 9), "10.0.0.1"},
		{at(2, 10), "10.0.0.3"},
		{at(2, 10), "10.0.0.4"},
		{at(2, 10), "10.0.0.5"},
		{at(3, 23), "10.0.0.1"},
	}
}

type testEnv struct {
	conn     shared.Connector
	api      *fakeMonitoring
	writer   *warehouse.Writer
	store    *warehouse.WatermarkStore
	registry *SafeMapRunInfo
	metrics  *stats.Metrics
}

func newTestEnv(t *testing.T, api *fakeMonitoring) *testEnv {
	t.Helper()
	conn, err := rdbms.OpenSqliteMemory(t.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(conn.Close)
	if _, err = migrations.Migrate(context.Background(), testLog, conn, "", migrations.Up); err != nil {
		t.Fatal(err)
	}
	return &testEnv{
		conn:     conn,
		api:      api,
		writer:   warehouse.NewWriter(testLog, conn, warehouse.WriterConfig{ExecBatchSize: 2}),
		store:    warehouse.NewWatermarkStore(testLog, conn, "", nil),
		registry: NewSafeMapRunInfo(),
		metrics:  stats.NewMetrics(prometheus.NewRegistry()),
	}
}

func (e *testEnv) runner(t *testing.T, now time.Time, force bool, mutate func(cfg *Config)) *Runner {
	t.Helper()
	clock := func() time.Time { return now }
	f := fetch.NewFetcher(testLog, e.api, fetch.Options{PageSize: 3, MaxOffsetWindow: 10000, Location: time.UTC, Now: clock},
		fetch.Source{Name: constants.SourceEvents, Dataset: constants.DefaultEventsDataset, Mode: fetch.ModeIncremental},
		fetch.Source{Name: constants.SourceDatasets, Dataset: constants.DefaultDatasetsDataset, Mode: fetch.ModeSnapshot, OrderBy: "dataset_id"})
	cfg := Config{
		Log:        testLog,
		Fetcher:    f,
		Writer:     e.writer,
		Watermarks: e.store,
		Locker:     warehouse.NewRunLocker(testLog, e.conn),
		Metrics:    e.metrics,
		Registry:   e.registry,
		Force:      force,
		Location:   time.UTC,
		Now:        clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewRunner(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func (e *testEnv) maxRawTimestamp(t *testing.T) time.Time {
	t.Helper()
	rows, err := warehouse.NewReader(testLog, e.conn, "").RawEvents(context.Background(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	var max time.Time
	for _, r := range rows {
		if r.Timestamp.After(max) {
			max = r.Timestamp
		}
	}
	return max
}

func TestRunSyncsAllPagesAndAdvancesWatermark(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeMonitoring{events: sevenEvents()})
	r := env.runner(t, at(10, 6), false, nil)
	res := r.Run(ctx, constants.SourceEvents)
	if res.Err != nil || res.State != StateIdle {
		t.Fatalf("expected a successful run; got state %v err %v", res.State, res.Err)
	}
	if res.Batches != 3 || res.RowsFetched != 7 || res.RowsWritten != 7 {
		t.Fatalf("unexpected counts %+v", res)
	}
	if res.Watermark == nil || !res.Watermark.Equal(at(3, 23)) {
		t.Fatalf("expected watermark %v; got %v", at(3, 23), res.Watermark)
	}
	stored, err := env.store.GetWatermark(ctx, constants.SourceEvents)
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil || !stored.Equal(*res.Watermark) {
		t.Fatalf("expected stored watermark %v; got %v", res.Watermark, stored)
	}
	if max := env.maxRawTimestamp(t); stored.After(max) {
		t.Fatalf("watermark %v is ahead of persisted data %v", stored, max)
	}
	if got := testutil.ToFloat64(env.metrics.RowsWritten.WithLabelValues(constants.SourceEvents)); got != 7 {
		t.Fatalf("expected 7 rows written in metrics; got %v", got)
	}
	completed, err := env.store.GetCompletion(ctx, constants.SourceEvents)
	if err != nil {
		t.Fatal(err)
	}
	if completed == nil || !completed.Equal(at(10, 6)) {
		t.Fatalf("expected the run to be marked complete at its start; got %v", completed)
	}
	// The watermark is inclusive so the next run sees the last record again and writes nothing.
	res = env.runner(t, at(10, 6), true, nil).Run(ctx, constants.SourceEvents)
	if res.Err != nil || res.Batches != 1 || res.RowsFetched != 1 || res.RowsWritten != 0 {
		t.Fatalf("unexpected second run %+v", res)
	}
	ri, ok := env.registry.Load(res.RunID)
	if !ok || !ri.Status.Finished || ri.Status.State != StateIdle {
		t.Fatalf("expected the registry to hold the finished run; got %+v", ri)
	}
}

func TestRunSkipsFreshSources(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeMonitoring{events: sevenEvents()})
	if _, err := env.store.AdvanceWatermark(ctx, constants.SourceEvents, at(3, 23)); err != nil {
		t.Fatal(err)
	}
	// A watermark alone does not make a source fresh.
	res := env.runner(t, at(4, 6), false, nil).Run(ctx, constants.SourceEvents)
	if res.Skipped != "" || res.Batches != 1 {
		t.Fatalf("expected a run without a completion marker; got %+v", res)
	}
	env.api.requests = 0
	res = env.runner(t, at(4, 7), false, nil).Run(ctx, constants.SourceEvents)
	if !strings.Contains(res.Skipped, "is up to date") || res.State != StateIdle || res.Batches != 0 {
		t.Fatalf("expected the run to be skipped; got %+v", res)
	}
	if env.api.requests != 0 {
		t.Fatalf("expected no requests; got %v", env.api.requests)
	}
	res = env.runner(t, at(4, 7), true, nil).Run(ctx, constants.SourceEvents)
	if res.Skipped != "" || res.Batches != 1 {
		t.Fatalf("expected force to bypass the gate; got %+v", res)
	}
	// The next day the marker is a day behind.
	if res = env.runner(t, at(5, 0), false, nil).Run(ctx, constants.SourceEvents); res.Skipped != "" {
		t.Fatalf("expected a run on the next day; got %+v", res)
	}
}

func TestWithForceSharesRegistry(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeMonitoring{events: sevenEvents()})
	if _, err := env.store.AdvanceWatermark(ctx, constants.SourceEvents, at(3, 23)); err != nil {
		t.Fatal(err)
	}
	r := env.runner(t, at(4, 6), false, nil)
	forced := r.WithForce(true)
	if res := forced.Run(ctx, constants.SourceEvents); res.Skipped != "" {
		t.Fatalf("expected the forced runner to bypass the gate; got %+v", res)
	}
	if res := r.Run(ctx, constants.SourceEvents); res.Skipped == "" {
		t.Fatalf("expected the original runner to keep its gate; got %+v", res)
	}
	if forced.Registry() != r.Registry() || len(r.Registry().List()) != 2 {
		t.Fatalf("expected both runs in one registry; got %v", len(r.Registry().List()))
	}
}

func TestRunSnapshotSource(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeMonitoring{catalogue: 5})
	now := at(10, 6).Add(1500 * time.Millisecond)
	res := env.runner(t, now, false, nil).Run(ctx, constants.SourceDatasets)
	if res.Err != nil || res.Batches != 2 || res.RowsWritten != 5 {
		t.Fatalf("unexpected snapshot run %+v", res)
	}
	if res.Watermark == nil || !res.Watermark.Equal(now.Truncate(time.Second)) {
		t.Fatalf("expected the run stamp as watermark; got %v", res.Watermark)
	}
	// A second run on the same day is skipped.
	res = env.runner(t, now.Add(time.Hour), false, nil).Run(ctx, constants.SourceDatasets)
	if res.Skipped == "" {
		t.Fatalf("expected the second snapshot to be skipped; got %+v", res)
	}
}

func TestRunSnapshotRetriesAfterAFailedPage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeMonitoring{catalogue: 7, failRequest: 2})
	now := at(10, 6)
	res := env.runner(t, now, false, nil).Run(ctx, constants.SourceDatasets)
	if res.State != StateFailed || res.Batches != 1 {
		t.Fatalf("expected the snapshot to fail on page 2; got %+v", res)
	}
	if completed, err := env.store.GetCompletion(ctx, constants.SourceDatasets); err != nil || completed != nil {
		t.Fatalf("expected no completion after a failed page; got %v, %v", completed, err)
	}
	// The retry later that day takes a complete snapshot.
	res = env.runner(t, now.Add(4*time.Hour), false, nil).Run(ctx, constants.SourceDatasets)
	if res.Err != nil || res.Skipped != "" || res.Batches != 3 || res.RowsWritten != 7 {
		t.Fatalf("expected the retry to fetch the whole catalogue; got %+v", res)
	}
	completed, err := env.store.GetCompletion(ctx, constants.SourceDatasets)
	if err != nil {
		t.Fatal(err)
	}
	if completed == nil || !completed.Equal(now.Add(4*time.Hour)) {
		t.Fatalf("expected the retry stamp as completion; got %v", completed)
	}
	if res = env.runner(t, now.Add(8*time.Hour), false, nil).Run(ctx, constants.SourceDatasets); res.Skipped == "" {
		t.Fatalf("expected the source to be up to date after the retry; got %+v", res)
	}
}

type failingWriter struct {
	BatchWriter
	failOn int
	calls  int
}

func (f *failingWriter) WriteBatchResult(ctx context.Context, batch *fetch.RecordBatch) (warehouse.WriteResult, error) {
	f.calls++
	if f.calls == f.failOn {
		return warehouse.WriteResult{}, &warehouse.WriteConflictError{Table: constants.TableUserActions, Err: errors.New("deadlock")}
	}
	return f.BatchWriter.WriteBatchResult(ctx, batch)
}

func TestRunWriteFailureKeepsLastAdvancedWatermark(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &fakeMonitoring{events: sevenEvents()})
	r := env.runner(t, at(10, 6), false, func(cfg *Config) {
		cfg.Writer = &failingWriter{BatchWriter: env.writer, failOn: 2}
	})
	res := r.Run(ctx, constants.SourceEvents)
	var wce *warehouse.WriteConflictError
	if res.State != StateFailed || !errors.As(res.Err, &wce) {
		t.Fatalf("expected a failed run with a write conflict; got %v %v", res.State, res.Err)
	}
	stored, err := env.store.GetWatermark(ctx, constants.SourceEvents)
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil || !stored.Equal(at(1, 9)) {
		t.Fatalf("expected the watermark of the first batch; got %v", stored)
	}
	if err = Failed([]RunResult{res}); err == nil {
		t.Fatal("expected Failed to report the run")
	}
	// The retry is not gated and resumes from the watermark.
	res = env.runner(t, at(10, 7), false, nil).Run(ctx, constants.SourceEvents)
	if res.Err != nil || res.Skipped != "" || res.RowsFetched != 5 || res.RowsWritten != 4 {
		t.Fatalf("expected the retry to fetch the rest of the events; got %+v", res)
	}
}

type failingStore struct {
	WatermarkStore
}

func (f *failingStore) AdvanceWatermark(ctx context.Context, source string, ts time.Time) (bool, error) {
	return false, &warehouse.WatermarkPersistenceError{Source: source, Err: errors.New("disk full")}
}

func TestRunWatermarkFailure(t *testing.T) {
	env := newTestEnv(t, &fakeMonitoring{events: sevenEvents()})
	r := env.runner(t, at(10, 6), false, func(cfg *Config) {
		cfg.Watermarks = &failingStore{WatermarkStore: env.store}
	})
	res := r.Run(context.Background(), constants.SourceEvents)
	var wpe *warehouse.WatermarkPersistenceError
	if res.State != StateFailed || !errors.As(res.Err, &wpe) || res.Batches != 1 {
		t.Fatalf("expected a watermark persistence failure after one batch; got %+v", res)
	}
}

func TestRunNonProgress(t *testing.T) {
	env := newTestEnv(t, &fakeMonitoring{events: sevenEvents(), outOfOrder: true})
	res := env.runner(t, at(10, 6), false, nil).Run(context.Background(), constants.SourceEvents)
	var npe *fetch.NonProgressError
	if res.State != StateFailed || !errors.As(res.Err, &npe) {
		t.Fatalf("expected a non progress failure; got %v %v", res.State, res.Err)
	}
	if res.Watermark != nil {
		t.Fatalf("expected no watermark; got %v", res.Watermark)
	}
}

type busyLocker struct{}

func (busyLocker) TryLock(ctx context.Context, source string) (func(), bool, error) {
	return func() {}, false, nil
}

func TestRunAlreadyRunning(t *testing.T) {
	env := newTestEnv(t, &fakeMonitoring{events: sevenEvents()})
	res := env.runner(t, at(10, 6), false, func(cfg *Config) { cfg.Locker = busyLocker{} }).Run(context.Background(), constants.SourceEvents)
	if res.Skipped != skippedAlreadyRunning || res.State != StateIdle || env.api.requests != 0 {
		t.Fatalf("expected the run to be skipped as already running; got %+v", res)
	}
}

func TestRunCancelled(t *testing.T) {
	env := newTestEnv(t, &fakeMonitoring{events: sevenEvents()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := env.runner(t, at(10, 6), false, nil).Run(ctx, constants.SourceEvents)
	if res.State != StateFailed || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected a cancelled run; got %v %v", res.State, res.Err)
	}
}

func TestRunAllIsolatesFailures(t *testing.T) {
	env := newTestEnv(t, &fakeMonitoring{events: sevenEvents(), failDataset: constants.DefaultDatasetsDataset})
	results := env.runner(t, at(10, 6), false, nil).RunAll(context.Background(), []string{constants.SourceEvents, constants.SourceDatasets})
	if len(results) != 2 {
		t.Fatalf("expected 2 results; got %v", len(results))
	}
	if results[0].Source != constants.SourceEvents || results[0].State != StateIdle || results[0].RowsWritten != 7 {
		t.Fatalf("expected events to succeed; got %+v", results[0])
	}
	var tte *monitoring.TransientTransportError
	if results[1].State != StateFailed || !errors.As(results[1].Err, &tte) {
		t.Fatalf("expected datasets to fail with a transport error; got %+v", results[1])
	}
	if results[0].RunID == results[1].RunID {
		t.Fatal("expected distinct run ids")
	}
	if got := len(env.registry.List()); got != 2 {
		t.Fatalf("expected 2 registered runs; got %v", got)
	}
}

func TestNewRunnerValidates(t *testing.T) {
	if _, err := NewRunner(Config{Log: testLog}); err == nil {
		t.Fatal("expected an error for a missing fetcher")
	}
}

func TestStateJson(t *testing.T) {
	b, err := json.Marshal(struct {
		S State `json:"s"`
	}{StateAdvancing})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"s":"advancing"}` {
		t.Fatalf("unexpected json %s", b)
	}
	if _, err = json.Marshal(State(42)); err == nil {
		t.Fatal("expected an error for an unknown state")
	}
	if !StateFailed.IsTerminal() || StateWriting.IsTerminal() {
		t.Fatal("unexpected terminal states")
	}
}

func TestAdvanceTarget(t *testing.T) {
	b := &fetch.RecordBatch{MaxTimestamp: at(2, 0)}
	if _, ok := advanceTarget(b, warehouse.WriteResult{}, time.UTC); ok {
		t.Fatal("expected no target when nothing was persisted")
	}
	if got, _ := advanceTarget(b, warehouse.WriteResult{MaxPersisted: at(1, 0)}, time.UTC); !got.Equal(at(1, 0)) {
		t.Fatalf("expected min of the two; got %v", got)
	}
	if got, _ := advanceTarget(b, warehouse.WriteResult{MaxPersisted: at(2, 0)}, time.UTC); !got.Equal(at(2, 0)) {
		t.Fatalf("unexpected target %v", got)
	}
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skip("no tz database: ", err)
	}
	// Persisted values are Berlin wall clock: 01:00 there is 00:00Z.
	if got, _ := advanceTarget(b, warehouse.WriteResult{MaxPersisted: at(2, 1)}, berlin); !got.Equal(at(2, 0)) {
		t.Fatalf("expected the batch instant; got %v", got)
	}
	if got, _ := advanceTarget(b, warehouse.WriteResult{MaxPersisted: at(2, 0)}, berlin); !got.Equal(at(1, 23)) {
		t.Fatalf("expected the persisted wall clock as an instant; got %v", got)
	}
}

func TestRegistryPrune(t *testing.T) {
	reg := NewSafeMapRunInfo()
	reg.Store("a", RunInfo{Status: RunStatus{Source: "events", StartTime: at(1, 0)}})
	reg.Finish("a", RunResult{State: StateIdle, EndTime: at(1, 1)})
	reg.Store("b", RunInfo{Status: RunStatus{Source: "events", StartTime: at(2, 0)}})
	if !reg.IsRunning("events") {
		t.Fatal("expected run b to be running")
	}
	if n := reg.Prune(at(1, 12)); n != 1 {
		t.Fatalf("expected 1 pruned run; got %v", n)
	}
	if _, ok := reg.Load("a"); ok {
		t.Fatal("expected run a to be pruned")
	}
}
