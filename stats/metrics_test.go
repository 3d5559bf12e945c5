package stats

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ObserveBatch("events", 100, 90)
	m.ObserveBatch("events", 10, 0)
	m.ObserveRun("events", "Idle", 2*time.Second)
	ts := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	m.SetWatermark("events", ts)

	if got := testutil.ToFloat64(m.Batches.WithLabelValues("events")); got != 2 {
		t.Fatalf("expected 2 batches; got %v", got)
	}
	if got := testutil.ToFloat64(m.RecordsFetched.WithLabelValues("events")); got != 110 {
		t.Fatalf("expected 110 records fetched; got %v", got)
	}
	if got := testutil.ToFloat64(m.RowsWritten.WithLabelValues("events")); got != 90 {
		t.Fatalf("expected 90 rows written; got %v", got)
	}
	if got := testutil.ToFloat64(m.Runs.WithLabelValues("events", "Idle")); got != 1 {
		t.Fatalf("expected 1 run; got %v", got)
	}
	if got := testutil.ToFloat64(m.Watermark.WithLabelValues("events")); got != float64(ts.Unix()) {
		t.Fatalf("unexpected watermark gauge %v", got)
	}
	if n, err := testutil.GatherAndCount(reg); err != nil || n != 6 {
		t.Fatalf("expected 6 registered series; got %v, %v", n, err)
	}
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	m.ObserveBatch("events", 1, 1)
	m.ObserveRun("events", "Failed", time.Second)
	m.SetWatermark("events", time.Now())
}
