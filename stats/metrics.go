package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/relloyd/ogdsync/constants"
)

// Metrics holds the Prometheus collectors of sync runs.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RecordsFetched *prometheus.CounterVec
	RowsWritten    *prometheus.CounterVec
	Batches        *prometheus.CounterVec
	Runs           *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	Watermark      *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: constants.AppName,
			Name:      "records_fetched_total",
			Help:      "Records fetched from the monitoring API.",
		}, []string{"source"}),
		RowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: constants.AppName,
			Name:      "rows_written_total",
			Help:      "Rows inserted into the raw tables. Replayed rows are not counted.",
		}, []string{"source"}),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: constants.AppName,
			Name:      "batches_total",
			Help:      "Page batches written and committed.",
		}, []string{"source"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: constants.AppName,
			Name:      "runs_total",
			Help:      "Sync runs by final state.",
		}, []string{"source", "state"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: constants.AppName,
			Name:      "run_duration_seconds",
			Help:      "Duration of sync runs.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"source"}),
		Watermark: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: constants.AppName,
			Name:      "watermark_timestamp_seconds",
			Help:      "Watermark per source as seconds since the epoch of the naive portal time.",
		}, []string{"source"}),
	}
	if reg != nil {
		reg.MustRegister(m.RecordsFetched, m.RowsWritten, m.Batches, m.Runs, m.RunDuration, m.Watermark)
	}
	return m
}

// ObserveBatch counts one committed batch.
func (m *Metrics) ObserveBatch(source string, fetched int, written int64) {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues(source).Inc()
	m.RecordsFetched.WithLabelValues(source).Add(float64(fetched))
	m.RowsWritten.WithLabelValues(source).Add(float64(written))
}

// ObserveRun counts a finished run.
func (m *Metrics) ObserveRun(source string, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(source, state).Inc()
	m.RunDuration.WithLabelValues(source).Observe(d.Seconds())
}

// SetWatermark publishes the current watermark of source.
func (m *Metrics) SetWatermark(source string, ts time.Time) {
	if m == nil {
		return
	}
	m.Watermark.WithLabelValues(source).Set(float64(ts.Unix()))
}
