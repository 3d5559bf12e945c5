package stats

import (
	"sync/atomic"
	"testing"

	"github.com/relloyd/ogdsync/logger"
)

func TestStepWatcher(t *testing.T) {
	log := logger.NewLogger("ogdsync", "error", false)
	mgr := NewSyncStats(log, SetStatsDumpFrequency(0))
	sw := mgr.AddStepWatcher("events")
	rows := int64(0)
	sw.StartWatching(&rows, func() int { return 1 })
	atomic.AddInt64(&rows, 250)
	if s := sw.RenderStats(); s.StatusText != "running" {
		t.Fatalf("expected running status; got %v", s.StatusText)
	}
	sw.StopWatching()
	got := mgr.GetStats()
	if len(got) != 1 {
		t.Fatalf("expected 1 step; got %v", len(got))
	}
	if got[0].StepName != "events" || got[0].TotalRowsProcessed != 250 || got[0].StatusText != "complete" {
		t.Fatalf("unexpected stats %+v", got[0])
	}
	// Dumping is disabled so these must not block.
	mgr.StartDumping()
	mgr.StopDumping()
}
