package stats

import (
	"sync"
	"time"

	"github.com/cevaris/ordered_map"
	"github.com/relloyd/ogdsync/logger"
)

// StatsManager collects StepWatchers for the steps of a sync.
type StatsManager interface {
	StartDumping()
	StopDumping()
	AddStepWatcher(stepName string) *StepWatcher
}

type StatsFetcher interface {
	GetStats() []Stats
}

var DefaultStatsDumpFrequencySeconds = 5 // may be overridden by use of options in the constructor below.

// SyncStatsManager implements StatsManager and StatsFetcher. It saves stats from each step added
// via calls to AddStepWatcher and logs them periodically while dumping is on.
type SyncStatsManager struct {
	ticker          *time.Ticker
	tickerDone      chan struct{}
	tickerIsRunning bool
	tickerFrequency int
	mu              sync.Mutex
	log             logger.Logger
	mapStepStats    *ordered_map.OrderedMap // StepWatcher per step name, in the order the steps were added.
}

// SetStatsDumpFrequency returns an option for NewSyncStats. Zero disables dumping.
func SetStatsDumpFrequency(seconds int) func(t *SyncStatsManager) {
	return func(t *SyncStatsManager) {
		t.tickerFrequency = seconds
	}
}

// NewSyncStats creates a new SyncStatsManager.
func NewSyncStats(log logger.Logger, options ...func(t *SyncStatsManager)) *SyncStatsManager {
	t := &SyncStatsManager{log: log, tickerFrequency: DefaultStatsDumpFrequencySeconds}
	for _, option := range options {
		option(t)
	}
	t.tickerDone = make(chan struct{})
	t.mapStepStats = ordered_map.NewOrderedMap()
	return t
}

// AddStepWatcher creates a new StepWatcher for stepName, replacing any previous one.
func (t *SyncStatsManager) AddStepWatcher(stepName string) *StepWatcher {
	sw := NewStepWatcher(t.log, stepName)
	t.mu.Lock()
	t.mapStepStats.Set(stepName, sw)
	t.mu.Unlock()
	return sw
}

func (t *SyncStatsManager) StartDumping() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tickerIsRunning {
		t.log.Debug("stats dumper ticker already running")
		return
	}
	if t.tickerFrequency <= 0 {
		t.log.Debug("stats dumper disabled")
		return
	}
	t.ticker = time.NewTicker(time.Second * time.Duration(t.tickerFrequency))
	t.tickerIsRunning = true
	go func() {
		t.log.Debug("stats dumper ticker started")
		for {
			select {
			case <-t.tickerDone:
				t.log.Debug("stats dumper ticker stopped")
				return
			case <-t.ticker.C:
				t.logStats()
			}
		}
	}()
}

// StopDumping will stop the ticker and dump the current stats,
// only if the ticker was already running via a call to StartDumping().
func (t *SyncStatsManager) StopDumping() {
	t.mu.Lock()
	if !t.tickerIsRunning {
		t.mu.Unlock()
		return
	}
	t.tickerIsRunning = false
	t.ticker.Stop()
	t.mu.Unlock()
	t.tickerDone <- struct{}{} // cause the goroutine to exit (we can't close ticker.C)
	for _, sw := range t.watchers() {
		sw.CalculateStats()
	}
	t.logStats()
}

func (t *SyncStatsManager) watchers() []*StepWatcher {
	t.mu.Lock()
	defer t.mu.Unlock()
	retval := make([]*StepWatcher, 0, t.mapStepStats.Len())
	iter := t.mapStepStats.IterFunc()
	for kv, ok := iter(); ok; kv, ok = iter() {
		retval = append(retval, kv.Value.(*StepWatcher))
	}
	return retval
}

func (t *SyncStatsManager) logStats() {
	for _, sw := range t.watchers() {
		t.log.Info(sw.RenderStats().String())
	}
}

// GetStats implements interface StatsFetcher{}.
func (t *SyncStatsManager) GetStats() []Stats {
	statsList := make([]Stats, 0)
	for _, sw := range t.watchers() {
		statsList = append(statsList, sw.RenderStats())
	}
	return statsList
}
