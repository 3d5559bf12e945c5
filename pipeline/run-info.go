package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/relloyd/ogdsync/stats"
)

// RunInfo is what the registry keeps about a run.
type RunInfo struct {
	Status RunStatus
	Stats  stats.StatsFetcher
	Cancel context.CancelFunc
}

// SafeMapRunInfo holds RunInfo by run ID behind a lock.
type SafeMapRunInfo struct {
	sync.RWMutex
	Internal map[string]RunInfo
}

func NewSafeMapRunInfo() *SafeMapRunInfo {
	return &SafeMapRunInfo{Internal: make(map[string]RunInfo)}
}

func (t *SafeMapRunInfo) Load(key string) (ri RunInfo, ok bool) {
	t.RLock()
	ri, ok = t.Internal[key]
	t.RUnlock()
	return
}

func (t *SafeMapRunInfo) Store(key string, value RunInfo) {
	t.Lock()
	t.Internal[key] = value
	t.Unlock()
}

func (t *SafeMapRunInfo) Delete(key string) {
	t.Lock()
	delete(t.Internal, key)
	t.Unlock()
}

// SetState records a state change of run key.
func (t *SafeMapRunInfo) SetState(key string, s State) {
	t.Lock()
	defer t.Unlock()
	if ri, ok := t.Internal[key]; ok {
		ri.Status.State = s
		t.Internal[key] = ri
	}
}

// Finish records the end of run key.
func (t *SafeMapRunInfo) Finish(key string, res RunResult) {
	t.Lock()
	defer t.Unlock()
	ri, ok := t.Internal[key]
	if !ok {
		return
	}
	ri.Status.State = res.State
	ri.Status.EndTime = res.EndTime
	ri.Status.Finished = true
	ri.Status.Skipped = res.Skipped
	if res.Err != nil {
		ri.Status.Error = res.Err.Error()
	}
	t.Internal[key] = ri
}

// RunListItem is one entry of List.
type RunListItem struct {
	RunID  string    `json:"runId"`
	Status RunStatus `json:"runStatus"`
}

// List returns all runs, latest first.
func (t *SafeMapRunInfo) List() []RunListItem {
	t.RLock()
	retval := make([]RunListItem, 0, len(t.Internal))
	for id, ri := range t.Internal {
		retval = append(retval, RunListItem{RunID: id, Status: ri.Status})
	}
	t.RUnlock()
	sort.Slice(retval, func(a, b int) bool {
		if retval[a].Status.StartTime.Equal(retval[b].Status.StartTime) {
			return retval[a].RunID > retval[b].RunID
		}
		return retval[a].Status.StartTime.After(retval[b].Status.StartTime)
	})
	return retval
}

// IsRunning is true if an unfinished run of source is registered.
func (t *SafeMapRunInfo) IsRunning(source string) bool {
	t.RLock()
	defer t.RUnlock()
	for _, ri := range t.Internal {
		if ri.Status.Source == source && !ri.Status.Finished {
			return true
		}
	}
	return false
}

// Prune drops finished runs that ended before cutoff.
func (t *SafeMapRunInfo) Prune(cutoff time.Time) int {
	t.Lock()
	defer t.Unlock()
	n := 0
	for id, ri := range t.Internal {
		if ri.Status.Finished && ri.Status.EndTime.Before(cutoff) {
			delete(t.Internal, id)
			n++
		}
	}
	return n
}
