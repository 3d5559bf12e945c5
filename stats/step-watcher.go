package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	c "github.com/relloyd/ogdsync/constants"
	"github.com/relloyd/ogdsync/logger"
)

// StepWatcher saves row stats for a sync step periodically.
// The step calls StartWatching() and StopWatching() around its work.
type StepWatcher struct {
	log             logger.Logger // debug logging
	stepName        string        // debug output can use the given step name.
	rowCountPtr     *int64        // ptr to the row count held by the step we are capturing stats for.
	bufferLenFunc   func() int    // returns the number of items waiting in the step's output buffer.
	mu              sync.Mutex
	bufferLen       int64
	startTime       time.Time
	rowsPerSecDelta int64
	rowsPerSecAvg   int64
	totalRows       int64
	priorRowCount   int64     // allows us to calculate delta rows per sec between ticker timeout.
	priorTime       time.Time // allows us to calculate delta rows per sec between ticker timeout.
	ticker          *time.Ticker
	tickerDone      chan struct{}
	isRunning       atomic.Bool
}

type Stats struct {
	StepName           string `json:"stepName"`
	StatusText         string `json:"statusText"`
	ElapsedTimeSec     int    `json:"elapsedTimeSec"`
	TotalRowsProcessed int    `json:"totalRowsProcessed"`
	RowsPerSecondAvg   int    `json:"rowsPerSecondAvg"`
	RowsPerSecondDelta int    `json:"rowsPerSecondDelta"`
	OutputBufferLen    int    `json:"outputBufferLen"`
}

func NewStepWatcher(log logger.Logger, stepName string) *StepWatcher {
	return &StepWatcher{log: log, stepName: stepName, tickerDone: make(chan struct{})}
}

// StartWatching captures stats from rowCountPtr every StatsCaptureFrequencySeconds.
// bufferLenFunc is optional.
func (n *StepWatcher) StartWatching(rowCountPtr *int64, bufferLenFunc func() int) {
	n.mu.Lock()
	n.rowCountPtr = rowCountPtr
	n.bufferLenFunc = bufferLenFunc
	n.startTime = time.Now()
	n.priorTime = n.startTime
	// Force reset in case a given step is able to repeatedly call this.
	atomic.StoreInt64(&n.totalRows, 0)
	atomic.StoreInt64(&n.priorRowCount, atomic.LoadInt64(rowCountPtr))
	n.mu.Unlock()
	n.isRunning.Store(true)
	n.CalculateStats()
	n.ticker = time.NewTicker(time.Second * c.StatsCaptureFrequencySeconds)
	go func() {
		for {
			select {
			case <-n.ticker.C:
				n.CalculateStats()
			case <-n.tickerDone:
				return
			}
		}
	}()
}

func (n *StepWatcher) StopWatching() {
	n.ticker.Stop()
	n.tickerDone <- struct{}{} // stop the goroutine that calculates stats.
	n.CalculateStats()         // force final stats calculation.
	n.isRunning.Store(false)
	atomic.StoreInt64(&n.bufferLen, 0)
}

func (n *StepWatcher) CalculateStats() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.rowCountPtr == nil { // if we never started watching...
		return
	}
	deltaTime := int64(time.Since(n.priorTime).Seconds())
	if deltaTime < 1 { // if we will cause divide by 0 error...
		deltaTime = 1
	}
	rowCount := atomic.LoadInt64(n.rowCountPtr)
	deltaRowCount := rowCount - atomic.LoadInt64(&n.priorRowCount)
	atomic.StoreInt64(&n.rowsPerSecDelta, deltaRowCount/deltaTime)
	if n.bufferLenFunc != nil {
		atomic.StoreInt64(&n.bufferLen, int64(n.bufferLenFunc()))
	}
	n.log.Debug("STATS: ", n.stepName, " processing ", atomic.LoadInt64(&n.rowsPerSecDelta), " rows per sec. Output buffer length ", atomic.LoadInt64(&n.bufferLen))
	atomic.StoreInt64(&n.priorRowCount, rowCount)
	n.priorTime = time.Now()
	// Use the delta row count to calculate the total as steps may repeat themselves.
	total := atomic.AddInt64(&n.totalRows, deltaRowCount)
	atomic.StoreInt64(&n.rowsPerSecAvg, total/getNumSecondsSinceTimeOrOne(n.startTime))
}

// RenderStats gets a struct filled with stats at the point of time it is called.
func (n *StepWatcher) RenderStats() Stats {
	statusText := "complete"
	if n.isRunning.Load() {
		statusText = "running"
	}
	n.mu.Lock()
	elapsed := 0
	if !n.startTime.IsZero() {
		elapsed = int(time.Since(n.startTime).Seconds())
	}
	n.mu.Unlock()
	return Stats{
		StepName:           n.stepName,
		StatusText:         statusText,
		ElapsedTimeSec:     elapsed,
		TotalRowsProcessed: int(atomic.LoadInt64(&n.totalRows)),
		RowsPerSecondAvg:   int(atomic.LoadInt64(&n.rowsPerSecAvg)),
		RowsPerSecondDelta: int(atomic.LoadInt64(&n.rowsPerSecDelta)),
		OutputBufferLen:    int(atomic.LoadInt64(&n.bufferLen)),
	}
}

// String will format the stats for general logging.
func (s Stats) String() string {
	return fmt.Sprintf(
		"Stats for %v %v "+
			"elapsedTimeSec=%v "+
			"totalRowsProcessed=%v "+
			"rowsPerSecondAvg=%v "+
			"rowsPerSecondDelta=%v "+
			"outputBufferLen=%v",
		s.StepName, s.StatusText,
		s.ElapsedTimeSec,
		s.TotalRowsProcessed,
		s.RowsPerSecondAvg,
		s.RowsPerSecondDelta,
		s.OutputBufferLen,
	)
}

func getNumSecondsSinceTimeOrOne(t time.Time) (seconds int64) {
	seconds = int64(time.Since(t).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return
}
