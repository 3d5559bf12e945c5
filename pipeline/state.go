package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// State is the position of a source run in its state machine:
// Idle -> Fetching -> Writing -> Advancing -> Fetching ... -> Idle, or Failed from any step.
type State uint32

const (
	StateIdle State = iota
	StateFetching
	StateWriting
	StateAdvancing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateWriting:
		return "writing"
	case StateAdvancing:
		return "advancing"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(s))
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	if s > StateFailed {
		return nil, fmt.Errorf("unhandled State value %v in custom MarshalJSON() conversion", uint32(s))
	}
	return json.Marshal(s.String())
}

// IsTerminal is true for the states a finished run ends in.
func (s State) IsTerminal() bool {
	return s == StateIdle || s == StateFailed
}

// RunStatus is the externally visible progress of a run.
type RunStatus struct {
	Source    string    `json:"source"`
	State     State     `json:"state"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Finished  bool      `json:"finished"`
	Skipped   string    `json:"skipped,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// RunResult is the outcome of one run of one source.
type RunResult struct {
	Source      string
	RunID       string
	State       State
	Batches     int
	RowsFetched int64
	RowsWritten int64
	Watermark   *time.Time // the watermark when the run ended, nil if none was ever stored.
	Skipped     string     // why the run did nothing, empty if it ran.
	StartTime   time.Time
	EndTime     time.Time
	Err         error
}

// Failed returns an error naming every failed run in results, or nil.
func Failed(results []RunResult) error {
	errs := make([]error, 0)
	for _, r := range results {
		if r.State == StateFailed {
			errs = append(errs, fmt.Errorf("source %v (run %v): %w", r.Source, r.RunID, r.Err))
		}
	}
	return errors.Join(errs...)
}
