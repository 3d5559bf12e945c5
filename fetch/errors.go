package fetch

import "fmt"

// NonProgressError means pagination cannot advance past Cursor. It is fatal for the run.
type NonProgressError struct {
	Source string
	Cursor Cursor
	Reason string
}

func (e *NonProgressError) Error() string {
	return fmt.Sprintf("source %v cannot make progress at %v: %v", e.Source, e.Cursor, e.Reason)
}
