package warehouse

import "fmt"

// WriteConflictError is returned when the transaction writing a batch fails.
// The batch is rolled back and the watermark must not be advanced.
type WriteConflictError struct {
	Table string
	Err   error
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("write to %v failed: %v", e.Table, e.Err)
}

func (e *WriteConflictError) Unwrap() error {
	return e.Err
}

// WatermarkPersistenceError is returned when a watermark could not be stored after its batch
// was written.
type WatermarkPersistenceError struct {
	Source string
	Err    error
}

func (e *WatermarkPersistenceError) Error() string {
	return fmt.Sprintf("error persisting watermark for source %v: %v", e.Source, e.Err)
}

func (e *WatermarkPersistenceError) Unwrap() error {
	return e.Err
}
