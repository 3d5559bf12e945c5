package components

import "sync/atomic"

// MockComponentWaiter counts components that have started but not finished.
type MockComponentWaiter struct {
	count int32
}

func (cw *MockComponentWaiter) Add() {
	atomic.AddInt32(&cw.count, 1)
}

func (cw *MockComponentWaiter) Done() {
	atomic.AddInt32(&cw.count, -1)
}

func (cw *MockComponentWaiter) Count() int {
	return int(atomic.LoadInt32(&cw.count))
}
