package components

import "sync"

// ComponentWaiter is a simple interface for use around a wait group.
type ComponentWaiter interface {
	Add()
	Done()
}

// WaitGroup is a ComponentWaiter the owner of a set of components can wait on.
type WaitGroup struct {
	wg sync.WaitGroup
}

func (w *WaitGroup) Add() {
	w.wg.Add(1)
}

func (w *WaitGroup) Done() {
	w.wg.Done()
}

// Wait blocks until every component added has finished.
func (w *WaitGroup) Wait() {
	w.wg.Wait()
}
