package components

import "github.com/relloyd/ogdsync/fetch"

type PanicHandlerFunc func()

type Action uint32

const (
	Shutdown Action = iota + 1
)

// ControlAction is used to communicate with components.
type ControlAction struct {
	Action       Action
	ResponseChan chan error // channel to send a response on.
}

// FetchResult carries one fetched batch, or the error that ended the sequence.
type FetchResult struct {
	Batch *fetch.RecordBatch
	Err   error
}
