package components

import "context"

// safeSend sends res on outputChan unless a control action arrives or ctx is done first.
// It returns false if the caller should shut down.
func safeSend(ctx context.Context,
	res FetchResult,
	outputChan chan FetchResult,
	controlChan chan ControlAction,
	controlFunc func(c ControlAction),
) (sentOK bool) {
	select {
	case outputChan <- res: // if we can send the result to the outputChan...
		return true
	case c := <-controlChan: // if we were asked to shutdown...
		controlFunc(c)
		return false
	case <-ctx.Done():
		return false
	}
}

func sendNilControlResponse(c ControlAction) {
	if c.ResponseChan != nil {
		c.ResponseChan <- nil // respond that we're done with a nil error.
	}
}
