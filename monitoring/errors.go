package monitoring

import (
	"fmt"
	"net/http"
)

// TransientTransportError is returned when a page could not be fetched after all retries.
type TransientTransportError struct {
	Attempts   int
	StatusCode int // last HTTP status seen, 0 if no response arrived.
	Err        error
}

func (e *TransientTransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient transport error after %d attempts (last status %d): %v", e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient transport error after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientTransportError) Unwrap() error {
	return e.Err
}

// HTTPStatusError is a non-2xx response from the monitoring API.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d %v: %v", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Retryable reports whether the request may succeed if repeated.
func (e *HTTPStatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}
