package upstream

import "fmt"

// Error is a non-2xx upstream outcome. It carries enough for the
// boundary layer to render a protocol-appropriate error envelope.
type Error struct {
	StatusCode int
	Body       string
	Endpoint   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream %s: status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// TimeoutError marks a stalled upstream call; it is retryable against
// the next endpoint candidate.
type TimeoutError struct {
	Endpoint string
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream %s: timeout: %v", e.Endpoint, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }
