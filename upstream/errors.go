package upstream

import (
	"errors"
	"fmt"
	"time"
)

// APIError is a well-formed upstream application error that is not a
// rate limit: invalid key, forbidden, not found at the source. It is
// never retried and propagates verbatim so callers can surface the
// original status and message.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.Status, e.Message)
}

// RateLimitError indicates the upstream rejected the request with a 429,
// either as an HTTP status or as an API-level error code. RetryAfter
// carries the upstream's hint when present, zero otherwise.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: %s (retry after %s)", e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited: %s", e.Message)
}

// TransientError wraps a network failure or an unexpected status without
// a recognized application error body. Transient errors are retried with
// backoff but do not touch the adaptive rate-limit state.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient upstream failure: %v", e.Cause)
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

// IsRateLimit reports whether err is classified as a rate limit.
func IsRateLimit(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// IsNonRetriable reports whether err is a non-retriable application error.
func IsNonRetriable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
