package dispatch

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRecipient rejects malformed phone numbers. Caller error,
// never retried.
var ErrInvalidRecipient = errors.New("invalid recipient")

// RateLimitedError denies a send whose recipient quota is spent.
// Actionable via RetryAfter; not retryable at this instant.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// TransportError wraps a provider call failure. Transient; the job
// queue's backoff policy retries these.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
