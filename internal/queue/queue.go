package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Job is the envelope stored for one unit of deferred work. Payload is
// opaque to the queue; handlers decode it by Kind.
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	BackoffMS   int64           `json:"backoffMs"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	RunAt       time.Time       `json:"runAt"`
	LastError   string          `json:"lastError,omitempty"`
}

type Options struct {
	Delay       time.Duration
	MaxAttempts int
	Backoff     time.Duration
	// DedupKey suppresses a second enqueue carrying the same key while
	// the first is pending. Defense in depth only; producers keep their
	// own authoritative state.
	DedupKey string
}

// Enqueuer is the producer-side contract of the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any, opts Options) (string, error)
}

// HandlerFunc processes one job. Handlers must be idempotent: delivery
// is at-least-once and the same job may run more than once.
type HandlerFunc func(ctx context.Context, job Job) error

// RescheduleError tells the worker to run the job again after Delay
// without consuming a retry attempt. Used when the work is not failed,
// merely not due yet (e.g. still outside the send window).
type RescheduleError struct {
	Delay time.Duration
}

func (e *RescheduleError) Error() string {
	return fmt.Sprintf("reschedule in %s", e.Delay)
}

// PermanentError tells the worker to skip the backoff cycle and move
// the job straight to the failed list. For errors that cannot heal on
// retry: bad payloads, unknown templates, invalid recipients.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}
