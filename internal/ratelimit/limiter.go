package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of a quota check. When not allowed,
// RetryAfter says how long until a unit frees up.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Policy consumes per-recipient quota units from a rolling window.
// Implementations must be atomic per key: two concurrent calls for the
// same recipient with one unit left must not both be allowed.
type Policy interface {
	TryConsume(ctx context.Context, recipientKey string) (Decision, error)
}
