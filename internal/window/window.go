package window

import (
	"errors"
	"time"
)

// Policy gates outbound sends to a configured time-of-day range.
// It is pure over the injected clock, so tests pin time without mocking
// tricks. Hours are system-local; the range may wrap past midnight
// (e.g. 22..6).
type Policy struct {
	startHour int
	endHour   int
	now       func() time.Time
}

func New(startHour, endHour int, now func() time.Time) (*Policy, error) {
	if startHour < 0 || startHour > 23 {
		return nil, errors.New("startHour must be 0..23")
	}
	if endHour < 0 || endHour > 23 {
		return nil, errors.New("endHour must be 0..23")
	}
	if startHour == endHour {
		return nil, errors.New("window must not be empty")
	}
	if now == nil {
		now = time.Now
	}
	return &Policy{startHour: startHour, endHour: endHour, now: now}, nil
}

// Check reports whether a send is permitted right now. When it is not,
// the returned duration is the exact time until the window next opens.
func (p *Policy) Check() (allowed bool, untilOpen time.Duration) {
	t := p.now()
	if p.contains(t.Hour()) {
		return true, 0
	}

	next := time.Date(t.Year(), t.Month(), t.Day(), p.startHour, 0, 0, 0, t.Location())
	if !next.After(t) {
		next = next.Add(24 * time.Hour)
	}
	return false, next.Sub(t)
}

func (p *Policy) contains(hour int) bool {
	if p.startHour < p.endHour {
		return hour >= p.startHour && hour < p.endHour
	}
	// Wraps midnight: allowed from start through 23 and from 0 up to end.
	return hour >= p.startHour || hour < p.endHour
}
