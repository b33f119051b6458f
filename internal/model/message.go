package model

import "time"

type Status string

const (
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// statusRank orders the delivery lifecycle. Higher rank = further along.
var statusRank = map[Status]int{
	StatusQueued:    0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Known reports whether s is a lifecycle status the tracker understands.
func (s Status) Known() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// CanTransition reports whether moving from cur to next is forward progress.
// Duplicate or stale events (same or earlier rank) are not valid transitions;
// failed is absorbing and reachable from any state except read and itself.
func CanTransition(cur, next Status) bool {
	if cur == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return cur != StatusRead
	}
	curRank, ok := statusRank[cur]
	if !ok {
		return false
	}
	nextRank, ok := statusRank[next]
	if !ok {
		return false
	}
	return nextRank > curRank
}

type Channel string

const (
	ChannelTemplate    Channel = "template"
	ChannelText        Channel = "text"
	ChannelInteractive Channel = "interactive"
)

// OutboundMessage is one send attempt and its delivery lifecycle.
// Rows are append-only: the dispatch engine creates them, the delivery
// tracker advances status, nothing deletes them.
type OutboundMessage struct {
	ID                int64
	ProviderMessageID *string
	RecipientPhone    string
	Channel           Channel
	TemplateID        string
	RenderedContent   string
	Status            Status
	LastError         *string
	CampaignID        *string
	QueuedAt          time.Time
	SentAt            *time.Time
	DeliveredAt       *time.Time
	ReadAt            *time.Time
	FailedAt          *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
