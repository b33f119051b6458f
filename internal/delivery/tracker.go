package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/eevans-d/gymops-messaging/internal/model"
	"github.com/eevans-d/gymops-messaging/internal/repo"
)

// Event is one asynchronous delivery callback from the provider.
// Timestamp is the provider's event time; it, not receipt time, is
// what gets recorded, so elapsed-time metrics survive delayed
// callbacks.
type Event struct {
	ProviderMessageID string
	Status            model.Status
	Timestamp         time.Time
	Reason            string
}

// Tracker applies delivery events to message rows. Callbacks arrive
// more than once and out of order; every path through Apply is an
// idempotent no-op unless the event is forward progress.
type Tracker struct {
	messages repo.MessageRepository
}

func NewTracker(messages repo.MessageRepository) *Tracker {
	return &Tracker{messages: messages}
}

func (t *Tracker) Apply(ctx context.Context, ev Event) error {
	if ev.ProviderMessageID == "" || !ev.Status.Known() {
		slog.Debug("ignoring malformed delivery event", "provider_message_id", ev.ProviderMessageID, "status", string(ev.Status))
		return nil
	}

	msg, err := t.messages.GetByProviderID(ctx, ev.ProviderMessageID)
	if errors.Is(err, repo.ErrNotFound) {
		// Unknown correlation: benign, not an error.
		slog.Debug("delivery event for unknown message ignored", "provider_message_id", ev.ProviderMessageID)
		return nil
	}
	if err != nil {
		return err
	}

	if !model.CanTransition(msg.Status, ev.Status) {
		slog.Debug("stale or duplicate delivery event ignored",
			"provider_message_id", ev.ProviderMessageID,
			"current", string(msg.Status),
			"event", string(ev.Status),
		)
		return nil
	}

	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	if err := t.messages.AdvanceStatus(ctx, ev.ProviderMessageID, ev.Status, at, ev.Reason); err != nil {
		return err
	}

	slog.Info("delivery status advanced",
		"provider_message_id", ev.ProviderMessageID,
		"from", string(msg.Status),
		"to", string(ev.Status),
	)
	return nil
}
