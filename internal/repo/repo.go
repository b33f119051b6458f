package repo

import (
	"context"
	"errors"
	"time"

	"github.com/eevans-d/gymops-messaging/internal/model"
)

var ErrNotFound = errors.New("not found")

type MessageRepository interface {
	Create(ctx context.Context, m *model.OutboundMessage) error
	GetByProviderID(ctx context.Context, providerMessageID string) (*model.OutboundMessage, error)
	// AdvanceStatus records a delivery transition. The timestamp comes
	// from the provider event, not receipt time.
	AdvanceStatus(ctx context.Context, providerMessageID string, status model.Status, at time.Time, reason string) error
	ListRecent(ctx context.Context, limit, offset int) ([]model.OutboundMessage, error)
}

type CampaignRepository interface {
	Create(ctx context.Context, c *model.Campaign) error
	Get(ctx context.Context, id string) (*model.Campaign, error)
	UpdateStep(ctx context.Context, id string, stepIndex int) error
	// UpdateStatus only succeeds from active: completed and cancelled
	// campaigns are immutable.
	UpdateStatus(ctx context.Context, id string, status model.CampaignStatus) error
	ListActiveByRecipient(ctx context.Context, recipientPhone string) ([]model.Campaign, error)
}
