package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/eevans-d/gymops-messaging/internal/model"
)

type PostgresMessageRepo struct {
	db *sql.DB
}

func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

func (r *PostgresMessageRepo) Create(ctx context.Context, m *model.OutboundMessage) error {
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	return r.db.QueryRowContext(ctx, `
		INSERT INTO outbound_messages
			(provider_message_id, recipient_phone, channel, template_id, rendered_content,
			 status, last_error, campaign_id, queued_at, sent_at, failed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`,
		m.ProviderMessageID,
		m.RecipientPhone,
		string(m.Channel),
		m.TemplateID,
		m.RenderedContent,
		string(m.Status),
		m.LastError,
		m.CampaignID,
		m.QueuedAt,
		m.SentAt,
		m.FailedAt,
		m.CreatedAt,
		m.UpdatedAt,
	).Scan(&m.ID)
}

func (r *PostgresMessageRepo) GetByProviderID(ctx context.Context, providerMessageID string) (*model.OutboundMessage, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, provider_message_id, recipient_phone, channel, template_id, rendered_content,
		       status, last_error, campaign_id, queued_at, sent_at, delivered_at, read_at, failed_at,
		       created_at, updated_at
		FROM outbound_messages
		WHERE provider_message_id = $1
	`, providerMessageID)

	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *PostgresMessageRepo) AdvanceStatus(ctx context.Context, providerMessageID string, status model.Status, at time.Time, reason string) error {
	var stampCol string
	switch status {
	case model.StatusSent:
		stampCol = "sent_at"
	case model.StatusDelivered:
		stampCol = "delivered_at"
	case model.StatusRead:
		stampCol = "read_at"
	case model.StatusFailed:
		stampCol = "failed_at"
	default:
		return fmt.Errorf("cannot advance to status %q", status)
	}

	var lastErr *string
	if reason != "" {
		lastErr = &reason
	}

	// The status filter makes the transition check part of the UPDATE
	// itself, so two events racing on the same row cannot interleave a
	// read-then-write and move the status backward. Zero rows matched
	// means the row already moved past this status; that duplicate is
	// dropped silently.
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE outbound_messages
		SET status = $2,
		    %s = $3,
		    last_error = COALESCE($4, last_error),
		    updated_at = now()
		WHERE provider_message_id = $1
		  AND status IN (%s)
	`, stampCol, advanceableFrom(status)), providerMessageID, string(status), at.UTC(), lastErr)
	return err
}

// advanceableFrom renders the set of current statuses that may legally
// move to next as a quoted SQL list. Statuses are internal constants,
// never user input.
func advanceableFrom(next model.Status) string {
	all := []model.Status{model.StatusQueued, model.StatusSent, model.StatusDelivered, model.StatusRead}
	var quoted []string
	for _, cur := range all {
		if model.CanTransition(cur, next) {
			quoted = append(quoted, "'"+string(cur)+"'")
		}
	}
	return strings.Join(quoted, ", ")
}

func (r *PostgresMessageRepo) ListRecent(ctx context.Context, limit, offset int) ([]model.OutboundMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, provider_message_id, recipient_phone, channel, template_id, rendered_content,
		       status, last_error, campaign_id, queued_at, sent_at, delivered_at, read_at, failed_at,
		       created_at, updated_at
		FROM outbound_messages
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.OutboundMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*model.OutboundMessage, error) {
	var m model.OutboundMessage
	var providerID, lastErr, campaignID sql.NullString
	var channel, status string
	var sentAt, deliveredAt, readAt, failedAt sql.NullTime

	if err := row.Scan(
		&m.ID,
		&providerID,
		&m.RecipientPhone,
		&channel,
		&m.TemplateID,
		&m.RenderedContent,
		&status,
		&lastErr,
		&campaignID,
		&m.QueuedAt,
		&sentAt,
		&deliveredAt,
		&readAt,
		&failedAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return nil, err
	}

	m.Channel = model.Channel(channel)
	m.Status = model.Status(status)

	if providerID.Valid {
		s := providerID.String
		m.ProviderMessageID = &s
	}
	if lastErr.Valid {
		s := lastErr.String
		m.LastError = &s
	}
	if campaignID.Valid {
		s := campaignID.String
		m.CampaignID = &s
	}
	if sentAt.Valid {
		t := sentAt.Time
		m.SentAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		m.DeliveredAt = &t
	}
	if readAt.Valid {
		t := readAt.Time
		m.ReadAt = &t
	}
	if failedAt.Valid {
		t := failedAt.Time
		m.FailedAt = &t
	}

	return &m, nil
}
