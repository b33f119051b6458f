package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eevans-d/gymops-messaging/internal/model"
)

type PostgresCampaignRepo struct {
	db *sql.DB
}

func NewPostgresCampaignRepo(db *sql.DB) *PostgresCampaignRepo {
	return &PostgresCampaignRepo{db: db}
}

func (r *PostgresCampaignRepo) Create(ctx context.Context, c *model.Campaign) error {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	params, err := json.Marshal(c.Params)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO campaigns
			(id, member_id, recipient_phone, kind, step_index, status, params, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		c.ID,
		c.MemberID,
		c.RecipientPhone,
		string(c.Kind),
		c.StepIndex,
		string(c.Status),
		params,
		c.CreatedAt,
		c.UpdatedAt,
	)
	return err
}

func (r *PostgresCampaignRepo) Get(ctx context.Context, id string) (*model.Campaign, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, member_id, recipient_phone, kind, step_index, status, params, created_at, updated_at
		FROM campaigns
		WHERE id = $1
	`, id)

	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *PostgresCampaignRepo) UpdateStep(ctx context.Context, id string, stepIndex int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET step_index = $2, updated_at = now()
		WHERE id = $1 AND status = 'active'
	`, id, stepIndex)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (r *PostgresCampaignRepo) UpdateStatus(ctx context.Context, id string, status model.CampaignStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = 'active'
	`, id, string(status))
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (r *PostgresCampaignRepo) ListActiveByRecipient(ctx context.Context, recipientPhone string) ([]model.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, member_id, recipient_phone, kind, step_index, status, params, created_at, updated_at
		FROM campaigns
		WHERE recipient_phone = $1 AND status = 'active'
		ORDER BY created_at ASC
	`, recipientPhone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("active campaign %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	var kind, status string
	var params []byte

	if err := row.Scan(
		&c.ID,
		&c.MemberID,
		&c.RecipientPhone,
		&kind,
		&c.StepIndex,
		&status,
		&params,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}

	c.Kind = model.CampaignKind(kind)
	c.Status = model.CampaignStatus(status)

	if len(params) > 0 {
		if err := json.Unmarshal(params, &c.Params); err != nil {
			return nil, err
		}
	}

	return &c, nil
}
