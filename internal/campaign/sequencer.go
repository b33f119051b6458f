package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/eevans-d/gymops-messaging/internal/dispatch"
	"github.com/eevans-d/gymops-messaging/internal/model"
	"github.com/eevans-d/gymops-messaging/internal/queue"
	"github.com/eevans-d/gymops-messaging/internal/repo"
)

// KindCampaignStep is the job kind for one campaign step execution.
const KindCampaignStep = "campaign.step"

var ErrUnknownKind = errors.New("unknown campaign kind")

type stepPayload struct {
	CampaignID string `json:"campaignId"`
	StepIndex  int    `json:"stepIndex"`
}

type Dispatcher interface {
	Send(ctx context.Context, recipient, templateID string, params map[string]string, opts dispatch.Options) (*dispatch.Result, error)
}

// Sequencer drives multi-step campaigns as chained jobs: each step's
// handler schedules the next, so step N+1 never exists before step N
// completed, and a campaign has at most one outstanding job.
//
// The campaign row's StepIndex is the source of truth for progress;
// the queue's dedup key is defense in depth against double enqueues,
// not the authority.
type Sequencer struct {
	campaigns repo.CampaignRepository
	jobs      queue.Enqueuer
	engine    Dispatcher
	defs      map[model.CampaignKind]Definition
}

func NewSequencer(campaigns repo.CampaignRepository, jobs queue.Enqueuer, engine Dispatcher) *Sequencer {
	return &Sequencer{
		campaigns: campaigns,
		jobs:      jobs,
		engine:    engine,
		defs:      Definitions(),
	}
}

// Start creates an active campaign and enqueues step 0 after its
// configured offset.
func (s *Sequencer) Start(ctx context.Context, memberID, recipient string, kind model.CampaignKind, params map[string]string) (*model.Campaign, error) {
	def, ok := s.defs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	phone, err := dispatch.NormalizeRecipient(recipient)
	if err != nil {
		return nil, err
	}

	c := &model.Campaign{
		ID:             uuid.NewString(),
		MemberID:       memberID,
		RecipientPhone: phone,
		Kind:           kind,
		StepIndex:      0,
		Status:         model.CampaignActive,
		Params:         params,
	}
	if err := s.campaigns.Create(ctx, c); err != nil {
		return nil, err
	}

	if err := s.enqueueStep(ctx, c.ID, 0, def.Steps[0].Delay); err != nil {
		// No job means nothing will ever run this campaign; cancel the
		// row rather than leave it active with no outstanding work.
		if uerr := s.campaigns.UpdateStatus(ctx, c.ID, model.CampaignCancelled); uerr != nil {
			slog.Error("campaign rollback failed after enqueue error", "campaign_id", c.ID, "error", uerr)
		}
		return nil, err
	}

	slog.Info("campaign started",
		"campaign_id", c.ID,
		"kind", string(kind),
		"member_id", memberID,
		"steps", len(def.Steps),
	)
	return c, nil
}

// Cancel marks a campaign cancelled. Cooperative: an in-flight step
// finishes its send, but no further step is scheduled. Cancelling a
// terminal campaign is a no-op.
func (s *Sequencer) Cancel(ctx context.Context, id string) error {
	c, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		return nil
	}

	if err := s.campaigns.UpdateStatus(ctx, id, model.CampaignCancelled); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Completed or cancelled concurrently.
			return nil
		}
		return err
	}

	slog.Info("campaign cancelled", "campaign_id", id, "kind", string(c.Kind))
	return nil
}

// CancelForRecipient cancels all active campaigns of the given kind for
// a recipient. Used when a real-world event overtakes the sequence,
// e.g. an inbound reply cancels the reactivation nudges.
func (s *Sequencer) CancelForRecipient(ctx context.Context, recipientPhone string, kind model.CampaignKind) (int, error) {
	active, err := s.campaigns.ListActiveByRecipient(ctx, recipientPhone)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, c := range active {
		if c.Kind != kind {
			continue
		}
		if err := s.Cancel(ctx, c.ID); err != nil {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

// HandleStep runs one campaign step: re-check status, send, advance.
func (s *Sequencer) HandleStep(ctx context.Context, job queue.Job) error {
	var p stepPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return &queue.PermanentError{Err: err}
	}

	c, err := s.campaigns.Get(ctx, p.CampaignID)
	if errors.Is(err, repo.ErrNotFound) {
		slog.Warn("step job for unknown campaign dropped", "campaign_id", p.CampaignID)
		return nil
	}
	if err != nil {
		return err
	}

	if c.Status != model.CampaignActive {
		slog.Info("campaign no longer active, step skipped",
			"campaign_id", c.ID,
			"status", string(c.Status),
			"step", p.StepIndex,
		)
		return nil
	}

	def, ok := s.defs[c.Kind]
	if !ok {
		return &queue.PermanentError{Err: fmt.Errorf("%w: %q", ErrUnknownKind, c.Kind)}
	}

	if p.StepIndex > c.StepIndex || p.StepIndex >= len(def.Steps) {
		return &queue.PermanentError{Err: fmt.Errorf("campaign %s at step %d got job for step %d", c.ID, c.StepIndex, p.StepIndex)}
	}
	if p.StepIndex < c.StepIndex {
		// Already advanced past this step on a previous execution.
		// Re-enqueue the current step in case its enqueue was lost;
		// the dedup key suppresses this when it wasn't.
		return s.enqueueStep(ctx, c.ID, c.StepIndex, def.Steps[c.StepIndex].Delay)
	}

	step := def.Steps[p.StepIndex]
	_, err = s.engine.Send(ctx, c.RecipientPhone, step.TemplateID, c.Params, dispatch.Options{CampaignID: c.ID})
	if err != nil {
		// Transport errors retry through the queue, but only while
		// attempts remain: on the final attempt the step must still
		// fall through to advance, or the campaign would sit active
		// at this step with no outstanding job.
		var te *dispatch.TransportError
		if errors.As(err, &te) && job.Attempt < job.MaxAttempts-1 {
			return err
		}
		// A failed nudge does not abort the engagement effort; log and
		// keep the sequence moving.
		slog.Warn("campaign step send failed, continuing sequence",
			"campaign_id", c.ID,
			"step", p.StepIndex,
			"template", step.TemplateID,
			"attempt", job.Attempt,
			"error", err,
		)
	}

	return s.advance(ctx, c, def, p.StepIndex)
}

func (s *Sequencer) advance(ctx context.Context, c *model.Campaign, def Definition, stepIndex int) error {
	if stepIndex == len(def.Steps)-1 {
		if err := s.campaigns.UpdateStatus(ctx, c.ID, model.CampaignCompleted); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil
			}
			return err
		}
		slog.Info("campaign completed", "campaign_id", c.ID, "kind", string(c.Kind))
		return nil
	}

	// Cancellation may have landed while the send was in flight; it is
	// honored here, at the step boundary.
	cur, err := s.campaigns.Get(ctx, c.ID)
	if err != nil {
		return err
	}
	if cur.Status != model.CampaignActive {
		slog.Info("campaign cancelled mid-sequence, next step not scheduled",
			"campaign_id", c.ID,
			"completed_step", stepIndex,
		)
		return nil
	}

	next := stepIndex + 1
	if err := s.campaigns.UpdateStep(ctx, c.ID, next); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}

	// The next step's delay chains from this step's completion.
	return s.enqueueStep(ctx, c.ID, next, def.Steps[next].Delay)
}

func (s *Sequencer) enqueueStep(ctx context.Context, campaignID string, stepIndex int, delay time.Duration) error {
	_, err := s.jobs.Enqueue(ctx, KindCampaignStep, stepPayload{
		CampaignID: campaignID,
		StepIndex:  stepIndex,
	}, queue.Options{
		Delay:    delay,
		DedupKey: fmt.Sprintf("%s:step:%d", campaignID, stepIndex),
	})
	return err
}
