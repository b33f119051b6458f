package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/eevans-d/gymops-messaging/internal/model"
	"github.com/eevans-d/gymops-messaging/internal/queue"
	"github.com/eevans-d/gymops-messaging/internal/ratelimit"
	"github.com/eevans-d/gymops-messaging/internal/repo"
	"github.com/eevans-d/gymops-messaging/internal/template"
	"github.com/eevans-d/gymops-messaging/internal/window"
)

// KindDeferredSend is the job kind for sends parked until the business
// hours window reopens.
const KindDeferredSend = "dispatch.deferred_send"

// failClosedRetry is the retry hint returned when the quota store is
// unreachable and the engine denies rather than allow unlimited sends.
const failClosedRetry = time.Minute

type ProviderClient interface {
	Send(ctx context.Context, to, templateID, languageCode string, parameters []string) (string, error)
}

type Options struct {
	// Force bypasses quota and window gating. Audited via the override
	// log line, never silent.
	Force bool
	// Timeout bounds the provider call; zero uses the engine default.
	Timeout time.Duration
	// CampaignID marks the owning campaign on the message row.
	CampaignID string
}

type Result struct {
	Status            model.Status
	ProviderMessageID string
	// Delay is set when Status is queued: the time until the send
	// window reopens.
	Delay time.Duration
}

type deferredSendPayload struct {
	Recipient  string            `json:"recipient"`
	TemplateID string            `json:"templateId"`
	Params     map[string]string `json:"params"`
	CampaignID string            `json:"campaignId,omitempty"`
	// QuotaConsumed records that the original Send already charged the
	// recipient's quota before deferring, so the deferred execution
	// must not charge a second unit.
	QuotaConsumed bool `json:"quotaConsumed,omitempty"`
}

// Engine decides whether, when, and how a notification goes out:
// recipient validation, quota, send window, template rendering, the
// provider call, and the resulting message row, in that order, each
// step a potential short-circuit.
type Engine struct {
	quota    ratelimit.Policy
	window   *window.Policy
	registry *template.Registry
	provider ProviderClient
	messages repo.MessageRepository
	jobs     queue.Enqueuer
	language string
	timeout  time.Duration
	now      func() time.Time
}

func NewEngine(
	quota ratelimit.Policy,
	win *window.Policy,
	registry *template.Registry,
	provider ProviderClient,
	messages repo.MessageRepository,
	jobs queue.Enqueuer,
	language string,
	timeout time.Duration,
) *Engine {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Engine{
		quota:    quota,
		window:   win,
		registry: registry,
		provider: provider,
		messages: messages,
		jobs:     jobs,
		language: language,
		timeout:  timeout,
		now:      time.Now,
	}
}

// WithClock overrides the engine's clock. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

var phoneRx = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// NormalizeRecipient strips formatting characters and validates the
// result as an international phone number.
func NormalizeRecipient(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, raw)

	if !phoneRx.MatchString(cleaned) {
		return "", ErrInvalidRecipient
	}
	return cleaned, nil
}

func (e *Engine) Send(ctx context.Context, recipient, templateID string, params map[string]string, opts Options) (*Result, error) {
	return e.send(ctx, recipient, templateID, params, opts, false)
}

// send is the full pipeline. quotaConsumed marks executions whose quota
// unit was already charged by an earlier run, before deferral.
func (e *Engine) send(ctx context.Context, recipient, templateID string, params map[string]string, opts Options, quotaConsumed bool) (*Result, error) {
	phone, err := NormalizeRecipient(recipient)
	if err != nil {
		return nil, err
	}

	if opts.Force {
		slog.Warn("send gating bypassed by force override",
			"recipient", phone,
			"template", templateID,
		)
	} else {
		if !quotaConsumed {
			dec, err := e.quota.TryConsume(ctx, phone)
			if err != nil {
				// Fail closed: an unreachable counter store must never
				// turn into unlimited sends.
				slog.Error("quota store unreachable, denying send", "recipient", phone, "error", err)
				return nil, &RateLimitedError{RetryAfter: failClosedRetry}
			}
			if !dec.Allowed {
				return nil, &RateLimitedError{RetryAfter: dec.RetryAfter}
			}
		}

		if ok, untilOpen := e.window.Check(); !ok {
			// The quota unit is spent at this point either way, so the
			// deferred job carries that fact and pays nothing on
			// execution.
			payload := deferredSendPayload{
				Recipient:     phone,
				TemplateID:    templateID,
				Params:        params,
				CampaignID:    opts.CampaignID,
				QuotaConsumed: true,
			}
			if _, err := e.jobs.Enqueue(ctx, KindDeferredSend, payload, queue.Options{Delay: untilOpen}); err != nil {
				return nil, err
			}
			slog.Info("send deferred until window opens",
				"recipient", phone,
				"template", templateID,
				"delay", untilOpen.String(),
			)
			return &Result{Status: model.StatusQueued, Delay: untilOpen}, nil
		}
	}

	rendered, err := e.registry.Render(templateID, params)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	queuedAt := e.now().UTC()
	msg := &model.OutboundMessage{
		RecipientPhone:  phone,
		Channel:         model.ChannelTemplate,
		TemplateID:      templateID,
		RenderedContent: rendered.Text,
		QueuedAt:        queuedAt,
	}
	if opts.CampaignID != "" {
		id := opts.CampaignID
		msg.CampaignID = &id
	}

	providerID, err := e.provider.Send(callCtx, phone, templateID, e.language, rendered.Ordered)
	if err != nil {
		reason := err.Error()
		failedAt := e.now().UTC()
		msg.Status = model.StatusFailed
		msg.LastError = &reason
		msg.FailedAt = &failedAt
		if cerr := e.messages.Create(ctx, msg); cerr != nil {
			slog.Error("failed to record failed message", "recipient", phone, "error", cerr)
		}
		return nil, &TransportError{Err: err}
	}

	sentAt := e.now().UTC()
	msg.Status = model.StatusSent
	msg.ProviderMessageID = &providerID
	msg.SentAt = &sentAt
	if err := e.messages.Create(ctx, msg); err != nil {
		// The provider accepted the message; losing the row must not
		// fail the send. Delivery events for it will no-op.
		slog.Error("failed to record sent message", "provider_message_id", providerID, "error", err)
	}

	slog.Info("message sent",
		"recipient", phone,
		"template", templateID,
		"provider_message_id", providerID,
	)
	return &Result{Status: model.StatusSent, ProviderMessageID: providerID}, nil
}

// HandleDeferredSend executes a send that was parked for the business
// hours window. The stored delay was a lower bound: a backlogged worker
// may arrive outside hours again, in which case the job re-defers
// instead of force-sending.
func (e *Engine) HandleDeferredSend(ctx context.Context, job queue.Job) error {
	var p deferredSendPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return &queue.PermanentError{Err: err}
	}

	if ok, untilOpen := e.window.Check(); !ok {
		return &queue.RescheduleError{Delay: untilOpen}
	}

	_, err := e.send(ctx, p.Recipient, p.TemplateID, p.Params, Options{CampaignID: p.CampaignID}, p.QuotaConsumed)
	if err == nil {
		return nil
	}

	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return &queue.RescheduleError{Delay: rl.RetryAfter}
	}

	var te *TransportError
	if errors.As(err, &te) {
		return err
	}

	// Invalid recipient or template configuration cannot heal on retry.
	return &queue.PermanentError{Err: err}
}
