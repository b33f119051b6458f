package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/eevans-d/gymops-messaging/internal/campaign"
	"github.com/eevans-d/gymops-messaging/internal/delivery"
	"github.com/eevans-d/gymops-messaging/internal/dispatch"
	"github.com/eevans-d/gymops-messaging/internal/model"
	"github.com/eevans-d/gymops-messaging/internal/queue"
	"github.com/eevans-d/gymops-messaging/internal/repo"
	"github.com/eevans-d/gymops-messaging/internal/template"
)

type Handler struct {
	engine    *dispatch.Engine
	tracker   *delivery.Tracker
	sequencer *campaign.Sequencer
	messages  repo.MessageRepository
	queues    map[string]*queue.RedisQueue
	secret    []byte
}

func NewHandler(
	engine *dispatch.Engine,
	tracker *delivery.Tracker,
	sequencer *campaign.Sequencer,
	messages repo.MessageRepository,
	queues map[string]*queue.RedisQueue,
	webhookSecret string,
) *Handler {
	return &Handler{
		engine:    engine,
		tracker:   tracker,
		sequencer: sequencer,
		messages:  messages,
		queues:    queues,
		secret:    []byte(webhookSecret),
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type webhookEvent struct {
	Type      string `json:"type,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Status    string `json:"status,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Reason    string `json:"reason,omitempty"`
	From      string `json:"from,omitempty"`
	Text      string `json:"text,omitempty"`
}

type webhookPayload struct {
	Events []webhookEvent `json:"events"`
}

// Webhook ingests asynchronous provider callbacks: delivery status
// transitions and inbound member replies. The HMAC signature over the
// raw body is checked before anything else; an invalid signature
// changes no state. Empty or unrecognized batches are accepted as
// heartbeats.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !h.verifySignature(body, r.Header.Get("X-Signature")) {
		slog.Warn("webhook signature verification failed", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		// Unrecognized batch: accept so the provider stops resending.
		writeJSON(w, http.StatusOK, map[string]any{"processed": 0})
		return
	}

	processed := 0
	for _, ev := range payload.Events {
		if ev.Type == "reply" || (ev.MessageID == "" && ev.From != "") {
			if err := h.handleReply(r.Context(), ev); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			processed++
			continue
		}

		if ev.MessageID == "" {
			continue
		}

		var ts time.Time
		if ev.Timestamp > 0 {
			ts = time.Unix(ev.Timestamp, 0).UTC()
		}
		if err := h.tracker.Apply(r.Context(), delivery.Event{
			ProviderMessageID: ev.MessageID,
			Status:            model.Status(ev.Status),
			Timestamp:         ts,
			Reason:            ev.Reason,
		}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		processed++
	}

	writeJSON(w, http.StatusOK, map[string]any{"processed": processed})
}

// handleReply treats an inbound message as re-engagement: any active
// reactivation sequence for that member is cancelled at the next step
// boundary.
func (h *Handler) handleReply(ctx context.Context, ev webhookEvent) error {
	phone, err := dispatch.NormalizeRecipient(ev.From)
	if err != nil {
		slog.Debug("reply from unparseable number ignored", "from", ev.From)
		return nil
	}

	n, err := h.sequencer.CancelForRecipient(ctx, phone, model.CampaignReactivation)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("reactivation campaigns cancelled by member reply", "recipient", phone, "count", n)
	}
	return nil
}

func (h *Handler) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

type sendRequest struct {
	Recipient  string            `json:"recipient"`
	TemplateID string            `json:"templateId"`
	Params     map[string]string `json:"params"`
	Force      bool              `json:"force"`
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	res, err := h.engine.Send(r.Context(), req.Recipient, req.TemplateID, req.Params, dispatch.Options{Force: req.Force})
	if err != nil {
		writeSendError(w, err)
		return
	}

	switch res.Status {
	case model.StatusQueued:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":       "queued",
			"delaySeconds": int64(res.Delay.Seconds()),
		})
	default:
		writeJSON(w, http.StatusCreated, map[string]any{
			"status":            "sent",
			"providerMessageId": res.ProviderMessageID,
		})
	}
}

func writeSendError(w http.ResponseWriter, err error) {
	var rl *dispatch.RateLimitedError
	var tmpl *template.MissingParamsError
	var transport *dispatch.TransportError

	switch {
	case errors.Is(err, dispatch.ErrInvalidRecipient):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", strconv.FormatInt(int64(rl.RetryAfter.Seconds()), 10))
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.As(err, &tmpl), errors.Is(err, template.ErrUnknownTemplate):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &transport):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type createCampaignRequest struct {
	MemberID  string            `json:"memberId"`
	Recipient string            `json:"recipient"`
	Kind      string            `json:"kind"`
	Params    map[string]string `json:"params"`
}

func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	c, err := h.sequencer.Start(r.Context(), req.MemberID, req.Recipient, model.CampaignKind(req.Kind), req.Params)
	if err != nil {
		if errors.Is(err, campaign.ErrUnknownKind) || errors.Is(err, dispatch.ErrInvalidRecipient) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":     c.ID,
		"kind":   string(c.Kind),
		"status": string(c.Status),
	})
}

func (h *Handler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.sequencer.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "cancelled"})
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.messages.ListRecent(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// ListFailedJobs exposes terminally failed jobs for operator
// remediation; nothing here re-runs them automatically.
func (h *Handler) ListFailedJobs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("queue")
	q, ok := h.queues[name]
	if !ok {
		http.Error(w, "unknown queue", http.StatusNotFound)
		return
	}

	limit := parseInt(r.URL.Query().Get("limit"), 50)
	jobs, err := q.Failed(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
