package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eevans-d/gymops-messaging/internal/dispatch"
	"github.com/eevans-d/gymops-messaging/internal/model"
	"github.com/eevans-d/gymops-messaging/internal/queue"
	"github.com/eevans-d/gymops-messaging/internal/repo"
)

type memCampaigns struct {
	mu   sync.Mutex
	rows map[string]*model.Campaign
}

func newMemCampaigns() *memCampaigns {
	return &memCampaigns{rows: make(map[string]*model.Campaign)}
}

func (m *memCampaigns) Create(ctx context.Context, c *model.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.rows[c.ID] = &cp
	return nil
}

func (m *memCampaigns) Get(ctx context.Context, id string) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *memCampaigns) UpdateStep(ctx context.Context, id string, stepIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.Status != model.CampaignActive {
		return repo.ErrNotFound
	}
	row.StepIndex = stepIndex
	return nil
}

func (m *memCampaigns) UpdateStatus(ctx context.Context, id string, status model.CampaignStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.Status != model.CampaignActive {
		return repo.ErrNotFound
	}
	row.Status = status
	return nil
}

func (m *memCampaigns) ListActiveByRecipient(ctx context.Context, phone string) ([]model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Campaign
	for _, row := range m.rows {
		if row.RecipientPhone == phone && row.Status == model.CampaignActive {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (m *memCampaigns) status(t *testing.T, id string) model.CampaignStatus {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		t.Fatalf("campaign %s not found", id)
	}
	return row.Status
}

type recordedJob struct {
	Kind    string
	Payload []byte
	Opts    queue.Options
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs []recordedJob
	err  error
	seq  int
}

func (f *fakeJobs) Enqueue(ctx context.Context, kind string, payload any, opts queue.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	b, _ := json.Marshal(payload)
	f.jobs = append(f.jobs, recordedJob{Kind: kind, Payload: b, Opts: opts})
	f.seq++
	return fmt.Sprintf("job-%d", f.seq), nil
}

func (f *fakeJobs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func (f *fakeJobs) last() recordedJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[len(f.jobs)-1]
}

type sentCall struct {
	Recipient  string
	TemplateID string
	CampaignID string
}

type fakeDispatcher struct {
	mu     sync.Mutex
	sends  []sentCall
	err    error
	onSend func()
}

func (f *fakeDispatcher) Send(ctx context.Context, recipient, templateID string, params map[string]string, opts dispatch.Options) (*dispatch.Result, error) {
	f.mu.Lock()
	f.sends = append(f.sends, sentCall{Recipient: recipient, TemplateID: templateID, CampaignID: opts.CampaignID})
	hook := f.onSend
	err := f.err
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return &dispatch.Result{Status: model.StatusSent, ProviderMessageID: "wamid-1"}, nil
}

func (f *fakeDispatcher) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func newTestSequencer() (*Sequencer, *memCampaigns, *fakeJobs, *fakeDispatcher) {
	campaigns := newMemCampaigns()
	jobs := &fakeJobs{}
	engine := &fakeDispatcher{}
	return NewSequencer(campaigns, jobs, engine), campaigns, jobs, engine
}

func stepJob(t *testing.T, rec recordedJob) queue.Job {
	t.Helper()
	if rec.Kind != KindCampaignStep {
		t.Fatalf("expected campaign step job, got kind %q", rec.Kind)
	}
	return queue.Job{Kind: rec.Kind, Payload: rec.Payload, MaxAttempts: 3}
}

func TestStart_EnqueuesFirstStep(t *testing.T) {
	t.Parallel()

	s, campaigns, jobs, _ := newTestSequencer()

	c, err := s.Start(context.Background(), "m-1", "+5491112345678", model.CampaignReactivation, map[string]string{"nombre": "Ana", "companeros": "8", "descuento": "20%"})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if c.Status != model.CampaignActive || c.StepIndex != 0 {
		t.Fatalf("expected active campaign at step 0, got %+v", c)
	}
	if got := campaigns.status(t, c.ID); got != model.CampaignActive {
		t.Fatalf("expected persisted active campaign, got %s", got)
	}

	if jobs.count() != 1 {
		t.Fatalf("expected 1 enqueued job, got %d", jobs.count())
	}
	job := jobs.last()
	if job.Opts.Delay != 0 {
		t.Fatalf("expected reactivation step 0 immediate, got delay %v", job.Opts.Delay)
	}
	if job.Opts.DedupKey != c.ID+":step:0" {
		t.Fatalf("unexpected dedup key %q", job.Opts.DedupKey)
	}
}

func TestStart_UnknownKind(t *testing.T) {
	t.Parallel()

	s, _, jobs, _ := newTestSequencer()

	_, err := s.Start(context.Background(), "m-1", "+5491112345678", model.CampaignKind("spam_blast"), nil)
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if jobs.count() != 0 {
		t.Fatalf("expected no jobs for unknown kind")
	}
}

func TestStart_InvalidRecipient(t *testing.T) {
	t.Parallel()

	s, _, _, _ := newTestSequencer()

	_, err := s.Start(context.Background(), "m-1", "not-a-phone", model.CampaignReactivation, nil)
	if !errors.Is(err, dispatch.ErrInvalidRecipient) {
		t.Fatalf("expected ErrInvalidRecipient, got %v", err)
	}
}

func TestHandleStep_RunsFullReactivationSequence(t *testing.T) {
	t.Parallel()

	s, campaigns, jobs, engine := newTestSequencer()
	ctx := context.Background()
	params := map[string]string{"nombre": "Ana", "companeros": "8", "descuento": "20%"}

	c, err := s.Start(ctx, "m-1", "+5491112345678", model.CampaignReactivation, params)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	wantTemplates := []string{"miss_you", "social_proof", "special_offer"}
	wantDelays := []time.Duration{0, 72 * time.Hour, 72 * time.Hour}

	for i := 0; i < 3; i++ {
		job := jobs.last()
		if job.Opts.Delay != wantDelays[i] {
			t.Fatalf("step %d: expected delay %v, got %v", i, wantDelays[i], job.Opts.Delay)
		}
		if err := s.HandleStep(ctx, stepJob(t, job)); err != nil {
			t.Fatalf("HandleStep(%d) error: %v", i, err)
		}
		if engine.sends[i].TemplateID != wantTemplates[i] {
			t.Fatalf("step %d: expected template %s, got %s", i, wantTemplates[i], engine.sends[i].TemplateID)
		}
		if engine.sends[i].CampaignID != c.ID {
			t.Fatalf("step %d: expected campaign reference on send", i)
		}
	}

	// Exactly K jobs for K steps, then completion.
	if jobs.count() != 3 {
		t.Fatalf("expected exactly 3 jobs for 3 steps, got %d", jobs.count())
	}
	if got := campaigns.status(t, c.ID); got != model.CampaignCompleted {
		t.Fatalf("expected completed campaign, got %s", got)
	}
}

func TestHandleStep_CancelledBeforeNextStepStopsSequence(t *testing.T) {
	t.Parallel()

	s, campaigns, jobs, engine := newTestSequencer()
	ctx := context.Background()
	params := map[string]string{"nombre": "Ana", "companeros": "8", "descuento": "20%"}

	c, err := s.Start(ctx, "m-1", "+5491112345678", model.CampaignReactivation, params)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// Steps 0 and 1 complete normally.
	for i := 0; i < 2; i++ {
		if err := s.HandleStep(ctx, stepJob(t, jobs.last())); err != nil {
			t.Fatalf("HandleStep(%d) error: %v", i, err)
		}
	}
	if jobs.count() != 3 {
		t.Fatalf("expected step 2 job enqueued, got %d jobs", jobs.count())
	}

	// Member re-engages before step 2 runs.
	if err := s.Cancel(ctx, c.ID); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}

	if err := s.HandleStep(ctx, stepJob(t, jobs.last())); err != nil {
		t.Fatalf("HandleStep(cancelled) error: %v", err)
	}

	if engine.sendCount() != 2 {
		t.Fatalf("expected no send after cancellation, got %d sends", engine.sendCount())
	}
	if jobs.count() != 3 {
		t.Fatalf("expected no further jobs after cancellation, got %d", jobs.count())
	}
	if got := campaigns.status(t, c.ID); got != model.CampaignCancelled {
		t.Fatalf("expected cancelled campaign, got %s", got)
	}
}

func TestHandleStep_CancellationDuringSendHonoredAtStepBoundary(t *testing.T) {
	t.Parallel()

	s, campaigns, jobs, engine := newTestSequencer()
	ctx := context.Background()
	params := map[string]string{"nombre": "Ana", "companeros": "8", "descuento": "20%"}

	c, err := s.Start(ctx, "m-1", "+5491112345678", model.CampaignReactivation, params)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// Cancellation lands while step 0's send is in flight: the send
	// completes but step 1 must never be scheduled.
	engine.onSend = func() {
		if err := s.Cancel(ctx, c.ID); err != nil {
			t.Errorf("Cancel() error: %v", err)
		}
	}

	if err := s.HandleStep(ctx, stepJob(t, jobs.last())); err != nil {
		t.Fatalf("HandleStep() error: %v", err)
	}

	if engine.sendCount() != 1 {
		t.Fatalf("expected in-flight send to complete, got %d", engine.sendCount())
	}
	if jobs.count() != 1 {
		t.Fatalf("expected no next step scheduled, got %d jobs", jobs.count())
	}
	if got := campaigns.status(t, c.ID); got != model.CampaignCancelled {
		t.Fatalf("expected cancelled campaign, got %s", got)
	}
}

func TestHandleStep_TransportErrorIsRetryable(t *testing.T) {
	t.Parallel()

	s, _, jobs, engine := newTestSequencer()
	ctx := context.Background()

	_, err := s.Start(ctx, "m-1", "+5491112345678", model.CampaignNutritionTip, map[string]string{"nombre": "Ana", "tip": "hidratate"})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	engine.err = &dispatch.TransportError{Err: errors.New("provider down")}

	err = s.HandleStep(ctx, stepJob(t, jobs.last()))
	var te *dispatch.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected transport error surfaced for retry, got %v", err)
	}
}

func TestHandleStep_TransportErrorOnFinalAttemptStillAdvances(t *testing.T) {
	t.Parallel()

	s, campaigns, jobs, engine := newTestSequencer()
	ctx := context.Background()
	params := map[string]string{"nombre": "Ana", "companeros": "8", "descuento": "20%"}

	c, err := s.Start(ctx, "m-1", "+5491112345678", model.CampaignReactivation, params)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	engine.err = &dispatch.TransportError{Err: errors.New("provider down")}

	// The job arrives on its last attempt: the step is lost, but the
	// campaign must not be.
	job := stepJob(t, jobs.last())
	job.Attempt = job.MaxAttempts - 1

	if err := s.HandleStep(ctx, job); err != nil {
		t.Fatalf("expected final attempt to advance, got %v", err)
	}

	if jobs.count() != 2 {
		t.Fatalf("expected next step enqueued after terminal failure, got %d jobs", jobs.count())
	}
	if got := campaigns.status(t, c.ID); got != model.CampaignActive {
		t.Fatalf("expected campaign still active, got %s", got)
	}

	// The sequence finishes despite the lost step.
	engine.err = nil
	for i := 1; i < 3; i++ {
		if err := s.HandleStep(ctx, stepJob(t, jobs.last())); err != nil {
			t.Fatalf("HandleStep(%d) error: %v", i, err)
		}
	}
	if got := campaigns.status(t, c.ID); got != model.CampaignCompleted {
		t.Fatalf("expected completed campaign, got %s", got)
	}
}

func TestStart_EnqueueFailureRollsBackCampaign(t *testing.T) {
	t.Parallel()

	s, campaigns, jobs, _ := newTestSequencer()
	jobs.err = errors.New("queue store down")

	_, err := s.Start(context.Background(), "m-1", "+5491112345678", model.CampaignReactivation, map[string]string{"nombre": "Ana", "companeros": "8", "descuento": "20%"})
	if err == nil {
		t.Fatalf("expected Start() to fail when the enqueue fails")
	}

	campaigns.mu.Lock()
	defer campaigns.mu.Unlock()
	for _, row := range campaigns.rows {
		if row.Status != model.CampaignCancelled {
			t.Fatalf("expected campaign rolled back to cancelled, got %s", row.Status)
		}
	}
}

func TestHandleStep_PermanentSendFailureDoesNotHaltCampaign(t *testing.T) {
	t.Parallel()

	s, campaigns, jobs, engine := newTestSequencer()
	ctx := context.Background()
	params := map[string]string{"nombre": "Ana", "companeros": "8", "descuento": "20%"}

	c, err := s.Start(ctx, "m-1", "+5491112345678", model.CampaignReactivation, params)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	engine.err = &dispatch.RateLimitedError{RetryAfter: time.Hour}

	if err := s.HandleStep(ctx, stepJob(t, jobs.last())); err != nil {
		t.Fatalf("expected step to continue past permanent send failure, got %v", err)
	}

	// The sequence moved on to step 1 anyway.
	if jobs.count() != 2 {
		t.Fatalf("expected next step enqueued despite failed nudge, got %d jobs", jobs.count())
	}
	if got := campaigns.status(t, c.ID); got != model.CampaignActive {
		t.Fatalf("expected campaign still active, got %s", got)
	}
}

func TestHandleStep_StaleStepRepairsCurrentStep(t *testing.T) {
	t.Parallel()

	s, _, jobs, engine := newTestSequencer()
	ctx := context.Background()
	params := map[string]string{"nombre": "Ana", "companeros": "8", "descuento": "20%"}

	c, err := s.Start(ctx, "m-1", "+5491112345678", model.CampaignReactivation, params)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// Complete step 0 so the campaign sits at step 1.
	if err := s.HandleStep(ctx, stepJob(t, jobs.last())); err != nil {
		t.Fatalf("HandleStep() error: %v", err)
	}
	sendsBefore := engine.sendCount()
	jobsBefore := jobs.count()

	// A duplicate delivery of the step 0 job must not re-send.
	payload, _ := json.Marshal(stepPayload{CampaignID: c.ID, StepIndex: 0})
	if err := s.HandleStep(ctx, queue.Job{Kind: KindCampaignStep, Payload: payload}); err != nil {
		t.Fatalf("HandleStep(stale) error: %v", err)
	}

	if engine.sendCount() != sendsBefore {
		t.Fatalf("expected stale step not to send, got %d sends", engine.sendCount())
	}
	// It may repair-enqueue the current step; the dedup key makes that
	// harmless.
	if jobs.count() > jobsBefore+1 {
		t.Fatalf("expected at most one repair enqueue, got %d jobs", jobs.count())
	}
	if jobs.count() == jobsBefore+1 {
		var repaired stepPayload
		if err := json.Unmarshal(jobs.last().Payload, &repaired); err != nil {
			t.Fatalf("failed to decode repair payload: %v", err)
		}
		if repaired.StepIndex != 1 {
			t.Fatalf("expected repair for current step 1, got %d", repaired.StepIndex)
		}
	}
}

func TestHandleStep_FutureStepIsPermanentError(t *testing.T) {
	t.Parallel()

	s, _, _, _ := newTestSequencer()
	ctx := context.Background()

	c, err := s.Start(ctx, "m-1", "+5491112345678", model.CampaignNutritionTip, map[string]string{"nombre": "Ana", "tip": "hidratate"})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	payload, _ := json.Marshal(stepPayload{CampaignID: c.ID, StepIndex: 7})
	err = s.HandleStep(ctx, queue.Job{Kind: KindCampaignStep, Payload: payload})

	var pe *queue.PermanentError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PermanentError for future step, got %v", err)
	}
}

func TestHandleStep_UnknownCampaignDropped(t *testing.T) {
	t.Parallel()

	s, _, _, engine := newTestSequencer()

	payload, _ := json.Marshal(stepPayload{CampaignID: "ghost", StepIndex: 0})
	if err := s.HandleStep(context.Background(), queue.Job{Kind: KindCampaignStep, Payload: payload}); err != nil {
		t.Fatalf("expected unknown campaign dropped quietly, got %v", err)
	}
	if engine.sendCount() != 0 {
		t.Fatalf("expected no send for unknown campaign")
	}
}

func TestCancel_IsIdempotent(t *testing.T) {
	t.Parallel()

	s, campaigns, _, _ := newTestSequencer()
	ctx := context.Background()

	c, err := s.Start(ctx, "m-1", "+5491112345678", model.CampaignNutritionTip, map[string]string{"nombre": "Ana", "tip": "hidratate"})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if err := s.Cancel(ctx, c.ID); err != nil {
		t.Fatalf("first Cancel() error: %v", err)
	}
	if err := s.Cancel(ctx, c.ID); err != nil {
		t.Fatalf("second Cancel() must be a no-op, got %v", err)
	}
	if got := campaigns.status(t, c.ID); got != model.CampaignCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
}

func TestCancelForRecipient_OnlyMatchingKind(t *testing.T) {
	t.Parallel()

	s, campaigns, _, _ := newTestSequencer()
	ctx := context.Background()

	react, err := s.Start(ctx, "m-1", "+5491112345678", model.CampaignReactivation, map[string]string{"nombre": "Ana", "companeros": "8", "descuento": "20%"})
	if err != nil {
		t.Fatalf("Start(reactivation) error: %v", err)
	}
	tip, err := s.Start(ctx, "m-1", "+5491112345678", model.CampaignNutritionTip, map[string]string{"nombre": "Ana", "tip": "hidratate"})
	if err != nil {
		t.Fatalf("Start(nutrition) error: %v", err)
	}

	n, err := s.CancelForRecipient(ctx, "+5491112345678", model.CampaignReactivation)
	if err != nil {
		t.Fatalf("CancelForRecipient() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 cancellation, got %d", n)
	}
	if got := campaigns.status(t, react.ID); got != model.CampaignCancelled {
		t.Fatalf("expected reactivation cancelled, got %s", got)
	}
	if got := campaigns.status(t, tip.ID); got != model.CampaignActive {
		t.Fatalf("expected nutrition campaign untouched, got %s", got)
	}
}
