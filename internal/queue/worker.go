package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Worker polls one RedisQueue for due jobs and runs their handlers.
// The poll loop itself never blocks on a handler: each claimed job runs
// on its own goroutine, bounded by a weighted semaphore, so one slow
// network call cannot starve other ready jobs.
type Worker struct {
	queue    *RedisQueue
	interval time.Duration
	batch    int
	sem      *semaphore.Weighted

	handlers map[string]HandlerFunc

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewWorker(q *RedisQueue, interval time.Duration, concurrency int64) (*Worker, error) {
	if q == nil {
		return nil, errors.New("queue must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if concurrency <= 0 {
		return nil, errors.New("concurrency must be > 0")
	}
	return &Worker{
		queue:    q,
		interval: interval,
		batch:    int(concurrency),
		sem:      semaphore.NewWeighted(concurrency),
		handlers: make(map[string]HandlerFunc),
		done:     make(chan struct{}),
	}, nil
}

// Register binds a handler to a job kind. Must be called before Start.
func (w *Worker) Register(kind string, h HandlerFunc) {
	w.handlers[kind] = h
}

func (w *Worker) Start() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running.Store(true)

	go func() {
		defer close(w.done)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		slog.Info("queue worker started", "queue", w.queue.name, "interval", w.interval.String())

		w.tick(ctx)

		for {
			select {
			case <-ctx.Done():
				slog.Info("queue worker stopping", "queue", w.queue.name)
				return
			case <-ticker.C:
				w.tick(ctx)
			}
		}
	}()

	return true
}

func (w *Worker) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running.Load() {
		return false
	}

	w.cancel()
	<-w.done
	w.wg.Wait()
	w.running.Store(false)

	slog.Info("queue worker stopped", "queue", w.queue.name)
	return true
}

func (w *Worker) IsRunning() bool {
	return w.running.Load()
}

func (w *Worker) tick(ctx context.Context) {
	jobs, err := w.queue.Claim(ctx, w.batch)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("claim failed", "queue", w.queue.name, "error", err)
		}
		return
	}

	for _, job := range jobs {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			// Shutting down with a claimed job in hand: push it back so
			// a restart picks it up.
			_ = w.queue.Reschedule(context.Background(), job, 0)
			return
		}

		w.wg.Add(1)
		go func(job Job) {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.run(ctx, job)
		}(job)
	}
}

func (w *Worker) run(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job handler panic recovered", "queue", w.queue.name, "job_id", job.ID, "panic", r)
			_ = w.queue.Retry(context.Background(), job, fmt.Errorf("panic: %v", r))
		}
	}()

	h, ok := w.handlers[job.Kind]
	if !ok {
		_ = w.queue.Retry(ctx, job, fmt.Errorf("no handler for kind %q", job.Kind))
		return
	}

	start := time.Now()
	err := h(ctx, job)
	elapsed := time.Since(start).Milliseconds()

	switch {
	case err == nil:
		if cerr := w.queue.Complete(ctx, job); cerr != nil {
			slog.Error("job complete failed", "queue", w.queue.name, "job_id", job.ID, "error", cerr)
		}
		slog.Info("job completed", "queue", w.queue.name, "kind", job.Kind, "job_id", job.ID, "duration_ms", elapsed)
	default:
		var pe *PermanentError
		if errors.As(err, &pe) {
			if ferr := w.queue.Fail(ctx, job, pe.Err); ferr != nil {
				slog.Error("job fail failed", "queue", w.queue.name, "job_id", job.ID, "error", ferr)
			}
			return
		}
		var re *RescheduleError
		if errors.As(err, &re) {
			slog.Info("job rescheduled", "queue", w.queue.name, "kind", job.Kind, "job_id", job.ID, "delay", re.Delay.String())
			if rerr := w.queue.Reschedule(ctx, job, re.Delay); rerr != nil {
				slog.Error("job reschedule failed", "queue", w.queue.name, "job_id", job.ID, "error", rerr)
			}
			return
		}
		if rerr := w.queue.Retry(ctx, job, err); rerr != nil {
			slog.Error("job retry failed", "queue", w.queue.name, "job_id", job.ID, "error", rerr)
		}
	}
}
