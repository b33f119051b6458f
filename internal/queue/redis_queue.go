package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// claimVisibility is how long a claimed job stays invisible before a
// restarted worker may take it over. Delivery is at-least-once: a
// crash between claim and completion redelivers after this deadline.
const claimVisibility = 5 * time.Minute

// claimScript first returns processing entries whose visibility
// deadline lapsed to the ready set, then moves up to limit due jobs
// from ready into processing. Runs atomically, so each claimed id is
// owned by exactly one caller and a job is always referenced from one
// of the two sets.
// KEYS: {ready, processing}; ARGV: {now_ms, limit, deadline_ms}.
var claimScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
for _, id in ipairs(expired) do
  redis.call("ZREM", KEYS[2], id)
  redis.call("ZADD", KEYS[1], ARGV[1], id)
end
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("ZADD", KEYS[2], ARGV[3], id)
end
return ids
`)

// RedisQueue is a durable delayed job queue on two Redis sorted sets.
// The ready set scores jobs by due time in unix milliseconds; claimed
// jobs move to a processing set scored by their visibility deadline,
// and only Complete or a terminal failure removes them. Job bodies
// live in plain keys next to the sets.
type RedisQueue struct {
	rdb         *redis.Client
	name        string
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
}

func NewRedisQueue(rdb *redis.Client, name string, maxAttempts int, backoff time.Duration) (*RedisQueue, error) {
	if name == "" {
		return nil, errors.New("queue name must not be empty")
	}
	if maxAttempts <= 0 {
		return nil, errors.New("maxAttempts must be > 0")
	}
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &RedisQueue{
		rdb:         rdb,
		name:        name,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		now:         time.Now,
	}, nil
}

// WithClock overrides the queue's clock. Test hook.
func (q *RedisQueue) WithClock(now func() time.Time) *RedisQueue {
	q.now = now
	return q
}

func (q *RedisQueue) readyKey() string           { return "queue:" + q.name }
func (q *RedisQueue) processingKey() string      { return "queue:" + q.name + ":processing" }
func (q *RedisQueue) failedKey() string          { return "queue:" + q.name + ":failed" }
func (q *RedisQueue) jobKey(id string) string    { return "queue:" + q.name + ":job:" + id }
func (q *RedisQueue) dedupKey(key string) string { return "queue:" + q.name + ":dedup:" + key }

func (q *RedisQueue) Enqueue(ctx context.Context, kind string, payload any, opts Options) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = q.backoff
	}

	now := q.now().UTC()
	job := Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     body,
		MaxAttempts: maxAttempts,
		BackoffMS:   backoff.Milliseconds(),
		EnqueuedAt:  now,
		RunAt:       now.Add(opts.Delay),
	}

	if opts.DedupKey != "" {
		ttl := opts.Delay + 24*time.Hour
		ok, err := q.rdb.SetNX(ctx, q.dedupKey(opts.DedupKey), job.ID, ttl).Result()
		if err != nil {
			return "", fmt.Errorf("queue dedup: %w", err)
		}
		if !ok {
			existing, err := q.rdb.Get(ctx, q.dedupKey(opts.DedupKey)).Result()
			if err != nil {
				return "", fmt.Errorf("queue dedup: %w", err)
			}
			slog.Info("duplicate enqueue suppressed", "queue", q.name, "kind", kind, "dedup_key", opts.DedupKey)
			return existing, nil
		}
	}

	if err := q.store(ctx, job); err != nil {
		return "", err
	}
	if err := q.schedule(ctx, job); err != nil {
		return "", err
	}

	slog.Info("job enqueued",
		"queue", q.name,
		"kind", kind,
		"job_id", job.ID,
		"run_at", job.RunAt.Format(time.RFC3339),
	)
	return job.ID, nil
}

// Claim atomically moves up to limit due jobs into the processing set
// and returns them. Each returned job is owned exclusively by the
// caller until its visibility deadline; jobs whose previous claimer
// crashed are redelivered once that deadline lapses.
func (q *RedisQueue) Claim(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	now := q.now().UTC()
	deadline := now.Add(claimVisibility)
	ids, err := claimScript.Run(ctx, q.rdb,
		[]string{q.readyKey(), q.processingKey()},
		now.UnixMilli(), limit, deadline.UnixMilli(),
	).StringSlice()
	if err != nil {
		return nil, err
	}

	var jobs []Job
	for _, id := range ids {
		raw, err := q.rdb.Get(ctx, q.jobKey(id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				_ = q.rdb.ZRem(ctx, q.processingKey(), id).Err()
				continue
			}
			return jobs, err
		}

		var job Job
		if err := json.Unmarshal(raw, &job); err != nil {
			slog.Error("dropping undecodable job", "queue", q.name, "job_id", id, "error", err)
			_ = q.rdb.Del(ctx, q.jobKey(id)).Err()
			_ = q.rdb.ZRem(ctx, q.processingKey(), id).Err()
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Complete acknowledges a finished job and removes it.
func (q *RedisQueue) Complete(ctx context.Context, job Job) error {
	if err := q.rdb.ZRem(ctx, q.processingKey(), job.ID).Err(); err != nil {
		return err
	}
	return q.rdb.Del(ctx, q.jobKey(job.ID)).Err()
}

// Retry re-schedules a failed job with exponential backoff, or moves it
// to the failed list once attempts are exhausted.
func (q *RedisQueue) Retry(ctx context.Context, job Job, cause error) error {
	job.Attempt++
	job.LastError = cause.Error()

	if job.Attempt >= job.MaxAttempts {
		return q.fail(ctx, job)
	}

	backoff := time.Duration(job.BackoffMS) * time.Millisecond
	for i := 1; i < job.Attempt; i++ {
		backoff *= 2
	}
	job.RunAt = q.now().UTC().Add(backoff)

	slog.Warn("job retry scheduled",
		"queue", q.name,
		"kind", job.Kind,
		"job_id", job.ID,
		"attempt", job.Attempt,
		"max_attempts", job.MaxAttempts,
		"backoff", backoff.String(),
		"error", job.LastError,
	)

	if err := q.store(ctx, job); err != nil {
		return err
	}
	if err := q.schedule(ctx, job); err != nil {
		return err
	}
	// Release the processing claim last: until the job is back in the
	// ready set, the visibility deadline still covers it.
	return q.rdb.ZRem(ctx, q.processingKey(), job.ID).Err()
}

// Reschedule re-queues a job after delay without touching its attempt
// count. The deferred-send handler uses this when the send window is
// still closed at execution time.
func (q *RedisQueue) Reschedule(ctx context.Context, job Job, delay time.Duration) error {
	job.RunAt = q.now().UTC().Add(delay)
	if err := q.store(ctx, job); err != nil {
		return err
	}
	if err := q.schedule(ctx, job); err != nil {
		return err
	}
	return q.rdb.ZRem(ctx, q.processingKey(), job.ID).Err()
}

// Fail moves a job straight to the failed list, bypassing retries.
func (q *RedisQueue) Fail(ctx context.Context, job Job, cause error) error {
	job.LastError = cause.Error()
	return q.fail(ctx, job)
}

// Failed lists terminally failed jobs for operator inspection, newest
// first. They stay until an operator removes them; nothing auto-retries.
func (q *RedisQueue) Failed(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := q.rdb.LRange(ctx, q.failedKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (q *RedisQueue) fail(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}

	slog.Error("job permanently failed",
		"queue", q.name,
		"kind", job.Kind,
		"job_id", job.ID,
		"attempts", job.Attempt,
		"error", job.LastError,
	)

	if err := q.rdb.LPush(ctx, q.failedKey(), raw).Err(); err != nil {
		return err
	}
	if err := q.rdb.ZRem(ctx, q.processingKey(), job.ID).Err(); err != nil {
		return err
	}
	return q.rdb.Del(ctx, q.jobKey(job.ID)).Err()
}

func (q *RedisQueue) store(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.Set(ctx, q.jobKey(job.ID), raw, 0).Err()
}

func (q *RedisQueue) schedule(ctx context.Context, job Job) error {
	return q.rdb.ZAdd(ctx, q.readyKey(), redis.Z{
		Score:  float64(job.RunAt.UnixMilli()),
		Member: job.ID,
	}).Err()
}
