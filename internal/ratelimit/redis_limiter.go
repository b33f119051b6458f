package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript atomically increments the recipient counter, arms the
// rolling-window expiry on first use, and rolls back when the daily
// limit is already spent. Returns {allowed, remaining, ttl_ms}.
var consumeScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
  redis.call("DECR", KEYS[1])
  local ttl = redis.call("PTTL", KEYS[1])
  return {0, 0, ttl}
end
return {1, tonumber(ARGV[1]) - n, 0}
`)

// RedisLimiter enforces the per-recipient daily send quota on Redis.
type RedisLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

func NewRedisLimiter(rdb *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: limit, window: window}
}

func quotaKey(recipientKey string) string {
	return "quota:" + recipientKey
}

// TryConsume takes one quota unit for the recipient if available.
// On a store error the caller must fail closed for non-forced sends;
// the error is returned so the dispatch engine can do exactly that.
func (l *RedisLimiter) TryConsume(ctx context.Context, recipientKey string) (Decision, error) {
	res, err := consumeScript.Run(ctx, l.rdb,
		[]string{quotaKey(recipientKey)},
		l.limit, l.window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("quota store: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("quota store: unexpected reply %v", res)
	}

	if res[0] != 1 {
		retry := time.Duration(res[2]) * time.Millisecond
		if retry < 0 {
			retry = l.window
		}
		slog.Info("quota denied", "recipient", recipientKey, "retry_after", retry.String())
		return Decision{Allowed: false, RetryAfter: retry}, nil
	}

	return Decision{Allowed: true, Remaining: int(res[1])}, nil
}
