package httpx

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// fixedWindow increments the counter and arms its expiry on first use in one round trip.
var fixedWindow = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {n, redis.call('PTTL', KEYS[1])}
`)

// redisRateLimiter shares request windows across API replicas.
type redisRateLimiter struct {
	rdb     *redis.Client
	log     *slog.Logger
	keyBase string
	budget  time.Duration
}

// NewRedisRateLimiter connects to Redis and verifies it answers before returning.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &redisRateLimiter{rdb: rdb, log: logger, keyBase: "filify:ratelimit:", budget: 250 * time.Millisecond}, nil
}

func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), rl.budget)
	defer cancel()

	res, err := fixedWindow.Run(ctx, rl.rdb, []string{rl.keyBase + key}, window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		// Fail open: a Redis outage must not block status writes from builders.
		if rl.log != nil {
			rl.log.Error("redis rate limiter unavailable", "key", key, "error", err)
		}
		return rateDecision{allowed: true}
	}
	remaining := time.Duration(res[1]) * time.Millisecond
	if remaining <= 0 {
		remaining = window
	}
	return rateDecision{
		allowed:   res[0] <= int64(limit),
		count:     int(res[0]),
		windowEnd: time.Now().Add(remaining),
	}
}

func (rl *redisRateLimiter) Close() {
	_ = rl.rdb.Close()
}
