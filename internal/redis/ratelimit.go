package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Limit     int
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// KEYS: window zset. ARGV: now (ns), windowStart (ns), limit, n, member prefix, ttl (ms).
// Returns {allowed, count after the call}.
var slidingWindowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
local n = tonumber(ARGV[4])
if count + n > tonumber(ARGV[3]) then
	return {0, count}
end
for i = 1, n do
	redis.call('ZADD', KEYS[1], ARGV[1], ARGV[5] .. ':' .. i)
end
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return {1, count + n}
`)

// RateLimiter implements sliding window rate limiting using Redis sorted sets.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow checks if a request is allowed under the rate limit.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN atomically checks and records n requests against key.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := time.Now()
	windowStart := now.Add(-r.config.Window)
	ttl := r.config.Window + time.Second

	res, err := slidingWindowScript.Run(ctx, r.client.rdb,
		[]string{"courier:ratelimit:" + key},
		now.UnixNano(), windowStart.UnixNano(), r.config.Limit, n,
		fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()), ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script failed: %w", err)
	}

	allowed := res[0] == 1
	remaining := max(0, r.config.Limit-int(res[1]))

	if !allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int64("current", res[1]),
			zap.Int("limit", r.config.Limit),
		)
	}

	return &RateLimitResult{
		Limit:     r.config.Limit,
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   now.Add(r.config.Window),
	}, nil
}
