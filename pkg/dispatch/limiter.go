package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter throttles outbound dispatch calls. Used for the ticket and
// notify targets so a large non-compliant batch cannot flood them.
type Limiter interface {
	Allow(ctx context.Context, target string) (bool, error)
}

// RateLimitPolicy configures a token bucket per dispatch target.
type RateLimitPolicy struct {
	RPM   int // sustained calls per minute
	Burst int // bucket capacity
}

// redisTokenBucketScript handles the token bucket algorithm atomically in
// Redis so all evaluator replicas share one budget per target.
// KEYS[1] = bucket key (e.g. "dispatch:tickets")
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, microsecond precision)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    local added = elapsed * rate
    tokens = tokens + added
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiter implements Limiter using a shared Redis token bucket.
// Targets without an override use the default policy.
type RedisLimiter struct {
	client   *redis.Client
	policy   RateLimitPolicy
	policies map[string]RateLimitPolicy
}

// NewRedisLimiter creates a limiter backed by Redis.
func NewRedisLimiter(addr, password string, db int, policy RateLimitPolicy) *RedisLimiter {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLimiter{client: rdb, policy: policy}
}

// SetTargetPolicy overrides the bucket policy for one target, e.g. a
// site profile throttling tickets harder than notifications.
func (l *RedisLimiter) SetTargetPolicy(target string, policy RateLimitPolicy) *RedisLimiter {
	if l.policies == nil {
		l.policies = make(map[string]RateLimitPolicy)
	}
	l.policies[target] = policy
	return l
}

func (l *RedisLimiter) targetPolicy(target string) RateLimitPolicy {
	if p, ok := l.policies[target]; ok {
		return p
	}
	return l.policy
}

// Allow executes the Lua script to check and update the token bucket.
func (l *RedisLimiter) Allow(ctx context.Context, target string) (bool, error) {
	key := fmt.Sprintf("dispatch:%s", target)
	policy := l.targetPolicy(target)

	rate := float64(policy.RPM) / 60.0
	if rate <= 0 {
		rate = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{key}, rate, policy.Burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("dispatch: redis limiter: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("dispatch: invalid response from limiter script")
	}

	allowedVal, _ := results[0].(int64)
	return allowedVal == 1, nil
}
