package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes one bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, microsecond precision)
var tokenBucketScript = redis.NewScript(`
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
    tokens = tokens + elapsed * rate
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

// Redis is a token bucket shared through Redis.
type Redis struct {
	client redis.Scripter
	prefix string
	rate   float64
	burst  int
	now    func() time.Time
}

func NewRedis(client redis.Scripter, prefix string, perSec float64, burst int) *Redis {
	if prefix == "" {
		prefix = "signupassist:ratelimit:"
	}
	return &Redis{client: client, prefix: prefix, rate: perSec, burst: burst, now: time.Now}
}

// Allow consumes one token for key if available.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(r.now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, r.client, []string{r.prefix + key}, r.rate, r.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, fmt.Errorf("redis limiter: unexpected script reply %T", res)
	}
	allowed, _ := vals[0].(int64)
	return allowed == 1, nil
}

// Wait polls Allow, sleeping roughly one refill interval between tries.
func (r *Redis) Wait(ctx context.Context, key string) error {
	interval := time.Duration(float64(time.Second) / r.rate)
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	for {
		ok, err := r.Allow(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
