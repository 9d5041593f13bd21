package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SubmissionLimiter throttles how fast one company can launch sync jobs. The
// portal being scraped tolerates only so much traffic per taxpayer, so the
// brake sits at submission time, shared across every API instance via Redis.
type SubmissionLimiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewSubmissionLimiter constructs a per-company token bucket. capacity bounds
// the burst, refillPerSecond the sustained rate.
func NewSubmissionLimiter(client *redis.Client, capacity int, refillPerSecond float64) *SubmissionLimiter {
	if capacity <= 0 {
		capacity = 10
	}
	if refillPerSecond <= 0 {
		refillPerSecond = 0.2
	}
	return &SubmissionLimiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      time.Hour,
	}
}

// Allow consumes one submission slot for the company if available. Returns
// the allowed flag and the tokens left.
func (l *SubmissionLimiter) Allow(ctx context.Context, companyID int64) (bool, float64, error) {
	key := fmt.Sprintf("sync:ratelimit:%d", companyID)
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{key}, l.capacity, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected bucket reply %v", res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed == 1, tokens, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
