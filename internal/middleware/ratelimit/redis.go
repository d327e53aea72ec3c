package ratelimit

import (
	"context"
	"time"

	"github.com/microbank/gateway/internal/logging"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// tokenBucketScript refills and takes a token atomically.
// KEYS[1] bucket hash; ARGV capacity, refill per second, now in ms.
// Returns: [allowed (0/1), remaining, retry_after_ms]
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
    tokens = capacity
    ts = now
end

local elapsed = math.max(0, now - ts) / 1000
tokens = math.min(capacity, tokens + elapsed * refill)

local allowed = 0
local wait = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
else
    wait = math.ceil((1 - tokens) / refill * 1000)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', now)
redis.call('PEXPIRE', key, math.ceil(capacity / refill * 1000) + 1000)
return {allowed, math.floor(tokens), wait}
`)

// RedisBucket is a token bucket shared by every gateway replica using the
// same Redis. Redis errors fail open.
type RedisBucket struct {
	client   redis.Scripter
	prefix   string
	capacity int
	refill   float64
	timeout  time.Duration
	now      func() time.Time
}

// NewRedisBucket creates a Redis-backed bucket. Keys are stored under prefix.
func NewRedisBucket(client redis.Scripter, prefix string, capacity int, refillPerSecond float64) *RedisBucket {
	if prefix == "" {
		prefix = "gw:rl:"
	}
	return &RedisBucket{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		refill:   refillPerSecond,
		timeout:  100 * time.Millisecond,
		now:      time.Now,
	}
}

// Take implements Bucket.
func (b *RedisBucket) Take(ctx context.Context, key string) Result {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	res, err := tokenBucketScript.Run(ctx, b.client,
		[]string{b.prefix + key},
		b.capacity,
		b.refill,
		b.now().UnixMilli(),
	).Int64Slice()
	if err != nil || len(res) != 3 {
		logging.Warn("Redis rate limit unavailable, failing open",
			zap.String("key", key),
			zap.Error(err),
		)
		return Result{Allowed: true, Limit: b.capacity, Remaining: b.capacity}
	}

	return Result{
		Allowed:    res[0] == 1,
		Limit:      b.capacity,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}
}
