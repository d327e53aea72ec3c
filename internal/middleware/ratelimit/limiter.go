package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/microbank/gateway/internal/variables"
	"golang.org/x/time/rate"
)

// Anonymous is the caller key used when the configured key source is absent.
const Anonymous = "anonymous"

// Result is the outcome of a single token request.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // zero when allowed
}

// SetHeaders writes the X-RateLimit-* headers for r.
func (r Result) SetHeaders(h http.Header) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(r.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(r.Remaining))
}

// Bucket is a keyed token bucket. Take consumes one token for key if one is
// available and never consumes on rejection.
type Bucket interface {
	Take(ctx context.Context, key string) Result
}

// LocalBucket is an in-process token bucket per key backed by x/time/rate.
// Each key's limiter carries its own mutex; the key map is sharded.
type LocalBucket struct {
	limit    rate.Limit
	capacity int
	buckets  *shardedMap[*rate.Limiter]
	now      func() time.Time

	cleanupInt time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewLocalBucket creates a bucket holding at most capacity tokens per key and
// refilling at refillPerSecond. A janitor goroutine evicts idle keys until
// Close is called.
func NewLocalBucket(capacity int, refillPerSecond float64) *LocalBucket {
	b := &LocalBucket{
		limit:      rate.Limit(refillPerSecond),
		capacity:   capacity,
		buckets:    newShardedMap[*rate.Limiter](),
		now:        time.Now,
		cleanupInt: time.Minute,
		stop:       make(chan struct{}),
	}
	go b.cleanup()
	return b
}

// Take implements Bucket.
func (b *LocalBucket) Take(_ context.Context, key string) Result {
	return b.TakeAt(key, b.now())
}

// TryAcquire reports whether a token was available for key and consumed.
func (b *LocalBucket) TryAcquire(key string) bool {
	return b.TakeAt(key, b.now()).Allowed
}

// TakeAt is Take with an explicit clock reading. Tokens are refilled lazily:
// tokens = min(capacity, tokens + elapsed*refill).
func (b *LocalBucket) TakeAt(key string, now time.Time) Result {
	var res Result
	b.buckets.update(key, b.newLimiter, func(lim *rate.Limiter) {
		res = b.take(lim, now)
	})
	return res
}

func (b *LocalBucket) newLimiter() *rate.Limiter {
	return rate.NewLimiter(b.limit, b.capacity)
}

func (b *LocalBucket) take(lim *rate.Limiter, now time.Time) Result {
	if lim.AllowN(now, 1) {
		return Result{
			Allowed:   true,
			Limit:     b.capacity,
			Remaining: int(lim.TokensAt(now)),
		}
	}

	missing := 1 - lim.TokensAt(now)
	return Result{
		Limit:      b.capacity,
		RetryAfter: time.Duration(missing / float64(b.limit) * float64(time.Second)),
	}
}

// TokensAt returns the tokens key would hold at now, and false if the key
// has never been seen or was evicted.
func (b *LocalBucket) TokensAt(key string, now time.Time) (float64, bool) {
	lim, ok := b.buckets.get(key)
	if !ok {
		return 0, false
	}
	return lim.TokensAt(now), true
}

// Keys returns the number of tracked keys.
func (b *LocalBucket) Keys() int {
	return b.buckets.len()
}

// Close stops the janitor.
func (b *LocalBucket) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// cleanup drops keys whose bucket has refilled to capacity. Such a key is
// indistinguishable from one never seen, so eviction loses no state.
func (b *LocalBucket) cleanup() {
	ticker := time.NewTicker(b.cleanupInt)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.evictFull(b.now())
		}
	}
}

func (b *LocalBucket) evictFull(now time.Time) {
	full := float64(b.capacity)
	b.buckets.deleteFunc(func(_ string, lim *rate.Limiter) bool {
		return lim.TokensAt(now) >= full
	})
}

// KeyFunc derives the caller part of a limiter key from a request. An empty
// result means the route's budget is shared by all callers.
type KeyFunc func(r *http.Request) string

// BuildKeyFunc returns the key function for a strategy: route (shared budget),
// ip (resolved client address, never raw forwarding headers), subject (JWT
// sub) or header:<Name>. Per-caller strategies fall back to
// Anonymous when their source is absent.
func BuildKeyFunc(strategy string) KeyFunc {
	switch {
	case strategy == "" || strategy == "route":
		return func(*http.Request) string { return "" }

	case strategy == "ip":
		return func(r *http.Request) string {
			ip := variables.RemoteHost(r)
			if vc, ok := variables.FromContext(r.Context()); ok && vc.ClientIP != "" {
				ip = vc.ClientIP
			}
			if ip == "" {
				return Anonymous
			}
			return ip
		}

	case strategy == "subject":
		return func(r *http.Request) string {
			if vc, ok := variables.FromContext(r.Context()); ok && vc.Subject != "" {
				return vc.Subject
			}
			return Anonymous
		}

	case strings.HasPrefix(strategy, "header:"):
		name := strategy[len("header:"):]
		return func(r *http.Request) string {
			if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
				return v
			}
			return Anonymous
		}
	}

	return func(*http.Request) string { return "" }
}
