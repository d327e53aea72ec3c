package ratelimit

import (
	"fmt"
	"net/http"

	"github.com/microbank/gateway/internal/byroute"
	"github.com/microbank/gateway/internal/config"
	"github.com/redis/go-redis/v9"
)

type routeLimiter struct {
	bucket Bucket
	local  *LocalBucket // nil for the redis backend
	keyFn  KeyFunc
	cfg    config.RateLimitConfig
}

// Stats is the admin view of one route's limiter.
type Stats struct {
	Capacity        int     `json:"capacity"`
	RefillPerSecond float64 `json:"refill_per_second"`
	Key             string  `json:"key"`
	Backend         string  `json:"backend"`
	TrackedKeys     int     `json:"tracked_keys,omitempty"`
}

// Store holds the limiter of every rate-limited route.
type Store struct {
	routes      *byroute.Manager[*routeLimiter]
	redis       redis.Scripter
	redisPrefix string
}

// NewStore creates a store. client may be nil when no route uses the redis
// backend.
func NewStore(client redis.Scripter, redisPrefix string) *Store {
	return &Store{
		routes:      byroute.New[*routeLimiter](),
		redis:       client,
		redisPrefix: redisPrefix,
	}
}

// AddRoute creates the limiter for a route.
func (s *Store) AddRoute(routeID string, cfg config.RateLimitConfig) error {
	rl := &routeLimiter{
		keyFn: BuildKeyFunc(cfg.Key),
		cfg:   cfg,
	}

	switch cfg.Backend {
	case "", "local":
		rl.local = NewLocalBucket(cfg.Capacity, cfg.RefillPerSecond)
		rl.bucket = rl.local
	case "redis":
		if s.redis == nil {
			return fmt.Errorf("route %s: redis rate limit backend without a redis client", routeID)
		}
		rl.bucket = NewRedisBucket(s.redis, s.redisPrefix, cfg.Capacity, cfg.RefillPerSecond)
	default:
		return fmt.Errorf("route %s: unknown rate limit backend %q", routeID, cfg.Backend)
	}

	s.routes.Add(routeID, rl)
	return nil
}

// Allow takes a token for r on routeID. ok is false when the route has no
// limiter, in which case the request is not limited.
func (s *Store) Allow(r *http.Request, routeID string) (res Result, ok bool) {
	rl, ok := s.routes.Get(routeID)
	if !ok {
		return Result{}, false
	}
	return rl.bucket.Take(r.Context(), Key(routeID, rl.keyFn(r))), true
}

// Key composes the bucket key for a route and caller.
func Key(routeID, caller string) string {
	if caller == "" {
		return routeID
	}
	return routeID + ":" + caller
}

// Stats returns the configuration and occupancy of every route limiter.
func (s *Store) Stats() map[string]Stats {
	return byroute.Collect(s.routes, func(rl *routeLimiter) Stats {
		st := Stats{
			Capacity:        rl.cfg.Capacity,
			RefillPerSecond: rl.cfg.RefillPerSecond,
			Key:             rl.cfg.Key,
			Backend:         rl.cfg.Backend,
		}
		if rl.local != nil {
			st.TrackedKeys = rl.local.Keys()
		}
		return st
	})
}

// Close stops the janitors of all local buckets.
func (s *Store) Close() {
	s.routes.Range(func(_ string, rl *routeLimiter) bool {
		if rl.local != nil {
			rl.local.Close()
		}
		return true
	})
}
