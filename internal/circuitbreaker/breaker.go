package circuitbreaker

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/microbank/gateway/internal/byroute"
	"github.com/microbank/gateway/internal/config"
	"github.com/microbank/gateway/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// ErrOpen is returned by Allow when a call is short-circuited, either because
// the breaker is open or because all half-open trial slots are taken.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker status: closed, half-open or open.
type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(name string, from, to State)

// Breaker is a per-route circuit breaker. Closed: consecutive failures reaching
// the threshold open it. Open: every call is rejected until the open duration
// elapses. Half-open: up to the trial limit calls are admitted; any failure
// reopens, all succeeding closes.
type Breaker struct {
	cb       *gobreaker.TwoStepCircuitBreaker[struct{}]
	name     string
	cfg      config.CircuitBreakerConfig
	openedAt atomic.Int64 // unix nanos of the last transition to open

	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// NewBreaker creates a breaker named after its route. onChange may be nil.
func NewBreaker(name string, cfg config.CircuitBreakerConfig, onChange StateChangeFunc) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	if cfg.HalfOpenTrialLimit <= 0 {
		cfg.HalfOpenTrialLimit = 1
	}

	b := &Breaker{name: name, cfg: cfg}
	threshold := uint32(cfg.FailureThreshold)

	b.cb = gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.HalfOpenTrialLimit),
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.openedAt.Store(time.Now().UnixNano())
			}
			logging.Warn("circuit breaker state changed",
				zap.String("route", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if onChange != nil {
				onChange(name, from, to)
			}
		},
	})

	return b
}

// Allow asks for admission of one call. On success the caller must invoke
// done exactly once with the call's outcome. A rejected call returns an error
// wrapping ErrOpen.
func (b *Breaker) Allow() (done func(success bool), err error) {
	b.totalRequests.Add(1)

	gbDone, err := b.cb.Allow()
	if err != nil {
		b.totalRejected.Add(1)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", ErrOpen, b.name)
		}
		return nil, err
	}

	return func(success bool) {
		if success {
			b.totalSuccesses.Add(1)
		} else {
			b.totalFailures.Add(1)
		}
		gbDone(success)
	}, nil
}

// State returns the current state. Reading it may move an expired open
// breaker to half-open.
func (b *Breaker) State() State {
	return b.cb.State()
}

// IsFailure classifies a finished upstream call. Transport errors, timeouts
// and 5xx responses are failures; 4xx is a caller error and counts as success.
func IsFailure(status int, err error) bool {
	return err != nil || status >= 500
}

// Snapshot returns a point-in-time view of the breaker state
func (b *Breaker) Snapshot() BreakerSnapshot {
	counts := b.cb.Counts()
	snap := BreakerSnapshot{
		State:               b.cb.State().String(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		FailureThreshold:    b.cfg.FailureThreshold,
		OpenDuration:        b.cfg.OpenDuration.String(),
		HalfOpenTrialLimit:  b.cfg.HalfOpenTrialLimit,
		TotalRequests:       b.totalRequests.Load(),
		TotalFailures:       b.totalFailures.Load(),
		TotalSuccesses:      b.totalSuccesses.Load(),
		TotalRejected:       b.totalRejected.Load(),
	}
	if ns := b.openedAt.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		snap.OpenedAt = &t
	}
	return snap
}

// BreakerSnapshot is a point-in-time view of a circuit breaker
type BreakerSnapshot struct {
	State               string     `json:"state"`
	ConsecutiveFailures uint32     `json:"consecutive_failures"`
	FailureThreshold    int        `json:"failure_threshold"`
	OpenDuration        string     `json:"open_duration"`
	HalfOpenTrialLimit  int        `json:"half_open_trial_limit"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	TotalRequests       int64      `json:"total_requests"`
	TotalFailures       int64      `json:"total_failures"`
	TotalSuccesses      int64      `json:"total_successes"`
	TotalRejected       int64      `json:"total_rejected"`
}

// BreakerByRoute manages circuit breakers per route
type BreakerByRoute struct {
	breakers *byroute.Manager[*Breaker]
	onChange StateChangeFunc
}

// NewBreakerByRoute creates a new route-based circuit breaker manager.
// onChange, when set, observes every transition of every breaker.
func NewBreakerByRoute(onChange StateChangeFunc) *BreakerByRoute {
	return &BreakerByRoute{
		breakers: byroute.New[*Breaker](),
		onChange: onChange,
	}
}

// AddRoute adds a circuit breaker for a route
func (br *BreakerByRoute) AddRoute(routeID string, cfg config.CircuitBreakerConfig) {
	br.breakers.Add(routeID, NewBreaker(routeID, cfg, br.onChange))
}

// GetBreaker returns the circuit breaker for a route, or nil.
func (br *BreakerByRoute) GetBreaker(routeID string) *Breaker {
	b, _ := br.breakers.Get(routeID)
	return b
}

// RouteIDs returns the routes that have a breaker.
func (br *BreakerByRoute) RouteIDs() []string {
	return br.breakers.RouteIDs()
}

// Snapshots returns snapshots of all circuit breakers
func (br *BreakerByRoute) Snapshots() map[string]BreakerSnapshot {
	return byroute.Collect(br.breakers, (*Breaker).Snapshot)
}
