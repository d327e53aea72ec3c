package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/microbank/gateway/internal/config"
)

// DefaultMethods are the HTTP methods retried when none are configured.
var DefaultMethods = []string{"GET"}

// Operation is one attempt of a call. attempt starts at 1. Returning an error
// wrapped with Permanent stops the loop immediately.
type Operation func(attempt int) error

// Notify is called before each retry with the failure that caused it and
// the delay about to be waited.
type Notify func(err error, delay time.Duration)

// Policy retries failed calls with exponential backoff:
// delay_n = min(MaxDelay, BaseDelay * 2^n). Jitter varies the growth between
// delays but keeps the schedule non-decreasing and capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
	Methods     map[string]bool

	timer backoff.Timer // nil uses a real timer
}

// NewPolicy creates a retry policy from config
func NewPolicy(cfg config.RetryConfig) *Policy {
	p := &Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Jitter:      cfg.Jitter,
	}

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 400 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Second
	}

	methods := cfg.Methods
	if len(methods) == 0 {
		methods = DefaultMethods
	}
	p.Methods = make(map[string]bool, len(methods))
	for _, m := range methods {
		p.Methods[strings.ToUpper(m)] = true
	}

	return p
}

// Applies reports whether requests with method are retried.
func (p *Policy) Applies(method string) bool {
	return p != nil && p.Methods[method]
}

// NewBackOff returns the delay schedule for one call.
func (p *Policy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Reset()
	if !p.Jitter {
		return b
	}
	return &jitteredBackOff{nominal: b, max: p.MaxDelay, rand: rand.Float64}
}

// jitterFactor bounds the random change of each growth step.
const jitterFactor = 0.5

// jitteredBackOff randomizes the growth between consecutive delays of the
// nominal schedule. Delays never decrease and never exceed max.
type jitteredBackOff struct {
	nominal backoff.BackOff
	max     time.Duration
	prev    time.Duration
	rand    func() float64
}

func (j *jitteredBackOff) NextBackOff() time.Duration {
	next := j.nominal.NextBackOff()
	if next == backoff.Stop {
		return backoff.Stop
	}

	step := float64(next - j.prev)
	d := j.prev + time.Duration(step*(1+jitterFactor*(2*j.rand()-1)))
	if d < j.prev {
		d = j.prev
	}
	if d > j.max {
		d = j.max
	}
	j.prev = d
	return d
}

func (j *jitteredBackOff) Reset() {
	j.nominal.Reset()
	j.prev = 0
}

// Execute runs op until it succeeds, fails permanently, attempts run out or
// ctx is done. A nil policy, or one that does not apply to method, runs op
// exactly once. Waits between attempts end early on cancellation; an attempt
// already in flight is not interrupted.
func (p *Policy) Execute(ctx context.Context, method string, op Operation, notify Notify) error {
	if !p.Applies(method) || p.MaxAttempts <= 1 {
		return unwrapPermanent(op(1))
	}

	attempt := 0
	operation := func() error {
		attempt++
		return op(attempt)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.NewBackOff(), uint64(p.MaxAttempts-1)), ctx)
	return backoff.RetryNotifyWithTimer(operation, b, backoff.Notify(notify), p.timer)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
