package loadbalancer

import (
	"sync/atomic"
)

// RoundRobin implements round-robin load balancing
type RoundRobin struct {
	baseBalancer
	current uint64
}

// NewRoundRobin creates a new round-robin balancer
func NewRoundRobin(backends []*Backend) *RoundRobin {
	rr := &RoundRobin{}
	rr.UpdateBackends(backends)
	return rr
}

// Next returns the next backend using round-robin.
func (rr *RoundRobin) Next() *Backend {
	backends := rr.Backends()
	if len(backends) == 0 {
		return nil
	}

	// Atomic increment and modulo for thread-safe round-robin
	idx := atomic.AddUint64(&rr.current, 1)
	return backends[(idx-1)%uint64(len(backends))]
}
