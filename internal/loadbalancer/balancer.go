package loadbalancer

import (
	"fmt"
	"net/url"
	"sync/atomic"

	"github.com/microbank/gateway/internal/registry"
)

// Backend is one upstream instance a request can be sent to
type Backend struct {
	URL            string
	ServiceID      string
	ActiveRequests int64
	ParsedURL      *url.URL // pre-parsed for the proxy hot path
}

// NewBackend builds a backend from a discovered service instance.
func NewBackend(svc *registry.Service) (*Backend, error) {
	raw := svc.URL()
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w", svc.ID, err)
	}
	return &Backend{URL: raw, ServiceID: svc.ID, ParsedURL: parsed}, nil
}

// IncrActive atomically increments the active request count.
func (b *Backend) IncrActive() { atomic.AddInt64(&b.ActiveRequests, 1) }

// DecrActive atomically decrements the active request count.
func (b *Backend) DecrActive() { atomic.AddInt64(&b.ActiveRequests, -1) }

// GetActive atomically reads the active request count.
func (b *Backend) GetActive() int64 { return atomic.LoadInt64(&b.ActiveRequests) }

// Balancer picks a backend for each request
type Balancer interface {
	// Next returns the next backend to use, or nil when there is none
	Next() *Backend
	// UpdateBackends replaces the backend set
	UpdateBackends(backends []*Backend)
	// Backends returns the current backend set
	Backends() []*Backend
}

// baseBalancer holds a lock-free snapshot of the backend set
type baseBalancer struct {
	backends atomic.Pointer[[]*Backend]
}

// UpdateBackends swaps in a new backend set. Active request counters of
// backends that survive the update are carried over.
func (b *baseBalancer) UpdateBackends(backends []*Backend) {
	if old := b.backends.Load(); old != nil {
		byURL := make(map[string]*Backend, len(*old))
		for _, be := range *old {
			byURL[be.URL] = be
		}
		for _, be := range backends {
			if prev, ok := byURL[be.URL]; ok {
				atomic.StoreInt64(&be.ActiveRequests, prev.GetActive())
			}
		}
	}
	b.backends.Store(&backends)
}

// Backends returns the current backend set (lock-free).
func (b *baseBalancer) Backends() []*Backend {
	if p := b.backends.Load(); p != nil {
		return *p
	}
	return nil
}
