package loadbalancer

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/microbank/gateway/internal/logging"
	"github.com/microbank/gateway/internal/registry"
	"go.uber.org/zap"
)

// ErrNoBackend is returned when a service has no healthy instance.
var ErrNoBackend = errors.New("no healthy backend available")

// Pool keeps one round-robin balancer per logical service, fed by the
// registry's watch stream.
type Pool struct {
	registry  registry.Registry
	balancers map[string]*RoundRobin
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewPool creates a pool resolving services through reg.
func NewPool(reg registry.Registry) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		registry:  reg,
		balancers: make(map[string]*RoundRobin),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Watch resolves each service once and then follows registry changes.
// A service that cannot be resolved yet is logged and left empty.
func (p *Pool) Watch(services ...string) {
	for _, name := range services {
		p.mu.Lock()
		if _, ok := p.balancers[name]; ok {
			p.mu.Unlock()
			continue
		}
		rr := NewRoundRobin(nil)
		p.balancers[name] = rr
		p.mu.Unlock()

		if instances, err := p.registry.Discover(p.ctx, name); err != nil {
			logging.Warn("service discovery failed",
				zap.String("service", name),
				zap.Error(err),
			)
		} else {
			rr.UpdateBackends(toBackends(name, instances))
		}

		ch, err := p.registry.Watch(p.ctx, name)
		if err != nil {
			logging.Warn("failed to watch service",
				zap.String("service", name),
				zap.Error(err),
			)
			continue
		}
		p.wg.Add(1)
		go p.follow(name, rr, ch)
	}
}

func (p *Pool) follow(name string, rr *RoundRobin, ch <-chan []*registry.Service) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case instances, ok := <-ch:
			if !ok {
				return
			}
			backends := toBackends(name, instances)
			rr.UpdateBackends(backends)
			logging.Debug("updated service backends",
				zap.String("service", name),
				zap.Int("backends", len(backends)),
			)
		}
	}
}

func toBackends(name string, instances []*registry.Service) []*Backend {
	backends := make([]*Backend, 0, len(instances))
	for _, svc := range registry.FilterHealthy(instances) {
		be, err := NewBackend(svc)
		if err != nil {
			logging.Warn("skipping service instance",
				zap.String("service", name),
				zap.Error(err),
			)
			continue
		}
		backends = append(backends, be)
	}
	return backends
}

// Next picks the next backend for service.
func (p *Pool) Next(service string) (*Backend, error) {
	p.mu.RLock()
	rr, ok := p.balancers[service]
	p.mu.RUnlock()
	if !ok {
		return nil, ErrNoBackend
	}
	if be := rr.Next(); be != nil {
		return be, nil
	}
	return nil, ErrNoBackend
}

// Snapshot returns backend URLs per service for the admin API.
func (p *Pool) Snapshot() map[string][]string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string][]string, len(p.balancers))
	for name, rr := range p.balancers {
		urls := make([]string, 0)
		for _, be := range rr.Backends() {
			urls = append(urls, be.URL)
		}
		sort.Strings(urls)
		out[name] = urls
	}
	return out
}

// Close stops all watches. The registry itself is not closed.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}
