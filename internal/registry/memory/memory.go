package memory

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/microbank/gateway/internal/config"
	"github.com/microbank/gateway/internal/registry"
)

// Registry is an in-process service registry, seeded from configuration.
type Registry struct {
	services map[string]*registry.Service
	watchers map[string][]chan []*registry.Service
	closed   bool
	mu       sync.RWMutex
}

// New creates an empty in-memory registry
func New() *Registry {
	return &Registry{
		services: make(map[string]*registry.Service),
		watchers: make(map[string][]chan []*registry.Service),
	}
}

// NewFromConfig registers one instance per configured base URL.
func NewFromConfig(cfg config.MemoryConfig) (*Registry, error) {
	r := New()
	names := make([]string, 0, len(cfg.Services))
	for name := range cfg.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for i, raw := range cfg.Services[name] {
			svc, err := parseInstance(name, raw)
			if err != nil {
				return nil, fmt.Errorf("service %s instance %d: %w", name, i, err)
			}
			svc.ID = fmt.Sprintf("%s-%d", name, i)
			if err := r.Register(context.Background(), svc); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

func parseInstance(name, raw string) (*registry.Service, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		host = u.Host
		portStr = "80"
		if u.Scheme == "https" {
			portStr = "443"
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in %q", raw)
	}
	return &registry.Service{
		Name:    name,
		Scheme:  u.Scheme,
		Address: host,
		Port:    port,
		Health:  registry.HealthPassing,
	}, nil
}

// Register adds or replaces a service instance
func (r *Registry) Register(ctx context.Context, service *registry.Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if service.ID == "" {
		service.ID = uuid.New().String()
	}
	if service.Health == "" {
		service.Health = registry.HealthPassing
	}

	r.services[service.ID] = service
	r.notifyWatchers(service.Name)

	return nil
}

// Deregister removes a service instance
func (r *Registry) Deregister(ctx context.Context, serviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	service, exists := r.services[serviceID]
	if !exists {
		return registry.ErrServiceNotFound
	}

	delete(r.services, serviceID)
	r.notifyWatchers(service.Name)

	return nil
}

// Discover returns all healthy instances of a service, ordered by ID
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]*registry.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy(serviceName), nil
}

// Watch streams the healthy instance set. The current state is delivered first.
func (r *Registry) Watch(ctx context.Context, serviceName string) (<-chan []*registry.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, registry.ErrRegistryUnavailable
	}

	ch := make(chan []*registry.Service, 10)
	ch <- r.healthy(serviceName)
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)

	go func() {
		<-ctx.Done()
		r.removeWatcher(serviceName, ch)
	}()

	return ch, nil
}

// healthy returns passing instances of serviceName (caller must hold lock)
func (r *Registry) healthy(serviceName string) []*registry.Service {
	var result []*registry.Service
	for _, svc := range r.services {
		if svc.Name == serviceName && svc.Healthy() {
			result = append(result, svc)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (r *Registry) removeWatcher(serviceName string, ch chan []*registry.Service) {
	r.mu.Lock()
	defer r.mu.Unlock()

	watchers := r.watchers[serviceName]
	for i, w := range watchers {
		if w == ch {
			r.watchers[serviceName] = append(watchers[:i], watchers[i+1:]...)
			close(ch)
			return
		}
	}
}

// notifyWatchers notifies all watchers of a service change (caller must hold lock)
func (r *Registry) notifyWatchers(serviceName string) {
	services := r.healthy(serviceName)
	for _, ch := range r.watchers[serviceName] {
		select {
		case ch <- services:
		default:
			// Channel full, skip
		}
	}
}

// Close closes every watcher channel
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, watchers := range r.watchers {
		for _, ch := range watchers {
			close(ch)
		}
	}
	r.watchers = make(map[string][]chan []*registry.Service)
	r.closed = true
	return nil
}
