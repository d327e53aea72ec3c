package consul

import (
	"context"
	"fmt"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/microbank/gateway/internal/config"
	"github.com/microbank/gateway/internal/logging"
	"github.com/microbank/gateway/internal/registry"
	"go.uber.org/zap"
)

const (
	watchWaitTime   = 30 * time.Second
	watchRetryDelay = 5 * time.Second
)

// Registry resolves services through the Consul health API
type Registry struct {
	client     *consulapi.Client
	datacenter string
	watchers   map[string]context.CancelFunc
	cache      map[string][]*registry.Service
	cacheMu    sync.RWMutex
	watcherMu  sync.Mutex
	retryDelay time.Duration
}

// New creates a Consul registry and checks the agent is reachable
func New(cfg config.ConsulConfig) (*Registry, error) {
	consulCfg := consulapi.DefaultConfig()
	consulCfg.Address = cfg.Address
	consulCfg.Scheme = cfg.Scheme
	consulCfg.Datacenter = cfg.Datacenter

	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}

	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}

	if _, err := client.Agent().Self(); err != nil {
		return nil, fmt.Errorf("failed to connect to Consul: %w", err)
	}

	return &Registry{
		client:     client,
		datacenter: cfg.Datacenter,
		watchers:   make(map[string]context.CancelFunc),
		cache:      make(map[string][]*registry.Service),
		retryDelay: watchRetryDelay,
	}, nil
}

// Discover returns passing instances, served from the watch cache when warm
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]*registry.Service, error) {
	r.cacheMu.RLock()
	if cached, ok := r.cache[serviceName]; ok {
		r.cacheMu.RUnlock()
		return cached, nil
	}
	r.cacheMu.RUnlock()

	queryOpts := (&consulapi.QueryOptions{Datacenter: r.datacenter}).WithContext(ctx)
	entries, _, err := r.client.Health().Service(serviceName, "", true, queryOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}

	services := toServices(entries)
	r.store(serviceName, services)
	return services, nil
}

func (r *Registry) store(serviceName string, services []*registry.Service) {
	r.cacheMu.Lock()
	r.cache[serviceName] = services
	r.cacheMu.Unlock()
}

func toServices(entries []*consulapi.ServiceEntry) []*registry.Service {
	services := make([]*registry.Service, 0, len(entries))
	for _, entry := range entries {
		svc := &registry.Service{
			ID:       entry.Service.ID,
			Name:     entry.Service.Service,
			Scheme:   entry.Service.Meta["scheme"],
			Address:  entry.Service.Address,
			Port:     entry.Service.Port,
			Tags:     entry.Service.Tags,
			Metadata: entry.Service.Meta,
			Health:   convertHealth(entry.Checks),
		}

		// Use node address if service address is empty
		if svc.Address == "" && entry.Node != nil {
			svc.Address = entry.Node.Address
		}

		services = append(services, svc)
	}
	return registry.FilterHealthy(services)
}

// convertHealth converts Consul health checks to registry health status
func convertHealth(checks consulapi.HealthChecks) registry.HealthStatus {
	for _, check := range checks {
		if check.Status == consulapi.HealthCritical {
			return registry.HealthCritical
		}
		if check.Status == consulapi.HealthWarning {
			return registry.HealthWarning
		}
	}
	return registry.HealthPassing
}

// Watch subscribes to service changes using Consul blocking queries
func (r *Registry) Watch(ctx context.Context, serviceName string) (<-chan []*registry.Service, error) {
	ch := make(chan []*registry.Service, 10)

	watchCtx, cancel := context.WithCancel(ctx)

	r.watcherMu.Lock()
	if existingCancel, ok := r.watchers[serviceName]; ok {
		existingCancel()
	}
	r.watchers[serviceName] = cancel
	r.watcherMu.Unlock()

	go r.watchService(watchCtx, serviceName, ch)

	return ch, nil
}

// watchService performs blocking queries until ctx is done
func (r *Registry) watchService(ctx context.Context, serviceName string, ch chan []*registry.Service) {
	defer close(ch)

	var lastIndex uint64

	for {
		if ctx.Err() != nil {
			return
		}

		queryOpts := (&consulapi.QueryOptions{
			Datacenter: r.datacenter,
			WaitIndex:  lastIndex,
			WaitTime:   watchWaitTime,
		}).WithContext(ctx)

		entries, meta, err := r.client.Health().Service(serviceName, "", true, queryOpts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Warn("consul watch failed",
				zap.String("service", serviceName),
				zap.Error(err),
			)
			select {
			case <-time.After(r.retryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}

		if meta.LastIndex == lastIndex {
			continue
		}
		// Reset a backwards index so the next query does not block forever.
		if meta.LastIndex < lastIndex {
			lastIndex = 0
		} else {
			lastIndex = meta.LastIndex
		}

		services := toServices(entries)
		r.store(serviceName, services)

		select {
		case ch <- services:
		case <-ctx.Done():
			return
		default:
			// Channel full, cache is updated anyway
		}
	}
}

// Close cancels all watchers
func (r *Registry) Close() error {
	r.watcherMu.Lock()
	defer r.watcherMu.Unlock()

	for _, cancel := range r.watchers {
		cancel()
	}
	r.watchers = make(map[string]context.CancelFunc)

	return nil
}
