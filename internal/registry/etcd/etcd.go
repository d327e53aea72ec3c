package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/microbank/gateway/internal/config"
	"github.com/microbank/gateway/internal/logging"
	"github.com/microbank/gateway/internal/registry"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const defaultPrefix = "/services/"

// Registry resolves services from JSON instance records stored under
// <prefix><service>/<instance-id>.
type Registry struct {
	client   *clientv3.Client
	prefix   string
	watchers map[string]context.CancelFunc
	cache    map[string][]*registry.Service
	cacheMu  sync.RWMutex
	watchMu  sync.Mutex
}

// New creates an etcd registry and checks the first endpoint is reachable
func New(cfg config.EtcdConfig) (*Registry, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd: no endpoints configured")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	etcdCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	}
	if cfg.Username != "" {
		etcdCfg.Username = cfg.Username
		etcdCfg.Password = cfg.Password
	}

	client, err := clientv3.New(etcdCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	return &Registry{
		client:   client,
		prefix:   normalizePrefix(cfg.Prefix),
		watchers: make(map[string]context.CancelFunc),
		cache:    make(map[string][]*registry.Service),
	}, nil
}

func normalizePrefix(prefix string) string {
	if prefix == "" {
		return defaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

// Discover returns passing instances, served from the watch cache when warm
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]*registry.Service, error) {
	r.cacheMu.RLock()
	if cached, ok := r.cache[serviceName]; ok {
		r.cacheMu.RUnlock()
		return cached, nil
	}
	r.cacheMu.RUnlock()

	return r.fetchServices(ctx, serviceName)
}

func (r *Registry) fetchServices(ctx context.Context, serviceName string) ([]*registry.Service, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}

	services := make([]*registry.Service, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		svc, ok := r.decodeService(serviceName, string(kv.Key), kv.Value)
		if !ok {
			continue
		}
		services = append(services, svc)
	}
	services = registry.FilterHealthy(services)

	r.cacheMu.Lock()
	r.cache[serviceName] = services
	r.cacheMu.Unlock()

	return services, nil
}

// decodeService parses one instance record. Missing name and ID are taken
// from the key.
func (r *Registry) decodeService(serviceName, key string, value []byte) (*registry.Service, bool) {
	var svc registry.Service
	if err := json.Unmarshal(value, &svc); err != nil {
		logging.Debug("skipping malformed etcd service record",
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, false
	}
	name, id := r.parseServiceKey(key)
	if svc.Name == "" {
		svc.Name = name
	}
	if svc.ID == "" {
		svc.ID = id
	}
	if svc.Name != serviceName {
		return nil, false
	}
	return &svc, true
}

// Watch streams the instance set, starting with the current state
func (r *Registry) Watch(ctx context.Context, serviceName string) (<-chan []*registry.Service, error) {
	ch := make(chan []*registry.Service, 10)

	watchCtx, cancel := context.WithCancel(ctx)

	r.watchMu.Lock()
	if existingCancel, ok := r.watchers[serviceName]; ok {
		existingCancel()
	}
	r.watchers[serviceName] = cancel
	r.watchMu.Unlock()

	go r.watchService(watchCtx, serviceName, ch)

	return ch, nil
}

func (r *Registry) watchService(ctx context.Context, serviceName string, ch chan []*registry.Service) {
	defer close(ch)

	services, err := r.fetchServices(ctx, serviceName)
	if err == nil {
		select {
		case ch <- services:
		case <-ctx.Done():
			return
		}
	}

	watchCh := r.client.Watch(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())

	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-watchCh:
			if !ok {
				return
			}
			if err := resp.Err(); err != nil {
				logging.Warn("etcd watch failed",
					zap.String("service", serviceName),
					zap.Error(err),
				)
				continue
			}

			services, err := r.fetchServices(ctx, serviceName)
			if err != nil {
				continue
			}

			select {
			case ch <- services:
			case <-ctx.Done():
				return
			default:
				// Channel full, cache is updated anyway
			}
		}
	}
}

// Close cancels watchers and closes the client
func (r *Registry) Close() error {
	r.watchMu.Lock()
	for _, cancel := range r.watchers {
		cancel()
	}
	r.watchers = make(map[string]context.CancelFunc)
	r.watchMu.Unlock()

	return r.client.Close()
}

func (r *Registry) servicePrefix(serviceName string) string {
	return r.prefix + serviceName + "/"
}

// parseServiceKey extracts service name and ID from key
func (r *Registry) parseServiceKey(key string) (serviceName, serviceID string) {
	trimmed := strings.TrimPrefix(key, r.prefix)
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}
