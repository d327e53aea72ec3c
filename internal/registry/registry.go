package registry

import (
	"context"
	"errors"
	"net"
	"strconv"
)

// HealthStatus represents the health status of a service instance
type HealthStatus string

const (
	HealthPassing  HealthStatus = "passing"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

// Service is one network address backing a logical service name.
type Service struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Scheme   string            `json:"scheme,omitempty"`
	Address  string            `json:"address"`
	Port     int               `json:"port"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Health   HealthStatus      `json:"health"`
}

// URL returns the base URL for the instance. Scheme defaults to http.
func (s *Service) URL() string {
	scheme := s.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// Healthy reports whether the instance may receive traffic.
func (s *Service) Healthy() bool {
	return s.Health == HealthPassing || s.Health == ""
}

// Registry resolves logical service names to instances.
type Registry interface {
	// Discover returns all healthy instances of a service
	Discover(ctx context.Context, serviceName string) ([]*Service, error)

	// Watch streams the healthy instance set whenever it changes. The channel
	// is closed when ctx is done or the registry is closed.
	Watch(ctx context.Context, serviceName string) (<-chan []*Service, error)

	// Close releases watchers and connections
	Close() error
}

// Type names a registry backend.
type Type string

const (
	TypeConsul Type = "consul"
	TypeEtcd   Type = "etcd"
	TypeMemory Type = "memory"
)

// ErrServiceNotFound is returned when a service is not found
var ErrServiceNotFound = errors.New("service not found")

// ErrRegistryUnavailable is returned when the registry is not available
var ErrRegistryUnavailable = errors.New("registry unavailable")

// FilterHealthy drops instances that are not passing.
func FilterHealthy(services []*Service) []*Service {
	out := make([]*Service, 0, len(services))
	for _, svc := range services {
		if svc.Healthy() {
			out = append(out, svc)
		}
	}
	return out
}
