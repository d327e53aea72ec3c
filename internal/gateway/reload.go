package gateway

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/microbank/gateway/internal/config"
)

// ReloadResult represents the outcome of a config reload.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// maxReloadHistory bounds the reload history kept for the admin API.
const maxReloadHistory = 50

// diffConfig returns a list of human-readable changes between old and new configs.
func diffConfig(oldCfg, newCfg *config.Config) []string {
	var changes []string

	oldRoutes := make(map[string]config.RouteConfig, len(oldCfg.Routes))
	for _, r := range oldCfg.Routes {
		oldRoutes[r.ID] = r
	}
	newRoutes := make(map[string]config.RouteConfig, len(newCfg.Routes))
	for _, r := range newCfg.Routes {
		newRoutes[r.ID] = r
	}

	for id, nr := range newRoutes {
		or, ok := oldRoutes[id]
		switch {
		case !ok:
			changes = append(changes, fmt.Sprintf("route added: %s", id))
		case !reflect.DeepEqual(or, nr):
			changes = append(changes, fmt.Sprintf("route modified: %s", id))
		}
	}
	for id := range oldRoutes {
		if _, ok := newRoutes[id]; !ok {
			changes = append(changes, fmt.Sprintf("route removed: %s", id))
		}
	}

	if !reflect.DeepEqual(oldCfg.Authentication, newCfg.Authentication) {
		changes = append(changes, "authentication changed")
	}
	if !reflect.DeepEqual(oldCfg.Registry, newCfg.Registry) {
		changes = append(changes, fmt.Sprintf("registry changed: %s -> %s", oldCfg.Registry.Type, newCfg.Registry.Type))
	}
	if oldCfg.Listener.Address != newCfg.Listener.Address {
		changes = append(changes, fmt.Sprintf("listener address changed: %s -> %s (restart required)", oldCfg.Listener.Address, newCfg.Listener.Address))
	}
	if !reflect.DeepEqual(oldCfg.Tracing, newCfg.Tracing) {
		changes = append(changes, "tracing changed (restart required)")
	}

	sort.Strings(changes)
	return changes
}
