package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/microbank/gateway/internal/logging"
	"github.com/microbank/gateway/internal/router"
)

// routeView is the admin representation of a route
type routeView struct {
	ID              string      `json:"id"`
	Path            string      `json:"path"`
	Service         string      `json:"service"`
	Methods         []string    `json:"methods,omitempty"`
	RequiredRoles   []string    `json:"required_roles,omitempty"`
	PublicMethods   []string    `json:"public_methods,omitempty"`
	Timeout         string      `json:"timeout,omitempty"`
	FallbackMessage string      `json:"fallback_message,omitempty"`
	CircuitBreaker  bool        `json:"circuit_breaker"`
	RateLimit       bool        `json:"rate_limit"`
	Retry           interface{} `json:"retry,omitempty"`
}

func newRouteView(route *router.Route) routeView {
	v := routeView{
		ID:              route.ID,
		Path:            route.Pattern,
		Service:         route.Service,
		RequiredRoles:   route.RequiredRoles,
		FallbackMessage: route.FallbackMessage,
		CircuitBreaker:  route.CircuitBreaker != nil,
		RateLimit:       route.RateLimit != nil,
		Methods:         setKeys(route.Methods),
		PublicMethods:   setKeys(route.PublicMethods),
	}
	if route.Timeout > 0 {
		v.Timeout = route.Timeout.String()
	}
	if rt := route.Retry; rt != nil {
		v.Retry = map[string]interface{}{
			"max_attempts": rt.MaxAttempts,
			"base_delay":   rt.BaseDelay.String(),
			"max_delay":    rt.MaxDelay.String(),
			"jitter":       rt.Jitter,
			"methods":      rt.Methods,
		}
	}
	return v
}

// adminHandler creates the admin API handler
func (s *Server) adminHandler() http.Handler {
	r := httprouter.New()

	r.HandlerFunc(http.MethodGet, "/health", s.handleHealth)
	r.HandlerFunc(http.MethodGet, "/routes", s.handleRoutes)
	r.GET("/routes/:id", s.handleRoute)
	r.HandlerFunc(http.MethodGet, "/circuit-breakers", s.handleCircuitBreakers)
	r.HandlerFunc(http.MethodGet, "/rate-limits", s.handleRateLimits)
	r.HandlerFunc(http.MethodGet, "/backends", s.handleBackends)
	r.HandlerFunc(http.MethodGet, "/tracing", s.handleTracing)
	r.HandlerFunc(http.MethodPost, "/reload", s.handleReload)
	r.HandlerFunc(http.MethodGet, "/reload/status", s.handleReloadStatus)

	if s.config.Admin.Metrics.Enabled {
		path := s.config.Admin.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handler(http.MethodGet, path, s.gateway.Metrics().Handler())
	}

	return r
}

// handleHealth reports liveness plus the reachability of optional dependencies
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]interface{})
	healthy := true

	backends := s.gateway.Backends()
	empty := make([]string, 0)
	for service, urls := range backends {
		if len(urls) == 0 {
			empty = append(empty, service)
		}
	}
	checks["services"] = map[string]interface{}{
		"total":       len(backends),
		"unavailable": empty,
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.gateway.pingRedis(ctx); err != errNoRedis {
		redisOK := err == nil
		status := map[string]interface{}{"status": boolStatus(redisOK)}
		if err != nil {
			status["error"] = err.Error()
			healthy = false
		}
		checks["redis"] = status
	}

	code := http.StatusOK
	status := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}

	writeJSON(w, code, map[string]interface{}{
		"status":           status,
		"uptime":           time.Since(s.startTime).Round(time.Second).String(),
		"config_loaded_at": s.gateway.LoadedAt().UTC().Format(time.RFC3339),
		"checks":           checks,
	})
}

// handleRoutes lists routes in declaration order
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	routes := s.gateway.Routes().Routes()
	views := make([]routeView, 0, len(routes))
	for _, route := range routes {
		views = append(views, newRouteView(route))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleRoute returns a single route by id
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	route, ok := s.gateway.Routes().Get(ps.ByName("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "route not found"})
		return
	}
	writeJSON(w, http.StatusOK, newRouteView(route))
}

// handleCircuitBreakers reports every breaker's state and counters
func (s *Server) handleCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.CircuitBreakers().Snapshots())
}

// handleRateLimits reports limiter settings per route
func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.RateLimiters().Stats())
}

// handleBackends reports the resolved instances of every service
func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Backends())
}

func (s *Server) handleTracing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Tracer().Status())
}

// handleReload triggers a config reload from the file the server started with.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	result := s.ReloadConfig()
	code := http.StatusOK
	if !result.Success {
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, result)
}

// handleReloadStatus returns the reload history.
func (s *Server) handleReloadStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ReloadHistory())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("failed to encode admin response", zap.Error(err))
	}
}

func boolStatus(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func setKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
