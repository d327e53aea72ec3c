package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
)

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyRouteDefaults(cfg)

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// applyRouteDefaults fills unset policy fields. A nil policy block stays nil:
// routes opt into each policy explicitly.
func applyRouteDefaults(cfg *Config) {
	for i := range cfg.Routes {
		rc := &cfg.Routes[i]

		if cb := rc.CircuitBreaker; cb != nil {
			if cb.FailureThreshold <= 0 {
				cb.FailureThreshold = 5
			}
			if cb.OpenDuration <= 0 {
				cb.OpenDuration = 30 * time.Second
			}
			if cb.HalfOpenTrialLimit <= 0 {
				cb.HalfOpenTrialLimit = 1
			}
		}

		if rl := rc.RateLimit; rl != nil {
			if rl.Key == "" {
				rl.Key = "route"
			}
			if rl.Backend == "" {
				rl.Backend = "local"
			}
		}

		if rt := rc.Retry; rt != nil {
			if rt.MaxAttempts <= 0 {
				rt.MaxAttempts = 3
			}
			if rt.BaseDelay <= 0 {
				rt.BaseDelay = 400 * time.Millisecond
			}
			if rt.MaxDelay <= 0 {
				rt.MaxDelay = 2 * time.Second
			}
			if len(rt.Methods) == 0 {
				rt.Methods = []string{"GET"}
			}
		}
	}
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listener.Address == "" {
		return fmt.Errorf("listener address is required")
	}

	validRegistries := map[string]bool{"memory": true, "consul": true, "etcd": true}
	if !validRegistries[cfg.Registry.Type] {
		return fmt.Errorf("invalid registry type: %s", cfg.Registry.Type)
	}

	if cfg.Correlation.Header == "" {
		return fmt.Errorf("correlation header must not be empty")
	}

	if err := validateTrustedProxies(cfg.TrustedProxies); err != nil {
		return err
	}

	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing sample_rate must be between 0 and 1")
	}

	needsAuth := false
	routeIDs := make(map[string]bool, len(cfg.Routes))
	for i, route := range cfg.Routes {
		if route.ID == "" {
			return fmt.Errorf("route %d: id is required", i)
		}
		if routeIDs[route.ID] {
			return fmt.Errorf("duplicate route id: %s", route.ID)
		}
		routeIDs[route.ID] = true

		if err := validateRoute(cfg, route); err != nil {
			return fmt.Errorf("route %s: %w", route.ID, err)
		}
		if len(route.RequiredRoles) > 0 {
			needsAuth = true
		}
	}

	if needsAuth && !cfg.Authentication.JWT.Configured() {
		return fmt.Errorf("routes require roles but no jwt secret, public_key or jwks_url is configured")
	}

	return nil
}

func validateTrustedProxies(cfg TrustedProxiesConfig) error {
	for _, cidr := range cfg.CIDRs {
		if strings.Contains(cidr, "/") {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("trusted_proxies.cidrs: invalid CIDR %q: %w", cidr, err)
			}
		} else if net.ParseIP(cidr) == nil {
			return fmt.Errorf("trusted_proxies.cidrs: invalid IP %q", cidr)
		}
	}
	if cfg.MaxHops < 0 {
		return fmt.Errorf("trusted_proxies.max_hops must be >= 0")
	}
	return nil
}

func validateRoute(cfg *Config, route RouteConfig) error {
	if !strings.HasPrefix(route.Path, "/") {
		return fmt.Errorf("path must start with /")
	}
	if !doublestar.ValidatePattern(route.Path) {
		return fmt.Errorf("invalid path pattern: %s", route.Path)
	}
	if route.Service == "" {
		return fmt.Errorf("service is required")
	}
	if route.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if err := validateMethods("methods", route.Methods); err != nil {
		return err
	}
	if err := validateMethods("public_methods", route.PublicMethods); err != nil {
		return err
	}
	if route.Rewrite.Prefix != "" && !strings.HasPrefix(route.Rewrite.Prefix, "/") {
		return fmt.Errorf("rewrite prefix must start with /")
	}

	if rl := route.RateLimit; rl != nil {
		if rl.Capacity < 1 {
			return fmt.Errorf("rate_limit capacity must be at least 1")
		}
		if rl.RefillPerSecond <= 0 {
			return fmt.Errorf("rate_limit refill_per_second must be positive")
		}
		if !validKeyStrategy(rl.Key) {
			return fmt.Errorf("invalid rate_limit key: %s", rl.Key)
		}
		switch rl.Backend {
		case "local":
		case "redis":
			if cfg.Redis.Address == "" {
				return fmt.Errorf("rate_limit backend redis requires redis.address")
			}
		default:
			return fmt.Errorf("invalid rate_limit backend: %s", rl.Backend)
		}
	}

	if rt := route.Retry; rt != nil {
		if rt.MaxDelay < rt.BaseDelay {
			return fmt.Errorf("retry max_delay must not be less than base_delay")
		}
		if err := validateMethods("retry methods", rt.Methods); err != nil {
			return err
		}
	}

	return nil
}

func validateMethods(field string, methods []string) error {
	for _, m := range methods {
		if !validHTTPMethods[strings.ToUpper(m)] {
			return fmt.Errorf("invalid HTTP method in %s: %s", field, m)
		}
	}
	return nil
}

func validKeyStrategy(key string) bool {
	switch key {
	case "route", "ip", "subject":
		return true
	}
	return strings.HasPrefix(key, "header:") && len(key) > len("header:")
}
