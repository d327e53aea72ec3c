package config

import (
	"time"
)

// Config represents the complete gateway configuration
type Config struct {
	Listener       ListenerConfig       `yaml:"listener"`
	Admin          AdminConfig          `yaml:"admin"`
	Logging        LoggingConfig        `yaml:"logging"`
	Tracing        TracingConfig        `yaml:"tracing"`
	Correlation    CorrelationConfig    `yaml:"correlation"`
	TrustedProxies TrustedProxiesConfig `yaml:"trusted_proxies"`
	Authentication AuthenticationConfig `yaml:"authentication"`
	Registry       RegistryConfig       `yaml:"registry"`
	Redis          RedisConfig          `yaml:"redis"`
	Upstream       UpstreamConfig       `yaml:"upstream"`
	Fallback       FallbackConfig       `yaml:"fallback"`
	Routes         []RouteConfig        `yaml:"routes"`
}

// ListenerConfig defines the public HTTP listener
type ListenerConfig struct {
	Address           string        `yaml:"address"` // e.g., ":8072"
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// AdminConfig defines admin API settings
type AdminConfig struct {
	Enabled bool          `yaml:"enabled"`
	Address string        `yaml:"address"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig defines Prometheus metrics exposure
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level     string            `yaml:"level"`
	Output    string            `yaml:"output"` // stdout, stderr or a file path
	AccessLog bool              `yaml:"access_log"`
	Rotation  LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames (default false)
}

// TracingConfig defines OpenTelemetry tracing settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
}

// CorrelationConfig defines correlation id propagation
type CorrelationConfig struct {
	Header string `yaml:"header"`
}

// TrustedProxiesConfig defines which peers may report the client address.
// With no CIDRs the direct peer is always the client.
type TrustedProxiesConfig struct {
	CIDRs   []string `yaml:"cidrs"`    // e.g. "10.0.0.0/8", "127.0.0.1"
	Headers []string `yaml:"headers"`  // default: X-Forwarded-For, X-Real-IP
	MaxHops int      `yaml:"max_hops"` // 0 = unlimited
}

// AuthenticationConfig holds identity provider settings
type AuthenticationConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig defines how bearer tokens are verified and how roles are read
type JWTConfig struct {
	Secret              string        `yaml:"secret"`
	PublicKey           string        `yaml:"public_key"`
	Algorithm           string        `yaml:"algorithm"` // HS256, RS256, ES256 ...
	Issuer              string        `yaml:"issuer"`
	Audience            []string      `yaml:"audience"`
	JWKSURL             string        `yaml:"jwks_url"`
	JWKSRefreshInterval time.Duration `yaml:"jwks_refresh_interval"` // default 1h
	Leeway              time.Duration `yaml:"leeway"`
	RolesClaim          string        `yaml:"roles_claim"` // gjson path, default realm_access.roles
	RolePrefix          string        `yaml:"role_prefix"` // default ROLE_
	CacheSize           int           `yaml:"cache_size"`
	CacheTTL            time.Duration `yaml:"cache_ttl"`
}

// Configured reports whether any verification key source is set.
func (c JWTConfig) Configured() bool {
	return c.Secret != "" || c.PublicKey != "" || c.JWKSURL != ""
}

// RegistryConfig defines the service discovery backend
type RegistryConfig struct {
	Type   string       `yaml:"type"` // memory, consul, etcd
	Consul ConsulConfig `yaml:"consul"`
	Etcd   EtcdConfig   `yaml:"etcd"`
	Memory MemoryConfig `yaml:"memory"`
}

// ConsulConfig defines Consul connection settings
type ConsulConfig struct {
	Address    string `yaml:"address"`
	Scheme     string `yaml:"scheme"`
	Datacenter string `yaml:"datacenter"`
	Token      string `yaml:"token"`
}

// EtcdConfig defines etcd connection settings
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// MemoryConfig lists statically known service instances
type MemoryConfig struct {
	Services map[string][]string `yaml:"services"` // logical name -> base URLs
}

// RedisConfig defines Redis connection settings for distributed rate limiting.
type RedisConfig struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Prefix      string        `yaml:"prefix"`
}

// UpstreamConfig defines shared settings for calls to backend services
type UpstreamConfig struct {
	Timeout             time.Duration `yaml:"timeout"` // per attempt
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// FallbackConfig overrides the default fallback messages per reason
type FallbackConfig struct {
	Messages map[string]string `yaml:"messages"` // reason name -> message
}

// RouteConfig defines a single route
type RouteConfig struct {
	ID              string                `yaml:"id"`
	Path            string                `yaml:"path"` // prefix or glob pattern
	Methods         []string              `yaml:"methods"`
	Service         string                `yaml:"service"`
	Rewrite         RewriteConfig         `yaml:"rewrite"`
	RequiredRoles   []string              `yaml:"required_roles"`
	PublicMethods   []string              `yaml:"public_methods"`
	Timeout         time.Duration         `yaml:"timeout"`
	FallbackMessage string                `yaml:"fallback_message"`
	CircuitBreaker  *CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit       *RateLimitConfig      `yaml:"rate_limit"`
	Retry           *RetryConfig          `yaml:"retry"`
}

// RewriteConfig defines how the matched prefix is replaced before forwarding
type RewriteConfig struct {
	Prefix      string `yaml:"prefix"` // defaults to the literal prefix of Path
	Replacement string `yaml:"replacement"`
	Disabled    bool   `yaml:"disabled"`
}

// CircuitBreakerConfig defines circuit breaker settings
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	OpenDuration       time.Duration `yaml:"open_duration"`
	HalfOpenTrialLimit int           `yaml:"half_open_trial_limit"`
}

// RateLimitConfig defines token bucket settings
type RateLimitConfig struct {
	Capacity        int     `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
	Key             string  `yaml:"key"`     // route (default), ip, subject, header:<name>
	Backend         string  `yaml:"backend"` // local (default) or redis
}

// RetryConfig defines retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      bool          `yaml:"jitter"`
	Methods     []string      `yaml:"methods"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Address:           ":8072",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":8081",
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Logging: LoggingConfig{
			Level:     "info",
			Output:    "stdout",
			AccessLog: true,
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Correlation: CorrelationConfig{
			Header: "X-Correlation-Id",
		},
		Authentication: AuthenticationConfig{
			JWT: JWTConfig{
				Algorithm:  "RS256",
				RolesClaim: "realm_access.roles",
				RolePrefix: "ROLE_",
				CacheSize:  10000,
				CacheTTL:   5 * time.Minute,
			},
		},
		Registry: RegistryConfig{
			Type: "memory",
			Consul: ConsulConfig{
				Address:    "localhost:8500",
				Scheme:     "http",
				Datacenter: "dc1",
			},
			Etcd: EtcdConfig{
				Endpoints:   []string{"localhost:2379"},
				Prefix:      "/services/",
				DialTimeout: 5 * time.Second,
			},
		},
		Redis: RedisConfig{
			Prefix: "gw:rl:",
		},
		Upstream: UpstreamConfig{
			Timeout:             5 * time.Second,
			DialTimeout:         5 * time.Second,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
