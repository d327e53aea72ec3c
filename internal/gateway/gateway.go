package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/microbank/gateway/internal/byroute"
	"github.com/microbank/gateway/internal/circuitbreaker"
	"github.com/microbank/gateway/internal/config"
	"github.com/microbank/gateway/internal/fallback"
	"github.com/microbank/gateway/internal/loadbalancer"
	"github.com/microbank/gateway/internal/logging"
	"github.com/microbank/gateway/internal/metrics"
	"github.com/microbank/gateway/internal/middleware"
	"github.com/microbank/gateway/internal/middleware/auth"
	"github.com/microbank/gateway/internal/middleware/ratelimit"
	"github.com/microbank/gateway/internal/middleware/realip"
	"github.com/microbank/gateway/internal/proxy"
	"github.com/microbank/gateway/internal/registry"
	"github.com/microbank/gateway/internal/registry/consul"
	"github.com/microbank/gateway/internal/registry/etcd"
	"github.com/microbank/gateway/internal/registry/memory"
	"github.com/microbank/gateway/internal/retry"
	"github.com/microbank/gateway/internal/router"
	"github.com/microbank/gateway/internal/tracing"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// environment is everything derived from one configuration. A reload builds
// a complete new environment and swaps it in; requests already running keep
// the one they started with.
type environment struct {
	config    *config.Config
	routes    *router.Table
	clientIP  *realip.Resolver
	verifier  *auth.Verifier
	gate      *auth.Gate
	limiters  *ratelimit.Store
	breakers  *circuitbreaker.BreakerByRoute
	retries   *byroute.Manager[*retry.Policy]
	registry  registry.Registry
	pool      *loadbalancer.Pool
	transport *http.Transport
	forwarder *proxy.Forwarder
	fallback  *fallback.Dispatcher
	redis     *redis.Client
	handler   http.Handler
	builtAt   time.Time

	inflight  atomic.Int64
	retired   atomic.Bool
	closeOnce sync.Once
	closed    atomic.Bool
}

// Gateway is the main API gateway
type Gateway struct {
	env     atomic.Pointer[environment]
	metrics *metrics.Collector
	tracer  *tracing.Tracer
}

// New creates a new gateway
func New(cfg *config.Config) (*Gateway, error) {
	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	g := &Gateway{
		metrics: metrics.NewCollector(),
		tracer:  tracer,
	}

	env, err := g.buildEnvironment(cfg)
	if err != nil {
		tracer.Close()
		return nil, err
	}
	g.env.Store(env)

	return g, nil
}

// buildEnvironment compiles routes and creates every per-config component.
// On error, whatever was already created is released.
func (g *Gateway) buildEnvironment(cfg *config.Config) (_ *environment, err error) {
	env := &environment{
		config:  cfg,
		retries: byroute.New[*retry.Policy](),
		builtAt: time.Now(),
	}
	defer func() {
		if err != nil {
			env.close()
		}
	}()

	if env.routes, err = router.New(cfg.Routes); err != nil {
		return nil, fmt.Errorf("failed to build route table: %w", err)
	}

	if env.clientIP, err = realip.New(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}

	if cfg.Authentication.JWT.Configured() {
		if env.verifier, err = auth.NewVerifier(cfg.Authentication.JWT); err != nil {
			return nil, fmt.Errorf("failed to initialize token verifier: %w", err)
		}
		env.gate = auth.NewGate(env.verifier, cfg.Authentication.JWT)
	} else {
		env.gate = auth.NewGate(nil, cfg.Authentication.JWT)
	}

	if cfg.Redis.Address != "" {
		env.redis = redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		})
	}
	var scripter redis.Scripter
	if env.redis != nil {
		scripter = env.redis
	}
	env.limiters = ratelimit.NewStore(scripter, cfg.Redis.Prefix)

	env.breakers = circuitbreaker.NewBreakerByRoute(func(name string, _, to circuitbreaker.State) {
		g.metrics.SetCircuitBreakerState(name, to.String())
	})

	services := make([]string, 0, len(cfg.Routes))
	seen := make(map[string]bool, len(cfg.Routes))
	for _, route := range env.routes.Routes() {
		if route.CircuitBreaker != nil {
			env.breakers.AddRoute(route.ID, *route.CircuitBreaker)
			g.metrics.SetCircuitBreakerState(route.ID, circuitbreaker.StateClosed.String())
		}
		if route.RateLimit != nil {
			if err = env.limiters.AddRoute(route.ID, *route.RateLimit); err != nil {
				return nil, err
			}
		}
		if route.Retry != nil {
			env.retries.Add(route.ID, retry.NewPolicy(*route.Retry))
		}
		if !seen[route.Service] {
			seen[route.Service] = true
			services = append(services, route.Service)
		}
	}

	if env.registry, err = newRegistry(cfg.Registry); err != nil {
		return nil, fmt.Errorf("failed to initialize registry: %w", err)
	}
	env.pool = loadbalancer.NewPool(env.registry)
	env.pool.Watch(services...)

	env.transport = proxy.NewTransport(proxy.TransportConfigFrom(cfg.Upstream))
	env.forwarder = proxy.New(proxy.Config{
		Transport:         env.transport,
		Backends:          env.pool,
		CorrelationHeader: cfg.Correlation.Header,
		DefaultTimeout:    cfg.Upstream.Timeout,
	})

	if env.fallback, err = fallback.New(cfg.Correlation.Header, cfg.Fallback.Messages); err != nil {
		return nil, err
	}

	env.handler = g.buildHandler(env)

	logging.Info("gateway environment built",
		zap.Int("routes", env.routes.Len()),
		zap.Int("services", len(services)),
		zap.Int("circuit_breakers", len(env.breakers.RouteIDs())),
		zap.String("registry", cfg.Registry.Type),
	)

	return env, nil
}

// buildHandler assembles the middleware chain around the dispatcher.
// Correlation runs first so every later stage, fallbacks included, sees the
// id; the client address is resolved before anything keys on it.
func (g *Gateway) buildHandler(env *environment) http.Handler {
	chain := middleware.NewChain(
		middleware.Correlation(middleware.CorrelationConfig{Header: env.config.Correlation.Header}),
		env.clientIP.Middleware(),
		middleware.ResponseTime(),
		middleware.Recovery(),
		g.tracer.Middleware(),
	)
	chain = chain.AppendIf(env.config.Logging.AccessLog, middleware.AccessLog(middleware.AccessLogConfig{}))

	return chain.Then(&dispatcher{
		env:     env,
		metrics: g.metrics,
		tracer:  g.tracer,
	})
}

// newRegistry creates the service registry named by cfg.Type.
func newRegistry(cfg config.RegistryConfig) (registry.Registry, error) {
	var (
		reg registry.Registry
		err error
	)
	switch registry.Type(cfg.Type) {
	case "", registry.TypeMemory:
		reg, err = memory.NewFromConfig(cfg.Memory)
	case registry.TypeConsul:
		reg, err = consul.New(cfg.Consul)
	case registry.TypeEtcd:
		reg, err = etcd.New(cfg.Etcd)
	default:
		return nil, fmt.Errorf("unknown registry type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// close releases everything the environment owns. Safe on a partially
// built environment and on repeated calls.
func (env *environment) close() {
	env.closeOnce.Do(env.release)
}

func (env *environment) release() {
	if env.pool != nil {
		env.pool.Close()
	}
	if env.registry != nil {
		if err := env.registry.Close(); err != nil {
			logging.Warn("failed to close registry", zap.Error(err))
		}
	}
	if env.limiters != nil {
		env.limiters.Close()
	}
	if env.redis != nil {
		if err := env.redis.Close(); err != nil {
			logging.Warn("failed to close redis client", zap.Error(err))
		}
	}
	if env.verifier != nil {
		env.verifier.Close()
	}
	if env.transport != nil {
		env.transport.CloseIdleConnections()
	}
	env.closed.Store(true)
}

// retire marks env as replaced. It is closed once its last in-flight
// request finishes, or now if there is none.
func (env *environment) retire() {
	env.retired.Store(true)
	if env.inflight.Load() == 0 {
		env.close()
	}
}

// done ends one request on env.
func (env *environment) done() {
	if env.inflight.Add(-1) == 0 && env.retired.Load() {
		env.close()
	}
}

// acquire returns the current environment with one request counted against
// it. An environment retired between the load and the count is never
// returned.
func (g *Gateway) acquire() *environment {
	for {
		env := g.env.Load()
		env.inflight.Add(1)
		if g.env.Load() == env {
			return env
		}
		env.done()
	}
}

// Handler returns the public HTTP handler. Each request is served by the
// environment current when it arrived.
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env := g.acquire()
		defer env.done()
		env.handler.ServeHTTP(w, r)
	})
}

// Reload builds an environment from cfg and swaps it in. On failure the
// running environment is kept. Breaker and limiter state starts fresh. The
// replaced environment is closed after its in-flight requests finish.
func (g *Gateway) Reload(cfg *config.Config) ReloadResult {
	result := ReloadResult{Timestamp: time.Now()}

	next, err := g.buildEnvironment(cfg)
	if err != nil {
		result.Error = err.Error()
		logging.Error("config reload failed", zap.Error(err))
		return result
	}

	old := g.env.Swap(next)
	result.Changes = diffConfig(old.config, cfg)
	result.Success = true

	old.retire()

	logging.Info("config reloaded", zap.Strings("changes", result.Changes))
	return result
}

var errNoRedis = errors.New("redis not configured")

// pingRedis checks the rate limiter's redis connection.
func (g *Gateway) pingRedis(ctx context.Context) error {
	env := g.env.Load()
	if env.redis == nil {
		return errNoRedis
	}
	return env.redis.Ping(ctx).Err()
}

// LoadedAt returns when the active configuration was applied.
func (g *Gateway) LoadedAt() time.Time {
	return g.env.Load().builtAt
}

// Config returns the active configuration.
func (g *Gateway) Config() *config.Config {
	return g.env.Load().config
}

// Routes returns the active route table.
func (g *Gateway) Routes() *router.Table {
	return g.env.Load().routes
}

// CircuitBreakers returns the active breaker store.
func (g *Gateway) CircuitBreakers() *circuitbreaker.BreakerByRoute {
	return g.env.Load().breakers
}

// RateLimiters returns the active limiter store.
func (g *Gateway) RateLimiters() *ratelimit.Store {
	return g.env.Load().limiters
}

// Backends returns the resolved instances per service.
func (g *Gateway) Backends() map[string][]string {
	return g.env.Load().pool.Snapshot()
}

// Metrics returns the metrics collector
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Tracer returns the tracer
func (g *Gateway) Tracer() *tracing.Tracer {
	return g.tracer
}

// Close releases the active environment and flushes the tracer.
func (g *Gateway) Close() error {
	if env := g.env.Load(); env != nil {
		env.close()
	}
	return g.tracer.Close()
}
