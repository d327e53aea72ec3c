package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Circuit breaker state gauge values
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

// Collector holds the gateway's Prometheus collectors on a private registry.
// It outlives configuration reloads.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	fallbacksTotal      *prometheus.CounterVec
	retriesTotal        *prometheus.CounterVec
	rateLimitedTotal    *prometheus.CounterVec
	circuitBreakerState *prometheus.GaugeVec
}

// NewCollector creates a collector with Go runtime and process metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by route, method and response status.",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency by route.",
			Buckets:   DefaultBuckets,
		}, []string{"route"}),
		fallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Fallback responses by route and reason.",
		}, []string{"route", "reason"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Upstream retry attempts by route.",
		}, []string{"route"}),
		rateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter, by route.",
		}, []string{"route"}),
		circuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state by route (0=closed, 1=open, 2=half-open).",
		}, []string{"route"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requestsTotal,
		c.requestDuration,
		c.fallbacksTotal,
		c.retriesTotal,
		c.rateLimitedTotal,
		c.circuitBreakerState,
	)
	return c
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(route, method string, statusCode int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(route, method, strconv.Itoa(statusCode)).Inc()
	c.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordFallback records a fallback response
func (c *Collector) RecordFallback(route, reason string) {
	c.fallbacksTotal.WithLabelValues(route, reason).Inc()
}

// RecordRetry records one retry (an attempt after the first)
func (c *Collector) RecordRetry(route string) {
	c.retriesTotal.WithLabelValues(route).Inc()
}

// RecordRateLimited records a rate limiter rejection
func (c *Collector) RecordRateLimited(route string) {
	c.rateLimitedTotal.WithLabelValues(route).Inc()
}

// SetCircuitBreakerState records a breaker state by name
// ("closed", "open" or "half-open").
func (c *Collector) SetCircuitBreakerState(route, state string) {
	value := BreakerClosed
	switch state {
	case "open":
		value = BreakerOpen
	case "half-open":
		value = BreakerHalfOpen
	}
	c.circuitBreakerState.WithLabelValues(route).Set(float64(value))
}

// Registry exposes the private registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		Registry: c.registry,
	})
}
