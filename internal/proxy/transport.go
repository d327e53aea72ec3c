package proxy

import (
	"net"
	"net/http"
	"time"

	"github.com/microbank/gateway/internal/config"
)

// TransportConfig configures the HTTP transport used for upstream calls
type TransportConfig struct {
	// Connection settings
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	// Timeouts
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
}

// DefaultTransportConfig provides default transport settings
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   32,
	IdleConnTimeout:       90 * time.Second,
	DialTimeout:           5 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// TransportConfigFrom applies non-zero upstream settings onto the defaults.
func TransportConfigFrom(cfg config.UpstreamConfig) TransportConfig {
	tc := DefaultTransportConfig
	if cfg.DialTimeout > 0 {
		tc.DialTimeout = cfg.DialTimeout
	}
	if cfg.MaxIdleConnsPerHost > 0 {
		tc.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
		if tc.MaxIdleConns < cfg.MaxIdleConnsPerHost {
			tc.MaxIdleConns = cfg.MaxIdleConnsPerHost
		}
	}
	if cfg.IdleConnTimeout > 0 {
		tc.IdleConnTimeout = cfg.IdleConnTimeout
	}
	return tc
}

// NewTransport creates a new HTTP transport with the given configuration.
// Response deadlines come from the per-attempt context, not the transport.
func NewTransport(cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		ForceAttemptHTTP2:     true,
	}
}
