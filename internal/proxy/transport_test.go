package proxy

import (
	"testing"
	"time"

	"github.com/microbank/gateway/internal/config"
)

func TestNewTransportDefault(t *testing.T) {
	tr := NewTransport(DefaultTransportConfig)
	if tr.MaxIdleConns != 100 {
		t.Errorf("expected MaxIdleConns 100, got %d", tr.MaxIdleConns)
	}
	if tr.IdleConnTimeout != 90*time.Second {
		t.Errorf("expected IdleConnTimeout 90s, got %v", tr.IdleConnTimeout)
	}
	if !tr.ForceAttemptHTTP2 {
		t.Error("expected ForceAttemptHTTP2")
	}
	if tr.ResponseHeaderTimeout != 0 {
		t.Errorf("expected no transport response timeout, got %v", tr.ResponseHeaderTimeout)
	}
}

func TestTransportConfigFrom(t *testing.T) {
	tc := TransportConfigFrom(config.UpstreamConfig{
		DialTimeout:         2 * time.Second,
		MaxIdleConnsPerHost: 200,
		IdleConnTimeout:     30 * time.Second,
	})
	if tc.DialTimeout != 2*time.Second {
		t.Errorf("DialTimeout = %v", tc.DialTimeout)
	}
	if tc.MaxIdleConnsPerHost != 200 || tc.MaxIdleConns != 200 {
		t.Errorf("idle conns = %d/%d, want 200/200", tc.MaxIdleConnsPerHost, tc.MaxIdleConns)
	}
	if tc.IdleConnTimeout != 30*time.Second {
		t.Errorf("IdleConnTimeout = %v", tc.IdleConnTimeout)
	}

	zero := TransportConfigFrom(config.UpstreamConfig{})
	if zero != DefaultTransportConfig {
		t.Errorf("expected defaults for zero config, got %+v", zero)
	}
}
