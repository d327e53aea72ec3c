package consul

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/microbank/gateway/internal/config"
	"github.com/microbank/gateway/internal/registry"
)

const cardsEntries = `[
  {"Node": {"Address": "10.0.0.9"},
   "Service": {"ID": "cards-1", "Service": "CARDS", "Address": "10.0.0.1", "Port": 9000},
   "Checks": [{"Status": "passing"}]},
  {"Node": {"Address": "10.0.0.8"},
   "Service": {"ID": "cards-2", "Service": "CARDS", "Address": "", "Port": 9001, "Meta": {"scheme": "https"}},
   "Checks": [{"Status": "passing"}]},
  {"Node": {"Address": "10.0.0.7"},
   "Service": {"ID": "cards-3", "Service": "CARDS", "Address": "10.0.0.3", "Port": 9002},
   "Checks": [{"Status": "critical"}]}
]`

func fakeConsul(t *testing.T, healthCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/agent/self":
			w.Write([]byte(`{}`))
		case strings.HasPrefix(r.URL.Path, "/v1/health/service/CARDS"):
			healthCalls.Add(1)
			if r.URL.Query().Get("index") == "7" {
				// Nothing changed: hold the blocking query until the client gives up.
				<-r.Context().Done()
				return
			}
			w.Header().Set("X-Consul-Index", "7")
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(cardsEntries))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestRegistry(t *testing.T, srv *httptest.Server) *Registry {
	t.Helper()
	reg, err := New(config.ConsulConfig{
		Address: strings.TrimPrefix(srv.URL, "http://"),
		Scheme:  "http",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestDiscover(t *testing.T) {
	var calls atomic.Int32
	reg := newTestRegistry(t, fakeConsul(t, &calls))

	services, err := reg.Discover(context.Background(), "CARDS")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(services) != 2 {
		t.Fatalf("expected 2 passing instances, got %d", len(services))
	}
	if services[0].URL() != "http://10.0.0.1:9000" {
		t.Errorf("unexpected first URL %s", services[0].URL())
	}
	if services[1].URL() != "https://10.0.0.8:9001" {
		t.Errorf("expected node address and meta scheme, got %s", services[1].URL())
	}

	if _, err := reg.Discover(context.Background(), "CARDS"); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected second Discover served from cache, got %d calls", calls.Load())
	}
}

func TestWatch(t *testing.T) {
	var calls atomic.Int32
	reg := newTestRegistry(t, fakeConsul(t, &calls))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := reg.Watch(ctx, "CARDS")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	select {
	case services := <-ch:
		if len(services) != 2 {
			t.Errorf("expected 2 instances, got %d", len(services))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for watch update")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel closed after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestNewUnreachable(t *testing.T) {
	_, err := New(config.ConsulConfig{Address: "127.0.0.1:1", Scheme: "http"})
	if err == nil {
		t.Fatal("expected connection error")
	}
}

func TestConvertHealth(t *testing.T) {
	if got := convertHealth(nil); got != registry.HealthPassing {
		t.Errorf("no checks: got %s", got)
	}
}
