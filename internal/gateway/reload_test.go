package gateway

import (
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/microbank/gateway/internal/config"
)

func TestDiffConfig(t *testing.T) {
	oldCfg := config.DefaultConfig()
	oldCfg.Routes = []config.RouteConfig{
		{ID: "accounts", Path: "/microbank/accounts", Service: "ACCOUNTS"},
		{ID: "cards", Path: "/microbank/cards", Service: "CARDS"},
		{ID: "loans", Path: "/microbank/loans", Service: "LOANS"},
	}

	newCfg := config.DefaultConfig()
	newCfg.Listener.Address = ":9090"
	newCfg.Routes = []config.RouteConfig{
		{ID: "accounts", Path: "/microbank/accounts", Service: "ACCOUNTS"},
		{ID: "cards", Path: "/microbank/cards/**", Service: "CARDS"},
		{ID: "customers", Path: "/microbank/customers", Service: "ACCOUNTS"},
	}

	want := []string{
		"listener address changed: :8072 -> :9090 (restart required)",
		"route added: customers",
		"route modified: cards",
		"route removed: loans",
	}
	if got := diffConfig(oldCfg, newCfg); !reflect.DeepEqual(got, want) {
		t.Errorf("diffConfig() = %v, want %v", got, want)
	}
}

func TestDiffConfigNoChanges(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Routes = []config.RouteConfig{{ID: "a", Path: "/a", Service: "A"}}

	if got := diffConfig(cfg, cfg); len(got) != 0 {
		t.Errorf("expected no changes, got %v", got)
	}
}

func TestReloadSwapsRoutes(t *testing.T) {
	up := newUpstream(t, okHandler)
	services := map[string]string{"ACCOUNTS": up.URL, "CARDS": up.URL}

	gw := newTestGateway(t, testConfig(services,
		config.RouteConfig{ID: "accounts", Path: "/microbank/accounts", Service: "ACCOUNTS"},
	))

	if rr := do(gw, "GET", "/microbank/cards/api/fetch", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("before reload status = %d, want 404", rr.Code)
	}

	result := gw.Reload(testConfig(services,
		config.RouteConfig{ID: "cards", Path: "/microbank/cards", Service: "CARDS"},
	))
	if !result.Success {
		t.Fatalf("reload failed: %s", result.Error)
	}
	if !reflect.DeepEqual(result.Changes, []string{"route added: cards", "route removed: accounts"}) {
		t.Errorf("changes = %v", result.Changes)
	}

	if rr := do(gw, "GET", "/microbank/cards/api/fetch", nil); rr.Code != http.StatusOK {
		t.Errorf("new route status = %d, want 200", rr.Code)
	}
	if rr := do(gw, "GET", "/microbank/accounts/api/fetch", nil); rr.Code != http.StatusNotFound {
		t.Errorf("removed route status = %d, want 404", rr.Code)
	}
}

func TestReloadFailureKeepsRunningConfig(t *testing.T) {
	up := newUpstream(t, okHandler)
	services := map[string]string{"ACCOUNTS": up.URL}

	gw := newTestGateway(t, testConfig(services,
		config.RouteConfig{ID: "accounts", Path: "/microbank/accounts", Service: "ACCOUNTS"},
	))

	bad := testConfig(services,
		config.RouteConfig{ID: "dup", Path: "/a", Service: "ACCOUNTS"},
		config.RouteConfig{ID: "dup", Path: "/b", Service: "ACCOUNTS"},
	)
	result := gw.Reload(bad)
	if result.Success || result.Error == "" {
		t.Fatalf("expected failed reload, got %+v", result)
	}

	if rr := do(gw, "GET", "/microbank/accounts/api/fetch", nil); rr.Code != http.StatusOK {
		t.Errorf("status after failed reload = %d, want 200", rr.Code)
	}
	if _, ok := gw.Routes().Get("accounts"); !ok {
		t.Error("running route table was replaced")
	}
}

func TestReloadResetsBreakerState(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	route := config.RouteConfig{
		ID: "loans", Path: "/microbank/loans", Service: "LOANS",
		CircuitBreaker: &config.CircuitBreakerConfig{FailureThreshold: 1, OpenDuration: time.Minute},
	}
	services := map[string]string{"LOANS": up.URL}
	gw := newTestGateway(t, testConfig(services, route))

	do(gw, "GET", "/microbank/loans/api/fetch", nil)
	if state := gw.CircuitBreakers().Snapshots()["loans"].State; state != "open" {
		t.Fatalf("breaker state = %q, want open", state)
	}

	if result := gw.Reload(testConfig(services, route)); !result.Success {
		t.Fatalf("reload failed: %s", result.Error)
	}
	if state := gw.CircuitBreakers().Snapshots()["loans"].State; state != "closed" {
		t.Errorf("breaker state after reload = %q, want closed", state)
	}
}

func TestReloadClosesReplacedEnvironmentAfterInFlightRequests(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/slow" {
			close(arrived)
			<-release
		}
		w.WriteHeader(http.StatusOK)
	})
	services := map[string]string{"ACCOUNTS": up.URL}
	route := config.RouteConfig{ID: "accounts", Path: "/microbank/accounts", Service: "ACCOUNTS"}
	gw := newTestGateway(t, testConfig(services, route))
	old := gw.env.Load()

	done := make(chan int, 1)
	go func() {
		done <- do(gw, "GET", "/microbank/accounts/api/slow", nil).Code
	}()
	<-arrived

	if result := gw.Reload(testConfig(services, route)); !result.Success {
		t.Fatalf("reload failed: %s", result.Error)
	}
	if old.closed.Load() {
		t.Fatal("replaced environment closed while a request was still running on it")
	}

	// New requests are served by the new environment.
	if rr := do(gw, "GET", "/microbank/accounts/api/fetch", nil); rr.Code != http.StatusOK {
		t.Errorf("status after reload = %d, want 200", rr.Code)
	}

	close(release)
	if code := <-done; code != http.StatusOK {
		t.Errorf("in-flight request status = %d, want 200", code)
	}
	if !old.closed.Load() {
		t.Error("replaced environment not closed after its last request finished")
	}
	if old.inflight.Load() != 0 {
		t.Errorf("in-flight count = %d, want 0", old.inflight.Load())
	}
}

func TestReloadClosesIdleEnvironmentImmediately(t *testing.T) {
	up := newUpstream(t, okHandler)
	services := map[string]string{"ACCOUNTS": up.URL}
	route := config.RouteConfig{ID: "accounts", Path: "/microbank/accounts", Service: "ACCOUNTS"}
	gw := newTestGateway(t, testConfig(services, route))

	do(gw, "GET", "/microbank/accounts/api/fetch", nil)
	old := gw.env.Load()

	if result := gw.Reload(testConfig(services, route)); !result.Success {
		t.Fatalf("reload failed: %s", result.Error)
	}
	if !old.closed.Load() {
		t.Error("idle replaced environment should be closed by the reload")
	}
	if gw.env.Load().closed.Load() {
		t.Error("active environment must stay open")
	}
}

func TestAppendReloadHistory(t *testing.T) {
	s := &Server{}
	for i := 0; i < maxReloadHistory+10; i++ {
		s.appendReloadHistory(ReloadResult{Timestamp: time.Unix(int64(i), 0)})
	}

	history := s.ReloadHistory()
	if len(history) != maxReloadHistory {
		t.Fatalf("history length = %d, want %d", len(history), maxReloadHistory)
	}
	if history[0].Timestamp.Unix() != 10 {
		t.Errorf("oldest entry = %d, want 10", history[0].Timestamp.Unix())
	}
}
