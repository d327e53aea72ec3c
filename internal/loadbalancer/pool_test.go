package loadbalancer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/microbank/gateway/internal/registry"
	"github.com/microbank/gateway/internal/registry/memory"
)

func TestPoolNext(t *testing.T) {
	reg := memory.New()
	ctx := context.Background()
	reg.Register(ctx, &registry.Service{ID: "a-1", Name: "ACCOUNTS", Address: "10.0.0.1", Port: 8080})
	reg.Register(ctx, &registry.Service{ID: "a-2", Name: "ACCOUNTS", Address: "10.0.0.2", Port: 8080})

	pool := NewPool(reg)
	defer pool.Close()
	pool.Watch("ACCOUNTS")

	seen := make(map[string]int)
	for i := 0; i < 4; i++ {
		be, err := pool.Next("ACCOUNTS")
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		seen[be.URL]++
	}
	if seen["http://10.0.0.1:8080"] != 2 || seen["http://10.0.0.2:8080"] != 2 {
		t.Errorf("expected even spread, got %v", seen)
	}
	if be, _ := pool.Next("ACCOUNTS"); be.ParsedURL == nil || be.ParsedURL.Host != "10.0.0.1:8080" {
		t.Errorf("expected parsed URL on backend, got %+v", be)
	}
}

func TestPoolUnknownService(t *testing.T) {
	pool := NewPool(memory.New())
	defer pool.Close()

	if _, err := pool.Next("LOANS"); !errors.Is(err, ErrNoBackend) {
		t.Errorf("expected ErrNoBackend for unwatched service, got %v", err)
	}

	pool.Watch("LOANS")
	if _, err := pool.Next("LOANS"); !errors.Is(err, ErrNoBackend) {
		t.Errorf("expected ErrNoBackend for empty service, got %v", err)
	}
}

func TestPoolFollowsRegistry(t *testing.T) {
	reg := memory.New()
	pool := NewPool(reg)
	defer pool.Close()
	pool.Watch("CARDS")

	reg.Register(context.Background(), &registry.Service{ID: "c-1", Name: "CARDS", Address: "10.0.0.3", Port: 9000})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if be, err := pool.Next("CARDS"); err == nil {
			if be.URL != "http://10.0.0.3:9000" {
				t.Errorf("unexpected backend %s", be.URL)
			}
			snap := pool.Snapshot()
			if len(snap["CARDS"]) != 1 {
				t.Errorf("expected snapshot with 1 backend, got %v", snap)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("pool never picked up the registered instance")
}

func TestPoolCloseStopsWatchers(t *testing.T) {
	reg := memory.New()
	pool := NewPool(reg)
	pool.Watch("CARDS", "LOANS")

	done := make(chan struct{})
	go func() {
		pool.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}
