package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, address string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("listener:\n  address: \""+address+"\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	writeConfig(t, path, ":7000")

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()
	w.SetDebounce(10 * time.Millisecond)

	if got := w.GetConfig().Listener.Address; got != ":7000" {
		t.Fatalf("initial address = %s", got)
	}

	changed := make(chan *Config, 4)
	w.OnChange(func(cfg *Config) { changed <- cfg })
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A file that fails validation is ignored.
	if err := os.WriteFile(path, []byte("registry:\n  type: zookeeper\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-changed:
		t.Fatalf("invalid config delivered: %+v", cfg.Registry)
	case <-time.After(200 * time.Millisecond):
	}

	writeConfig(t, path, ":7001")
	select {
	case cfg := <-changed:
		if cfg.Listener.Address != ":7001" {
			t.Errorf("reloaded address = %s, want :7001", cfg.Listener.Address)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after file change")
	}

	if got := w.GetConfig().Listener.Address; got != ":7001" {
		t.Errorf("GetConfig address = %s, want :7001", got)
	}
}

func TestNewWatcherInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte("listener: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewWatcher(path); err == nil {
		t.Fatal("expected error for unparsable config")
	}
}
