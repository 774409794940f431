package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Mode != "all" {
		t.Errorf("default mode = %q, want %q", cfg.Mode, "all")
	}
	if cfg.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Port)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("default log format = %q, want json", cfg.LogFormat)
	}
	if cfg.ListenAddr() != "0.0.0.0:8080" {
		t.Errorf("ListenAddr() = %q, want 0.0.0.0:8080", cfg.ListenAddr())
	}
}

func TestDefaultTunables(t *testing.T) {
	tun := DefaultTunables()

	if tun.ScreenshotSessionCap != 3 {
		t.Errorf("screenshot session cap = %d, want 3", tun.ScreenshotSessionCap)
	}
	if tun.BackoffBase != 30*time.Second {
		t.Errorf("backoff base = %v, want 30s", tun.BackoffBase)
	}
	if tun.BackoffMax != time.Hour {
		t.Errorf("backoff max = %v, want 1h", tun.BackoffMax)
	}
	for _, family := range []string{"default", "high", "low", "bulk", "screenshot"} {
		if tun.WorkerParallelism[family] < 1 {
			t.Errorf("family %q has no parallelism configured", family)
		}
	}
}

func TestStoreSnapshotWithoutFile(t *testing.T) {
	s, err := NewStore("", nil)
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	if got := s.Snapshot().ScreenshotSessionCap; got != 3 {
		t.Errorf("snapshot screenshot cap = %d, want 3", got)
	}
}
