package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	t.Setenv("GO_SESSIONS_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.HTTPAddr)
	}
	if cfg.Push.ReconnectMaxAttempts != 10 || cfg.Push.ReconnectDelay != 2*time.Second {
		t.Fatalf("unexpected push defaults: %+v", cfg.Push)
	}
	if cfg.Poll.Interval != 2*time.Second || cfg.Poll.RequestTimeout != 10*time.Second || cfg.Poll.MaxFailures != 5 {
		t.Fatalf("unexpected poll defaults: %+v", cfg.Poll)
	}
	if cfg.EvictionGrace != 5*time.Minute {
		t.Fatalf("unexpected eviction grace: %v", cfg.EvictionGrace)
	}
}

func TestYAMLFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "go-sessions.yaml")
	body := []byte("http_addr: \":9090\"\npoll:\n  interval: 500ms\n  max_failures: 3\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("GO_SESSIONS_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("expected yaml addr, got %s", cfg.HTTPAddr)
	}
	if cfg.Poll.Interval != 500*time.Millisecond || cfg.Poll.MaxFailures != 3 {
		t.Fatalf("expected yaml poll values, got %+v", cfg.Poll)
	}
	// Unset values keep their defaults.
	if cfg.Poll.RequestTimeout != 10*time.Second {
		t.Fatalf("expected default request timeout, got %v", cfg.Poll.RequestTimeout)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "go-sessions.yaml")
	if err := os.WriteFile(path, []byte("http_addr: \":9090\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("GO_SESSIONS_CONFIG", path)
	t.Setenv("GO_SESSIONS_HTTP_ADDR", ":7070")
	t.Setenv("GO_SESSIONS_PUSH_RECONNECT_DELAY", "250ms")
	t.Setenv("GO_SESSIONS_POLL_MAX_FAILURES", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":7070" {
		t.Fatalf("expected env addr, got %s", cfg.HTTPAddr)
	}
	if cfg.Push.ReconnectDelay != 250*time.Millisecond {
		t.Fatalf("expected env reconnect delay, got %v", cfg.Push.ReconnectDelay)
	}
	if cfg.Poll.MaxFailures != 7 {
		t.Fatalf("expected env max failures, got %d", cfg.Poll.MaxFailures)
	}
}

func TestMalformedYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "go-sessions.yaml")
	if err := os.WriteFile(path, []byte("http_addr: [broken"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("GO_SESSIONS_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestBadDurationFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "go-sessions.yaml")
	if err := os.WriteFile(path, []byte("poll:\n  interval: soon\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("GO_SESSIONS_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Fatalf("expected duration parse error")
	}
}
