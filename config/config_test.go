package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Addr != ":8080" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.StoreBackend != "memory" {
		t.Fatalf("expected memory backend, got %q", cfg.StoreBackend)
	}
	if cfg.FlushInterval != 30*time.Second {
		t.Fatalf("expected 30s flush interval, got %v", cfg.FlushInterval)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ADDR", ":9999")
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("SESSION_TTL", "1h")
	t.Setenv("FLUSH_INTERVAL", "bogus")

	cfg := Load()
	if cfg.Addr != ":9999" {
		t.Fatalf("expected :9999, got %q", cfg.Addr)
	}
	if cfg.StoreBackend != "postgres" {
		t.Fatalf("expected postgres, got %q", cfg.StoreBackend)
	}
	if cfg.SessionTTL != time.Hour {
		t.Fatalf("expected 1h ttl, got %v", cfg.SessionTTL)
	}
	if cfg.FlushInterval != 30*time.Second {
		t.Fatalf("expected unparsable duration to fall back, got %v", cfg.FlushInterval)
	}
}
