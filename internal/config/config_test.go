package config

import (
	"strings"
	"testing"
	"time"
)

// TestLoadDefaults tests the configuration with no environment set
func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "STORE_BACKEND", "REDIS_ADDR", "JANITOR_SCHEDULE", "LOG_LEVEL", "SERVER_URL"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Server.Port != 8080 || cfg.Server.Addr() != ":8080" {
		t.Errorf("Expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Store.Backend != BackendMemory {
		t.Errorf("Expected memory backend, got %s", cfg.Store.Backend)
	}
	if cfg.Redis.Enabled() {
		t.Error("Redis should be disabled without REDIS_ADDR")
	}
	if cfg.Janitor.Schedule != "@every 1h" || cfg.Janitor.IdleTTL != 24*time.Hour {
		t.Errorf("Unexpected janitor defaults %+v", cfg.Janitor)
	}
	if cfg.Client.ServerURL != "http://localhost:8080" {
		t.Errorf("Unexpected server url %s", cfg.Client.ServerURL)
	}
}

// TestEnvOverrides tests that valid overrides apply and invalid ones are ignored
func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_BACKEND", "Postgres")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("FEED_RECONNECT_DELAY", "250ms")
	t.Setenv("FEED_BUFFER", "not-a-number")
	t.Setenv("JANITOR_IDLE_TTL", "6h")
	t.Setenv("JANITOR_ENABLED", "false")
	t.Setenv("RATE_LIMIT_RPS", "5.5")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("LOG_FORMAT", "CONSOLE")

	cfg := Load()
	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Store.Backend != BackendPostgres || cfg.Store.Validate() != nil {
		t.Errorf("Expected postgres backend, got %s", cfg.Store.Backend)
	}
	if dsn := cfg.Store.DSN(); !strings.Contains(dsn, "host=db") || !strings.Contains(dsn, "password=pw") {
		t.Errorf("Unexpected DSN %q", dsn)
	}
	if !cfg.Redis.Enabled() || cfg.Redis.DB != 2 {
		t.Errorf("Unexpected redis config %+v", cfg.Redis)
	}
	if cfg.Feed.ReconnectDelay != 250*time.Millisecond {
		t.Errorf("Expected 250ms reconnect delay, got %v", cfg.Feed.ReconnectDelay)
	}
	if cfg.Feed.Buffer != DefaultFeed().Buffer {
		t.Errorf("Invalid FEED_BUFFER should be ignored, got %d", cfg.Feed.Buffer)
	}
	if cfg.Janitor.Enabled || cfg.Janitor.IdleTTL != 6*time.Hour {
		t.Errorf("Unexpected janitor config %+v", cfg.Janitor)
	}
	if cfg.RateLimit.RequestsPerSecond != 5.5 {
		t.Errorf("Expected 5.5 rps, got %v", cfg.RateLimit.RequestsPerSecond)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example" {
		t.Errorf("Unexpected origins %v", cfg.Server.CORSOrigins)
	}
	if cfg.Log.Format != "console" {
		t.Errorf("Expected console format, got %s", cfg.Log.Format)
	}
}

// TestStoreDSN tests DATABASE_URL precedence and backend validation
func TestStoreDSN(t *testing.T) {
	cfg := DefaultStore()
	cfg.DatabaseURL = "postgres://u@h/db"
	if cfg.DSN() != "postgres://u@h/db" {
		t.Errorf("DATABASE_URL should win, got %s", cfg.DSN())
	}

	cfg.Backend = "sqlite"
	if cfg.Validate() == nil {
		t.Error("Expected error for unknown backend")
	}
}
