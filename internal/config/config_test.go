package config_test

import (
	"strings"
	"testing"

	"github.com/nulpointcorp/llm-proxy/internal/config"
)

// setRequired sets the minimum environment for Load to succeed.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "proxy_test.db")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("SECURITY_ENCRYPTION_KEY", "unit-test-passphrase")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Proxy.MaxFallbackAttempts != 3 {
		t.Errorf("MaxFallbackAttempts = %d, want 3", cfg.Proxy.MaxFallbackAttempts)
	}
	if cfg.Proxy.CBFailureThreshold != 5 {
		t.Errorf("CBFailureThreshold = %d, want 5", cfg.Proxy.CBFailureThreshold)
	}
	if cfg.RateLimit.PerKeyRPM != 60 {
		t.Errorf("PerKeyRPM = %d, want 60", cfg.RateLimit.PerKeyRPM)
	}
	if cfg.Audit.Sink != "database" {
		t.Errorf("Audit.Sink = %q, want database", cfg.Audit.Sink)
	}
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	setRequired(t)
	t.Setenv("DATABASE_URL", "")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected error for missing DATABASE_URL")
	}
	if !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Errorf("error should name DATABASE_URL, got: %v", err)
	}
}

func TestLoad_MissingEncryptionKey(t *testing.T) {
	setRequired(t)
	t.Setenv("SECURITY_ENCRYPTION_KEY", "")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected error for missing SECURITY_ENCRYPTION_KEY")
	}
	if !strings.Contains(err.Error(), "SECURITY_ENCRYPTION_KEY") {
		t.Errorf("error should name SECURITY_ENCRYPTION_KEY, got: %v", err)
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	setRequired(t)
	t.Setenv("LOG_LEVEL", "verbose")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected error for invalid LOG_LEVEL")
	}
}

func TestLoad_ClickHouseSinkRequiresURL(t *testing.T) {
	setRequired(t)
	t.Setenv("AUDIT_SINK", "clickhouse")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected error: clickhouse sink without CLICKHOUSE_URL")
	}

	t.Setenv("CLICKHOUSE_URL", "clickhouse://localhost:9000/proxy")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Audit.Sink != "clickhouse" {
		t.Errorf("Audit.Sink = %q, want clickhouse", cfg.Audit.Sink)
	}
}

func TestLoad_InvalidAuditSink(t *testing.T) {
	setRequired(t)
	t.Setenv("AUDIT_SINK", "kafka")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected error for invalid AUDIT_SINK")
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9090")
	t.Setenv("PROXY_MAX_FALLBACK_ATTEMPTS", "5")
	t.Setenv("RATE_LIMIT_WINDOW_MINUTES", "2")
	t.Setenv("PROXY_CB_RECOVERY_TIMEOUT", "90s")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.Proxy.MaxFallbackAttempts != 5 {
		t.Errorf("MaxFallbackAttempts = %d, want 5", cfg.Proxy.MaxFallbackAttempts)
	}
	if got := cfg.RateLimit.Window.Minutes(); got != 2 {
		t.Errorf("Window = %v minutes, want 2", got)
	}
	if got := cfg.Proxy.CBRecoveryTimeout.Seconds(); got != 90 {
		t.Errorf("CBRecoveryTimeout = %v seconds, want 90", got)
	}
}
