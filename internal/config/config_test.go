package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SERVER_ADDR", "MAX_CONNECTIONS", "MAX_PAYLOAD_BYTES",
		"INACTIVITY_THRESHOLD", "DISPATCH_WORKERS", "DISPATCH_QUEUE_CAPACITY",
		"SESSION_SEND_BUFFER", "CHAT_API_KEY", "CHAT_API_ENDPOINT",
		"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME",
		"REPL_USER", "REPL_PASSWORD", "REPL_SERVER_ID", "REPL_ALLOWED_TABLES",
		"REPL_RESUME_STREAM", "ANALYSIS_ENGINE_PATH", "ANALYSIS_POOL_SIZE",
		"ANALYSIS_REDIS_ADDR", "ANALYSIS_ACQUIRE_WAIT", "SAMPLING_RATE_HZ",
		"LOG_LEVEL", "LOG_PATH", "LOG_MAX_SIZE_MB", "LOG_MAX_BACKUPS",
		"LOG_MAX_AGE_DAYS", "LOG_COMPRESS", "METRICS_ADDR",
	} {
		// t.Setenv restores the original value after the test; the unset
		// makes the variable absent so cleanenv applies its env-default.
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Address != ":8080" {
		t.Fatalf("expected default address :8080, got %q", cfg.Address)
	}
	if cfg.MaxConnections != DefaultMaxConnections {
		t.Fatalf("expected default max connections %d, got %d", DefaultMaxConnections, cfg.MaxConnections)
	}
	if cfg.InactivityThreshold != DefaultInactivityThreshold {
		t.Fatalf("expected default inactivity threshold %s, got %s", DefaultInactivityThreshold, cfg.InactivityThreshold)
	}
	if cfg.DispatchWorkers != DefaultDispatchWorkers {
		t.Fatalf("expected default dispatch workers %d, got %d", DefaultDispatchWorkers, cfg.DispatchWorkers)
	}
	if len(cfg.Replication.AllowedTables) != 6 {
		t.Fatalf("expected 6 default allowed tables, got %d: %v", len(cfg.Replication.AllowedTables), cfg.Replication.AllowedTables)
	}
	if cfg.Replication.ServerID != 100 {
		t.Fatalf("expected default replication server id 100, got %d", cfg.Replication.ServerID)
	}
	if cfg.Analysis.SamplingRate != DefaultSamplingRateHz {
		t.Fatalf("expected default sampling rate %d, got %d", DefaultSamplingRateHz, cfg.Analysis.SamplingRate)
	}
}

func TestLoadOverridesFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_CONNECTIONS", "16")
	t.Setenv("INACTIVITY_THRESHOLD", "45s")
	t.Setenv("REPL_ALLOWED_TABLES", "ecg_params,mepap_sensor_params")
	t.Setenv("DB_HOST", "db.internal")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.MaxConnections != 16 {
		t.Fatalf("expected overridden max connections 16, got %d", cfg.MaxConnections)
	}
	if cfg.InactivityThreshold != 45*time.Second {
		t.Fatalf("expected overridden inactivity threshold 45s, got %s", cfg.InactivityThreshold)
	}
	if len(cfg.Replication.AllowedTables) != 2 {
		t.Fatalf("expected 2 overridden allowed tables, got %v", cfg.Replication.AllowedTables)
	}
	if cfg.DB.Host != "db.internal" {
		t.Fatalf("expected overridden db host, got %q", cfg.DB.Host)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_CONNECTIONS", "-1")

	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for negative MAX_CONNECTIONS")
	}
}
