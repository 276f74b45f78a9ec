package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("COMMIT_TIMEOUT", "750ms")
	t.Setenv("APPLIED_ORDER_CAPACITY", "16")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("LEDGER_STORE", "memory")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("EVENT_PUBLISH_TIMEOUT", "250ms")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ledger.CommitTimeout != 750*time.Millisecond {
		t.Errorf("commit timeout = %s, want 750ms", cfg.Ledger.CommitTimeout)
	}
	if cfg.Ledger.AppliedOrderCapacity != 16 {
		t.Errorf("capacity = %d, want 16", cfg.Ledger.AppliedOrderCapacity)
	}
	if len(cfg.Kafka.Brokers) != 2 || !cfg.Kafka.Enabled() {
		t.Errorf("brokers = %v, want 2 entries", cfg.Kafka.Brokers)
	}
	if cfg.Ledger.CostScale != 8 {
		t.Errorf("cost scale = %d, want default 8", cfg.Ledger.CostScale)
	}
	if cfg.Node.LogLevel != zapcore.DebugLevel {
		t.Errorf("log level = %s, want debug", cfg.Node.LogLevel)
	}
	if cfg.Ledger.PublishTimeout != 250*time.Millisecond || cfg.Ledger.EventBuffer != 1024 {
		t.Errorf("publish timeout = %s buffer = %d", cfg.Ledger.PublishTimeout, cfg.Ledger.EventBuffer)
	}
}

func TestLoadFromEnvRejectsUnknownLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "chatty")
	if _, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatal("expected an error for LOG_LEVEL=chatty")
	}
}

func TestLoadFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("REGION_SHARDS=8\nAPI_ADDR=:9999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Unsetenv("REGION_SHARDS")
		os.Unsetenv("API_ADDR")
	})

	cfg, err := LoadFromEnv(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ledger.RegionShards != 8 {
		t.Errorf("shards = %d, want 8", cfg.Ledger.RegionShards)
	}
	if cfg.Node.APIAddr != ":9999" {
		t.Errorf("api addr = %q, want :9999", cfg.Node.APIAddr)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero timeout", func(c *Config) { c.Ledger.CommitTimeout = 0 }},
		{"zero capacity", func(c *Config) { c.Ledger.AppliedOrderCapacity = 0 }},
		{"huge scale", func(c *Config) { c.Ledger.CostScale = 40 }},
		{"zero event buffer", func(c *Config) { c.Ledger.EventBuffer = 0 }},
		{"zero publish timeout", func(c *Config) { c.Ledger.PublishTimeout = 0 }},
		{"postgres without url", func(c *Config) { c.Store.Backend = "postgres" }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "sqlite" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
