package config

import (
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	if v := envInt("TEST_INT_MISSING", 99); v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalidFallsBack(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7 for non-integer value, got %d", v)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	if v := envDuration("TEST_DUR", 0); v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalidFallsBack(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	if v := envDuration("TEST_DUR_BAD", time.Minute); v != time.Minute {
		t.Fatalf("expected fallback 1m for invalid duration, got %s", v)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.BufferSize != 10_000 {
		t.Fatalf("expected default buffer size 10000, got %d", cfg.BufferSize)
	}
	if cfg.BatchSize != 100 {
		t.Fatalf("expected default batch size 100, got %d", cfg.BatchSize)
	}
}

func TestLoadRespectsOverrides(t *testing.T) {
	t.Setenv("KISEKI_BUFFER_SIZE", "50")
	t.Setenv("KISEKI_FLUSH_INTERVAL", "250ms")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.BufferSize != 50 {
		t.Fatalf("expected buffer size 50, got %d", cfg.BufferSize)
	}
	if cfg.FlushInterval != 250*time.Millisecond {
		t.Fatalf("expected flush interval 250ms, got %s", cfg.FlushInterval)
	}
}

func TestLoadFailsWhenEventLimitExceedsBatchLimit(t *testing.T) {
	t.Setenv("KISEKI_EVENT_MAX_BYTES", "1000")
	t.Setenv("KISEKI_BATCH_MAX_BYTES", "500")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to fail when event limit exceeds batch limit")
	}
}

func TestValidateRejectsZeroWorkers(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	cfg.FlushWorkers = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate() to reject zero flush workers")
	}
}
