// Package config loads and validates SDK configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all SDK configuration.
type Config struct {
	// Collector settings.
	APIURL string // Root URL of the log collector, e.g. "https://api.kiseki.dev".
	APIKey string // Bearer credential presented on every request.

	// Default destination for spans started without a parent or an explicit
	// destination option.
	ProjectID string

	// Delivery queue settings.
	BufferSize     int           // Maximum buffered events before drop-oldest applies.
	FlushInterval  time.Duration // Background flush cadence.
	BatchSize      int           // Maximum events per delivery batch.
	BatchMaxBytes  int           // Maximum serialized bytes per delivery batch.
	EventMaxBytes  int           // Per-event size above which the overflow path is taken.
	FlushWorkers   int           // Concurrent batch deliveries during one flush.
	MaxRetries     int           // Retries per batch after the first attempt.
	RetryBaseDelay time.Duration // Initial backoff delay; doubles per attempt with jitter.

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		APIURL:         envStr("KISEKI_API_URL", "https://api.kiseki.dev"),
		APIKey:         envStr("KISEKI_API_KEY", ""),
		ProjectID:      envStr("KISEKI_PROJECT_ID", "default"),
		BufferSize:     envInt("KISEKI_BUFFER_SIZE", 10_000),
		FlushInterval:  envDuration("KISEKI_FLUSH_INTERVAL", 5*time.Second),
		BatchSize:      envInt("KISEKI_BATCH_SIZE", 100),
		BatchMaxBytes:  envInt("KISEKI_BATCH_MAX_BYTES", 4*1024*1024),
		EventMaxBytes:  envInt("KISEKI_EVENT_MAX_BYTES", 256*1024),
		FlushWorkers:   envInt("KISEKI_FLUSH_CONCURRENCY", 4),
		MaxRetries:     envInt("KISEKI_MAX_RETRIES", 3),
		RetryBaseDelay: envDuration("KISEKI_RETRY_BASE_DELAY", 200*time.Millisecond),
		LogLevel:       envStr("KISEKI_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("config: KISEKI_API_URL is required")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("config: KISEKI_BUFFER_SIZE must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: KISEKI_BATCH_SIZE must be positive")
	}
	if c.BatchMaxBytes <= 0 {
		return fmt.Errorf("config: KISEKI_BATCH_MAX_BYTES must be positive")
	}
	if c.EventMaxBytes <= 0 || c.EventMaxBytes > c.BatchMaxBytes {
		return fmt.Errorf("config: KISEKI_EVENT_MAX_BYTES must be positive and not exceed KISEKI_BATCH_MAX_BYTES")
	}
	if c.FlushWorkers <= 0 {
		return fmt.Errorf("config: KISEKI_FLUSH_CONCURRENCY must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: KISEKI_MAX_RETRIES must not be negative")
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("config: KISEKI_RETRY_BASE_DELAY must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
