// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

// Package config loads and validates the collector configuration.
// Values are layered: struct defaults, then an optional YAML file, then
// environment variables. No component reads configuration globally; the
// loaded Config is constructed once in main and passed down explicitly.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the collector process.
type Config struct {
	Database   DatabaseConfig   `koanf:"database"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Vault      VaultConfig      `koanf:"vault"`
	Streaming  StreamingConfig  `koanf:"streaming"`
	Sync       SyncConfig       `koanf:"sync"`
	Import     ImportConfig     `koanf:"import"`
	Jobs       JobsConfig       `koanf:"jobs"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables the listener.
	Addr string `koanf:"addr"`
}

// DatabaseConfig configures the DuckDB storage file.
type DatabaseConfig struct {
	// Path is the DuckDB database file location.
	Path string `koanf:"path" validate:"required"`

	// MaxMemory is the DuckDB memory limit (e.g. "1GB").
	MaxMemory string `koanf:"max_memory"`

	// Threads is the DuckDB thread count; 0 means use all CPUs.
	Threads int `koanf:"threads" validate:"gte=0"`
}

// CheckpointConfig configures the BadgerDB checkpoint store.
type CheckpointConfig struct {
	// Path is the Badger directory. Ignored when InMemory is set.
	Path string `koanf:"path"`

	// InMemory runs Badger without persistence. Test/dev only.
	InMemory bool `koanf:"in_memory"`
}

// VaultConfig configures refresh-credential encryption at rest.
type VaultConfig struct {
	// MasterKey is the base64-encoded master encryption key
	// (at least 16 bytes of entropy; 32 recommended).
	MasterKey string `koanf:"master_key" validate:"required"`
}

// StreamingConfig configures the external streaming-service API client.
type StreamingConfig struct {
	// BaseURL is the API root, e.g. "https://api.example-streaming.com/v1".
	BaseURL string `koanf:"base_url" validate:"required,url"`

	// TokenURL is the OAuth token endpoint used for refresh grants.
	TokenURL string `koanf:"token_url" validate:"required,url"`

	// ClientID and ClientSecret authenticate the refresh grant.
	ClientID     string `koanf:"client_id" validate:"required"`
	ClientSecret string `koanf:"client_secret" validate:"required"`

	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`

	// TokenExpiryBuffer triggers a proactive refresh when the cached access
	// credential is within this duration of expiring.
	TokenExpiryBuffer time.Duration `koanf:"token_expiry_buffer" validate:"gte=0"`

	// RetryAttempts caps retries for rate-limited and 5xx responses.
	RetryAttempts int `koanf:"retry_attempts" validate:"gte=0"`

	// RetryBaseDelay is the base delay for exponential backoff.
	RetryBaseDelay time.Duration `koanf:"retry_base_delay" validate:"gt=0"`

	// MaxInflight caps simultaneously in-flight requests process-wide.
	MaxInflight int `koanf:"max_inflight" validate:"gt=0"`

	// RatePerSecond is the global request budget; 0 disables throttling.
	RatePerSecond float64 `koanf:"rate_per_second" validate:"gte=0"`
}

// SyncConfig configures the scheduling loop.
type SyncConfig struct {
	// Interval is the tick interval for the run loop.
	Interval time.Duration `koanf:"interval" validate:"gt=0"`

	// PageSize is the page length requested from the history endpoints.
	PageSize int `koanf:"page_size" validate:"gt=0,lte=50"`

	// BackfillLookbackDays bounds how far the initial sync reaches back.
	BackfillLookbackDays int `koanf:"backfill_lookback_days" validate:"gt=0"`

	// BackfillMaxRequests bounds the API requests a single backfill may issue.
	BackfillMaxRequests int `koanf:"backfill_max_requests" validate:"gt=0"`

	// BackfillConcurrency is the worker-pool width for cross-account
	// backfills. Process-wide, not per account.
	BackfillConcurrency int `koanf:"backfill_concurrency" validate:"gt=0"`

	// EnrichBatchSize bounds tracks enriched per cycle.
	EnrichBatchSize int `koanf:"enrich_batch_size" validate:"gt=0"`
}

// ImportConfig configures bulk export archive imports.
type ImportConfig struct {
	// WatchDir is scanned for newly arrived export archives.
	// Empty disables the watcher.
	WatchDir string `koanf:"watch_dir"`

	// BatchSize is the number of normalized records delivered per batch.
	BatchSize int `koanf:"batch_size" validate:"gt=0"`

	// MaxArchiveBytes is the compressed-size ceiling; larger archives are
	// rejected before any parsing.
	MaxArchiveBytes int64 `koanf:"max_archive_bytes" validate:"gt=0"`

	// MaxRecords is the total record ceiling across the archive.
	MaxRecords int64 `koanf:"max_records" validate:"gt=0"`
}

// JobsConfig configures the job-run audit trail.
type JobsConfig struct {
	// Retention prunes job runs older than this age; 0 keeps them forever.
	Retention time.Duration `koanf:"retention" validate:"gte=0"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal disabled"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied.
// Defaults are overridden by config file values, then environment variables.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:      "/data/auricle.duckdb",
			MaxMemory: "1GB",
			Threads:   0, // 0 = use runtime.NumCPU()
		},
		Checkpoint: CheckpointConfig{
			Path:     "/data/checkpoints",
			InMemory: false,
		},
		Vault: VaultConfig{
			MasterKey: "",
		},
		Streaming: StreamingConfig{
			BaseURL:           "",
			TokenURL:          "",
			ClientID:          "",
			ClientSecret:      "",
			Timeout:           30 * time.Second,
			TokenExpiryBuffer: 2 * time.Minute,
			RetryAttempts:     3,
			RetryBaseDelay:    1 * time.Second,
			MaxInflight:       4,
			RatePerSecond:     10,
		},
		Sync: SyncConfig{
			Interval:             5 * time.Minute,
			PageSize:             50,
			BackfillLookbackDays: 365,
			BackfillMaxRequests:  500,
			BackfillConcurrency:  2,
			EnrichBatchSize:      100,
		},
		Import: ImportConfig{
			WatchDir:        "",
			BatchSize:       2000,
			MaxArchiveBytes: 512 << 20, // 512MB
			MaxRecords:      5_000_000,
		},
		Jobs: JobsConfig{
			Retention: 90 * 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate checks the configuration against its struct tags plus the
// cross-field rules that tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	// The expiry buffer must leave room for at least one request to run.
	if c.Streaming.TokenExpiryBuffer >= time.Hour {
		return fmt.Errorf("config validation: streaming.token_expiry_buffer %s exceeds access token lifetime", c.Streaming.TokenExpiryBuffer)
	}

	return nil
}
