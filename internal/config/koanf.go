// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/auricle/config.yaml",
	"/etc/auricle/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix namespaces the environment variables consumed by the collector.
const envPrefix = "AURICLE_"

// Load builds the configuration by layering defaults, an optional YAML
// config file, and AURICLE_* environment variables, then validates the
// result.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: struct defaults.
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// Layer 2: optional YAML config file.
	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Layer 3: environment variables.
	// AURICLE_SYNC_INTERVAL=1m maps to sync.interval, etc.
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// findConfigFile returns the first existing config file path, honoring the
// CONFIG_PATH override. Empty string means no file (defaults + env only).
func findConfigFile() string {
	if override := os.Getenv(ConfigPathEnvVar); override != "" {
		return override
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envKeyMapper maps AURICLE_* environment variable names to config keys.
func envKeyMapper(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))

	mappings := map[string]string{
		// Database
		"duckdb_path":       "database.path",
		"duckdb_max_memory": "database.max_memory",
		"duckdb_threads":    "database.threads",

		// Checkpoint store
		"checkpoint_path": "checkpoint.path",

		// Vault
		"vault_master_key": "vault.master_key",

		// Streaming API
		"api_base_url":        "streaming.base_url",
		"api_token_url":       "streaming.token_url",
		"api_client_id":       "streaming.client_id",
		"api_client_secret":   "streaming.client_secret",
		"api_timeout":         "streaming.timeout",
		"token_expiry_buffer": "streaming.token_expiry_buffer",
		"retry_attempts":      "streaming.retry_attempts",
		"retry_base_delay":    "streaming.retry_base_delay",
		"max_inflight":        "streaming.max_inflight",
		"rate_per_second":     "streaming.rate_per_second",

		// Sync loop
		"sync_interval":          "sync.interval",
		"sync_page_size":         "sync.page_size",
		"backfill_lookback_days": "sync.backfill_lookback_days",
		"backfill_max_requests":  "sync.backfill_max_requests",
		"backfill_concurrency":   "sync.backfill_concurrency",
		"enrich_batch_size":      "sync.enrich_batch_size",

		// Import
		"import_watch_dir":         "import.watch_dir",
		"import_batch_size":        "import.batch_size",
		"import_max_archive_bytes": "import.max_archive_bytes",
		"import_max_records":       "import.max_records",

		// Jobs
		"job_retention": "jobs.retention",

		// Metrics
		"metrics_addr": "metrics.addr",

		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := mappings[key]; ok {
		return mapped
	}

	// Unmapped keys are skipped so unrelated environment variables cannot
	// pollute the configuration.
	return ""
}
