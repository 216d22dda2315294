// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

// Package main is the entry point for the Auricle collector.
//
// Auricle ingests a user's listening history from a streaming service
// and from bulk export archives, normalizes it into a canonical schema,
// and keeps it incrementally up to date.
//
// # Application Architecture
//
// The collector initializes components in the following order:
//
//  1. Configuration: settings from environment variables and config files (Koanf v2)
//  2. Storage: DuckDB for plays/tracks/artists/accounts, BadgerDB for checkpoints
//  3. Credential vault: AES-GCM sealing of refresh credentials at rest
//  4. Streaming client: token refresh, rate limiting, retries, circuit breaker
//  5. Scheduler: periodic polls, bounded backfills, enrichment, job auditing
//  6. Archive watcher (optional): imports export archives dropped in a directory
//  7. Supervisor tree: restarts any of the above on infrastructure failure
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): AURICLE_* environment variables, a config file
// (config.yaml or CONFIG_PATH), and built-in defaults. Required values:
//
//	export AURICLE_VAULT_MASTER_KEY=$(head -c32 /dev/urandom | base64)
//	export AURICLE_API_BASE_URL=https://api.example-streaming.com/v1
//	export AURICLE_API_TOKEN_URL=https://accounts.example-streaming.com/api/token
//	export AURICLE_API_CLIENT_ID=...
//	export AURICLE_API_CLIENT_SECRET=...
//
// # Signal Handling
//
// The collector shuts down gracefully on SIGINT and SIGTERM. Work is
// interrupted only at batch boundaries, so every persisted batch has a
// matching checkpoint state.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dstanley/auricle/internal/checkpoint"
	"github.com/dstanley/auricle/internal/config"
	"github.com/dstanley/auricle/internal/importer"
	"github.com/dstanley/auricle/internal/jobs"
	"github.com/dstanley/auricle/internal/logging"
	"github.com/dstanley/auricle/internal/metrics"
	"github.com/dstanley/auricle/internal/scheduler"
	"github.com/dstanley/auricle/internal/storage"
	"github.com/dstanley/auricle/internal/streaming"
	"github.com/dstanley/auricle/internal/supervisor"
	"github.com/dstanley/auricle/internal/vault"
)

func main() {
	// Load configuration first to get logging settings.
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("db_path", cfg.Database.Path).
		Dur("sync_interval", cfg.Sync.Interval).
		Msg("Starting Auricle collector")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokenVault, err := vault.New(cfg.Vault.MasterKey)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize credential vault")
	}

	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()

	checkpoints, err := checkpoint.NewBadgerStore(checkpoint.Options{
		Path:     cfg.Checkpoint.Path,
		InMemory: cfg.Checkpoint.InMemory,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open checkpoint store")
	}
	defer func() {
		if err := checkpoints.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing checkpoint store")
		}
	}()

	jobStore, err := jobs.NewDuckDBStore(ctx, db.Conn())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize job store")
	}
	tracker := jobs.NewTracker(jobStore)

	tokens := streaming.NewTokenManager(streaming.TokenManagerConfig{
		TokenURL:     cfg.Streaming.TokenURL,
		ClientID:     cfg.Streaming.ClientID,
		ClientSecret: cfg.Streaming.ClientSecret,
		ExpiryBuffer: cfg.Streaming.TokenExpiryBuffer,
	}, tokenVault, db, &http.Client{Timeout: cfg.Streaming.Timeout})

	client := streaming.NewClient(cfg.Streaming, tokens, db)
	normalizer := importer.NewNormalizer(cfg.Import)
	sched := scheduler.New(cfg.Sync, cfg.Jobs.Retention, db, checkpoints, tracker, client, normalizer)

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddIngestService(sched)

	if cfg.Metrics.Addr != "" {
		tree.AddIngestService(metrics.NewServer(cfg.Metrics.Addr))
	}

	if cfg.Import.WatchDir != "" {
		watcher := importer.NewWatcher(cfg.Import.WatchDir, func(ctx context.Context, path string) {
			if err := sched.ImportArchive(ctx, path); err != nil {
				logging.Error().Err(err).Str("archive", path).Msg("Archive import failed")
				return
			}
			// Move the archive aside so restarts do not re-import it.
			if err := os.Rename(path, path+".imported"); err != nil {
				logging.Warn().Err(err).Str("archive", path).Msg("Could not rename imported archive")
			}
		})
		tree.AddArchiveService(watcher)
	}

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal().Err(err).Msg("Supervisor tree terminated")
	}

	logging.Info().Msg("Collector stopped")
}
