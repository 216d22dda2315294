// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

// Package storage persists accounts, plays, tracks, and artists in a
// DuckDB database. It is the collector's durability boundary: the
// scheduler advances checkpoints only after a batch has committed here.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/dstanley/auricle/internal/config"
	"github.com/dstanley/auricle/internal/logging"
)

// ErrUnavailable marks failures of the database itself, as opposed to
// bad input. Callers treat it as an infrastructure fault and escalate
// instead of marking individual work items failed.
var ErrUnavailable = errors.New("storage unavailable")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps the DuckDB connection and provides data access methods.
type DB struct {
	conn *sql.DB
}

// Open creates the database connection, applies tuning options, and
// initializes the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	// Ensure the parent directory exists so first boot on an empty volume
	// does not fail with "No such file or directory".
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
		cfg.Path, threads, cfg.MaxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", errors.Join(ErrUnavailable, err))
	}

	// DuckDB is an embedded single-writer engine; a small pool avoids
	// write contention without starving reads.
	conn.SetMaxOpenConns(4)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", errors.Join(ErrUnavailable, err))
	}

	db := &DB{conn: conn}
	if err := db.initSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	logging.Info().Str("path", cfg.Path).Int("threads", threads).
		Msg("Database opened")

	return db, nil
}

// Conn exposes the underlying handle for components that share the
// database file, like the job-run store.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id                      VARCHAR PRIMARY KEY,
			display_name            VARCHAR NOT NULL DEFAULT '',
			status                  VARCHAR NOT NULL,
			encrypted_refresh_token VARCHAR NOT NULL DEFAULT '',
			initial_synced_at       TIMESTAMP,
			created_at              TIMESTAMP NOT NULL,
			updated_at              TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS artists (
			id   VARCHAR PRIMARY KEY,
			name VARCHAR NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tracks (
			id           VARCHAR PRIMARY KEY,
			name         VARCHAR NOT NULL,
			artist_id    VARCHAR NOT NULL,
			album_name   VARCHAR NOT NULL DEFAULT '',
			track_uri    VARCHAR NOT NULL DEFAULT '',
			duration_ms  BIGINT,
			tempo        DOUBLE,
			energy       DOUBLE,
			valence      DOUBLE,
			danceability DOUBLE,
			enriched_at  TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS plays (
			id         VARCHAR PRIMARY KEY,
			account_id VARCHAR NOT NULL,
			track_id   VARCHAR NOT NULL,
			played_at  TIMESTAMP NOT NULL,
			ms_played  BIGINT NOT NULL,
			source     VARCHAR NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_plays_account_time ON plays (account_id, played_at)`,
		`CREATE INDEX IF NOT EXISTS idx_plays_track ON plays (track_id)`,
	}

	for _, stmt := range statements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", errors.Join(ErrUnavailable, err))
		}
	}
	return nil
}
