// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dstanley/auricle/internal/models"
)

// DuckDBStore persists job runs in the collector's DuckDB database.
type DuckDBStore struct {
	db *sql.DB
}

// NewDuckDBStore creates the job_runs table if needed and returns a store
// backed by the given database handle. The handle is shared with the
// play storage layer and not closed here.
func NewDuckDBStore(ctx context.Context, db *sql.DB) (*DuckDBStore, error) {
	const schema = `
		CREATE TABLE IF NOT EXISTS job_runs (
			id          VARCHAR PRIMARY KEY,
			account_id  VARCHAR NOT NULL,
			kind        VARCHAR NOT NULL,
			status      VARCHAR NOT NULL,
			started_at  TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			fetched     BIGINT NOT NULL DEFAULT 0,
			inserted    BIGINT NOT NULL DEFAULT 0,
			skipped     BIGINT NOT NULL DEFAULT 0,
			error       VARCHAR NOT NULL DEFAULT ''
		)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create job_runs table: %w", err)
	}
	return &DuckDBStore{db: db}, nil
}

// InsertRun implements Store.
func (s *DuckDBStore) InsertRun(ctx context.Context, run *JobRun) error {
	const query = `
		INSERT INTO job_runs (id, account_id, kind, status, started_at, fetched, inserted, skipped, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.AccountID, string(run.Kind), string(run.Status), run.StartedAt,
		run.Counters.Fetched, run.Counters.Inserted, run.Counters.Skipped, run.Error)
	if err != nil {
		return fmt.Errorf("insert job run %s: %w", run.ID, err)
	}
	return nil
}

// FinalizeRun implements Store.
func (s *DuckDBStore) FinalizeRun(ctx context.Context, run *JobRun) error {
	const query = `
		UPDATE job_runs
		SET status = ?, finished_at = ?, fetched = ?, inserted = ?, skipped = ?, error = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query,
		string(run.Status), run.FinishedAt,
		run.Counters.Fetched, run.Counters.Inserted, run.Counters.Skipped,
		run.Error, run.ID)
	if err != nil {
		return fmt.Errorf("finalize job run %s: %w", run.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finalize job run %s: not found", run.ID)
	}
	return nil
}

// ListRuns implements Store.
func (s *DuckDBStore) ListRuns(ctx context.Context, accountID string, limit int) ([]*JobRun, error) {
	query := `
		SELECT id, account_id, kind, status, started_at, finished_at, fetched, inserted, skipped, error
		FROM job_runs`
	args := []any{}
	if accountID != "" {
		query += " WHERE account_id = ?"
		args = append(args, accountID)
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	defer rows.Close()

	var out []*JobRun
	for rows.Next() {
		var (
			run        JobRun
			kind       string
			status     string
			finishedAt sql.NullTime
		)
		if err := rows.Scan(&run.ID, &run.AccountID, &kind, &status, &run.StartedAt, &finishedAt,
			&run.Counters.Fetched, &run.Counters.Inserted, &run.Counters.Skipped, &run.Error); err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		run.Kind = models.JobKind(kind)
		run.Status = models.JobStatus(status)
		if finishedAt.Valid {
			t := finishedAt.Time
			run.FinishedAt = &t
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}

// DeleteOlderThan implements Store.
func (s *DuckDBStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM job_runs WHERE started_at < ? AND status <> ?`
	res, err := s.db.ExecContext(ctx, query, cutoff, string(models.JobStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("prune job runs: %w", err)
	}
	return res.RowsAffected()
}
