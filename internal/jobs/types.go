// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

// Package jobs records an append-only audit trail of background job
// executions: polls, backfills, enrichment passes, and archive imports.
package jobs

import (
	"time"

	"github.com/dstanley/auricle/internal/models"
)

// Counters summarizes what a job run accomplished.
type Counters struct {
	// Fetched counts records pulled from the source (API or archive).
	Fetched int64 `json:"fetched"`

	// Inserted counts records newly persisted.
	Inserted int64 `json:"inserted"`

	// Skipped counts records already present or individually invalid.
	Skipped int64 `json:"skipped"`
}

// Add accumulates another batch's counters.
func (c *Counters) Add(other Counters) {
	c.Fetched += other.Fetched
	c.Inserted += other.Inserted
	c.Skipped += other.Skipped
}

// JobRun is one execution of a background job. Rows are written when
// the job starts and finalized exactly once with a terminal status.
type JobRun struct {
	ID         string           `json:"id"`
	AccountID  string           `json:"account_id"`
	Kind       models.JobKind   `json:"kind"`
	Status     models.JobStatus `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Counters   Counters         `json:"counters"`

	// Error holds the failure message for error runs, empty otherwise.
	Error string `json:"error,omitempty"`
}

// Duration returns the wall-clock run time, zero while still running.
func (r *JobRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
