// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dstanley/auricle/internal/logging"
	"github.com/dstanley/auricle/internal/metrics"
	"github.com/dstanley/auricle/internal/models"
)

// Tracker wraps a Store with the job-run lifecycle: start, then exactly
// one of complete or fail. It also feeds the job metrics.
type Tracker struct {
	store Store

	// now is swappable for tests.
	now func() time.Time
}

// NewTracker returns a Tracker writing through the given store.
func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// StartJob records a new running job and returns its handle.
func (t *Tracker) StartJob(ctx context.Context, accountID string, kind models.JobKind) (*JobRun, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("start job: invalid kind %q", kind)
	}

	run := &JobRun{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Kind:      kind,
		Status:    models.JobStatusRunning,
		StartedAt: t.now().UTC(),
	}
	if err := t.store.InsertRun(ctx, run); err != nil {
		return nil, err
	}

	logging.Debug().
		Str("job_id", run.ID).
		Str("account_id", accountID).
		Str("kind", string(kind)).
		Msg("Job started")

	return run, nil
}

// CompleteJob finalizes a run as successful with its counters.
func (t *Tracker) CompleteJob(ctx context.Context, run *JobRun, counters Counters) error {
	return t.finalize(ctx, run, models.JobStatusSuccess, counters, nil)
}

// FailJob finalizes a run as failed, preserving any counters accumulated
// before the failure.
func (t *Tracker) FailJob(ctx context.Context, run *JobRun, counters Counters, jobErr error) error {
	return t.finalize(ctx, run, models.JobStatusError, counters, jobErr)
}

func (t *Tracker) finalize(ctx context.Context, run *JobRun, status models.JobStatus, counters Counters, jobErr error) error {
	if run.Status.Terminal() {
		return fmt.Errorf("job run %s already finalized as %s", run.ID, run.Status)
	}

	finished := t.now().UTC()
	run.Status = status
	run.FinishedAt = &finished
	run.Counters = counters
	if jobErr != nil {
		run.Error = jobErr.Error()
	}

	if err := t.store.FinalizeRun(ctx, run); err != nil {
		return err
	}

	metrics.JobsCompleted.WithLabelValues(string(run.Kind), string(status)).Inc()
	metrics.JobDuration.WithLabelValues(string(run.Kind)).Observe(run.Duration().Seconds())

	evt := logging.Info()
	if status == models.JobStatusError {
		evt = logging.Warn().Str("error", run.Error)
	}
	evt.
		Str("job_id", run.ID).
		Str("account_id", run.AccountID).
		Str("kind", string(run.Kind)).
		Str("status", string(status)).
		Dur("duration", run.Duration()).
		Int64("fetched", counters.Fetched).
		Int64("inserted", counters.Inserted).
		Int64("skipped", counters.Skipped).
		Msg("Job finished")

	return nil
}

// Prune deletes terminal runs older than the retention window. A zero
// retention keeps runs forever.
func (t *Tracker) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := t.now().UTC().Add(-retention)
	deleted, err := t.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		logging.Debug().Int64("deleted", deleted).Time("cutoff", cutoff).
			Msg("Pruned job runs")
	}
	return deleted, nil
}

// ListRuns exposes the store's listing for operational inspection.
func (t *Tracker) ListRuns(ctx context.Context, accountID string, limit int) ([]*JobRun, error) {
	return t.store.ListRuns(ctx, accountID, limit)
}
