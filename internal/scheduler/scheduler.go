// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

// Package scheduler drives all periodic ingestion work. Each tick it
// enumerates connected accounts and dispatches one-time backfills,
// incremental polls, and an enrichment pass through bounded worker
// pools, recording every execution through the job tracker.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dstanley/auricle/internal/checkpoint"
	"github.com/dstanley/auricle/internal/config"
	"github.com/dstanley/auricle/internal/importer"
	"github.com/dstanley/auricle/internal/jobs"
	"github.com/dstanley/auricle/internal/logging"
	"github.com/dstanley/auricle/internal/metrics"
	"github.com/dstanley/auricle/internal/models"
	"github.com/dstanley/auricle/internal/storage"
	"github.com/dstanley/auricle/internal/streaming"
)

// HistoryAPI is the slice of the streaming client the scheduler uses.
type HistoryAPI interface {
	FetchPlays(ctx context.Context, account *models.Account, q streaming.HistoryQuery) (*streaming.HistoryPage, error)
	GetTrackAttributes(ctx context.Context, account *models.Account, trackURI string) (*models.TrackAttributes, error)
}

// Storage is the slice of the storage layer the scheduler uses.
type Storage interface {
	ListConnectedAccounts(ctx context.Context) ([]*models.Account, error)
	InsertPlays(ctx context.Context, accountID string, records []models.PlayRecord) (storage.BatchResult, error)
	SetInitialSynced(ctx context.Context, id string, at time.Time) error
	ListTracksMissingAttributes(ctx context.Context, limit int) ([]storage.TrackRef, error)
	UpdateTrackAttributes(ctx context.Context, attrs *models.TrackAttributes) error
}

// Scheduler owns the run loop. One instance per process; checkpoint
// single-writer-per-key is enforced here via single-flight dispatch,
// not by the checkpoint store.
type Scheduler struct {
	cfg          config.SyncConfig
	jobRetention time.Duration

	store       Storage
	checkpoints checkpoint.Store
	tracker     *jobs.Tracker
	api         HistoryAPI
	normalizer  *importer.Normalizer

	mu       sync.Mutex
	inflight map[string]bool

	// now is swappable for tests.
	now func() time.Time
}

// New builds a Scheduler.
func New(cfg config.SyncConfig, jobRetention time.Duration, store Storage, checkpoints checkpoint.Store, tracker *jobs.Tracker, api HistoryAPI, normalizer *importer.Normalizer) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		jobRetention: jobRetention,
		store:        store,
		checkpoints:  checkpoints,
		tracker:      tracker,
		api:          api,
		normalizer:   normalizer,
		inflight:     make(map[string]bool),
		now:          time.Now,
	}
}

// Serve ticks until the context is canceled. Account-level failures
// are recorded and isolated; an infrastructure failure (storage
// unreachable) is returned so the supervisor restarts the service.
// Implements suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	logging.Info().Dur("interval", s.cfg.Interval).Msg("Run loop started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			return fmt.Errorf("run loop: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one full scheduling cycle: backfills for accounts that
// have never completed one, polls for the rest, then one enrichment
// pass and job-run pruning.
func (s *Scheduler) Tick(ctx context.Context) error {
	accounts, err := s.store.ListConnectedAccounts(ctx)
	if err != nil {
		// Can't even enumerate accounts; nothing useful left to do.
		return err
	}

	var backfill, poll []*models.Account
	for _, account := range accounts {
		if account.InitialSyncedAt == nil {
			backfill = append(backfill, account)
		} else {
			poll = append(poll, account)
		}
	}

	if err := s.dispatch(ctx, backfill, models.JobKindInitialSync, s.runBackfill); err != nil {
		return err
	}
	if err := s.dispatch(ctx, poll, models.JobKindPoll, s.runPoll); err != nil {
		return err
	}

	// Enrichment needs a token; any connected account will do.
	if len(accounts) > 0 {
		if err := s.guard(ctx, accounts[0], models.JobKindEnrich, s.runEnrich); err != nil && isInfraErr(err) {
			return err
		}
	}

	if _, err := s.tracker.Prune(ctx, s.jobRetention); err != nil && isInfraErr(err) {
		return err
	}
	return nil
}

type accountJob func(ctx context.Context, account *models.Account) error

// dispatch runs one job per account through a pool bounded by the
// configured concurrency. Per-account errors are already recorded by
// the time they surface here; only infrastructure failures propagate.
func (s *Scheduler) dispatch(ctx context.Context, accounts []*models.Account, kind models.JobKind, job accountJob) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.BackfillConcurrency)

	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			break
		}
		account := account
		g.Go(func() error {
			err := s.guard(gctx, account, kind, job)
			if isInfraErr(err) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// guard enforces single-flight per (account, kind) and wraps the job
// in tracker bookkeeping. Non-infra errors are swallowed after being
// recorded so one account cannot abort the tick for the others.
func (s *Scheduler) guard(ctx context.Context, account *models.Account, kind models.JobKind, job accountJob) error {
	key := account.ID + "/" + string(kind)

	s.mu.Lock()
	if s.inflight[key] {
		s.mu.Unlock()
		logging.Debug().Str("key", key).Msg("Job still in flight, skipping")
		return nil
	}
	s.inflight[key] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
	}()

	err := job(ctx, account)
	if err == nil || isInfraErr(err) {
		return err
	}

	logging.Warn().Err(err).
		Str("account_id", account.ID).
		Str("kind", string(kind)).
		Msg("Job failed")
	return nil
}

// isInfraErr reports whether the failure belongs to the surrounding
// infrastructure rather than one account's work.
func isInfraErr(err error) bool {
	return err != nil && (errors.Is(err, storage.ErrUnavailable) || errors.Is(err, context.Canceled))
}

// runPoll fetches everything newer than the account's checkpoint, page
// by page, persisting each page before advancing the cursor.
func (s *Scheduler) runPoll(ctx context.Context, account *models.Account) error {
	run, err := s.tracker.StartJob(ctx, account.ID, models.JobKindPoll)
	if err != nil {
		return err
	}
	var counters jobs.Counters

	cur, err := s.checkpoints.Read(ctx, account.ID, models.JobKindPoll)
	if err != nil {
		return s.fail(ctx, run, counters, err)
	}

	afterMs := int64(0)
	if !cur.IsZero() {
		afterMs = cur.PlayedAt.UnixMilli()
	}

	for {
		if err := ctx.Err(); err != nil {
			return s.fail(ctx, run, counters, err)
		}

		page, err := s.api.FetchPlays(ctx, account, streaming.HistoryQuery{
			AfterMs: afterMs,
			Limit:   s.cfg.PageSize,
		})
		if err != nil {
			return s.fail(ctx, run, counters, err)
		}
		if len(page.Records) == 0 {
			break
		}

		batch, err := s.persist(ctx, account, page.Records, "api-poll", models.JobKindPoll)
		counters.Add(batch)
		if err != nil {
			return s.fail(ctx, run, counters, err)
		}

		if page.NextAfterMs == 0 || page.NextAfterMs <= afterMs {
			break
		}
		afterMs = page.NextAfterMs
	}

	return s.tracker.CompleteJob(ctx, run, counters)
}

// runBackfill walks the account's history backwards until the lookback
// horizon, the request budget, or the start of history. Inserts are
// idempotent, so a failed backfill simply restarts on a later tick.
// On completion the poll checkpoint sits at the newest observed play
// and the account is stamped initial-synced.
func (s *Scheduler) runBackfill(ctx context.Context, account *models.Account) error {
	run, err := s.tracker.StartJob(ctx, account.ID, models.JobKindInitialSync)
	if err != nil {
		return err
	}
	var counters jobs.Counters

	horizon := s.now().AddDate(0, 0, -s.cfg.BackfillLookbackDays)
	beforeMs := s.now().UnixMilli()

	for requests := 0; requests < s.cfg.BackfillMaxRequests; requests++ {
		if err := ctx.Err(); err != nil {
			return s.fail(ctx, run, counters, err)
		}

		page, err := s.api.FetchPlays(ctx, account, streaming.HistoryQuery{
			BeforeMs: beforeMs,
			Limit:    s.cfg.PageSize,
		})
		if err != nil {
			return s.fail(ctx, run, counters, err)
		}
		if len(page.Records) == 0 {
			break
		}

		batch, err := s.persist(ctx, account, page.Records, "api-backfill", models.JobKindPoll)
		counters.Add(batch)
		if err != nil {
			return s.fail(ctx, run, counters, err)
		}

		oldest := oldestPlayedAt(page.Records)
		if oldest.Before(horizon) {
			break
		}
		if page.NextBeforeMs == 0 || page.NextBeforeMs >= beforeMs {
			break
		}
		beforeMs = page.NextBeforeMs
	}

	if err := s.store.SetInitialSynced(ctx, account.ID, s.now().UTC()); err != nil {
		return s.fail(ctx, run, counters, err)
	}
	return s.tracker.CompleteJob(ctx, run, counters)
}

// persist stores one page and advances the checkpoint afterwards, in
// that order.
func (s *Scheduler) persist(ctx context.Context, account *models.Account, records []models.PlayRecord, source string, kind models.JobKind) (jobs.Counters, error) {
	for i := range records {
		records[i].Source = source
	}

	counters := jobs.Counters{Fetched: int64(len(records))}
	result, err := s.store.InsertPlays(ctx, account.ID, records)
	if err != nil {
		return counters, err
	}
	counters.Inserted = result.Inserted
	counters.Skipped = result.Skipped

	metrics.RecordsIngested.WithLabelValues(source, "inserted").Add(float64(result.Inserted))
	metrics.RecordsIngested.WithLabelValues(source, "skipped").Add(float64(result.Skipped))

	// Data first, checkpoint second: a crash in between refetches an
	// overlap, which dedup absorbs.
	if !result.MaxPlayedAt.IsZero() {
		if _, err := s.checkpoints.Advance(ctx, account.ID, kind, result.MaxPlayedAt); err != nil {
			return counters, err
		}
	}
	return counters, nil
}

// runEnrich fetches audio attributes for a bounded batch of tracks
// that are missing them. Individual track failures are counted and
// skipped; auth and infra failures abort the pass.
func (s *Scheduler) runEnrich(ctx context.Context, account *models.Account) error {
	refs, err := s.store.ListTracksMissingAttributes(ctx, s.cfg.EnrichBatchSize)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		return nil
	}

	run, err := s.tracker.StartJob(ctx, account.ID, models.JobKindEnrich)
	if err != nil {
		return err
	}
	var counters jobs.Counters

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return s.fail(ctx, run, counters, err)
		}
		counters.Fetched++

		attrs, err := s.api.GetTrackAttributes(ctx, account, ref.URI)
		if err != nil {
			var reqErr *streaming.RequestError
			if errors.As(err, &reqErr) {
				// The catalog has no attributes for this track; leave it
				// for a later pass rather than failing the batch.
				counters.Skipped++
				continue
			}
			return s.fail(ctx, run, counters, err)
		}

		attrs.TrackID = ref.ID
		if err := s.store.UpdateTrackAttributes(ctx, attrs); err != nil {
			return s.fail(ctx, run, counters, err)
		}
		counters.Inserted++
	}

	return s.tracker.CompleteJob(ctx, run, counters)
}

// fail finalizes the run as failed and passes the cause through.
func (s *Scheduler) fail(ctx context.Context, run *jobs.JobRun, counters jobs.Counters, cause error) error {
	s.failRun(ctx, run, counters, cause)
	return cause
}

func (s *Scheduler) failRun(ctx context.Context, run *jobs.JobRun, counters jobs.Counters, cause error) {
	if run.Status.Terminal() {
		return
	}
	if err := s.tracker.FailJob(ctx, run, counters, cause); err != nil {
		logging.Error().Err(err).Str("job_id", run.ID).Msg("Failed to finalize job run")
	}
}

// ImportArchive normalizes an export archive into storage as an
// import_zip job. Archives carry no account context of their own, so
// plays are attributed to the first connected account, or a local
// placeholder when none is connected yet.
func (s *Scheduler) ImportArchive(ctx context.Context, path string) error {
	accountID := "local-import"
	if accounts, err := s.store.ListConnectedAccounts(ctx); err != nil {
		return err
	} else if len(accounts) > 0 {
		accountID = accounts[0].ID
	}

	return s.guard(ctx, &models.Account{ID: accountID}, models.JobKindImportZip,
		func(ctx context.Context, account *models.Account) error {
			return s.runImport(ctx, account.ID, path)
		})
}

func (s *Scheduler) runImport(ctx context.Context, accountID, path string) error {
	run, err := s.tracker.StartJob(ctx, accountID, models.JobKindImportZip)
	if err != nil {
		return err
	}
	var counters jobs.Counters

	// Name-derived archive id correlates re-imports of the same file
	// across job runs.
	archiveID := uuid.NewSHA1(uuid.NameSpaceURL, []byte(filepath.Base(path))).String()
	logging.Info().
		Str("job_id", run.ID).
		Str("archive_id", archiveID).
		Str("archive", path).
		Msg("Importing archive")

	stats, err := s.normalizer.Import(ctx, path, func(batch []models.PlayRecord) error {
		result, insertErr := s.store.InsertPlays(ctx, accountID, batch)
		if insertErr != nil {
			return insertErr
		}
		counters.Fetched += int64(len(batch))
		counters.Inserted += result.Inserted
		counters.Skipped += result.Skipped
		metrics.RecordsIngested.WithLabelValues("archive", "inserted").Add(float64(result.Inserted))
		metrics.RecordsIngested.WithLabelValues("archive", "skipped").Add(float64(result.Skipped))
		return nil
	})
	// Malformed individual records are source-level skips.
	counters.Fetched += stats.SkippedRecords
	counters.Skipped += stats.SkippedRecords
	if err != nil {
		return s.fail(ctx, run, counters, err)
	}

	return s.tracker.CompleteJob(ctx, run, counters)
}

func oldestPlayedAt(records []models.PlayRecord) time.Time {
	oldest := records[0].PlayedAt
	for _, rec := range records[1:] {
		if rec.PlayedAt.Before(oldest) {
			oldest = rec.PlayedAt
		}
	}
	return oldest
}
