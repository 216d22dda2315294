// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

package scheduler

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dstanley/auricle/internal/checkpoint"
	"github.com/dstanley/auricle/internal/config"
	"github.com/dstanley/auricle/internal/importer"
	"github.com/dstanley/auricle/internal/jobs"
	"github.com/dstanley/auricle/internal/models"
	"github.com/dstanley/auricle/internal/storage"
	"github.com/dstanley/auricle/internal/streaming"
)

type fakeStorage struct {
	mu       sync.Mutex
	accounts []*models.Account
	seen     map[string]bool
	synced   []string
	refs     []storage.TrackRef
	updated  []*models.TrackAttributes

	insertErr error
	listErr   error
}

func newFakeStorage(accounts ...*models.Account) *fakeStorage {
	return &fakeStorage{accounts: accounts, seen: make(map[string]bool)}
}

func (f *fakeStorage) ListConnectedAccounts(context.Context) ([]*models.Account, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.accounts, nil
}

func (f *fakeStorage) InsertPlays(_ context.Context, accountID string, records []models.PlayRecord) (storage.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return storage.BatchResult{}, f.insertErr
	}
	var result storage.BatchResult
	for _, rec := range records {
		key := accountID + "|" + rec.TrackID() + "|" + rec.PlayedAt.UTC().Format(time.RFC3339Nano)
		if f.seen[key] {
			result.Skipped++
		} else {
			f.seen[key] = true
			result.Inserted++
		}
		if rec.PlayedAt.After(result.MaxPlayedAt) {
			result.MaxPlayedAt = rec.PlayedAt.UTC()
		}
	}
	return result, nil
}

func (f *fakeStorage) SetInitialSynced(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, id)
	for _, account := range f.accounts {
		if account.ID == id {
			now := time.Now()
			account.InitialSyncedAt = &now
		}
	}
	return nil
}

func (f *fakeStorage) ListTracksMissingAttributes(context.Context, int) ([]storage.TrackRef, error) {
	return f.refs, nil
}

func (f *fakeStorage) UpdateTrackAttributes(_ context.Context, attrs *models.TrackAttributes) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, attrs)
	return nil
}

type fakeAPI struct {
	mu      sync.Mutex
	queries []streaming.HistoryQuery

	fetchFn func(account *models.Account, q streaming.HistoryQuery) (*streaming.HistoryPage, error)
	attrFn  func(account *models.Account, trackURI string) (*models.TrackAttributes, error)
}

func (f *fakeAPI) FetchPlays(_ context.Context, account *models.Account, q streaming.HistoryQuery) (*streaming.HistoryPage, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.fetchFn == nil {
		return &streaming.HistoryPage{}, nil
	}
	return f.fetchFn(account, q)
}

func (f *fakeAPI) GetTrackAttributes(_ context.Context, account *models.Account, trackURI string) (*models.TrackAttributes, error) {
	if f.attrFn == nil {
		return &models.TrackAttributes{TrackID: trackURI}, nil
	}
	return f.attrFn(account, trackURI)
}

func syncedAccount(id string) *models.Account {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &models.Account{
		ID:                    id,
		Status:                models.AccountStatusValid,
		EncryptedRefreshToken: "sealed",
		InitialSyncedAt:       &at,
	}
}

func newScheduler(store Storage, api HistoryAPI) (*Scheduler, *jobs.MemoryStore, checkpoint.Store) {
	jobStore := jobs.NewMemoryStore()
	cps := checkpoint.NewMemoryStore()
	cfg := config.SyncConfig{
		Interval:             time.Minute,
		PageSize:             50,
		BackfillLookbackDays: 30,
		BackfillMaxRequests:  10,
		BackfillConcurrency:  2,
		EnrichBatchSize:      10,
	}
	norm := importer.NewNormalizer(config.ImportConfig{
		BatchSize:       100,
		MaxArchiveBytes: 1 << 20,
		MaxRecords:      1000,
	})
	return New(cfg, 0, store, cps, jobs.NewTracker(jobStore), api, norm), jobStore, cps
}

func playsPage(playedAt ...time.Time) *streaming.HistoryPage {
	page := &streaming.HistoryPage{}
	for i, at := range playedAt {
		page.Records = append(page.Records, models.PlayRecord{
			TrackName:  fmt.Sprintf("Track %d", i),
			ArtistName: "Artist",
			MsPlayed:   1000,
			PlayedAt:   at,
		})
	}
	return page
}

func runStatuses(t *testing.T, jobStore *jobs.MemoryStore, kind models.JobKind) map[string]models.JobStatus {
	t.Helper()
	runs, err := jobStore.ListRuns(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	out := map[string]models.JobStatus{}
	for _, run := range runs {
		if run.Kind == kind {
			out[run.AccountID] = run.Status
		}
	}
	return out
}

func TestTick_PollAdvancesCheckpoint(t *testing.T) {
	store := newFakeStorage(syncedAccount("acct-1"))
	t1 := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(5 * time.Minute)

	api := &fakeAPI{}
	api.fetchFn = func(_ *models.Account, q streaming.HistoryQuery) (*streaming.HistoryPage, error) {
		if q.AfterMs >= t2.UnixMilli() {
			return &streaming.HistoryPage{}, nil
		}
		return playsPage(t1, t2), nil
	}

	s, jobStore, cps := newScheduler(store, api)
	ctx := context.Background()

	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	cur, err := cps.Read(ctx, "acct-1", models.JobKindPoll)
	if err != nil {
		t.Fatal(err)
	}
	if !cur.PlayedAt.Equal(t2) {
		t.Errorf("checkpoint = %v, want %v", cur.PlayedAt, t2)
	}

	// The second tick polls only after the checkpoint.
	if err := s.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	api.mu.Lock()
	last := api.queries[len(api.queries)-1]
	api.mu.Unlock()
	if last.AfterMs != t2.UnixMilli() {
		t.Errorf("second poll AfterMs = %d, want %d", last.AfterMs, t2.UnixMilli())
	}

	// Checkpoint never decreased.
	cur, err = cps.Read(ctx, "acct-1", models.JobKindPoll)
	if err != nil {
		t.Fatal(err)
	}
	if !cur.PlayedAt.Equal(t2) {
		t.Errorf("checkpoint after second tick = %v, want unchanged %v", cur.PlayedAt, t2)
	}

	statuses := runStatuses(t, jobStore, models.JobKindPoll)
	if statuses["acct-1"] != models.JobStatusSuccess {
		t.Errorf("poll run status = %s, want success", statuses["acct-1"])
	}
}

func TestTick_BackfillStampsInitialSynced(t *testing.T) {
	account := &models.Account{ID: "acct-new", Status: models.AccountStatusValid, EncryptedRefreshToken: "sealed"}
	store := newFakeStorage(account)

	recent := time.Now().UTC().Add(-time.Hour)
	served := false
	api := &fakeAPI{}
	api.fetchFn = func(_ *models.Account, q streaming.HistoryQuery) (*streaming.HistoryPage, error) {
		if q.BeforeMs == 0 {
			t.Errorf("backfill issued a forward query: %+v", q)
		}
		if served {
			return &streaming.HistoryPage{}, nil
		}
		served = true
		page := playsPage(recent.Add(-10*time.Minute), recent)
		page.NextBeforeMs = recent.Add(-10 * time.Minute).UnixMilli()
		return page, nil
	}

	s, jobStore, cps := newScheduler(store, api)
	ctx := context.Background()

	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if len(store.synced) != 1 || store.synced[0] != "acct-new" {
		t.Errorf("synced = %v, want [acct-new]", store.synced)
	}

	statuses := runStatuses(t, jobStore, models.JobKindInitialSync)
	if statuses["acct-new"] != models.JobStatusSuccess {
		t.Errorf("backfill run status = %s, want success", statuses["acct-new"])
	}

	// Backfill leaves the poll checkpoint at the newest observed play so
	// the first poll does not refetch history.
	cur, err := cps.Read(ctx, "acct-new", models.JobKindPoll)
	if err != nil {
		t.Fatal(err)
	}
	if !cur.PlayedAt.Equal(recent) {
		t.Errorf("poll checkpoint = %v, want %v", cur.PlayedAt, recent)
	}
}

func TestTick_AccountFailureIsolated(t *testing.T) {
	store := newFakeStorage(syncedAccount("acct-bad"), syncedAccount("acct-good"))
	t1 := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	api := &fakeAPI{}
	api.fetchFn = func(account *models.Account, q streaming.HistoryQuery) (*streaming.HistoryPage, error) {
		if account.ID == "acct-bad" {
			return nil, &streaming.RateLimitError{Attempts: 4, LastHint: 8 * time.Second}
		}
		if q.AfterMs >= t1.UnixMilli() {
			return &streaming.HistoryPage{}, nil
		}
		return playsPage(t1), nil
	}

	s, jobStore, _ := newScheduler(store, api)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v, one bad account must not abort the tick", err)
	}

	statuses := runStatuses(t, jobStore, models.JobKindPoll)
	if statuses["acct-bad"] != models.JobStatusError {
		t.Errorf("acct-bad status = %s, want error", statuses["acct-bad"])
	}
	if statuses["acct-good"] != models.JobStatusSuccess {
		t.Errorf("acct-good status = %s, want success", statuses["acct-good"])
	}
}

func TestTick_InfraFailureEscalates(t *testing.T) {
	store := newFakeStorage(syncedAccount("acct-1"))
	store.insertErr = fmt.Errorf("insert: %w", storage.ErrUnavailable)

	t1 := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	api := &fakeAPI{}
	api.fetchFn = func(*models.Account, streaming.HistoryQuery) (*streaming.HistoryPage, error) {
		return playsPage(t1), nil
	}

	s, _, _ := newScheduler(store, api)

	err := s.Tick(context.Background())
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Errorf("Tick() error = %v, want ErrUnavailable to escalate", err)
	}
}

func TestTick_SingleFlightSkipsBusyKey(t *testing.T) {
	store := newFakeStorage(syncedAccount("acct-1"))
	api := &fakeAPI{}

	s, _, _ := newScheduler(store, api)

	// Simulate a still-running poll from a previous tick.
	s.mu.Lock()
	s.inflight["acct-1/poll"] = true
	s.mu.Unlock()

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.queries) != 0 {
		t.Errorf("API saw %d queries, want 0 while key is in flight", len(api.queries))
	}
}

func TestTick_EnrichUpdatesTracks(t *testing.T) {
	store := newFakeStorage(syncedAccount("acct-1"))
	store.refs = []storage.TrackRef{
		{ID: "track-1", URI: "svc:track:one"},
		{ID: "track-2", URI: "svc:track:two"},
	}

	api := &fakeAPI{}
	api.attrFn = func(_ *models.Account, trackURI string) (*models.TrackAttributes, error) {
		if trackURI == "svc:track:two" {
			// No attributes in the catalog for this track.
			return nil, &streaming.RequestError{StatusCode: 404, Detail: "not found"}
		}
		return &models.TrackAttributes{Tempo: 120}, nil
	}

	s, jobStore, _ := newScheduler(store, api)

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if len(store.updated) != 1 || store.updated[0].TrackID != "track-1" {
		t.Errorf("updated = %+v, want only track-1", store.updated)
	}

	runs, err := jobStore.ListRuns(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, run := range runs {
		if run.Kind != models.JobKindEnrich {
			continue
		}
		if run.Status != models.JobStatusSuccess {
			t.Errorf("enrich run status = %s, want success", run.Status)
		}
		if run.Counters.Inserted != 1 || run.Counters.Skipped != 1 {
			t.Errorf("enrich counters = %+v, want 1 inserted 1 skipped", run.Counters)
		}
	}
}

func TestImportArchive_RecordsJobAndDedupes(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "export.zip")
	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("StreamingHistory0.json")
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprint(w, `[
		{"endTime": "2024-06-02 08:30", "artistName": "A", "trackName": "T1", "msPlayed": 1000},
		{"endTime": "2024-06-02 08:35", "artistName": "A", "trackName": "T2", "msPlayed": 1000}
	]`)
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	store := newFakeStorage(syncedAccount("acct-1"))
	s, jobStore, _ := newScheduler(store, &fakeAPI{})
	ctx := context.Background()

	if err := s.ImportArchive(ctx, archive); err != nil {
		t.Fatalf("ImportArchive() error = %v", err)
	}
	// Re-importing the identical archive inserts nothing new.
	if err := s.ImportArchive(ctx, archive); err != nil {
		t.Fatalf("ImportArchive(again) error = %v", err)
	}

	runs, err := jobStore.ListRuns(ctx, "acct-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	var imports []*jobs.JobRun
	for _, run := range runs {
		if run.Kind == models.JobKindImportZip {
			imports = append(imports, run)
		}
	}
	if len(imports) != 2 {
		t.Fatalf("import runs = %d, want 2", len(imports))
	}
	// Newest first: the re-import skipped everything.
	if imports[0].Counters.Inserted != 0 || imports[0].Counters.Skipped != 2 {
		t.Errorf("re-import counters = %+v, want 0 inserted 2 skipped", imports[0].Counters)
	}
	if imports[1].Counters.Inserted != 2 {
		t.Errorf("first import counters = %+v, want 2 inserted", imports[1].Counters)
	}
}
