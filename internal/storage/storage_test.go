// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dstanley/auricle/internal/config"
	"github.com/dstanley/auricle/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), config.DatabaseConfig{
		Path:      filepath.Join(t.TempDir(), "test.duckdb"),
		MaxMemory: "256MB",
		Threads:   1,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testAccount(id string) *models.Account {
	return &models.Account{
		ID:                    id,
		DisplayName:           "Listener " + id,
		Status:                models.AccountStatusValid,
		EncryptedRefreshToken: "sealed-" + id,
	}
}

func testPlay(track, artist string, playedAt time.Time) models.PlayRecord {
	return models.PlayRecord{
		TrackName:  track,
		ArtistName: artist,
		AlbumName:  "Album",
		MsPlayed:   180_000,
		PlayedAt:   playedAt,
		Source:     "api-poll",
	}
}

func TestAccounts_UpsertAndList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.UpsertAccount(ctx, testAccount("acct-1")); err != nil {
		t.Fatalf("UpsertAccount() error = %v", err)
	}
	if err := db.UpsertAccount(ctx, testAccount("acct-2")); err != nil {
		t.Fatal(err)
	}

	accounts, err := db.ListConnectedAccounts(ctx)
	if err != nil {
		t.Fatalf("ListConnectedAccounts() error = %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("ListConnectedAccounts() = %d accounts, want 2", len(accounts))
	}

	// Invalid accounts are excluded.
	if err := db.MarkAccountInvalid(ctx, "acct-1"); err != nil {
		t.Fatalf("MarkAccountInvalid() error = %v", err)
	}
	accounts, err = db.ListConnectedAccounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 1 || accounts[0].ID != "acct-2" {
		t.Errorf("ListConnectedAccounts() after invalidation = %+v, want only acct-2", accounts)
	}

	// Re-upserting with a fresh credential restores eligibility.
	if err := db.UpsertAccount(ctx, testAccount("acct-1")); err != nil {
		t.Fatal(err)
	}
	accounts, err = db.ListConnectedAccounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 2 {
		t.Errorf("ListConnectedAccounts() after reconnect = %d, want 2", len(accounts))
	}
}

func TestAccounts_InitialSynced(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.UpsertAccount(ctx, testAccount("acct-1")); err != nil {
		t.Fatal(err)
	}

	account, err := db.GetAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetAccount() error = %v", err)
	}
	if account.InitialSyncedAt != nil {
		t.Error("new account already marked initial-synced")
	}

	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	if err := db.SetInitialSynced(ctx, "acct-1", at); err != nil {
		t.Fatalf("SetInitialSynced() error = %v", err)
	}

	account, err = db.GetAccount(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if account.InitialSyncedAt == nil || !account.InitialSyncedAt.Equal(at) {
		t.Errorf("InitialSyncedAt = %v, want %v", account.InitialSyncedAt, at)
	}
}

func TestAccounts_NotFound(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.GetAccount(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAccount(missing) error = %v, want ErrNotFound", err)
	}
	if err := db.MarkAccountInvalid(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkAccountInvalid(missing) error = %v, want ErrNotFound", err)
	}
}

func TestInsertPlays_Dedup(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	batch := []models.PlayRecord{
		testPlay("Song A", "Artist X", base),
		testPlay("Song B", "Artist X", base.Add(4*time.Minute)),
		testPlay("Song A", "Artist X", base.Add(9*time.Minute)),
	}

	result, err := db.InsertPlays(ctx, "acct-1", batch)
	if err != nil {
		t.Fatalf("InsertPlays() error = %v", err)
	}
	if result.Inserted != 3 || result.Skipped != 0 {
		t.Errorf("first batch = %+v, want 3 inserted", result)
	}
	if !result.MaxPlayedAt.Equal(base.Add(9 * time.Minute)) {
		t.Errorf("MaxPlayedAt = %v, want %v", result.MaxPlayedAt, base.Add(9*time.Minute))
	}

	// Redelivering the same batch skips everything.
	result, err = db.InsertPlays(ctx, "acct-1", batch)
	if err != nil {
		t.Fatal(err)
	}
	if result.Inserted != 0 || result.Skipped != 3 {
		t.Errorf("redelivered batch = %+v, want 3 skipped", result)
	}

	// Same listens under another account are distinct plays.
	result, err = db.InsertPlays(ctx, "acct-2", batch)
	if err != nil {
		t.Fatal(err)
	}
	if result.Inserted != 3 {
		t.Errorf("other account batch = %+v, want 3 inserted", result)
	}

	count, err := db.PlayCount(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("PlayCount(acct-1) = %d, want 3", count)
	}
}

func TestInsertPlays_URICollapsesWithHashedID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	withURI := testPlay("Song A", "Artist X", base)
	withURI.TrackURI = "svc:track:abc123"
	withURI.Source = "archive-extended"

	// Cosmetic casing differences hash to the same track row.
	recased := testPlay("  song a ", "ARTIST X", base.Add(time.Hour))

	if _, err := db.InsertPlays(ctx, "acct-1", []models.PlayRecord{withURI, recased}); err != nil {
		t.Fatal(err)
	}

	var trackCount int64
	if err := db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM tracks`).Scan(&trackCount); err != nil {
		t.Fatal(err)
	}
	// One URI-keyed row plus one content-hash row.
	if trackCount != 2 {
		t.Errorf("track rows = %d, want 2", trackCount)
	}

	var artistCount int64
	if err := db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM artists`).Scan(&artistCount); err != nil {
		t.Fatal(err)
	}
	if artistCount != 1 {
		t.Errorf("artist rows = %d, want 1 (casing collapses)", artistCount)
	}
}

func TestEnrichment_ListAndUpdate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	withURI := testPlay("Song A", "Artist X", base)
	withURI.TrackURI = "svc:track:abc123"
	noURI := testPlay("Song B", "Artist Y", base.Add(time.Minute))

	if _, err := db.InsertPlays(ctx, "acct-1", []models.PlayRecord{withURI, noURI}); err != nil {
		t.Fatal(err)
	}

	refs, err := db.ListTracksMissingAttributes(ctx, 10)
	if err != nil {
		t.Fatalf("ListTracksMissingAttributes() error = %v", err)
	}
	if len(refs) != 1 || refs[0].URI != "svc:track:abc123" {
		t.Fatalf("refs = %+v, want only the URI-bearing track", refs)
	}

	attrs := &models.TrackAttributes{
		TrackID:      refs[0].ID,
		DurationMs:   201_000,
		Tempo:        118.4,
		Energy:       0.82,
		Valence:      0.33,
		Danceability: 0.67,
	}
	if err := db.UpdateTrackAttributes(ctx, attrs); err != nil {
		t.Fatalf("UpdateTrackAttributes() error = %v", err)
	}

	refs, err = db.ListTracksMissingAttributes(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 0 {
		t.Errorf("refs after enrichment = %+v, want none", refs)
	}

	if err := db.UpdateTrackAttributes(ctx, &models.TrackAttributes{TrackID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateTrackAttributes(missing) error = %v, want ErrNotFound", err)
	}
}
