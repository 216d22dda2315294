// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

package importer

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dstanley/auricle/internal/config"
	"github.com/dstanley/auricle/internal/models"
)

func testConfig() config.ImportConfig {
	return config.ImportConfig{
		BatchSize:       2000,
		MaxArchiveBytes: 10 << 20,
		MaxRecords:      10_000,
	}
}

// writeArchive builds a zip file from name->content pairs.
func writeArchive(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

const extendedContent = `[
	{
		"ts": "2024-06-01T12:00:00Z",
		"ms_played": 201000,
		"master_metadata_track_name": "Song A",
		"master_metadata_album_artist_name": "Artist X",
		"master_metadata_album_album_name": "Album A",
		"spotify_track_uri": "svc:track:abc",
		"ip_addr": "203.0.113.7",
		"user_agent": "Mozilla/5.0",
		"username": "listener@example.com",
		"conn_country": "SE",
		"platform": "ios"
	}
]`

const accountContent = `[
	{"endTime": "2024-06-02 08:30", "artistName": "Artist Y", "trackName": "Song B", "msPlayed": 95000}
]`

func collectAll(t *testing.T, cfg config.ImportConfig, path string) ([]models.PlayRecord, Stats, error) {
	t.Helper()
	var all []models.PlayRecord
	stats, err := NewNormalizer(cfg).Import(context.Background(), path, func(batch []models.PlayRecord) error {
		all = append(all, batch...)
		return nil
	})
	return all, stats, err
}

func TestImport_FormatRouting(t *testing.T) {
	path := writeArchive(t, map[string]string{
		"MyData/Streaming_History_Audio_2024_1.json": extendedContent,
		"MyData/StreamingHistory0.json":              accountContent,
		"MyData/ReadMeFirst.pdf":                     "not json",
		"MyData/Identity.json":                       `{"name":"x"}`,
	})

	records, stats, err := collectAll(t, testConfig(), path)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	if stats.SkippedFiles != 2 {
		t.Errorf("SkippedFiles = %d, want 2", stats.SkippedFiles)
	}
	if stats.Produced != 2 {
		t.Errorf("Produced = %d, want 2", stats.Produced)
	}

	bySource := map[string]models.PlayRecord{}
	for _, rec := range records {
		bySource[rec.Source] = rec
	}

	ext, ok := bySource["archive-extended"]
	if !ok {
		t.Fatal("no record from the extended-history file")
	}
	if ext.TrackName != "Song A" || ext.TrackURI != "svc:track:abc" || ext.AlbumName != "Album A" {
		t.Errorf("extended record = %+v", ext)
	}
	if !ext.PlayedAt.Equal(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("extended PlayedAt = %v", ext.PlayedAt)
	}

	acct, ok := bySource["archive-account"]
	if !ok {
		t.Fatal("no record from the account-data file")
	}
	if acct.TrackName != "Song B" || acct.ArtistName != "Artist Y" || acct.MsPlayed != 95000 {
		t.Errorf("account record = %+v", acct)
	}
	if acct.TrackURI != "" {
		t.Errorf("account record has TrackURI %q, schema carries none", acct.TrackURI)
	}
	if !acct.PlayedAt.Equal(time.Date(2024, 6, 2, 8, 30, 0, 0, time.UTC)) {
		t.Errorf("account PlayedAt = %v", acct.PlayedAt)
	}
}

func TestImport_PrivacyFieldsNeverReachOutput(t *testing.T) {
	path := writeArchive(t, map[string]string{
		"endsong_0.json": extendedContent,
	})

	records, _, err := collectAll(t, testConfig(), path)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}

	// The normalized record carries track metadata only; none of the
	// source's privacy values may survive in any field.
	rec := records[0]
	for _, leaked := range []string{"203.0.113.7", "Mozilla/5.0", "listener@example.com", "SE", "ios"} {
		for _, field := range []string{rec.TrackName, rec.ArtistName, rec.AlbumName, rec.TrackURI, rec.Source} {
			if field == leaked {
				t.Errorf("privacy value %q leaked into output", leaked)
			}
		}
	}
}

func TestImport_FailFastArchiveSize(t *testing.T) {
	path := writeArchive(t, map[string]string{
		"StreamingHistory0.json": accountContent,
	})

	cfg := testConfig()
	cfg.MaxArchiveBytes = 10 // far below any real archive

	batches := 0
	_, err := NewNormalizer(cfg).Import(context.Background(), path, func([]models.PlayRecord) error {
		batches++
		return nil
	})

	var formatErr *FormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("Import() error = %v, want FormatError", err)
	}
	if batches != 0 {
		t.Errorf("handler saw %d batches, want 0 (fail before parsing)", batches)
	}
}

func TestImport_FailFastRecordCount(t *testing.T) {
	path := writeArchive(t, map[string]string{
		"StreamingHistory0.json": `[
			{"endTime": "2024-06-02 08:30", "artistName": "A", "trackName": "T1", "msPlayed": 1000},
			{"endTime": "2024-06-02 08:31", "artistName": "A", "trackName": "T2", "msPlayed": 1000},
			{"endTime": "2024-06-02 08:32", "artistName": "A", "trackName": "T3", "msPlayed": 1000}
		]`,
	})

	cfg := testConfig()
	cfg.MaxRecords = 2

	batches := 0
	_, err := NewNormalizer(cfg).Import(context.Background(), path, func([]models.PlayRecord) error {
		batches++
		return nil
	})

	var formatErr *FormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("Import() error = %v, want FormatError", err)
	}
	if batches != 0 {
		t.Errorf("handler saw %d batches, want 0 (fail before parsing)", batches)
	}
}

func TestImport_MalformedRecordSkipped(t *testing.T) {
	path := writeArchive(t, map[string]string{
		"StreamingHistory0.json": `[
			{"endTime": "2024-06-02 08:30", "artistName": "A", "trackName": "T1", "msPlayed": 1000},
			"not an object",
			{"endTime": "not a timestamp", "artistName": "A", "trackName": "T2", "msPlayed": 1000},
			{"endTime": "2024-06-02 08:33", "artistName": "", "trackName": "T3", "msPlayed": 1000},
			{"endTime": "2024-06-02 08:34", "artistName": "A", "trackName": "T4", "msPlayed": 1000}
		]`,
	})

	records, stats, err := collectAll(t, testConfig(), path)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if stats.Produced != 2 {
		t.Errorf("Produced = %d, want 2", stats.Produced)
	}
	if stats.SkippedRecords != 3 {
		t.Errorf("SkippedRecords = %d, want 3", stats.SkippedRecords)
	}
	if len(records) != 2 || records[0].TrackName != "T1" || records[1].TrackName != "T4" {
		t.Errorf("records = %+v", records)
	}
}

func TestImport_InvalidContainer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-zip.zip")
	if err := os.WriteFile(path, []byte("plain text"), 0o600); err != nil {
		t.Fatal(err)
	}

	var formatErr *FormatError
	_, _, err := collectAll(t, testConfig(), path)
	if !errors.As(err, &formatErr) {
		t.Errorf("Import(non-zip) error = %v, want FormatError", err)
	}
}

func TestImport_NoRecognizableFiles(t *testing.T) {
	path := writeArchive(t, map[string]string{
		"Playlists.json": `[]`,
		"ReadMe.txt":     "hello",
	})

	var formatErr *FormatError
	_, _, err := collectAll(t, testConfig(), path)
	if !errors.As(err, &formatErr) {
		t.Errorf("Import(unrecognizable) error = %v, want FormatError", err)
	}
}

func TestImport_Batching(t *testing.T) {
	path := writeArchive(t, map[string]string{
		"StreamingHistory0.json": `[
			{"endTime": "2024-06-02 08:30", "artistName": "A", "trackName": "T1", "msPlayed": 1000},
			{"endTime": "2024-06-02 08:31", "artistName": "A", "trackName": "T2", "msPlayed": 1000},
			{"endTime": "2024-06-02 08:32", "artistName": "A", "trackName": "T3", "msPlayed": 1000},
			{"endTime": "2024-06-02 08:33", "artistName": "A", "trackName": "T4", "msPlayed": 1000},
			{"endTime": "2024-06-02 08:34", "artistName": "A", "trackName": "T5", "msPlayed": 1000}
		]`,
	})

	cfg := testConfig()
	cfg.BatchSize = 2

	var sizes []int
	stats, err := NewNormalizer(cfg).Import(context.Background(), path, func(batch []models.PlayRecord) error {
		sizes = append(sizes, len(batch))
		return nil
	})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if stats.Produced != 5 {
		t.Errorf("Produced = %d, want 5", stats.Produced)
	}
	want := []int{2, 2, 1}
	if len(sizes) != len(want) {
		t.Fatalf("batch sizes = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("batch %d size = %d, want %d", i, sizes[i], want[i])
		}
	}
}

func TestImport_DeterministicIDs(t *testing.T) {
	files := map[string]string{
		"Streaming_History_Audio_2024_1.json": extendedContent,
		"StreamingHistory0.json":              accountContent,
	}
	first, _, err := collectAll(t, testConfig(), writeArchive(t, files))
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := collectAll(t, testConfig(), writeArchive(t, files))
	if err != nil {
		t.Fatal(err)
	}

	if len(first) != len(second) {
		t.Fatalf("record counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].TrackID() != second[i].TrackID() {
			t.Errorf("record %d: TrackID %s vs %s", i, first[i].TrackID(), second[i].TrackID())
		}
		if first[i].ArtistID() != second[i].ArtistID() {
			t.Errorf("record %d: ArtistID %s vs %s", i, first[i].ArtistID(), second[i].ArtistID())
		}
	}
}

func TestWatcher_HandlesExistingArchive(t *testing.T) {
	dir := t.TempDir()
	archive := writeArchive(t, map[string]string{"StreamingHistory0.json": accountContent})
	target := filepath.Join(dir, "export.zip")
	data, err := os.ReadFile(archive)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target, data, 0o600); err != nil {
		t.Fatal(err)
	}

	seen := make(chan string, 1)
	w := NewWatcher(dir, func(_ context.Context, path string) {
		seen <- path
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()

	select {
	case path := <-seen:
		if path != target {
			t.Errorf("handler saw %s, want %s", path, target)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never handled the pre-existing archive")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop on cancellation")
	}
}
