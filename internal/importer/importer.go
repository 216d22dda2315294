// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

// Package importer normalizes bulk export archives into canonical play
// records. An archive is a zip containing JSON files in one of two
// known schemas, distinguished by filename: extended history files
// carry full metadata including a stable track URI, account-data files
// carry only track, artist, and a minute-resolution timestamp.
package importer

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/dstanley/auricle/internal/config"
	"github.com/dstanley/auricle/internal/logging"
	"github.com/dstanley/auricle/internal/metrics"
	"github.com/dstanley/auricle/internal/models"
)

// FormatError is a fatal archive-level failure: not a valid container,
// no recognizable files, or a configured ceiling exceeded. Individual
// malformed records are skipped and counted instead.
type FormatError struct {
	Path   string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("import %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("import %s: %s", e.Path, e.Reason)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Stats summarizes an archive import.
type Stats struct {
	// Produced counts normalized records delivered to the batch callback.
	Produced int64

	// SkippedRecords counts individually malformed or incomplete records.
	SkippedRecords int64

	// SkippedFiles counts archive members matching neither known schema.
	SkippedFiles int
}

// BatchFunc receives successive fixed-size batches of normalized
// records. Returning an error aborts the import.
type BatchFunc func(batch []models.PlayRecord) error

// Normalizer parses export archives within configured limits.
type Normalizer struct {
	cfg config.ImportConfig
}

// NewNormalizer returns a Normalizer with the given limits.
func NewNormalizer(cfg config.ImportConfig) *Normalizer {
	return &Normalizer{cfg: cfg}
}

// Import streams the archive's normalized records to fn in batches of
// at most cfg.BatchSize. Limits are enforced before any record is
// normalized: the compressed size against MaxArchiveBytes, then a
// token-level counting pass against MaxRecords. Only after both pass
// does parsing into records begin, so a too-large archive causes zero
// downstream writes.
func (n *Normalizer) Import(ctx context.Context, archivePath string, fn BatchFunc) (Stats, error) {
	var stats Stats

	info, err := os.Stat(archivePath)
	if err != nil {
		return stats, &FormatError{Path: archivePath, Reason: "archive not readable", Err: err}
	}
	if info.Size() > n.cfg.MaxArchiveBytes {
		metrics.ImportArchives.WithLabelValues("format_error").Inc()
		return stats, &FormatError{
			Path:   archivePath,
			Reason: fmt.Sprintf("archive size %d exceeds limit %d", info.Size(), n.cfg.MaxArchiveBytes),
		}
	}

	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		metrics.ImportArchives.WithLabelValues("format_error").Inc()
		return stats, &FormatError{Path: archivePath, Reason: "not a valid zip archive", Err: err}
	}
	defer reader.Close()

	var recognized []*zip.File
	for _, f := range reader.File {
		if schemaFor(f.Name) == schemaUnknown {
			stats.SkippedFiles++
			metrics.ImportFilesSkipped.Inc()
			continue
		}
		recognized = append(recognized, f)
	}
	if len(recognized) == 0 {
		metrics.ImportArchives.WithLabelValues("format_error").Inc()
		return stats, &FormatError{Path: archivePath, Reason: "no recognizable export files in archive"}
	}

	total, err := n.countRecords(recognized)
	if err != nil {
		metrics.ImportArchives.WithLabelValues("format_error").Inc()
		return stats, &FormatError{Path: archivePath, Reason: "record count check failed", Err: err}
	}
	if total > n.cfg.MaxRecords {
		metrics.ImportArchives.WithLabelValues("format_error").Inc()
		return stats, &FormatError{
			Path:   archivePath,
			Reason: fmt.Sprintf("record count %d exceeds limit %d", total, n.cfg.MaxRecords),
		}
	}

	batch := make([]models.PlayRecord, 0, n.cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		stats.Produced += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	for _, f := range recognized {
		// Cancellation is observed at file and batch boundaries only, so
		// a delivered batch is never half-produced.
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		skipped, err := n.parseFile(ctx, f, func(rec models.PlayRecord) error {
			batch = append(batch, rec)
			if len(batch) >= n.cfg.BatchSize {
				return flush()
			}
			return nil
		})
		stats.SkippedRecords += skipped
		if err != nil {
			return stats, err
		}
	}
	if err := flush(); err != nil {
		return stats, err
	}

	metrics.ImportArchives.WithLabelValues("ok").Inc()
	logging.Info().
		Str("archive", archivePath).
		Int64("produced", stats.Produced).
		Int64("skipped_records", stats.SkippedRecords).
		Int("skipped_files", stats.SkippedFiles).
		Msg("Archive normalized")

	return stats, nil
}

type schema int

const (
	schemaUnknown schema = iota
	schemaExtended
	schemaAccount
)

// schemaFor routes an archive member by filename. The two patterns are
// mutually exclusive: extended history files are named
// "Streaming_History_Audio*.json" or "endsong*.json", account-data
// files "StreamingHistory*.json" (no underscores).
func schemaFor(name string) schema {
	base := path.Base(name)
	if !strings.HasSuffix(base, ".json") {
		return schemaUnknown
	}
	switch {
	case strings.HasPrefix(base, "Streaming_History_Audio"), strings.HasPrefix(base, "endsong"):
		return schemaExtended
	case strings.HasPrefix(base, "StreamingHistory"):
		return schemaAccount
	}
	return schemaUnknown
}

// countRecords walks each file's top-level JSON array counting elements
// without decoding them into records. Bails out as soon as the ceiling
// is passed.
func (n *Normalizer) countRecords(files []*zip.File) (int64, error) {
	var total int64
	for _, f := range files {
		rc, err := f.Open()
		if err != nil {
			return 0, fmt.Errorf("open %s: %w", f.Name, err)
		}

		count, err := countArrayElements(rc, n.cfg.MaxRecords-total+1)
		rc.Close()
		if err != nil {
			return 0, fmt.Errorf("scan %s: %w", f.Name, err)
		}

		total += count
		if total > n.cfg.MaxRecords {
			return total, nil
		}
	}
	return total, nil
}

// countArrayElements counts elements of a top-level JSON array, up to
// the given cap, by skipping over each value at the token level.
func countArrayElements(r io.Reader, limit int64) (int64, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return 0, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return 0, fmt.Errorf("expected top-level JSON array, got %v", tok)
	}

	var count int64
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return 0, err
		}
		count++
		if count >= limit {
			return count, nil
		}
	}
	return count, nil
}

// extendedRecord is the rich export schema. Privacy-sensitive fields
// present in the source (IP address, user agent, username, connection
// country, platform) are deliberately absent so they can never reach
// the normalized output.
type extendedRecord struct {
	Timestamp  string `json:"ts"`
	MsPlayed   int64  `json:"ms_played"`
	TrackName  string `json:"master_metadata_track_name"`
	ArtistName string `json:"master_metadata_album_artist_name"`
	AlbumName  string `json:"master_metadata_album_album_name"`
	TrackURI   string `json:"spotify_track_uri"`
}

// accountRecord is the slimmer account-data schema with a
// minute-resolution local timestamp.
type accountRecord struct {
	EndTime    string `json:"endTime"`
	ArtistName string `json:"artistName"`
	TrackName  string `json:"trackName"`
	MsPlayed   int64  `json:"msPlayed"`
}

const accountTimeLayout = "2006-01-02 15:04"

func (n *Normalizer) parseFile(ctx context.Context, f *zip.File, emit func(models.PlayRecord) error) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, &FormatError{Path: f.Name, Reason: "open archive member", Err: err}
	}
	defer rc.Close()

	dec := json.NewDecoder(rc)
	if tok, err := dec.Token(); err != nil {
		return 0, &FormatError{Path: f.Name, Reason: "invalid JSON", Err: err}
	} else if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return 0, &FormatError{Path: f.Name, Reason: "expected top-level JSON array"}
	}

	kind := schemaFor(f.Name)
	var skipped int64
	for dec.More() {
		// Elements are read raw first so one bad record cannot desync
		// the stream; only broken JSON structure fails the whole file.
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return skipped, &FormatError{Path: f.Name, Reason: "invalid JSON", Err: err}
		}
		rec, ok := normalizeRecord(raw, kind)
		if !ok || !rec.Valid() {
			skipped++
			continue
		}
		if err := emit(rec); err != nil {
			return skipped, err
		}
	}
	return skipped, nil
}

// normalizeRecord maps one raw array element into a canonical record.
// A record that does not fit its schema is a soft skip, not a failure.
func normalizeRecord(raw json.RawMessage, kind schema) (models.PlayRecord, bool) {
	switch kind {
	case schemaExtended:
		var rec extendedRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return models.PlayRecord{}, false
		}
		playedAt, err := time.Parse(time.RFC3339, rec.Timestamp)
		if err != nil {
			return models.PlayRecord{}, false
		}
		return models.PlayRecord{
			TrackName:  rec.TrackName,
			ArtistName: rec.ArtistName,
			AlbumName:  rec.AlbumName,
			MsPlayed:   rec.MsPlayed,
			PlayedAt:   playedAt.UTC(),
			TrackURI:   rec.TrackURI,
			Source:     "archive-extended",
		}, true

	case schemaAccount:
		var rec accountRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return models.PlayRecord{}, false
		}
		playedAt, err := time.Parse(accountTimeLayout, rec.EndTime)
		if err != nil {
			return models.PlayRecord{}, false
		}
		return models.PlayRecord{
			TrackName:  rec.TrackName,
			ArtistName: rec.ArtistName,
			MsPlayed:   rec.MsPlayed,
			PlayedAt:   playedAt.UTC(),
			Source:     "archive-account",
		}, true
	}
	return models.PlayRecord{}, false
}
