// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dstanley/auricle/internal/models"
)

// BatchResult summarizes one committed batch of play records.
type BatchResult struct {
	// Inserted counts plays newly persisted.
	Inserted int64

	// Skipped counts plays that already existed (same content-addressed ID).
	Skipped int64

	// MaxPlayedAt is the newest play timestamp in the batch, used by the
	// caller to advance its checkpoint after the commit.
	MaxPlayedAt time.Time
}

// InsertPlays persists a batch of normalized play records for one
// account inside a single transaction. Artists and tracks are upserted
// first so plays always reference existing rows. Re-inserting a play
// that is already present is a silent skip, which makes redelivery
// after a crash or an overlapping import harmless.
func (db *DB) InsertPlays(ctx context.Context, accountID string, records []models.PlayRecord) (BatchResult, error) {
	var result BatchResult
	if len(records) == 0 {
		return result, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin batch: %w", errors.Join(ErrUnavailable, err))
	}
	defer tx.Rollback()

	artistStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO artists (id, name) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return result, fmt.Errorf("prepare artist upsert: %w", errors.Join(ErrUnavailable, err))
	}
	defer artistStmt.Close()

	trackStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO tracks (id, name, artist_id, album_name, track_uri)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return result, fmt.Errorf("prepare track upsert: %w", errors.Join(ErrUnavailable, err))
	}
	defer trackStmt.Close()

	playStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO plays (id, account_id, track_id, played_at, ms_played, source)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return result, fmt.Errorf("prepare play insert: %w", errors.Join(ErrUnavailable, err))
	}
	defer playStmt.Close()

	for i := range records {
		rec := &records[i]
		trackID := rec.TrackID()
		artistID := rec.ArtistID()

		if _, err := artistStmt.ExecContext(ctx, artistID, rec.ArtistName); err != nil {
			return result, fmt.Errorf("upsert artist: %w", errors.Join(ErrUnavailable, err))
		}
		if _, err := trackStmt.ExecContext(ctx, trackID, rec.TrackName, artistID, rec.AlbumName, rec.TrackURI); err != nil {
			return result, fmt.Errorf("upsert track: %w", errors.Join(ErrUnavailable, err))
		}

		playedAt := rec.PlayedAt.UTC()
		playID := models.ContentID(accountID, trackID, playedAt.Format(time.RFC3339Nano))
		res, err := playStmt.ExecContext(ctx, playID, accountID, trackID, playedAt, rec.MsPlayed, rec.Source)
		if err != nil {
			return result, fmt.Errorf("insert play: %w", errors.Join(ErrUnavailable, err))
		}

		if n, err := res.RowsAffected(); err == nil && n > 0 {
			result.Inserted++
		} else {
			result.Skipped++
		}
		if playedAt.After(result.MaxPlayedAt) {
			result.MaxPlayedAt = playedAt
		}
	}

	if err := tx.Commit(); err != nil {
		return BatchResult{}, fmt.Errorf("commit batch: %w", errors.Join(ErrUnavailable, err))
	}
	return result, nil
}

// PlayCount returns the number of stored plays, optionally filtered to
// one account.
func (db *DB) PlayCount(ctx context.Context, accountID string) (int64, error) {
	query := `SELECT COUNT(*) FROM plays`
	args := []any{}
	if accountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	var count int64
	if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count plays: %w", errors.Join(ErrUnavailable, err))
	}
	return count, nil
}

// TrackRef identifies a track eligible for attribute enrichment.
type TrackRef struct {
	ID  string
	URI string
}

// ListTracksMissingAttributes returns up to limit tracks that have a
// catalog URI but no fetched audio attributes yet. Tracks without a URI
// (account-data imports) cannot be enriched and are excluded.
func (db *DB) ListTracksMissingAttributes(ctx context.Context, limit int) ([]TrackRef, error) {
	const query = `
		SELECT id, track_uri FROM tracks
		WHERE enriched_at IS NULL AND track_uri <> ''
		ORDER BY id
		LIMIT ?`
	rows, err := db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list unenriched tracks: %w", errors.Join(ErrUnavailable, err))
	}
	defer rows.Close()

	var out []TrackRef
	for rows.Next() {
		var ref TrackRef
		if err := rows.Scan(&ref.ID, &ref.URI); err != nil {
			return nil, fmt.Errorf("scan track ref: %w", errors.Join(ErrUnavailable, err))
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// UpdateTrackAttributes stores fetched audio attributes and stamps the
// track as enriched.
func (db *DB) UpdateTrackAttributes(ctx context.Context, attrs *models.TrackAttributes) error {
	const query = `
		UPDATE tracks
		SET duration_ms = ?, tempo = ?, energy = ?, valence = ?, danceability = ?, enriched_at = ?
		WHERE id = ?`
	res, err := db.conn.ExecContext(ctx, query,
		attrs.DurationMs, attrs.Tempo, attrs.Energy, attrs.Valence, attrs.Danceability,
		time.Now().UTC(), attrs.TrackID)
	if err != nil {
		return fmt.Errorf("update track attributes %s: %w", attrs.TrackID, errors.Join(ErrUnavailable, err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("track %s: %w", attrs.TrackID, ErrNotFound)
	}
	return nil
}
