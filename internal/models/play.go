// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

// Package models defines the canonical data types shared across Auricle:
// normalized play records, content-addressed identifiers, accounts, and
// the closed job kind/status enumerations.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// PlayRecord is the canonical representation of a single listen, regardless
// of whether it arrived via live polling or a bulk export archive.
type PlayRecord struct {
	// TrackName is the track title as reported by the source.
	TrackName string `json:"track_name"`

	// ArtistName is the primary artist name.
	ArtistName string `json:"artist_name"`

	// AlbumName is the album title, empty when the source omits it.
	AlbumName string `json:"album_name,omitempty"`

	// MsPlayed is the listen duration in milliseconds.
	MsPlayed int64 `json:"ms_played"`

	// PlayedAt is the UTC timestamp of the listen.
	PlayedAt time.Time `json:"played_at"`

	// TrackURI is the stable external identifier when the source provides
	// one (e.g. a streaming-service track URI). Empty otherwise.
	TrackURI string `json:"track_uri,omitempty"`

	// Source identifies where the record came from (api-poll, api-backfill,
	// archive-extended, archive-account).
	Source string `json:"source"`
}

// TrackID returns the content-addressed track identifier.
// When a stable external identifier is present it is used directly, so a
// listen ingested via the live API and the same listen from a later export
// collapse to the same track row. Otherwise the id is a deterministic hash
// of (artist, track, album).
func (p *PlayRecord) TrackID() string {
	if p.TrackURI != "" {
		return p.TrackURI
	}
	return ContentID(p.ArtistName, p.TrackName, p.AlbumName)
}

// ArtistID returns the content-addressed artist identifier.
func (p *PlayRecord) ArtistID() string {
	return ContentID(p.ArtistName)
}

// Valid reports whether the record carries the minimum fields required for
// ingestion. Records failing this check are skipped and counted, not fatal.
func (p *PlayRecord) Valid() bool {
	return p.TrackName != "" && p.ArtistName != "" && !p.PlayedAt.IsZero()
}

// ContentID derives a deterministic identifier from the given fields.
// Fields are trimmed and lowercased before hashing so that cosmetic
// differences between sources (casing, stray whitespace) do not split one
// logical entity into two rows. The result is a 32-character hex string.
func ContentID(fields ...string) string {
	h := sha256.New()
	for i, f := range fields {
		if i > 0 {
			// Unit separator keeps ("ab","c") distinct from ("a","bc").
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(strings.ToLower(strings.TrimSpace(f))))
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// TrackAttributes holds derived audio attributes fetched during enrichment.
type TrackAttributes struct {
	TrackID      string  `json:"track_id"`
	DurationMs   int64   `json:"duration_ms"`
	Tempo        float64 `json:"tempo"`
	Energy       float64 `json:"energy"`
	Valence      float64 `json:"valence"`
	Danceability float64 `json:"danceability"`
}
