// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

// Package checkpoint persists per-account sync cursors so that polling
// and backfill resume where they left off across restarts.
//
// Cursors are monotonic: Advance never moves a cursor backwards, which
// makes duplicate delivery after a crash harmless (records are
// content-addressed and re-inserts deduplicate) while guaranteeing
// forward progress is never lost.
package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/dstanley/auricle/internal/models"
)

// Cursor marks the ingestion frontier for one (account, kind) pair.
type Cursor struct {
	// PlayedAt is the timestamp of the newest play durably stored.
	// Zero means no checkpoint exists yet.
	PlayedAt time.Time `json:"played_at"`

	// UpdatedAt records when the cursor last moved.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsZero reports whether the cursor has never been advanced.
func (c Cursor) IsZero() bool {
	return c.PlayedAt.IsZero()
}

// Store persists cursors keyed by account and job kind.
//
// Advance must only be called after the records up to the candidate
// timestamp are durably stored; the store enforces monotonicity but the
// caller owns the persist-then-advance ordering.
type Store interface {
	// Read returns the current cursor, or a zero Cursor when none exists.
	Read(ctx context.Context, accountID string, kind models.JobKind) (Cursor, error)

	// Advance moves the cursor forward to playedAt and returns the stored
	// cursor. A candidate at or before the current position is a no-op.
	Advance(ctx context.Context, accountID string, kind models.JobKind, playedAt time.Time) (Cursor, error)

	// DeleteAccount removes all cursors for an account.
	DeleteAccount(ctx context.Context, accountID string) error

	Close() error
}

// MemoryStore is an in-memory Store for tests and dev mode.
type MemoryStore struct {
	mu      sync.RWMutex
	cursors map[string]Cursor
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string]Cursor)}
}

// Read implements Store.
func (s *MemoryStore) Read(_ context.Context, accountID string, kind models.JobKind) (Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[memKey(accountID, kind)], nil
}

// Advance implements Store.
func (s *MemoryStore) Advance(_ context.Context, accountID string, kind models.JobKind, playedAt time.Time) (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey(accountID, kind)
	cur := s.cursors[key]
	if !playedAt.After(cur.PlayedAt) {
		return cur, nil
	}
	cur = Cursor{PlayedAt: playedAt, UpdatedAt: time.Now().UTC()}
	s.cursors[key] = cur
	return cur, nil
}

// DeleteAccount implements Store.
func (s *MemoryStore) DeleteAccount(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kind := range []models.JobKind{models.JobKindPoll, models.JobKindInitialSync, models.JobKindEnrich, models.JobKindImportZip} {
		delete(s.cursors, memKey(accountID, kind))
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func memKey(accountID string, kind models.JobKind) string {
	return accountID + ":" + string(kind)
}
