// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists job runs.
type Store interface {
	// InsertRun writes a new run row in its initial (running) state.
	InsertRun(ctx context.Context, run *JobRun) error

	// FinalizeRun updates a run to its terminal state. Called once per run.
	FinalizeRun(ctx context.Context, run *JobRun) error

	// ListRuns returns the most recent runs, newest first, up to limit.
	// An empty accountID lists runs across all accounts.
	ListRuns(ctx context.Context, accountID string, limit int) ([]*JobRun, error)

	// DeleteOlderThan prunes terminal runs started before the cutoff and
	// returns the number removed. Running rows are never pruned.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*JobRun
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*JobRun)}
}

// InsertRun implements Store.
func (s *MemoryStore) InsertRun(_ context.Context, run *JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("job run %s already exists", run.ID)
	}
	clone := *run
	s.runs[run.ID] = &clone
	return nil
}

// FinalizeRun implements Store.
func (s *MemoryStore) FinalizeRun(_ context.Context, run *JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; !exists {
		return fmt.Errorf("job run %s not found", run.ID)
	}
	clone := *run
	s.runs[run.ID] = &clone
	return nil
}

// ListRuns implements Store.
func (s *MemoryStore) ListRuns(_ context.Context, accountID string, limit int) ([]*JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*JobRun
	for _, run := range s.runs {
		if accountID != "" && run.AccountID != accountID {
			continue
		}
		clone := *run
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteOlderThan implements Store.
func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, run := range s.runs {
		if run.Status.Terminal() && run.StartedAt.Before(cutoff) {
			delete(s.runs, id)
			deleted++
		}
	}
	return deleted, nil
}
