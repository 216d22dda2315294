// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/dstanley/auricle/internal/logging"
	"github.com/dstanley/auricle/internal/models"
)

const keyPrefix = "checkpoint:"

// BadgerStore persists cursors in a BadgerDB key-value store.
// Keys follow "checkpoint:<account_id>:<kind>"; values are JSON cursors.
type BadgerStore struct {
	db *badger.DB
}

// Options configures a BadgerStore.
type Options struct {
	// Path is the Badger directory. Ignored when InMemory is set.
	Path string

	// InMemory runs Badger without persistence. Test/dev only.
	InMemory bool
}

// NewBadgerStore opens (creating if needed) the checkpoint database.
func NewBadgerStore(opts Options) (*BadgerStore, error) {
	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(opts.Path)
	}
	// Badger's own logger is chatty at INFO; route nothing through it and
	// log open/close ourselves.
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	logging.Debug().Str("path", opts.Path).Bool("in_memory", opts.InMemory).
		Msg("Checkpoint store opened")

	return &BadgerStore{db: db}, nil
}

// Read implements Store.
func (s *BadgerStore) Read(_ context.Context, accountID string, kind models.JobKind) (Cursor, error) {
	var cur Cursor
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storeKey(accountID, kind))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cur)
		})
	})
	if err != nil {
		return Cursor{}, fmt.Errorf("read checkpoint %s/%s: %w", accountID, kind, err)
	}
	return cur, nil
}

// Advance implements Store. The read-compare-write runs inside a single
// Badger transaction so concurrent advances cannot move the cursor back.
func (s *BadgerStore) Advance(_ context.Context, accountID string, kind models.JobKind, playedAt time.Time) (Cursor, error) {
	var cur Cursor
	err := s.db.Update(func(txn *badger.Txn) error {
		key := storeKey(accountID, kind)

		item, err := txn.Get(key)
		if err == nil {
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &cur)
			}); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if !playedAt.After(cur.PlayedAt) {
			return nil
		}

		cur = Cursor{PlayedAt: playedAt, UpdatedAt: time.Now().UTC()}
		val, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		return txn.Set(key, val)
	})
	if err != nil {
		return Cursor{}, fmt.Errorf("advance checkpoint %s/%s: %w", accountID, kind, err)
	}
	return cur, nil
}

// DeleteAccount implements Store.
func (s *BadgerStore) DeleteAccount(_ context.Context, accountID string) error {
	prefix := []byte(keyPrefix + accountID + ":")
	err := s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete checkpoints for %s: %w", accountID, err)
	}
	return nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func storeKey(accountID string, kind models.JobKind) []byte {
	return []byte(keyPrefix + accountID + ":" + string(kind))
}
