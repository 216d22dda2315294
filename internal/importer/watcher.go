// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dstanley/auricle/internal/logging"
)

// settleDelay is how long a new archive must stop growing before it is
// considered fully written and handed to the import handler.
const settleDelay = 2 * time.Second

// Watcher monitors a directory for newly arrived export archives and
// invokes the handler once per settled .zip file. Archives already
// present at startup are handled too, so drops during downtime are not
// missed.
type Watcher struct {
	dir     string
	handler func(ctx context.Context, path string)

	handled map[string]bool
}

// NewWatcher returns a watcher for dir. The handler runs synchronously
// inside the watch loop; long imports should be bounded by the context.
func NewWatcher(dir string, handler func(ctx context.Context, path string)) *Watcher {
	return &Watcher{dir: dir, handler: handler, handled: make(map[string]bool)}
}

// Serve watches until the context is canceled. Implements suture.Service.
func (w *Watcher) Serve(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	logging.Info().Str("dir", w.dir).Msg("Watching for export archives")

	if err := w.scanExisting(ctx); err != nil {
		return err
	}

	// Paths seen recently; flushed to the handler once they settle.
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(settleDelay / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("fs watcher closed")
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if !isArchive(event.Name) {
				continue
			}
			pending[event.Name] = time.Now()

		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("fs watcher closed")
			}
			logging.Warn().Err(err).Msg("Watch error")

		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < settleDelay {
					continue
				}
				delete(pending, path)
				w.handle(ctx, path)
			}
		}
	}
}

func (w *Watcher) scanExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("scan %s: %w", w.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isArchive(entry.Name()) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		w.handle(ctx, filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

func (w *Watcher) handle(ctx context.Context, path string) {
	if w.handled[path] {
		return
	}
	w.handled[path] = true
	logging.Info().Str("archive", path).Msg("Export archive detected")
	w.handler(ctx, path)
}

func isArchive(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".zip")
}
