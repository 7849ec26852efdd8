// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lock

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// Change Watcher
// =============================================================================

// Watcher tracks writes to watched files made outside refactoring
// operations. Executors suppress a path while they hold its lock, so
// anything that fires while unsuppressed is an external edit and the
// stored fingerprint for that file is suspect.
//
// # Thread Safety
// Safe for concurrent use.
type Watcher struct {
	fsw    *fsnotify.Watcher
	logger *slog.Logger

	mu         sync.Mutex
	dirty      map[string]time.Time
	suppressed map[string]int
	done       chan struct{}
}

// NewWatcher starts the event loop. Close must be called to stop it.
func NewWatcher(logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsw:        fsw,
		logger:     logger,
		dirty:      make(map[string]time.Time),
		suppressed: make(map[string]int),
		done:       make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Watch registers a file for external-change tracking.
func (w *Watcher) Watch(path string) error {
	return w.fsw.Add(path)
}

// Suppress marks a path as being mutated by an operation we own.
// Events for it are ignored until the matching Unsuppress.
func (w *Watcher) Suppress(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.suppressed[path]++
}

// Unsuppress ends a Suppress. Calls must pair.
func (w *Watcher) Unsuppress(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.suppressed[path] > 1 {
		w.suppressed[path]--
	} else {
		delete(w.suppressed, path)
	}
}

// ExternallyModified reports whether path changed outside any operation
// since the last Ack, and when.
func (w *Watcher) ExternallyModified(path string) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.dirty[path]
	return t, ok
}

// Ack clears the external-change flag after the caller has re-read the
// file and refreshed its fingerprint.
func (w *Watcher) Ack(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.dirty, path)
}

// Close stops the event loop.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) {
				continue
			}
			w.mu.Lock()
			if w.suppressed[ev.Name] == 0 {
				w.dirty[ev.Name] = time.Now()
				w.logger.Debug("external modification detected", "path", ev.Name, "op", ev.Op.String())
			}
			w.mu.Unlock()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}
