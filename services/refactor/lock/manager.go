// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package lock serializes refactoring operations per file. At most one
// operation mutates a given file at a time; callers choose between
// waiting for the current holder and failing fast.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrOperationInProgress is returned by fail-fast acquisition when
// another operation holds the file.
var ErrOperationInProgress = errors.New("operation already in progress for file")

// =============================================================================
// Wait Policy
// =============================================================================

// WaitPolicy controls contended acquisition behavior.
type WaitPolicy string

const (
	// WaitBlock queues behind the current holder.
	WaitBlock WaitPolicy = "block"

	// WaitFail returns ErrOperationInProgress immediately.
	WaitFail WaitPolicy = "fail"
)

// ParseWaitPolicy converts a config string to a WaitPolicy.
func ParseWaitPolicy(s string) (WaitPolicy, error) {
	switch s {
	case "block", "":
		return WaitBlock, nil
	case "fail":
		return WaitFail, nil
	default:
		return "", fmt.Errorf("unknown lock wait policy %q", s)
	}
}

// =============================================================================
// Manager
// =============================================================================

// Manager hands out per-file locks. Locks are channel-based so blocked
// waiters still honor context cancellation.
//
// # Thread Safety
// Safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	locks  map[string]chan struct{}
	logger *slog.Logger
}

// NewManager creates an empty lock manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		locks:  make(map[string]chan struct{}),
		logger: logger,
	}
}

// Acquire takes the lock for path and returns a release function. The
// release function is idempotent and must be called on every path out
// of the operation, success or failure.
func (m *Manager) Acquire(ctx context.Context, path string, policy WaitPolicy) (func(), error) {
	ch := m.lockChan(path)

	switch policy {
	case WaitFail:
		select {
		case ch <- struct{}{}:
		default:
			m.logger.Debug("lock contended, failing fast", "path", path)
			return nil, fmt.Errorf("%w: %s", ErrOperationInProgress, path)
		}
	default:
		select {
		case ch <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() { <-ch })
	}
	return release, nil
}

// Held reports whether the lock for path is currently taken. Advisory
// only; the answer can be stale by the time the caller acts on it.
func (m *Manager) Held(path string) bool {
	ch := m.lockChan(path)
	return len(ch) > 0
}

func (m *Manager) lockChan(path string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.locks[path]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[path] = ch
	}
	return ch
}
