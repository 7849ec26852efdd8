// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package snapshot stores pre-mutation copies of files so a failed
// refactoring can be reverted byte for byte. Snapshots are immutable
// and content addressed; restoring the same ref twice is idempotent.
package snapshot

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when a ref does not resolve to stored content.
var ErrNotFound = errors.New("snapshot not found")

// refCounter tracks live references to content-addressed blobs within
// this process. Identical content captured twice shares one blob, so a
// blob may only be deleted once every capture that produced its ref has
// discarded it. A blob that already exists when first captured is
// credited one extra reference for whatever earlier history retained it.
type refCounter struct {
	mu   sync.Mutex
	refs map[string]int
}

func newRefCounter() *refCounter {
	return &refCounter{refs: make(map[string]int)}
}

// acquire registers one more reference to key.
func (rc *refCounter) acquire(key string, preexisting bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if n, ok := rc.refs[key]; ok {
		rc.refs[key] = n + 1
		return
	}
	if preexisting {
		rc.refs[key] = 2
		return
	}
	rc.refs[key] = 1
}

// release drops one reference and reports whether the blob is now
// unreferenced and safe to delete.
func (rc *refCounter) release(key string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if n, ok := rc.refs[key]; ok && n > 1 {
		rc.refs[key] = n - 1
		return false
	}
	delete(rc.refs, key)
	return true
}

// Store persists file snapshots behind opaque refs.
//
// # Thread Safety
// Implementations must be safe for concurrent use.
type Store interface {
	// Capture stores the current content of the file at path and returns
	// an opaque ref. The snapshot must be durable before Capture returns;
	// a non-nil error means nothing usable was stored.
	Capture(ctx context.Context, path string) (ref string, err error)

	// Restore writes the snapshot identified by ref back to path,
	// replacing whatever is there. The restored content is byte-identical
	// to what Capture saw.
	Restore(ctx context.Context, ref, path string) error

	// Discard releases the snapshot identified by ref. Discarding an
	// already-discarded ref is not an error.
	Discard(ctx context.Context, ref string) error
}
