// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(filepath.Join(t.TempDir(), "snapshots"), nil)
	require.NoError(t, err)
	return store
}

func writeFile(t *testing.T, dir, name, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
	return path
}

// TestCaptureRestore_ByteIdentical verifies the round trip restores
// exact bytes and the original mode.
func TestCaptureRestore_ByteIdentical(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	content := "line one\nline two\nno trailing newline"
	path := writeFile(t, dir, "target.go", content, 0o750)

	ref, err := store.Capture(ctx, path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "local:"))

	// Clobber, then restore.
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	require.NoError(t, store.Restore(ctx, ref, path))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, string(got))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())
}

// TestRestore_Idempotent verifies restoring twice is harmless and a
// snapshot survives its own restore.
func TestRestore_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	path := writeFile(t, t.TempDir(), "a.txt", "original\n", 0o644)

	ref, err := store.Capture(ctx, path)
	require.NoError(t, err)

	require.NoError(t, store.Restore(ctx, ref, path))
	require.NoError(t, store.Restore(ctx, ref, path))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original\n", string(got))
}

// TestCapture_DeduplicatesIdenticalContent verifies two files with the
// same bytes share one blob ref hash.
func TestCapture_DeduplicatesIdenticalContent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	p1 := writeFile(t, dir, "a.txt", "same\n", 0o644)
	p2 := writeFile(t, dir, "b.txt", "same\n", 0o644)

	ref1, err := store.Capture(ctx, p1)
	require.NoError(t, err)
	ref2, err := store.Capture(ctx, p2)
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)
}

// TestDiscard_RemovesBlobAndIgnoresMissing verifies cleanup semantics.
func TestDiscard_RemovesBlobAndIgnoresMissing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	path := writeFile(t, t.TempDir(), "a.txt", "data\n", 0o644)

	ref, err := store.Capture(ctx, path)
	require.NoError(t, err)

	require.NoError(t, store.Discard(ctx, ref))
	assert.ErrorIs(t, store.Restore(ctx, ref, path), ErrNotFound)

	// Discarding again is not an error.
	require.NoError(t, store.Discard(ctx, ref))
}

// TestDiscard_SharedBlobSurvivesUntilLastRef verifies a deduplicated
// blob outlives the discard of one of its refs, so a retained snapshot
// is not destroyed by a preview of identical content.
func TestDiscard_SharedBlobSurvivesUntilLastRef(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	p1 := writeFile(t, dir, "a.txt", "same\n", 0o644)
	p2 := writeFile(t, dir, "b.txt", "same\n", 0o644)

	ref1, err := store.Capture(ctx, p1)
	require.NoError(t, err)
	ref2, err := store.Capture(ctx, p2)
	require.NoError(t, err)
	require.Equal(t, ref1, ref2)

	// One holder lets go; the other can still restore.
	require.NoError(t, store.Discard(ctx, ref2))
	require.NoError(t, os.WriteFile(p1, []byte("changed\n"), 0o644))
	require.NoError(t, store.Restore(ctx, ref1, p1))
	got, err := os.ReadFile(p1)
	require.NoError(t, err)
	assert.Equal(t, "same\n", string(got))

	require.NoError(t, store.Discard(ctx, ref1))
	assert.ErrorIs(t, store.Restore(ctx, ref1, p1), ErrNotFound)
}

// TestCapture_PreexistingBlobKeepsRetainedReference verifies a blob
// left on disk by an earlier run survives a capture/discard pair in a
// fresh store.
func TestCapture_PreexistingBlobKeepsRetainedReference(t *testing.T) {
	root := filepath.Join(t.TempDir(), "snapshots")
	first, err := NewLocalStore(root, nil)
	require.NoError(t, err)
	ctx := context.Background()
	path := writeFile(t, t.TempDir(), "a.txt", "kept\n", 0o644)

	ref, err := first.Capture(ctx, path)
	require.NoError(t, err)

	// A new store over the same root, as after a restart.
	second, err := NewLocalStore(root, nil)
	require.NoError(t, err)
	ref2, err := second.Capture(ctx, path)
	require.NoError(t, err)
	require.Equal(t, ref, ref2)
	require.NoError(t, second.Discard(ctx, ref2))

	require.NoError(t, os.WriteFile(path, []byte("changed\n"), 0o644))
	require.NoError(t, second.Restore(ctx, ref, path))
}

// TestRestore_RejectsCorruptBlob verifies the integrity check refuses
// to write tampered bytes over the target.
func TestRestore_RejectsCorruptBlob(t *testing.T) {
	root := filepath.Join(t.TempDir(), "snapshots")
	store, err := NewLocalStore(root, nil)
	require.NoError(t, err)
	ctx := context.Background()

	path := writeFile(t, t.TempDir(), "a.txt", "pristine\n", 0o644)
	ref, err := store.Capture(ctx, path)
	require.NoError(t, err)

	// Tamper with the stored blob directly.
	hexSum := strings.Split(ref, ":")[1]
	require.NoError(t, os.WriteFile(filepath.Join(root, hexSum), []byte("tampered"), 0o644))

	require.NoError(t, os.WriteFile(path, []byte("current\n"), 0o644))
	err = store.Restore(ctx, ref, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt")

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "current\n", string(got), "target must be untouched on integrity failure")
}

// TestRestore_MalformedRef verifies ref parsing errors.
func TestRestore_MalformedRef(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, ref := range []string{"", "local:abc", "gcs:abc:644", "local:abc:notoctal"} {
		err := store.Restore(ctx, ref, "/dev/null")
		assert.Error(t, err, "ref %q", ref)
	}
}
