// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// =============================================================================
// Local Store
// =============================================================================

// LocalStore keeps snapshots as content-addressed blobs under a root
// directory. The ref encodes the content hash and the original file
// mode, so restore reproduces both. Identical content captured twice
// shares one blob; the blob survives until every ref to it is
// discarded.
type LocalStore struct {
	root   string
	logger *slog.Logger
	refs   *refCounter
}

// NewLocalStore creates the snapshot directory if needed.
func NewLocalStore(root string, logger *slog.Logger) (*LocalStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &LocalStore{root: root, logger: logger, refs: newRefCounter()}, nil
}

// Capture stores the file's bytes durably and returns its ref.
func (s *LocalStore) Capture(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	sum := sha256.Sum256(data)
	hexSum := hex.EncodeToString(sum[:])
	blob := filepath.Join(s.root, hexSum)

	_, statErr := os.Stat(blob)
	preexisting := statErr == nil
	if !preexisting {
		if err := writeDurable(blob, data); err != nil {
			return "", fmt.Errorf("store snapshot: %w", err)
		}
	}
	s.refs.acquire(hexSum, preexisting)

	ref := fmt.Sprintf("local:%s:%o", hexSum, info.Mode().Perm())
	s.logger.Debug("snapshot captured", "path", path, "ref", ref, "bytes", len(data))
	return ref, nil
}

// Restore writes the blob back to path with its original permissions.
func (s *LocalStore) Restore(ctx context.Context, ref, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	hexSum, mode, err := parseLocalRef(ref)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(s.root, hexSum))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return fmt.Errorf("read snapshot %s: %w", ref, err)
	}

	// Verify integrity before touching the target.
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != hexSum {
		return fmt.Errorf("snapshot %s is corrupt", ref)
	}

	if err := writeDurable(path, data); err != nil {
		return fmt.Errorf("restore %s: %w", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("restore mode on %s: %w", path, err)
	}
	s.logger.Debug("snapshot restored", "path", path, "ref", ref)
	return nil
}

// Discard drops one reference to the ref's blob and removes the blob
// once nothing references it. Missing blobs are ignored.
func (s *LocalStore) Discard(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	hexSum, _, err := parseLocalRef(ref)
	if err != nil {
		return err
	}
	if !s.refs.release(hexSum) {
		s.logger.Debug("snapshot blob still referenced", "ref", ref)
		return nil
	}
	if err := os.Remove(filepath.Join(s.root, hexSum)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("discard snapshot %s: %w", ref, err)
	}
	return nil
}

func parseLocalRef(ref string) (hexSum string, mode fs.FileMode, err error) {
	parts := strings.Split(ref, ":")
	if len(parts) != 3 || parts[0] != "local" {
		return "", 0, fmt.Errorf("malformed snapshot ref %q", ref)
	}
	m, err := strconv.ParseUint(parts[2], 8, 32)
	if err != nil {
		return "", 0, fmt.Errorf("malformed snapshot ref %q: %w", ref, err)
	}
	return parts[1], fs.FileMode(m), nil
}

// writeDurable writes data through a temp file, fsyncs it, renames it
// into place, and fsyncs the parent directory. A crash never leaves a
// half-written target.
func writeDurable(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-"+uuid.NewString()[:8])
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
