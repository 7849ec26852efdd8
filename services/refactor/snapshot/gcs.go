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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	gcs "cloud.google.com/go/storage"
)

// =============================================================================
// GCS Store
// =============================================================================

// GCSStore keeps snapshots in a Google Cloud Storage bucket under a
// fixed object prefix. Objects are content addressed like LocalStore
// blobs, so retries and duplicate captures are free.
type GCSStore struct {
	bucket *gcs.BucketHandle
	prefix string
	logger *slog.Logger
	refs   *refCounter
}

// NewGCSStore wraps an existing client. The prefix defaults to
// "snapshots/" when empty.
func NewGCSStore(client *gcs.Client, bucket, prefix string, logger *slog.Logger) *GCSStore {
	if prefix == "" {
		prefix = "snapshots/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GCSStore{
		bucket: client.Bucket(bucket),
		prefix: prefix,
		logger: logger,
		refs:   newRefCounter(),
	}
}

// Capture uploads the file and returns its ref once the write is
// acknowledged.
func (s *GCSStore) Capture(ctx context.Context, path string) (string, error) {
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
	obj := s.bucket.Object(s.prefix + hexSum)

	// Skip the upload when the blob already exists.
	preexisting := true
	if _, err := obj.Attrs(ctx); err != nil {
		if !errors.Is(err, gcs.ErrObjectNotExist) {
			return "", fmt.Errorf("stat snapshot object: %w", err)
		}
		preexisting = false
		w := obj.NewWriter(ctx)
		if _, err := w.Write(data); err != nil {
			w.Close()
			return "", fmt.Errorf("upload snapshot: %w", err)
		}
		if err := w.Close(); err != nil {
			return "", fmt.Errorf("finalize snapshot upload: %w", err)
		}
	}
	s.refs.acquire(hexSum, preexisting)

	ref := fmt.Sprintf("gcs:%s:%o", hexSum, info.Mode().Perm())
	s.logger.Debug("snapshot uploaded", "path", path, "ref", ref, "bytes", len(data))
	return ref, nil
}

// Restore downloads the blob and writes it back to path.
func (s *GCSStore) Restore(ctx context.Context, ref, path string) error {
	hexSum, mode, err := parseGCSRef(ref)
	if err != nil {
		return err
	}
	r, err := s.bucket.Object(s.prefix + hexSum).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return fmt.Errorf("open snapshot %s: %w", ref, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("download snapshot %s: %w", ref, err)
	}
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
	return nil
}

// Discard drops one reference and deletes the object once nothing
// references it. Already-gone objects are ignored.
func (s *GCSStore) Discard(ctx context.Context, ref string) error {
	hexSum, _, err := parseGCSRef(ref)
	if err != nil {
		return err
	}
	if !s.refs.release(hexSum) {
		return nil
	}
	err = s.bucket.Object(s.prefix + hexSum).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("discard snapshot %s: %w", ref, err)
	}
	return nil
}

func parseGCSRef(ref string) (hexSum string, mode os.FileMode, err error) {
	parts := strings.Split(ref, ":")
	if len(parts) != 3 || parts[0] != "gcs" {
		return "", 0, fmt.Errorf("malformed snapshot ref %q", ref)
	}
	m, err := strconv.ParseUint(parts[2], 8, 32)
	if err != nil {
		return "", 0, fmt.Errorf("malformed snapshot ref %q: %w", ref, err)
	}
	return parts[1], os.FileMode(m), nil
}
