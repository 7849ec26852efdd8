// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestDefault_IsValid verifies the defaults pass their own validation.
func TestDefault_IsValid(t *testing.T) {
	cfg := Default("/tmp/revise-test")
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/tmp/revise-test", cfg.DataDir)
	assert.Equal(t, "local", cfg.Snapshot.Backend)
	assert.Equal(t, "block", cfg.Execution.LockWaitPolicy)
	assert.Equal(t, 5, cfg.Migration.TargetGroupSize)
	assert.Equal(t, "none", cfg.Producer.Kind)
}

// TestLoad_OverlaysDefaults verifies file values win over defaults and
// unset fields keep them.
func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9999
data_dir: /tmp/revise-test
validation:
  command: ["go", "test", "./..."]
  timeout: 90s
execution:
  lock_wait_policy: fail
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, []string{"go", "test", "./..."}, cfg.Validation.Command)
	assert.Equal(t, 90*time.Second, cfg.Validation.Timeout)
	assert.Equal(t, "fail", cfg.Execution.LockWaitPolicy)

	// Defaults survive where the file is silent.
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "local", cfg.Snapshot.Backend)
	assert.Equal(t, 4, cfg.Execution.MaxParallel)
}

// TestLoad_RejectsUnknownKeys verifies typos fail loudly instead of
// being silently ignored.
func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/revise-test
excution:
  max_parallel: 2
`)

	_, err := Load(path)
	require.Error(t, err)
}

// TestLoad_ValidationFailures verifies constraint enforcement.
func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad wait policy", "data_dir: /tmp/x\nexecution:\n  lock_wait_policy: spin\n"},
		{"gcs without bucket", "data_dir: /tmp/x\nsnapshot:\n  backend: gcs\n"},
		{"bad log level", "data_dir: /tmp/x\nlogging:\n  level: loud\n"},
		{"zero group size", "data_dir: /tmp/x\nmigration:\n  target_group_size: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

// TestLoad_MissingFile verifies a clear read error.
func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/no/such/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

// TestLoad_GCSBackend verifies a complete gcs snapshot section.
func TestLoad_GCSBackend(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/x
snapshot:
  backend: gcs
  bucket: revise-snapshots
  prefix: prod/
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gcs", cfg.Snapshot.Backend)
	assert.Equal(t, "revise-snapshots", cfg.Snapshot.Bucket)
	assert.Equal(t, "prod/", cfg.Snapshot.Prefix)
}
