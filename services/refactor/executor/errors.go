// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"errors"
	"fmt"
)

// ErrFileQuarantined is returned when an operation targets a file whose
// last restore failed. The file needs manual inspection before the
// executor will touch it again.
var ErrFileQuarantined = errors.New("file is quarantined after a failed restore")

// =============================================================================
// Typed Failures
// =============================================================================

// ConflictError means the target file no longer matches the fingerprint
// recorded when the suggestion was produced. The tree was not touched.
type ConflictError struct {
	FilePath string
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: file changed since suggestion was produced (expected %s, have %s)",
		e.FilePath, e.Expected, e.Actual)
}

// ApplyError means the change could not be applied cleanly. The tree
// was not modified; all-or-nothing application happens in memory.
type ApplyError struct {
	FilePath string
	Reason   string
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("cannot apply change to %s: %s", e.FilePath, e.Reason)
}

// BackupError means the pre-mutation snapshot could not be made
// durable. The operation aborts before any mutation.
type BackupError struct {
	FilePath string
	Err      error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("snapshot of %s failed: %v", e.FilePath, e.Err)
}

func (e *BackupError) Unwrap() error { return e.Err }

// RestoreError is the critical failure mode: the change was applied,
// verification rejected it, and putting the original content back also
// failed. The file is left in an unknown state and quarantined.
type RestoreError struct {
	FilePath    string
	SnapshotRef string
	Err         error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("CRITICAL: restore of %s from snapshot %s failed, file state unknown: %v",
		e.FilePath, e.SnapshotRef, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }

// OrderError means a migration group ran out of sequence: its
// predecessor group has not been committed against the current file
// content.
type OrderError struct {
	FilePath    string
	GroupIndex  int
	Predecessor string
	Reason      string
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("migration group %d for %s cannot run: %s (predecessor %s)",
		e.GroupIndex, e.FilePath, e.Reason, e.Predecessor)
}
