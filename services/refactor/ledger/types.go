// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ledger keeps the append-only audit record of every refactoring
// operation: one entry per execution attempt, never mutated, queried
// newest first. The ledger is the source of truth for "has this
// suggestion ever succeeded".
package ledger

import (
	"time"

	"github.com/reviselabs/revise/services/refactor/suggestion"
)

// =============================================================================
// Operation Status
// =============================================================================

// OperationStatus tracks execution attempt progress. An Operation is
// immutable once it reaches a terminal status.
type OperationStatus string

const (
	// OpCreated is the initial state of an execution attempt.
	OpCreated OperationStatus = "created"

	// OpSnapshotted indicates the pre-mutation snapshot is durable.
	OpSnapshotted OperationStatus = "snapshotted"

	// OpApplied indicates the change was written to the working tree.
	OpApplied OperationStatus = "applied"

	// OpTested indicates the verification command finished.
	OpTested OperationStatus = "tested"

	// OpCommitted is terminal: change kept, tests passed.
	OpCommitted OperationStatus = "committed"

	// OpRolledBack is terminal: change reverted after a failed, timed-out,
	// or errored verification, or via a later manual rollback.
	OpRolledBack OperationStatus = "rolled_back"

	// OpAborted is terminal: the attempt stopped before mutating the tree
	// (stale fingerprint, snapshot failure, unclean apply).
	OpAborted OperationStatus = "aborted"

	// OpPreviewed is terminal: a dry run that applied, captured the diff,
	// and restored the tree. Provably side-effect-free.
	OpPreviewed OperationStatus = "previewed"
)

// String returns the string representation of the status.
func (s OperationStatus) String() string {
	return string(s)
}

// IsTerminal reports whether the operation reached a final outcome.
func (s OperationStatus) IsTerminal() bool {
	switch s {
	case OpCommitted, OpRolledBack, OpAborted, OpPreviewed:
		return true
	default:
		return false
	}
}

// =============================================================================
// Test Summary
// =============================================================================

// TestSummary captures the verification outcome attached to an Operation.
type TestSummary struct {
	// Passed is true when the verification is treated as successful,
	// including the explicit skip-validation configuration.
	Passed bool `json:"passed"`

	// Classification is pass, fail, error, timeout, or skipped.
	Classification string `json:"classification"`

	// Output holds captured combined output, truncated for storage.
	Output string `json:"output,omitempty"`

	// ExitCode is the process exit code (-1 when not started or killed).
	ExitCode int `json:"exit_code"`

	// Duration is how long the verification ran.
	Duration time.Duration `json:"duration"`
}

// =============================================================================
// Operation
// =============================================================================

// Operation is one concrete attempt to apply a suggestion. Retried
// attempts create new Operations; history is never rewritten.
type Operation struct {
	// OperationID uniquely identifies the attempt.
	OperationID string `json:"operation_id"`

	// SuggestionID references the suggestion being applied.
	SuggestionID string `json:"suggestion_id"`

	// FilePath is the mutated file.
	FilePath string `json:"file_path"`

	// Kind mirrors the suggestion's kind at execution time.
	Kind suggestion.Kind `json:"kind"`

	// SnapshotRef is the opaque snapshot reference. Retained after commit
	// so a committed operation can still be rolled back manually.
	SnapshotRef string `json:"snapshot_ref,omitempty"`

	// TestResult is the verification outcome, when one ran.
	TestResult *TestSummary `json:"test_result,omitempty"`

	// Status is the attempt's progress / terminal outcome.
	Status OperationStatus `json:"status"`

	// DryRun marks preview attempts.
	DryRun bool `json:"dry_run"`

	// Diff is the would-be change, attached to previews.
	Diff string `json:"diff,omitempty"`

	// Cause is a human-readable reason for aborted/rolled-back outcomes.
	Cause string `json:"cause,omitempty"`

	// StartedAt is when the attempt began.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when the attempt reached a terminal status.
	FinishedAt time.Time `json:"finished_at,omitempty"`
}
