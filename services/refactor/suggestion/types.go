// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package suggestion persists refactoring suggestions and enforces their
// lifecycle state machine.
//
// # Description
//
// A suggestion is a proposed, not-yet-applied code transformation with
// provenance metadata. Suggestions are created pending, move through an
// explicit review lifecycle, and are never deleted - only cleared through
// the filtered Clear operation. Every state transition is validated
// against the allowed edge set and logged with a timestamp.
//
// # Thread Safety
//
// Store is safe for concurrent use. Mutations to a single suggestion are
// serialized (single writer at a time per suggestion ID).
package suggestion

import (
	"time"
)

// =============================================================================
// Status & Transitions
// =============================================================================

// Status tracks the lifecycle state of a suggestion.
type Status string

const (
	// StatusPending indicates the suggestion awaits review.
	StatusPending Status = "pending"

	// StatusApproved indicates the suggestion was accepted for execution.
	StatusApproved Status = "approved"

	// StatusRejected indicates the suggestion was declined.
	StatusRejected Status = "rejected"

	// StatusExecuting indicates an execution attempt is in flight.
	StatusExecuting Status = "executing"

	// StatusExecuted indicates the most recent attempt committed.
	StatusExecuted Status = "executed"

	// StatusFailed indicates the most recent attempt rolled back or aborted.
	StatusFailed Status = "failed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether the status is a terminal execution outcome.
// Terminal suggestions only re-enter the lifecycle through an explicit
// re-suggestion, never implicitly.
func (s Status) IsTerminal() bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusRejected
}

// Event names an edge in the suggestion state machine.
type Event string

const (
	// EventApprove moves pending -> approved.
	EventApprove Event = "approve"

	// EventReject moves pending -> rejected.
	EventReject Event = "reject"

	// EventBeginExecution moves approved -> executing.
	EventBeginExecution Event = "begin_execution"

	// EventSucceed moves executing -> executed.
	EventSucceed Event = "succeed"

	// EventFail moves executing -> failed.
	EventFail Event = "fail"
)

// transitions is the allowed edge set. Anything else fails with
// ErrInvalidTransition and leaves state unchanged.
var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventApprove: StatusApproved,
		EventReject:  StatusRejected,
	},
	StatusApproved: {
		EventBeginExecution: StatusExecuting,
	},
	StatusExecuting: {
		EventSucceed: StatusExecuted,
		EventFail:    StatusFailed,
	},
}

// TransitionRecord logs one applied state transition.
type TransitionRecord struct {
	// Event is the transition that was applied.
	Event Event `json:"event"`

	// From is the status before the transition.
	From Status `json:"from"`

	// To is the status after the transition.
	To Status `json:"to"`

	// At is when the transition was applied.
	At time.Time `json:"at"`
}

// =============================================================================
// Operation Kind (tagged variant)
// =============================================================================

// Kind is the closed set of transformation kinds the executor dispatches
// on. Each kind carries its own typed parameters; dispatch is a single
// exhaustive switch, never a string-keyed lookup table.
type Kind string

const (
	// KindApplyDiff applies a unified diff to an existing file.
	KindApplyDiff Kind = "apply_diff"

	// KindMigrationGroup materializes one split-migration group file.
	// The only kind carrying MigrationGroupParams.
	KindMigrationGroup Kind = "migration_group"
)

// Valid reports whether the kind is a member of the closed set.
func (k Kind) Valid() bool {
	switch k {
	case KindApplyDiff, KindMigrationGroup:
		return true
	default:
		return false
	}
}

// MigrationGroupParams are the typed parameters of a KindMigrationGroup
// suggestion. Groups form a linear chain: applying a group requires its
// predecessor's output to exist and match the recorded checksum, which
// makes out-of-order application detectable before any mutation.
type MigrationGroupParams struct {
	// GroupIndex is the zero-based position of this group in the split.
	GroupIndex int `json:"group_index"`

	// DependsOnGroupIndex is the immediately preceding group, or -1 for
	// the first group.
	DependsOnGroupIndex int `json:"depends_on_group_index"`

	// PredecessorPath is the forward file of the preceding group. Empty
	// for the first group.
	PredecessorPath string `json:"predecessor_path,omitempty"`

	// PredecessorSum is the hex SHA-256 the predecessor file must have.
	PredecessorSum string `json:"predecessor_sum,omitempty"`

	// ReversePath is where the generated rollback script lives.
	ReversePath string `json:"reverse_path,omitempty"`
}

// =============================================================================
// Suggestion
// =============================================================================

// Suggestion is a proposed, not-yet-applied code transformation.
//
// # Description
//
// Content is an opaque change descriptor (a unified diff) produced by an
// external content producer. The executor only needs "apply against this
// file" semantics and a clean-application failure signal. Fingerprint is
// a hash of the target region at generation time, used to detect that the
// file changed since the suggestion was produced.
type Suggestion struct {
	// ID uniquely identifies the suggestion.
	ID string `json:"id"`

	// FilePath is the target file, relative to the project root.
	FilePath string `json:"file_path"`

	// Strategy labels the transformation (e.g. "extract_function").
	// Opaque to the execution core.
	Strategy string `json:"strategy"`

	// Content is the change descriptor (unified diff) to apply.
	Content string `json:"content"`

	// Priority orders suggestions for review; higher runs first.
	Priority int `json:"priority"`

	// Fingerprint is the hex SHA-256 of the target region at generation
	// time. For migration group suggestions the predecessor group ID is
	// mixed into the hashed material, chaining groups together.
	Fingerprint string `json:"fingerprint"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Kind selects the apply semantics for this suggestion.
	Kind Kind `json:"kind"`

	// Migration carries typed parameters when Kind is KindMigrationGroup.
	Migration *MigrationGroupParams `json:"migration,omitempty"`

	// CreatedAt is when the suggestion was stored.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the suggestion last changed state.
	UpdatedAt time.Time `json:"updated_at"`

	// Transitions is the ordered log of applied state transitions.
	Transitions []TransitionRecord `json:"transitions,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (s *Suggestion) Clone() *Suggestion {
	out := *s
	if s.Migration != nil {
		m := *s.Migration
		out.Migration = &m
	}
	out.Transitions = append([]TransitionRecord(nil), s.Transitions...)
	return &out
}

// =============================================================================
// Stats
// =============================================================================

// Stats summarizes stored suggestions (mirrors the status query surface).
type Stats struct {
	// Total is the number of stored suggestions.
	Total int `json:"total"`

	// ByStatus counts suggestions per lifecycle state.
	ByStatus map[Status]int `json:"by_status"`

	// ByFile counts suggestions per target file.
	ByFile map[string]int `json:"by_file"`
}
