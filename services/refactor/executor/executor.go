// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package executor runs approved suggestions through the safe execution
// protocol: lock, staleness check, snapshot, apply, verify, then commit
// or roll back. Every attempt ends as exactly one ledger record.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/reviselabs/revise/services/refactor/ledger"
	"github.com/reviselabs/revise/services/refactor/lock"
	"github.com/reviselabs/revise/services/refactor/patch"
	"github.com/reviselabs/revise/services/refactor/snapshot"
	"github.com/reviselabs/revise/services/refactor/suggestion"
	"github.com/reviselabs/revise/services/refactor/validator"
)

// =============================================================================
// Config
// =============================================================================

// Config controls execution behavior.
type Config struct {
	// WaitPolicy decides how contended files are handled.
	WaitPolicy lock.WaitPolicy

	// MaxParallel bounds batch execution concurrency. Operations on the
	// same file still serialize through the lock manager.
	MaxParallel int
}

// DefaultConfig blocks on contended files and runs batches four wide.
func DefaultConfig() Config {
	return Config{
		WaitPolicy:  lock.WaitBlock,
		MaxParallel: 4,
	}
}

// =============================================================================
// Executor
// =============================================================================

// Executor coordinates the apply-verify-commit transaction.
//
// # Description
//
// An execution attempt never leaves a file half-changed: the patched
// content is produced entirely in memory, the original is snapshotted
// durably before the write, and a failed verification restores the
// snapshot byte for byte. The only unrecoverable case is a failed
// restore, which quarantines the file until an operator intervenes.
//
// # Thread Safety
//
// Safe for concurrent use. Per-file serialization is enforced by the
// lock manager.
type Executor struct {
	suggestions *suggestion.Store
	ledger      *ledger.Ledger
	snapshots   snapshot.Store
	locks       *lock.Manager
	watcher     *lock.Watcher
	runner      *validator.Runner
	config      Config
	logger      *slog.Logger

	quarMu      sync.Mutex
	quarantined map[string]string
}

// New wires an Executor. The watcher is optional; pass nil to disable
// external-change tracking.
func New(
	suggestions *suggestion.Store,
	ldg *ledger.Ledger,
	snapshots snapshot.Store,
	locks *lock.Manager,
	watcher *lock.Watcher,
	runner *validator.Runner,
	cfg Config,
	logger *slog.Logger,
) *Executor {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultConfig().MaxParallel
	}
	if cfg.WaitPolicy == "" {
		cfg.WaitPolicy = lock.WaitBlock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		suggestions: suggestions,
		ledger:      ldg,
		snapshots:   snapshots,
		locks:       locks,
		watcher:     watcher,
		runner:      runner,
		config:      cfg,
		logger:      logger,
		quarantined: make(map[string]string),
	}
}

// Execute runs one suggestion through the full protocol. Real runs
// require an approved suggestion; dry runs also accept pending ones and
// leave both the tree and the suggestion state untouched.
func (e *Executor) Execute(ctx context.Context, suggestionID string, dryRun bool) (*ledger.Operation, error) {
	sugg, err := e.suggestions.Get(ctx, suggestionID)
	if err != nil {
		return nil, err
	}

	switch sugg.Status {
	case suggestion.StatusApproved:
	case suggestion.StatusPending:
		if !dryRun {
			return nil, fmt.Errorf("suggestion %s is %s, not approved", suggestionID, sugg.Status)
		}
	default:
		return nil, fmt.Errorf("suggestion %s is %s, not executable", suggestionID, sugg.Status)
	}

	if reason, ok := e.Quarantined(sugg.FilePath); ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrFileQuarantined, sugg.FilePath, reason)
	}

	ctx, span := startExecuteSpan(ctx, suggestionID, sugg.FilePath, dryRun)
	defer span.End()

	release, err := e.locks.Acquire(ctx, sugg.FilePath, e.config.WaitPolicy)
	if err != nil {
		return nil, err
	}
	defer release()

	if !dryRun {
		if _, err := e.suggestions.Transition(ctx, suggestionID, suggestion.EventBeginExecution); err != nil {
			return nil, err
		}
	}

	op := &ledger.Operation{
		OperationID:  uuid.NewString(),
		SuggestionID: sugg.ID,
		FilePath:     sugg.FilePath,
		Kind:         sugg.Kind,
		DryRun:       dryRun,
		Status:       ledger.OpCreated,
		StartedAt:    time.Now(),
	}

	execErr := e.run(ctx, sugg, op, dryRun)

	op.FinishedAt = time.Now()
	recordExecuteMetrics(ctx, op.Status.String(), op.FinishedAt.Sub(op.StartedAt))
	if appendErr := e.ledger.Append(ctx, *op); appendErr != nil {
		e.logger.Error("failed to record operation",
			"operation_id", op.OperationID, "error", appendErr)
	}

	if !dryRun {
		event := suggestion.EventSucceed
		if op.Status != ledger.OpCommitted {
			event = suggestion.EventFail
		}
		if _, trErr := e.suggestions.Transition(ctx, suggestionID, event); trErr != nil {
			e.logger.Error("failed to transition suggestion",
				"suggestion_id", suggestionID, "event", string(event), "error", trErr)
		}
	}

	if execErr != nil {
		return op, execErr
	}
	return op, nil
}

// run performs the attempt body. It fills in op and returns the typed
// failure when the attempt did not commit. A rolled-back verification
// failure is not an error; the outcome lives in op.
func (e *Executor) run(ctx context.Context, sugg *suggestion.Suggestion, op *ledger.Operation, dryRun bool) error {
	path := sugg.FilePath

	original, exists, err := readFile(path)
	if err != nil {
		op.Status = ledger.OpAborted
		op.Cause = err.Error()
		return err
	}

	// Staleness check. The suggestion was produced against a specific
	// file content; anything else is a conflict. A record without a
	// fingerprint can never match and is treated as stale.
	actual := patch.Fingerprint(original)
	if actual != sugg.Fingerprint {
		var failure error
		if sugg.Kind == suggestion.KindMigrationGroup && sugg.Migration != nil && sugg.Migration.GroupIndex > 0 {
			failure = &OrderError{
				FilePath:    path,
				GroupIndex:  sugg.Migration.GroupIndex,
				Predecessor: sugg.Migration.PredecessorSum,
				Reason:      "file content does not match the predecessor group's output",
			}
		} else {
			failure = &ConflictError{FilePath: path, Expected: sugg.Fingerprint, Actual: actual}
		}
		op.Status = ledger.OpAborted
		op.Cause = failure.Error()
		return failure
	}

	// The watcher may have flagged an external edit; the fingerprint
	// match above proves the expected content is still in place, so the
	// flag is stale.
	if e.watcher != nil {
		if _, dirty := e.watcher.ExternallyModified(path); dirty {
			e.watcher.Ack(path)
		}
	}

	// Migration groups additionally require their predecessor group's
	// script to exist with the expected content. Out-of-order execution
	// is detected before anything is mutated.
	if sugg.Kind == suggestion.KindMigrationGroup && sugg.Migration != nil && sugg.Migration.PredecessorPath != "" {
		pred, predExists, err := readFile(sugg.Migration.PredecessorPath)
		if err != nil {
			op.Status = ledger.OpAborted
			op.Cause = err.Error()
			return err
		}
		if !predExists || patch.Fingerprint(pred) != sugg.Migration.PredecessorSum {
			failure := &OrderError{
				FilePath:    path,
				GroupIndex:  sugg.Migration.GroupIndex,
				Predecessor: sugg.Migration.PredecessorPath,
				Reason:      "predecessor group has not been executed",
			}
			op.Status = ledger.OpAborted
			op.Cause = failure.Error()
			return failure
		}
	}

	// Produce the new content entirely in memory before touching disk.
	newContent, remove, err := e.render(original, sugg)
	if err != nil {
		failure := &ApplyError{FilePath: path, Reason: err.Error()}
		op.Status = ledger.OpAborted
		op.Cause = failure.Error()
		return failure
	}

	// Snapshot must be durable before the first byte changes.
	var ref string
	if exists {
		ref, err = e.snapshots.Capture(ctx, path)
		if err != nil {
			failure := &BackupError{FilePath: path, Err: err}
			op.Status = ledger.OpAborted
			op.Cause = failure.Error()
			return failure
		}
		op.SnapshotRef = ref
	}
	op.Status = ledger.OpSnapshotted

	if e.watcher != nil {
		e.watcher.Suppress(path)
		defer e.watcher.Unsuppress(path)
	}

	var writeErr error
	if remove {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			writeErr = err
		}
	} else {
		writeErr = writeFile(path, newContent, exists)
	}
	if writeErr != nil {
		// Nothing verified yet; try to put the original back.
		if restoreErr := e.restore(ctx, ref, path, exists); restoreErr != nil {
			return e.quarantine(ctx, op, ref, restoreErr)
		}
		op.Status = ledger.OpAborted
		op.Cause = fmt.Sprintf("write failed: %v", writeErr)
		return fmt.Errorf("write %s: %w", path, writeErr)
	}
	op.Status = ledger.OpApplied

	if dryRun {
		op.Diff = patch.Unified(path, original, newContent)
		if err := e.restore(ctx, ref, path, exists); err != nil {
			return e.quarantine(ctx, op, ref, err)
		}
		if ref != "" {
			if err := e.snapshots.Discard(ctx, ref); err != nil {
				e.logger.Warn("failed to discard preview snapshot", "ref", ref, "error", err)
			}
		}
		op.SnapshotRef = ""
		op.Status = ledger.OpPreviewed
		e.logger.Info("dry run complete", "suggestion_id", sugg.ID, "file", path)
		return nil
	}

	result, err := e.runner.Run(ctx)
	if err != nil {
		// Runner infrastructure failure. Treat like a failed run.
		result = &validator.Result{
			Classification: validator.ClassError,
			Output:         err.Error(),
			ExitCode:       -1,
		}
	}
	op.TestResult = &ledger.TestSummary{
		Passed:         result.Passed,
		Classification: string(result.Classification),
		Output:         result.Output,
		ExitCode:       result.ExitCode,
		Duration:       result.Duration,
	}
	op.Status = ledger.OpTested

	if result.Passed {
		// Snapshot ref is retained so a committed change can still be
		// reverted manually later.
		op.Status = ledger.OpCommitted
		e.logger.Info("change committed",
			"suggestion_id", sugg.ID,
			"file", path,
			"classification", string(result.Classification))
		return nil
	}

	if err := e.restore(ctx, ref, path, exists); err != nil {
		return e.quarantine(ctx, op, ref, err)
	}
	recordRollback(ctx, false)
	op.Status = ledger.OpRolledBack
	op.Cause = fmt.Sprintf("verification %s", result.Classification)
	e.logger.Warn("change rolled back",
		"suggestion_id", sugg.ID,
		"file", path,
		"classification", string(result.Classification),
		"exit_code", result.ExitCode)
	return nil
}

// render produces the post-change content for a suggestion. A deletion
// diff yields remove=true with no content.
func (e *Executor) render(original []byte, sugg *suggestion.Suggestion) (content []byte, remove bool, err error) {
	switch sugg.Kind {
	case suggestion.KindApplyDiff:
		content, err = patch.ApplyText(original, sugg.Content)
		if err != nil {
			return nil, false, err
		}
		// Apply signals deletion with nil content; an empty result
		// comes back as an empty non-nil slice.
		return content, content == nil, nil
	case suggestion.KindMigrationGroup:
		// Migration groups carry the full script for their step.
		return []byte(sugg.Content), false, nil
	default:
		return nil, false, fmt.Errorf("unknown suggestion kind %q", sugg.Kind)
	}
}

// restore puts the pre-change content back. A file that did not exist
// before the attempt is removed again.
func (e *Executor) restore(ctx context.Context, ref, path string, existed bool) error {
	if !existed {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	return e.snapshots.Restore(ctx, ref, path)
}

// quarantine records the critical restore failure and blocks further
// operations on the file.
func (e *Executor) quarantine(ctx context.Context, op *ledger.Operation, ref string, restoreErr error) error {
	failure := &RestoreError{FilePath: op.FilePath, SnapshotRef: ref, Err: restoreErr}

	e.quarMu.Lock()
	e.quarantined[op.FilePath] = failure.Error()
	e.quarMu.Unlock()

	recordQuarantine(ctx)
	op.Status = ledger.OpRolledBack
	op.Cause = failure.Error()
	e.logger.Error("restore failed, file quarantined",
		"file", op.FilePath,
		"snapshot_ref", ref,
		"error", restoreErr)
	return failure
}

// Quarantined reports whether path is blocked and why.
func (e *Executor) Quarantined(path string) (string, bool) {
	e.quarMu.Lock()
	defer e.quarMu.Unlock()
	reason, ok := e.quarantined[path]
	return reason, ok
}

// ClearQuarantine unblocks a file after manual repair.
func (e *Executor) ClearQuarantine(path string) {
	e.quarMu.Lock()
	defer e.quarMu.Unlock()
	delete(e.quarantined, path)
	e.logger.Info("quarantine cleared", "file", path)
}

// =============================================================================
// File State
// =============================================================================

// FileState is advisory per-file execution state.
type FileState struct {
	Path               string     `json:"path"`
	Locked             bool       `json:"locked"`
	Quarantined        bool       `json:"quarantined"`
	QuarantineReason   string     `json:"quarantine_reason,omitempty"`
	ExternallyModified bool       `json:"externally_modified"`
	ModifiedAt         *time.Time `json:"modified_at,omitempty"`
}

// FileState reports lock, quarantine, and external-modification status
// for one file. Advisory; any of it can change as soon as it is read.
func (e *Executor) FileState(path string) FileState {
	st := FileState{Path: path, Locked: e.locks.Held(path)}
	if reason, ok := e.Quarantined(path); ok {
		st.Quarantined = true
		st.QuarantineReason = reason
	}
	if e.watcher != nil {
		if at, ok := e.watcher.ExternallyModified(path); ok {
			st.ExternallyModified = true
			st.ModifiedAt = &at
		}
	}
	return st
}

// =============================================================================
// Batch Execution
// =============================================================================

// BatchResult is one suggestion's outcome in a batch run.
type BatchResult struct {
	SuggestionID string            `json:"suggestion_id"`
	Operation    *ledger.Operation `json:"operation,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// ExecuteBatch runs several suggestions concurrently, bounded by
// MaxParallel. Individual failures do not stop the batch; results come
// back in input order.
func (e *Executor) ExecuteBatch(ctx context.Context, suggestionIDs []string, dryRun bool) []BatchResult {
	results := make([]BatchResult, len(suggestionIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.MaxParallel)

	for i, id := range suggestionIDs {
		g.Go(func() error {
			op, err := e.Execute(gctx, id, dryRun)
			results[i] = BatchResult{SuggestionID: id, Operation: op}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	// Workers never return errors; Wait only observes ctx cancellation.
	_ = g.Wait()
	return results
}

// =============================================================================
// Manual Rollback
// =============================================================================

// RollbackCommitted reverts a previously committed operation using its
// retained snapshot and appends a new rollback record. The original
// history entry is never rewritten.
func (e *Executor) RollbackCommitted(ctx context.Context, operationID string) (*ledger.Operation, error) {
	prev, err := e.ledger.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if prev.Status != ledger.OpCommitted {
		return nil, fmt.Errorf("operation %s is %s, only committed operations can be rolled back",
			operationID, prev.Status)
	}
	if prev.SnapshotRef == "" {
		return nil, fmt.Errorf("operation %s has no retained snapshot", operationID)
	}
	if reason, ok := e.Quarantined(prev.FilePath); ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrFileQuarantined, prev.FilePath, reason)
	}

	release, err := e.locks.Acquire(ctx, prev.FilePath, e.config.WaitPolicy)
	if err != nil {
		return nil, err
	}
	defer release()

	if e.watcher != nil {
		e.watcher.Suppress(prev.FilePath)
		defer e.watcher.Unsuppress(prev.FilePath)
	}

	op := &ledger.Operation{
		OperationID:  uuid.NewString(),
		SuggestionID: prev.SuggestionID,
		FilePath:     prev.FilePath,
		Kind:         prev.Kind,
		SnapshotRef:  prev.SnapshotRef,
		Status:       ledger.OpRolledBack,
		Cause:        fmt.Sprintf("manual rollback of operation %s", operationID),
		StartedAt:    time.Now(),
	}

	if err := e.snapshots.Restore(ctx, prev.SnapshotRef, prev.FilePath); err != nil {
		return nil, e.quarantine(ctx, op, prev.SnapshotRef, err)
	}
	recordRollback(ctx, true)

	op.FinishedAt = time.Now()
	if err := e.ledger.Append(ctx, *op); err != nil {
		return nil, fmt.Errorf("record rollback: %w", err)
	}
	e.logger.Info("committed operation rolled back",
		"operation_id", operationID,
		"file", prev.FilePath)
	return op, nil
}

// =============================================================================
// File Helpers
// =============================================================================

func readFile(path string) (data []byte, exists bool, err error) {
	data, err = os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	return data, true, nil
}

func writeFile(path string, content []byte, existed bool) error {
	mode := os.FileMode(0o644)
	if existed {
		if info, err := os.Stat(path); err == nil {
			mode = info.Mode().Perm()
		}
	}
	return os.WriteFile(path, content, mode)
}
