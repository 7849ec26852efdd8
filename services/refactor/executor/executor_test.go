// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviselabs/revise/services/refactor/ledger"
	"github.com/reviselabs/revise/services/refactor/lock"
	"github.com/reviselabs/revise/services/refactor/migrate"
	"github.com/reviselabs/revise/services/refactor/patch"
	"github.com/reviselabs/revise/services/refactor/snapshot"
	"github.com/reviselabs/revise/services/refactor/storage"
	"github.com/reviselabs/revise/services/refactor/suggestion"
	"github.com/reviselabs/revise/services/refactor/validator"
)

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	executor    *Executor
	suggestions *suggestion.Store
	ledger      *ledger.Ledger
	snapshots   snapshot.Store
	locks       *lock.Manager
	dir         string
}

// newHarness builds an executor over an in-memory store with the given
// verification command. snapshots overrides the store when non-nil.
func newHarness(t *testing.T, command []string, snapshots snapshot.Store) *harness {
	t.Helper()

	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dir := t.TempDir()
	if snapshots == nil {
		local, err := snapshot.NewLocalStore(filepath.Join(dir, ".snapshots"), nil)
		require.NoError(t, err)
		snapshots = local
	}

	suggestions := suggestion.NewStore(db, nil)
	ldg := ledger.New(db, nil)
	runner := validator.NewRunner(validator.Config{
		Command: command,
		Timeout: 30 * time.Second,
	}, nil)

	locks := lock.NewManager(nil)
	exec := New(suggestions, ldg, snapshots, locks, nil, runner, DefaultConfig(), nil)
	return &harness{
		executor:    exec,
		suggestions: suggestions,
		ledger:      ldg,
		snapshots:   snapshots,
		locks:       locks,
		dir:         dir,
	}
}

// seedDiffSuggestion writes a target file and registers an approved
// suggestion turning before into after.
func (h *harness) seedDiffSuggestion(t *testing.T, name, before, after string) (string, string) {
	t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(before), 0o644))

	id, err := h.suggestions.Create(context.Background(), &suggestion.Suggestion{
		FilePath:    path,
		Strategy:    "test",
		Content:     patch.Unified(path, []byte(before), []byte(after)),
		Fingerprint: patch.Fingerprint([]byte(before)),
	})
	require.NoError(t, err)
	_, err = h.suggestions.Transition(context.Background(), id, suggestion.EventApprove)
	require.NoError(t, err)
	return id, path
}

func readAll(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// failingRestoreStore wraps a real store but refuses every restore.
type failingRestoreStore struct {
	snapshot.Store
}

func (f *failingRestoreStore) Restore(ctx context.Context, ref, path string) error {
	return errors.New("disk on fire")
}

// =============================================================================
// Execute
// =============================================================================

// TestExecute_CommitsOnPassingVerification verifies the happy path:
// change on disk, committed record, executed suggestion, snapshot kept.
func TestExecute_CommitsOnPassingVerification(t *testing.T) {
	h := newHarness(t, []string{"true"}, nil)
	ctx := context.Background()

	id, path := h.seedDiffSuggestion(t, "main.go", "old content\n", "new content\n")

	op, err := h.executor.Execute(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, ledger.OpCommitted, op.Status)
	assert.NotEmpty(t, op.SnapshotRef, "snapshot is retained after commit")
	require.NotNil(t, op.TestResult)
	assert.True(t, op.TestResult.Passed)

	assert.Equal(t, "new content\n", readAll(t, path))

	sugg, err := h.suggestions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, suggestion.StatusExecuted, sugg.Status)

	recorded, err := h.ledger.Get(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OpCommitted, recorded.Status)
}

// TestExecute_RollsBackOnFailingVerification verifies a failed run
// restores the original bytes exactly and records the rollback.
func TestExecute_RollsBackOnFailingVerification(t *testing.T) {
	h := newHarness(t, []string{"false"}, nil)
	ctx := context.Background()

	before := "alpha\nbeta\ngamma\n"
	id, path := h.seedDiffSuggestion(t, "main.go", before, "alpha\nBETA\ngamma\n")

	op, err := h.executor.Execute(ctx, id, false)
	require.NoError(t, err, "a verified rollback is an outcome, not an error")
	assert.Equal(t, ledger.OpRolledBack, op.Status)
	assert.Equal(t, "verification fail", op.Cause)

	assert.Equal(t, before, readAll(t, path), "restore must be byte identical")

	sugg, err := h.suggestions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, suggestion.StatusFailed, sugg.Status)

	// Rolled-back attempts are hidden from the default history view.
	visible, err := h.ledger.History(ctx, ledger.Query{FilePath: path})
	require.NoError(t, err)
	assert.Empty(t, visible)
	all, err := h.ledger.History(ctx, ledger.Query{FilePath: path, IncludeRolledBack: true})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// TestExecute_DryRunIsSideEffectFree verifies previews mutate nothing:
// not the file, not the suggestion, not the snapshot store.
func TestExecute_DryRunIsSideEffectFree(t *testing.T) {
	h := newHarness(t, []string{"true"}, nil)
	ctx := context.Background()

	before := "one\ntwo\n"
	path := filepath.Join(h.dir, "main.go")
	require.NoError(t, os.WriteFile(path, []byte(before), 0o644))

	// Dry runs are allowed straight from pending.
	id, err := h.suggestions.Create(ctx, &suggestion.Suggestion{
		FilePath:    path,
		Strategy:    "test",
		Content:     patch.Unified(path, []byte(before), []byte("one\nTWO\n")),
		Fingerprint: patch.Fingerprint([]byte(before)),
	})
	require.NoError(t, err)

	op, err := h.executor.Execute(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, ledger.OpPreviewed, op.Status)
	assert.True(t, op.DryRun)
	assert.Empty(t, op.SnapshotRef, "preview snapshots are discarded")
	assert.Contains(t, op.Diff, "+TWO")
	assert.Nil(t, op.TestResult, "previews skip verification")

	assert.Equal(t, before, readAll(t, path))

	sugg, err := h.suggestions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, suggestion.StatusPending, sugg.Status, "dry runs never transition the suggestion")
}

// TestExecute_StaleFingerprintAborts verifies external drift is caught
// before any mutation.
func TestExecute_StaleFingerprintAborts(t *testing.T) {
	h := newHarness(t, []string{"true"}, nil)
	ctx := context.Background()

	id, path := h.seedDiffSuggestion(t, "main.go", "original\n", "changed\n")

	// Someone else edits the file between approval and execution.
	drifted := "drifted by another tool\n"
	require.NoError(t, os.WriteFile(path, []byte(drifted), 0o644))

	op, err := h.executor.Execute(ctx, id, false)
	require.Error(t, err)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, path, conflict.FilePath)

	assert.Equal(t, ledger.OpAborted, op.Status)
	assert.Equal(t, drifted, readAll(t, path), "aborted attempts touch nothing")

	sugg, err := h.suggestions.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, suggestion.StatusFailed, sugg.Status)
}

// TestExecute_ApplyMismatchAborts verifies an unclean patch fails whole
// with the file untouched.
func TestExecute_ApplyMismatchAborts(t *testing.T) {
	h := newHarness(t, []string{"true"}, nil)
	ctx := context.Background()

	before := "alpha\nbeta\n"
	path := filepath.Join(h.dir, "main.go")
	require.NoError(t, os.WriteFile(path, []byte(before), 0o644))

	// Content and fingerprint disagree: the diff expects other context.
	id, err := h.suggestions.Create(ctx, &suggestion.Suggestion{
		FilePath:    path,
		Strategy:    "test",
		Content:     "--- a/main.go\n+++ b/main.go\n@@ -1,1 +1,1 @@\n-something else\n+replacement\n",
		Fingerprint: patch.Fingerprint([]byte(before)),
	})
	require.NoError(t, err)
	_, err = h.suggestions.Transition(ctx, id, suggestion.EventApprove)
	require.NoError(t, err)

	op, err := h.executor.Execute(ctx, id, false)
	require.Error(t, err)

	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, ledger.OpAborted, op.Status)
	assert.Equal(t, before, readAll(t, path))
}

// TestExecute_RequiresApprovalForRealRuns verifies pending suggestions
// cannot execute for real.
func TestExecute_RequiresApprovalForRealRuns(t *testing.T) {
	h := newHarness(t, []string{"true"}, nil)
	ctx := context.Background()

	path := filepath.Join(h.dir, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("x\n"), 0o644))
	id, err := h.suggestions.Create(ctx, &suggestion.Suggestion{
		FilePath:    path,
		Strategy:    "test",
		Content:     patch.Unified(path, []byte("x\n"), []byte("y\n")),
		Fingerprint: patch.Fingerprint([]byte("x\n")),
	})
	require.NoError(t, err)

	_, err = h.executor.Execute(ctx, id, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not approved")
}

// TestExecute_SkippedValidationCommits verifies an empty verification
// command counts as passed.
func TestExecute_SkippedValidationCommits(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	id, path := h.seedDiffSuggestion(t, "main.go", "a\n", "b\n")

	op, err := h.executor.Execute(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, ledger.OpCommitted, op.Status)
	assert.Equal(t, string(validator.ClassSkipped), op.TestResult.Classification)
	assert.Equal(t, "b\n", readAll(t, path))
}

// TestExecute_QuarantinesOnFailedRestore verifies the critical path: a
// failed restore surfaces RestoreError, records the attempt, and blocks
// the file until the quarantine is cleared.
func TestExecute_QuarantinesOnFailedRestore(t *testing.T) {
	local, err := snapshot.NewLocalStore(filepath.Join(t.TempDir(), ".snapshots"), nil)
	require.NoError(t, err)

	h := newHarness(t, []string{"false"}, &failingRestoreStore{Store: local})
	ctx := context.Background()

	id, path := h.seedDiffSuggestion(t, "main.go", "before\n", "after\n")

	op, err := h.executor.Execute(ctx, id, false)
	require.Error(t, err)

	var restoreErr *RestoreError
	require.ErrorAs(t, err, &restoreErr)
	assert.Equal(t, path, restoreErr.FilePath)
	assert.Contains(t, restoreErr.Error(), "CRITICAL")

	assert.Equal(t, ledger.OpRolledBack, op.Status)
	assert.Contains(t, op.Cause, "CRITICAL")

	reason, quarantined := h.executor.Quarantined(path)
	assert.True(t, quarantined)
	assert.NotEmpty(t, reason)

	// The file is blocked for everything until cleared, even previews of
	// a fresh suggestion.
	freshID, err := h.suggestions.Create(ctx, &suggestion.Suggestion{
		FilePath:    path,
		Strategy:    "test",
		Content:     "--- a/main.go\n+++ b/main.go\n@@ -1,1 +1,1 @@\n-after\n+other\n",
		Fingerprint: patch.Fingerprint([]byte("after\n")),
	})
	require.NoError(t, err)
	_, err = h.executor.Execute(ctx, freshID, true)
	assert.ErrorIs(t, err, ErrFileQuarantined)

	h.executor.ClearQuarantine(path)
	_, quarantined = h.executor.Quarantined(path)
	assert.False(t, quarantined)
}

// TestExecute_MigrationGroupsEnforceOrder verifies chained migration
// groups reject out-of-order execution and accept the correct order.
func TestExecute_MigrationGroupsEnforceOrder(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	units, err := migrate.ParseSQL("CREATE TABLE a (id INT); CREATE TABLE b (id INT); CREATE TABLE c (id INT);")
	require.NoError(t, err)
	groups, err := migrate.Split(units, 2)
	require.NoError(t, err)
	require.Len(t, groups, 2)

	suggs, err := migrate.ToSuggestions(groups, h.dir, "mig", "migration-split")
	require.NoError(t, err)

	var ids []string
	for _, sg := range suggs {
		id, err := h.suggestions.Create(ctx, sg)
		require.NoError(t, err)
		_, err = h.suggestions.Transition(ctx, id, suggestion.EventApprove)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	// suggs alternate forward, reverse per group.
	group1, group2 := ids[0], ids[2]

	// Group 2 ahead of group 1 must abort before touching disk.
	op, err := h.executor.Execute(ctx, group2, false)
	require.Error(t, err)
	var orderErr *OrderError
	require.ErrorAs(t, err, &orderErr)
	assert.Equal(t, 1, orderErr.GroupIndex)
	assert.Equal(t, ledger.OpAborted, op.Status)
	_, statErr := os.Stat(suggs[2].FilePath)
	assert.True(t, os.IsNotExist(statErr), "aborted group must not be materialized")

	// Correct order succeeds.
	op, err = h.executor.Execute(ctx, group1, false)
	require.NoError(t, err)
	assert.Equal(t, ledger.OpCommitted, op.Status)

	// Group 2 was marked failed by the rejected attempt; resubmit it.
	group2Retry, err := h.suggestions.Resubmit(ctx, group2, patch.Fingerprint(nil))
	require.NoError(t, err)
	_, err = h.suggestions.Transition(ctx, group2Retry, suggestion.EventApprove)
	require.NoError(t, err)

	op, err = h.executor.Execute(ctx, group2Retry, false)
	require.NoError(t, err)
	assert.Equal(t, ledger.OpCommitted, op.Status)
	assert.Contains(t, readAll(t, suggs[2].FilePath), "CREATE TABLE c")
}

// TestExecute_SameFileSerializes verifies concurrent executions against
// one file do not interleave; both attempts finish with a terminal
// ledger record.
func TestExecute_SameFileSerializes(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	before := "start\n"
	id1, path := h.seedDiffSuggestion(t, "main.go", before, "first\n")

	// The second suggestion is pinned to the same original content, so
	// whichever runs second aborts with a conflict instead of clobbering.
	id2, err := h.suggestions.Create(ctx, &suggestion.Suggestion{
		FilePath:    path,
		Strategy:    "test",
		Content:     patch.Unified(path, []byte(before), []byte("second\n")),
		Fingerprint: patch.Fingerprint([]byte(before)),
	})
	require.NoError(t, err)
	_, err = h.suggestions.Transition(ctx, id2, suggestion.EventApprove)
	require.NoError(t, err)

	results := h.executor.ExecuteBatch(ctx, []string{id1, id2}, false)
	require.Len(t, results, 2)
	assert.Equal(t, id1, results[0].SuggestionID)
	assert.Equal(t, id2, results[1].SuggestionID)

	var committed, conflicted int
	for _, r := range results {
		require.NotNil(t, r.Operation)
		switch r.Operation.Status {
		case ledger.OpCommitted:
			committed++
		case ledger.OpAborted:
			conflicted++
			assert.NotEmpty(t, r.Error)
		default:
			t.Fatalf("unexpected status %s", r.Operation.Status)
		}
	}
	assert.Equal(t, 1, committed, "exactly one writer wins")
	assert.Equal(t, 1, conflicted)

	content := readAll(t, path)
	assert.True(t, content == "first\n" || content == "second\n",
		"file must hold exactly one suggestion's output, got %q", content)
}

// =============================================================================
// Manual Rollback
// =============================================================================

// TestRollbackCommitted_RestoresAndRecords verifies manual rollback of
// a committed operation from its retained snapshot.
func TestRollbackCommitted_RestoresAndRecords(t *testing.T) {
	h := newHarness(t, []string{"true"}, nil)
	ctx := context.Background()

	before := "committed content\n"
	id, path := h.seedDiffSuggestion(t, "main.go", before, "replacement\n")

	committed, err := h.executor.Execute(ctx, id, false)
	require.NoError(t, err)
	require.Equal(t, ledger.OpCommitted, committed.Status)
	require.Equal(t, "replacement\n", readAll(t, path))

	rollback, err := h.executor.RollbackCommitted(ctx, committed.OperationID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OpRolledBack, rollback.Status)
	assert.NotEqual(t, committed.OperationID, rollback.OperationID, "history is never rewritten")
	assert.Contains(t, rollback.Cause, committed.OperationID)

	assert.Equal(t, before, readAll(t, path))

	// Original record is untouched.
	prev, err := h.ledger.Get(ctx, committed.OperationID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OpCommitted, prev.Status)
}

// TestRollbackCommitted_RejectsNonCommitted verifies only committed
// operations are eligible.
func TestRollbackCommitted_RejectsNonCommitted(t *testing.T) {
	h := newHarness(t, []string{"false"}, nil)
	ctx := context.Background()

	id, _ := h.seedDiffSuggestion(t, "main.go", "a\n", "b\n")
	op, err := h.executor.Execute(ctx, id, false)
	require.NoError(t, err)
	require.Equal(t, ledger.OpRolledBack, op.Status)

	_, err = h.executor.RollbackCommitted(ctx, op.OperationID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only committed")

	_, err = h.executor.RollbackCommitted(ctx, "no-such-operation")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// TestExecuteBatch_IndependentFilesRunToCompletion verifies a batch
// over distinct files commits each one.
func TestExecuteBatch_IndependentFilesRunToCompletion(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	var ids []string
	var paths []string
	for i := 0; i < 5; i++ {
		id, path := h.seedDiffSuggestion(t, fmt.Sprintf("file%d.go", i),
			fmt.Sprintf("old %d\n", i), fmt.Sprintf("new %d\n", i))
		ids = append(ids, id)
		paths = append(paths, path)
	}

	results := h.executor.ExecuteBatch(ctx, ids, false)
	require.Len(t, results, 5)
	for i, r := range results {
		assert.Equal(t, ids[i], r.SuggestionID)
		require.NotNil(t, r.Operation)
		assert.Equal(t, ledger.OpCommitted, r.Operation.Status)
		assert.Empty(t, r.Error)
		assert.Equal(t, fmt.Sprintf("new %d\n", i), readAll(t, paths[i]))
	}
}

// =============================================================================
// Deletion
// =============================================================================

// TestExecute_DeletionDiffRemovesFile verifies a diff whose new side is
// /dev/null removes the target on commit instead of truncating it, and
// that manual rollback restores the deleted bytes from the snapshot.
func TestExecute_DeletionDiffRemovesFile(t *testing.T) {
	h := newHarness(t, []string{"true"}, nil)
	ctx := context.Background()

	before := "doomed\ncontent\n"
	path := filepath.Join(h.dir, "legacy.go")
	require.NoError(t, os.WriteFile(path, []byte(before), 0o644))

	id, err := h.suggestions.Create(ctx, &suggestion.Suggestion{
		FilePath: path,
		Strategy: "test",
		Content: "--- a/legacy.go\n+++ /dev/null\n" +
			"@@ -1,2 +0,0 @@\n-doomed\n-content\n",
		Fingerprint: patch.Fingerprint([]byte(before)),
	})
	require.NoError(t, err)
	_, err = h.suggestions.Transition(ctx, id, suggestion.EventApprove)
	require.NoError(t, err)

	op, err := h.executor.Execute(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, ledger.OpCommitted, op.Status)
	assert.NotEmpty(t, op.SnapshotRef)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "committed deletion removes the file, got err %v", statErr)

	rollback, err := h.executor.RollbackCommitted(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OpRolledBack, rollback.Status)
	assert.Equal(t, before, readAll(t, path))
}

// =============================================================================
// File State
// =============================================================================

// TestFileState_ReportsLockAndQuarantine verifies the advisory state
// surface tracks the lock manager and the quarantine map.
func TestFileState_ReportsLockAndQuarantine(t *testing.T) {
	local, err := snapshot.NewLocalStore(filepath.Join(t.TempDir(), ".snapshots"), nil)
	require.NoError(t, err)
	h := newHarness(t, []string{"false"}, &failingRestoreStore{Store: local})
	ctx := context.Background()

	path := filepath.Join(h.dir, "main.go")
	st := h.executor.FileState(path)
	assert.False(t, st.Locked)
	assert.False(t, st.Quarantined)
	assert.False(t, st.ExternallyModified)
	assert.Nil(t, st.ModifiedAt)

	release, err := h.locks.Acquire(ctx, path, lock.WaitFail)
	require.NoError(t, err)
	assert.True(t, h.executor.FileState(path).Locked)
	release()
	assert.False(t, h.executor.FileState(path).Locked)

	// Failing verification followed by a failing restore quarantines the
	// file, which the state surface must report with its reason.
	id, _ := h.seedDiffSuggestion(t, "main.go", "before\n", "after\n")
	_, err = h.executor.Execute(ctx, id, false)
	require.Error(t, err)

	st = h.executor.FileState(path)
	assert.True(t, st.Quarantined)
	assert.NotEmpty(t, st.QuarantineReason)

	h.executor.ClearQuarantine(path)
	assert.False(t, h.executor.FileState(path).Quarantined)
}
