// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package refactor assembles the safe refactoring service: suggestion
// lifecycle, transactional execution with snapshot rollback, operation
// history, and migration splitting.
package refactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	gcs "cloud.google.com/go/storage"

	"github.com/reviselabs/revise/services/refactor/config"
	"github.com/reviselabs/revise/services/refactor/executor"
	"github.com/reviselabs/revise/services/refactor/ledger"
	"github.com/reviselabs/revise/services/refactor/lock"
	"github.com/reviselabs/revise/services/refactor/migrate"
	"github.com/reviselabs/revise/services/refactor/patch"
	"github.com/reviselabs/revise/services/refactor/producer"
	"github.com/reviselabs/revise/services/refactor/snapshot"
	"github.com/reviselabs/revise/services/refactor/storage"
	"github.com/reviselabs/revise/services/refactor/suggestion"
	"github.com/reviselabs/revise/services/refactor/validator"
)

// ServiceVersion is the refactor service version.
const ServiceVersion = "1.0.0"

// =============================================================================
// Service
// =============================================================================

// Service owns the full refactoring pipeline.
//
// # Thread Safety
// Safe for concurrent use; per-file serialization happens in the
// executor's lock manager.
type Service struct {
	cfg    config.Config
	logger *slog.Logger

	db          *storage.DB
	suggestions *suggestion.Store
	ledger      *ledger.Ledger
	snapshots   snapshot.Store
	locks       *lock.Manager
	watcher     *lock.Watcher
	executor    *executor.Executor
	producer    producer.Producer
}

// NewService wires every component from configuration.
func NewService(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := storage.Open(storage.DefaultConfig(filepath.Join(cfg.DataDir, "db")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	snapshots, err := buildSnapshotStore(ctx, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	var watcher *lock.Watcher
	if cfg.Execution.WatchFiles {
		watcher, err = lock.NewWatcher(logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("start file watcher: %w", err)
		}
	}

	waitPolicy, err := lock.ParseWaitPolicy(cfg.Execution.LockWaitPolicy)
	if err != nil {
		db.Close()
		return nil, err
	}

	suggestions := suggestion.NewStore(db, logger)
	ldg := ledger.New(db, logger)
	locks := lock.NewManager(logger)
	runner := validator.NewRunner(validator.Config{
		Command:        cfg.Validation.Command,
		Timeout:        cfg.Validation.Timeout,
		WorkingDir:     cfg.Validation.WorkingDir,
		MaxOutputBytes: cfg.Validation.MaxOutputBytes,
	}, logger)

	exec := executor.New(suggestions, ldg, snapshots, locks, watcher, runner, executor.Config{
		WaitPolicy:  waitPolicy,
		MaxParallel: cfg.Execution.MaxParallel,
	}, logger)

	var prod producer.Producer
	if cfg.Producer.Kind == "openai" {
		prod, err = producer.NewOpenAI(cfg.Producer.Model, logger)
		if err != nil {
			logger.Warn("producer unavailable, suggestion generation disabled", "error", err)
			prod = nil
		}
	}

	return &Service{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		suggestions: suggestions,
		ledger:      ldg,
		snapshots:   snapshots,
		locks:       locks,
		watcher:     watcher,
		executor:    exec,
		producer:    prod,
	}, nil
}

func buildSnapshotStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (snapshot.Store, error) {
	switch cfg.Snapshot.Backend {
	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return snapshot.NewGCSStore(client, cfg.Snapshot.Bucket, cfg.Snapshot.Prefix, logger), nil
	default:
		return snapshot.NewLocalStore(filepath.Join(cfg.DataDir, "snapshots"), logger)
	}
}

// Close releases the store and watcher.
func (s *Service) Close() error {
	var errs []error
	if s.watcher != nil {
		errs = append(errs, s.watcher.Close())
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}

// =============================================================================
// Suggestion Lifecycle
// =============================================================================

// Suggest stores a caller-supplied diff as a pending suggestion bound
// to the file's current content.
func (s *Service) Suggest(ctx context.Context, filePath, strategy, diffText string, priority int) (*suggestion.Suggestion, error) {
	content, err := os.ReadFile(filePath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", filePath, err)
	}
	if _, err := patch.Parse(diffText); err != nil {
		return nil, err
	}
	sugg := &suggestion.Suggestion{
		FilePath:    filePath,
		Strategy:    strategy,
		Content:     diffText,
		Priority:    priority,
		Fingerprint: patch.Fingerprint(content),
		Kind:        suggestion.KindApplyDiff,
	}
	id, err := s.suggestions.Create(ctx, sugg)
	if err != nil {
		return nil, err
	}
	if s.watcher != nil {
		if err := s.watcher.Watch(filePath); err != nil {
			s.logger.Warn("cannot watch file", "path", filePath, "error", err)
		}
	}
	// The store assigns id, status, and timestamps to its own record;
	// return that record, not the caller's input.
	return s.suggestions.Get(ctx, id)
}

// Generate asks the configured producer for suggestions and stores them
// as pending.
func (s *Service) Generate(ctx context.Context, filePath, strategy, instructions string) ([]*suggestion.Suggestion, error) {
	if s.producer == nil {
		return nil, errors.New("no suggestion producer configured")
	}
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filePath, err)
	}
	suggs, err := s.producer.Produce(ctx, producer.Request{
		FilePath:     filePath,
		Content:      content,
		Strategy:     strategy,
		Instructions: instructions,
	})
	if err != nil {
		return nil, err
	}
	stored := make([]*suggestion.Suggestion, 0, len(suggs))
	for _, sg := range suggs {
		id, err := s.suggestions.Create(ctx, sg)
		if err != nil {
			return nil, err
		}
		rec, err := s.suggestions.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		stored = append(stored, rec)
	}
	return stored, nil
}

// GetSuggestion returns one suggestion by id.
func (s *Service) GetSuggestion(ctx context.Context, id string) (*suggestion.Suggestion, error) {
	return s.suggestions.Get(ctx, id)
}

// ListSuggestions returns suggestions matching the filter, highest
// priority first.
func (s *Service) ListSuggestions(ctx context.Context, filter suggestion.ListFilter) ([]*suggestion.Suggestion, error) {
	return s.suggestions.List(ctx, filter)
}

// Approve moves a pending suggestion to approved.
func (s *Service) Approve(ctx context.Context, id string) (*suggestion.Suggestion, error) {
	return s.suggestions.Transition(ctx, id, suggestion.EventApprove)
}

// Reject moves a pending suggestion to rejected.
func (s *Service) Reject(ctx context.Context, id string) (*suggestion.Suggestion, error) {
	return s.suggestions.Transition(ctx, id, suggestion.EventReject)
}

// Resubmit clones a terminal suggestion into a fresh pending one bound
// to the file's current content.
func (s *Service) Resubmit(ctx context.Context, id string) (*suggestion.Suggestion, error) {
	prev, err := s.suggestions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(prev.FilePath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", prev.FilePath, err)
	}
	newID, err := s.suggestions.Resubmit(ctx, id, patch.Fingerprint(content))
	if err != nil {
		return nil, err
	}
	return s.suggestions.Get(ctx, newID)
}

// ClearSuggestions removes suggestions in the given status older than
// the cutoff and returns how many were deleted.
func (s *Service) ClearSuggestions(ctx context.Context, status suggestion.Status, olderThan time.Duration) (int, error) {
	return s.suggestions.Clear(ctx, status, olderThan)
}

// SuggestionStats aggregates counts by status and file.
func (s *Service) SuggestionStats(ctx context.Context) (*suggestion.Stats, error) {
	return s.suggestions.Stats(ctx)
}

// =============================================================================
// Execution
// =============================================================================

// Execute runs one suggestion through the safe execution protocol.
func (s *Service) Execute(ctx context.Context, id string, dryRun bool) (*ledger.Operation, error) {
	return s.executor.Execute(ctx, id, dryRun)
}

// ExecuteBatch runs several suggestions concurrently.
func (s *Service) ExecuteBatch(ctx context.Context, ids []string, dryRun bool) []executor.BatchResult {
	return s.executor.ExecuteBatch(ctx, ids, dryRun)
}

// History returns recorded operations, newest first.
func (s *Service) History(ctx context.Context, q ledger.Query) ([]ledger.Operation, error) {
	return s.ledger.History(ctx, q)
}

// GetOperation returns one recorded operation.
func (s *Service) GetOperation(ctx context.Context, operationID string) (ledger.Operation, error) {
	return s.ledger.Get(ctx, operationID)
}

// RollbackCommitted reverts a committed operation from its retained
// snapshot.
func (s *Service) RollbackCommitted(ctx context.Context, operationID string) (*ledger.Operation, error) {
	return s.executor.RollbackCommitted(ctx, operationID)
}

// Quarantined reports whether a file is blocked after a failed restore.
func (s *Service) Quarantined(path string) (string, bool) {
	return s.executor.Quarantined(path)
}

// ClearQuarantine unblocks a file after manual repair.
func (s *Service) ClearQuarantine(path string) {
	s.executor.ClearQuarantine(path)
}

// FileState reports advisory lock, quarantine, and external-change
// status for one file.
func (s *Service) FileState(path string) executor.FileState {
	return s.executor.FileState(path)
}

// =============================================================================
// Migration Splitting
// =============================================================================

// SplitResult is the outcome of splitting a migration script.
type SplitResult struct {
	Groups      []migrate.Group          `json:"groups"`
	Suggestions []*suggestion.Suggestion `json:"suggestions"`
}

// SplitMigration parses a migration script, splits it into dependency
// safe groups, and registers one pending suggestion per group script
// and reverse script. A cycle or forward reference produces no output
// at all.
func (s *Service) SplitMigration(ctx context.Context, script, baseName string, targetSize int) (*SplitResult, error) {
	if targetSize <= 0 {
		targetSize = s.cfg.Migration.TargetGroupSize
	}
	units, err := migrate.ParseSQL(script)
	if err != nil {
		return nil, err
	}
	groups, err := migrate.Split(units, targetSize)
	if err != nil {
		return nil, err
	}

	outDir := s.cfg.Migration.OutputDir
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create migration dir: %w", err)
	}
	suggs, err := migrate.ToSuggestions(groups, outDir, baseName, "migration-split")
	if err != nil {
		return nil, err
	}
	registered := make([]*suggestion.Suggestion, 0, len(suggs))
	for _, sg := range suggs {
		id, err := s.suggestions.Create(ctx, sg)
		if err != nil {
			return nil, err
		}
		rec, err := s.suggestions.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		registered = append(registered, rec)
	}
	s.logger.Info("migration split",
		"base_name", baseName,
		"units", len(units),
		"groups", len(groups),
		"target_size", targetSize)
	return &SplitResult{Groups: groups, Suggestions: registered}, nil
}
