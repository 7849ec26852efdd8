// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package suggestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/reviselabs/revise/services/refactor/storage"
)

// Sentinel errors for the suggestion store.
var (
	// ErrNotFound is returned when a suggestion ID is unknown.
	ErrNotFound = errors.New("suggestion not found")

	// ErrInvalidTransition is returned when a requested state transition
	// is outside the allowed edge set. State is unchanged.
	ErrInvalidTransition = errors.New("invalid suggestion transition")

	// ErrInvalidSuggestion is returned when a suggestion is malformed.
	ErrInvalidSuggestion = errors.New("invalid suggestion")
)

// keyPrefix namespaces suggestion records in the shared database.
const keyPrefix = "sugg:"

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	// Status restricts results to one lifecycle state.
	Status Status

	// FilePath restricts results to one target file.
	FilePath string

	// Limit caps the number of results. 0 means no limit.
	Limit int
}

// Store persists suggestions in the embedded database and enforces the
// lifecycle state machine.
//
// # Thread Safety
//
// Safe for concurrent use. A store-wide mutex serializes mutations, which
// satisfies the single-writer-per-suggestion requirement without badger
// transaction retries.
type Store struct {
	db     *storage.DB
	logger *slog.Logger

	mu sync.Mutex
}

// NewStore creates a suggestion store on the given database.
func NewStore(db *storage.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Create stores a new suggestion and returns its generated ID.
//
// # Description
//
// The suggestion enters the lifecycle as pending regardless of the status
// on the input value. Kind defaults to apply_diff when unset.
//
// # Outputs
//
//   - string: The generated suggestion ID.
//   - error: ErrInvalidSuggestion for malformed input, storage errors otherwise.
func (s *Store) Create(ctx context.Context, sugg *Suggestion) (string, error) {
	if sugg == nil {
		return "", fmt.Errorf("%w: nil suggestion", ErrInvalidSuggestion)
	}
	if sugg.FilePath == "" {
		return "", fmt.Errorf("%w: file_path is required", ErrInvalidSuggestion)
	}
	if sugg.Content == "" {
		return "", fmt.Errorf("%w: content is required", ErrInvalidSuggestion)
	}
	if sugg.Fingerprint == "" {
		// Without a fingerprint the staleness check cannot run, and the
		// suggestion would silently apply over drifted content.
		return "", fmt.Errorf("%w: fingerprint is required", ErrInvalidSuggestion)
	}
	if sugg.Kind == "" {
		sugg.Kind = KindApplyDiff
	}
	if !sugg.Kind.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidSuggestion, sugg.Kind)
	}
	if sugg.Kind == KindMigrationGroup && sugg.Migration == nil {
		return "", fmt.Errorf("%w: migration_group requires migration params", ErrInvalidSuggestion)
	}

	record := sugg.Clone()
	record.ID = uuid.NewString()
	record.Status = StatusPending
	now := time.Now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now
	record.Transitions = nil

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.put(ctx, record); err != nil {
		return "", err
	}

	s.logger.Info("suggestion created",
		"suggestion_id", record.ID,
		"file_path", record.FilePath,
		"strategy", record.Strategy,
		"kind", string(record.Kind))
	return record.ID, nil
}

// Get retrieves a suggestion by ID.
func (s *Store) Get(ctx context.Context, id string) (*Suggestion, error) {
	var out *Suggestion
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("read suggestion %s: %w", id, err)
		}
		return item.Value(func(val []byte) error {
			var sugg Suggestion
			if err := json.Unmarshal(val, &sugg); err != nil {
				return fmt.Errorf("decode suggestion %s: %w", id, err)
			}
			out = &sugg
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Transition applies a lifecycle event to a suggestion.
//
// # Description
//
// The transition is validated against the allowed edge set. Invalid
// transitions fail with ErrInvalidTransition and leave stored state
// unchanged. Every applied transition is appended to the suggestion's
// transition log and logged with a timestamp.
//
// # Outputs
//
//   - *Suggestion: The suggestion after the transition.
//   - error: ErrNotFound, ErrInvalidTransition, or a storage error.
func (s *Store) Transition(ctx context.Context, id string, event Event) (*Suggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sugg, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	next, ok := transitions[sugg.Status][event]
	if !ok {
		return nil, fmt.Errorf("%w: %s --%s--> ? (from %q)",
			ErrInvalidTransition, id, event, sugg.Status)
	}

	now := time.Now().UTC()
	sugg.Transitions = append(sugg.Transitions, TransitionRecord{
		Event: event,
		From:  sugg.Status,
		To:    next,
		At:    now,
	})
	sugg.Status = next
	sugg.UpdatedAt = now

	if err := s.put(ctx, sugg); err != nil {
		return nil, err
	}

	s.logger.Info("suggestion transitioned",
		"suggestion_id", id,
		"event", string(event),
		"status", string(sugg.Status))
	return sugg, nil
}

// Resubmit creates a fresh pending suggestion from a terminal one.
//
// # Description
//
// Explicit re-suggestion is the only route back into the lifecycle for a
// rejected, executed, or failed suggestion. The new suggestion copies the
// original's content and strategy but carries the provided fingerprint,
// recomputed against the current file content by the caller.
func (s *Store) Resubmit(ctx context.Context, id, fingerprint string) (string, error) {
	orig, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !orig.Status.IsTerminal() {
		return "", fmt.Errorf("%w: resubmit requires a terminal suggestion, %s is %q",
			ErrInvalidTransition, id, orig.Status)
	}

	fresh := orig.Clone()
	fresh.Fingerprint = fingerprint
	return s.Create(ctx, fresh)
}

// List returns suggestions matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Suggestion, error) {
	var results []*Suggestion
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		return s.scan(txn, func(sugg *Suggestion) {
			if filter.Status != "" && sugg.Status != filter.Status {
				return
			}
			if filter.FilePath != "" && sugg.FilePath != filter.FilePath {
				return
			}
			results = append(results, sugg)
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Priority != results[j].Priority {
			return results[i].Priority > results[j].Priority
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})

	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

// Clear removes suggestions matching the filters and returns the count.
//
// # Inputs
//
//   - status: Only clear suggestions in this state. Empty matches all.
//   - olderThan: Only clear suggestions created before this age. Zero
//     matches all ages.
func (s *Store) Clear(ctx context.Context, status Status, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)

	var doomed []string
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		return s.scan(txn, func(sugg *Suggestion) {
			if status != "" && sugg.Status != status {
				return
			}
			if olderThan > 0 && sugg.CreatedAt.After(cutoff) {
				return
			}
			doomed = append(doomed, sugg.ID)
		})
	})
	if err != nil {
		return 0, err
	}

	err = s.db.Update(ctx, func(txn *badger.Txn) error {
		for _, id := range doomed {
			if err := txn.Delete([]byte(keyPrefix + id)); err != nil {
				return fmt.Errorf("clear suggestion %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(doomed) > 0 {
		s.logger.Info("suggestions cleared", "count", len(doomed), "status", string(status))
	}
	return len(doomed), nil
}

// Stats summarizes stored suggestions by status and target file.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByStatus: make(map[Status]int),
		ByFile:   make(map[string]int),
	}
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		return s.scan(txn, func(sugg *Suggestion) {
			stats.Total++
			stats.ByStatus[sugg.Status]++
			stats.ByFile[sugg.FilePath]++
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// put serializes and writes a suggestion. Callers hold s.mu.
func (s *Store) put(ctx context.Context, sugg *Suggestion) error {
	data, err := json.Marshal(sugg)
	if err != nil {
		return fmt.Errorf("encode suggestion %s: %w", sugg.ID, err)
	}
	return s.db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+sugg.ID), data)
	})
}

// scan iterates all stored suggestions within a transaction.
func (s *Store) scan(txn *badger.Txn, fn func(*Suggestion)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(keyPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		err := it.Item().Value(func(val []byte) error {
			var sugg Suggestion
			if err := json.Unmarshal(val, &sugg); err != nil {
				return fmt.Errorf("decode suggestion record: %w", err)
			}
			fn(&sugg)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
