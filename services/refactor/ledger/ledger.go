// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/reviselabs/revise/services/refactor/storage"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotFound is returned when no operation matches the given id.
	ErrNotFound = errors.New("operation not found")

	// ErrNotTerminal is returned when a non-terminal operation is appended.
	// The ledger only records finished attempts.
	ErrNotTerminal = errors.New("operation has not reached a terminal status")
)

// =============================================================================
// Keys
// =============================================================================

const (
	seqKey    = "ledger:seq"
	recPrefix = "ledger:rec:" // recPrefix + big-endian seq -> Operation JSON
	idPrefix  = "ledger:id:"  // idPrefix + operation id -> big-endian seq
)

func recKey(seq uint64) []byte {
	k := make([]byte, len(recPrefix)+8)
	copy(k, recPrefix)
	binary.BigEndian.PutUint64(k[len(recPrefix):], seq)
	return k
}

// =============================================================================
// Query
// =============================================================================

// Query filters History results. Zero value returns everything.
type Query struct {
	// FilePath restricts results to one file when non-empty.
	FilePath string

	// SuggestionID restricts results to one suggestion when non-empty.
	SuggestionID string

	// IncludeRolledBack includes rolled-back and aborted attempts. The
	// default view shows committed and previewed operations only.
	IncludeRolledBack bool

	// Limit caps the number of results when > 0. Newest first.
	Limit int
}

// =============================================================================
// Ledger
// =============================================================================

// Ledger is the append-only operation record backed by badger. Records
// are keyed by a monotonic sequence so iteration order is insertion
// order; History walks it in reverse.
//
// # Thread Safety
// Safe for concurrent use. Every append reads and advances the shared
// sequence counter, so concurrent optimistic transactions would abort
// each other with badger conflicts; a store-wide mutex serializes them
// instead, the same way the suggestion store serializes its mutations.
type Ledger struct {
	db     *storage.DB
	logger *slog.Logger

	mu sync.Mutex
}

// New creates a Ledger on the given store.
func New(db *storage.DB, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{db: db, logger: logger}
}

// Append records a finished operation. The operation must carry a
// terminal status; in-flight attempts are not ledger material.
func (l *Ledger) Append(ctx context.Context, op Operation) error {
	if op.OperationID == "" {
		return errors.New("operation id is required")
	}
	if !op.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrNotTerminal, op.Status)
	}

	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	err = l.db.Update(ctx, func(txn *badger.Txn) error {
		seq, err := nextSeq(txn)
		if err != nil {
			return err
		}
		if err := txn.Set(recKey(seq), data); err != nil {
			return err
		}
		idx := make([]byte, 8)
		binary.BigEndian.PutUint64(idx, seq)
		return txn.Set([]byte(idPrefix+op.OperationID), idx)
	})
	if err != nil {
		return fmt.Errorf("append operation: %w", err)
	}

	l.logger.Info("operation recorded",
		"operation_id", op.OperationID,
		"suggestion_id", op.SuggestionID,
		"file", op.FilePath,
		"status", op.Status.String(),
		"dry_run", op.DryRun)
	return nil
}

// Get returns one operation by id.
func (l *Ledger) Get(ctx context.Context, operationID string) (Operation, error) {
	var op Operation
	err := l.db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(idPrefix + operationID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var seq uint64
		if err := item.Value(func(v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("corrupt ledger index for %s", operationID)
			}
			seq = binary.BigEndian.Uint64(v)
			return nil
		}); err != nil {
			return err
		}
		rec, err := txn.Get(recKey(seq))
		if err != nil {
			return err
		}
		return rec.Value(func(v []byte) error {
			return json.Unmarshal(v, &op)
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Operation{}, ErrNotFound
		}
		return Operation{}, fmt.Errorf("get operation %s: %w", operationID, err)
	}
	return op, nil
}

// History returns recorded operations matching the query, newest first.
func (l *Ledger) History(ctx context.Context, q Query) ([]Operation, error) {
	var out []Operation
	err := l.db.View(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recPrefix)
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts past the end of the prefix range.
		seek := append([]byte(recPrefix), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		for it.Seek(seek); it.Valid(); it.Next() {
			var op Operation
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &op)
			}); err != nil {
				return err
			}
			if !matches(op, q) {
				continue
			}
			out = append(out, op)
			if q.Limit > 0 && len(out) >= q.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger history: %w", err)
	}
	// Sequence order already equals insertion order; sorting by time is a
	// tie-breaker for records appended within the same instant in tests.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

// LastCommitted returns the most recent committed operation for a file,
// or ErrNotFound when the file has no committed history.
func (l *Ledger) LastCommitted(ctx context.Context, filePath string) (Operation, error) {
	ops, err := l.History(ctx, Query{FilePath: filePath, Limit: 0})
	if err != nil {
		return Operation{}, err
	}
	for _, op := range ops {
		if op.Status == OpCommitted {
			return op, nil
		}
	}
	return Operation{}, ErrNotFound
}

func matches(op Operation, q Query) bool {
	if q.FilePath != "" && op.FilePath != q.FilePath {
		return false
	}
	if q.SuggestionID != "" && op.SuggestionID != q.SuggestionID {
		return false
	}
	if !q.IncludeRolledBack && (op.Status == OpRolledBack || op.Status == OpAborted) {
		return false
	}
	return true
}

func nextSeq(txn *badger.Txn) (uint64, error) {
	var seq uint64
	item, err := txn.Get([]byte(seqKey))
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		seq = 1
	case err != nil:
		return 0, err
	default:
		if err := item.Value(func(v []byte) error {
			if len(v) != 8 {
				return errors.New("corrupt ledger sequence")
			}
			seq = binary.BigEndian.Uint64(v) + 1
			return nil
		}); err != nil {
			return 0, err
		}
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	if err := txn.Set([]byte(seqKey), buf); err != nil {
		return 0, err
	}
	return seq, nil
}
