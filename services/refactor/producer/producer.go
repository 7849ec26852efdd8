// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package producer generates refactoring suggestions for a file. The
// execution pipeline is producer-agnostic: anything that can emit a
// unified diff against a fingerprinted file content can feed it.
package producer

import (
	"context"

	"github.com/reviselabs/revise/services/refactor/patch"
	"github.com/reviselabs/revise/services/refactor/suggestion"
)

// Request describes the file to produce suggestions for.
type Request struct {
	// FilePath is the target file.
	FilePath string

	// Content is the file content the suggestions must be valid against.
	// The resulting suggestions carry its fingerprint.
	Content []byte

	// Strategy names the requested refactoring approach, free-form.
	Strategy string

	// Instructions carries extra guidance for the producer.
	Instructions string
}

// Producer emits candidate suggestions. Implementations never mutate
// files; produced suggestions enter the store as pending.
type Producer interface {
	Produce(ctx context.Context, req Request) ([]*suggestion.Suggestion, error)
}

// =============================================================================
// Static Producer
// =============================================================================

// Static returns pre-computed diffs. Used in tests and by the CLI path
// where the caller already has the change in hand.
type Static struct {
	// Diffs are handed out verbatim, one suggestion per diff.
	Diffs []string

	// Priority is assigned to every produced suggestion.
	Priority int
}

// Produce wraps each configured diff in a pending suggestion bound to
// the request's content fingerprint.
func (s *Static) Produce(_ context.Context, req Request) ([]*suggestion.Suggestion, error) {
	out := make([]*suggestion.Suggestion, 0, len(s.Diffs))
	for _, d := range s.Diffs {
		out = append(out, &suggestion.Suggestion{
			FilePath:    req.FilePath,
			Strategy:    req.Strategy,
			Content:     d,
			Priority:    s.Priority,
			Fingerprint: patch.Fingerprint(req.Content),
			Kind:        suggestion.KindApplyDiff,
		})
	}
	return out, nil
}
