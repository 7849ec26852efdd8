// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package migrate

import (
	"fmt"
	"path/filepath"

	"github.com/reviselabs/revise/services/refactor/patch"
	"github.com/reviselabs/revise/services/refactor/suggestion"
)

// ToSuggestions turns split groups into executable suggestions, one per
// group plus one per reverse script. Group scripts are chained: each
// suggestion records its predecessor's path and expected content sum,
// so running group N before group N-1 is rejected before any mutation.
//
// Scripts land under dir as baseName_gN.sql with baseName_gN_reverse.sql
// beside them. Target files are expected not to exist yet.
func ToSuggestions(groups []Group, dir, baseName, strategy string) ([]*suggestion.Suggestion, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("no groups to convert")
	}

	emptySum := patch.Fingerprint(nil)
	out := make([]*suggestion.Suggestion, 0, len(groups)*2)

	prevPath := ""
	prevSum := ""
	for _, g := range groups {
		script := g.SQL()
		scriptPath := filepath.Join(dir, fmt.Sprintf("%s_g%d.sql", baseName, g.Index+1))
		reversePath := filepath.Join(dir, fmt.Sprintf("%s_g%d_reverse.sql", baseName, g.Index+1))

		params := &suggestion.MigrationGroupParams{
			GroupIndex:  g.Index,
			ReversePath: reversePath,
		}
		if g.DependsOnGroupIndex >= 0 {
			params.DependsOnGroupIndex = g.DependsOnGroupIndex
			params.PredecessorPath = prevPath
			params.PredecessorSum = prevSum
		} else {
			params.DependsOnGroupIndex = -1
		}

		out = append(out, &suggestion.Suggestion{
			FilePath:    scriptPath,
			Strategy:    strategy,
			Content:     script,
			Fingerprint: emptySum,
			Kind:        suggestion.KindMigrationGroup,
			Migration:   params,
		})
		out = append(out, &suggestion.Suggestion{
			FilePath:    reversePath,
			Strategy:    strategy,
			Content:     Reverse(g),
			Fingerprint: emptySum,
			Kind:        suggestion.KindMigrationGroup,
			Migration: &suggestion.MigrationGroupParams{
				GroupIndex:          g.Index,
				DependsOnGroupIndex: -1,
				ReversePath:         "",
			},
		})

		prevPath = scriptPath
		prevSum = patch.Fingerprint([]byte(script))
	}
	return out, nil
}
