// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package migrate

import (
	"errors"
	"fmt"
	"sort"
)

// Split partitions units into groups of at most targetSize, preserving
// script order. The dependency graph is validated first: a cycle or a
// forward reference fails the whole split with no partial output.
//
// Because order is preserved, every dependency of a unit lands in the
// same group or an earlier one, so packing is purely by size.
func Split(units []Unit, targetSize int) ([]Group, error) {
	if len(units) == 0 {
		return nil, errors.New("no units to split")
	}
	if targetSize <= 0 {
		return nil, fmt.Errorf("target group size must be positive, got %d", targetSize)
	}

	if err := validate(units); err != nil {
		return nil, err
	}

	var groups []Group
	for start := 0; start < len(units); start += targetSize {
		end := start + targetSize
		if end > len(units) {
			end = len(units)
		}
		idx := len(groups)
		groups = append(groups, Group{
			Index:               idx,
			DependsOnGroupIndex: idx - 1,
			Units:               units[start:end],
		})
	}
	return groups, nil
}

// validate checks the dependency graph for cycles and forward
// references. Identifiers no unit declares are assumed to exist before
// the migration runs.
func validate(units []Unit) error {
	declaredBy := make(map[string]int)
	for i, u := range units {
		for _, d := range u.Declares {
			// First declaration wins; redeclaration is the database's
			// problem, not the splitter's.
			if _, ok := declaredBy[d]; !ok {
				declaredBy[d] = i
			}
		}
	}

	// Edges run from a declaring unit to each unit requiring it.
	adj := make([][]int, len(units))
	indegree := make([]int, len(units))
	for i, u := range units {
		for _, r := range u.Requires {
			j, ok := declaredBy[r]
			if !ok || j == i {
				continue
			}
			adj[j] = append(adj[j], i)
			indegree[i]++
		}
	}

	// Kahn's algorithm. Units left unprocessed sit on cycles.
	queue := make([]int, 0, len(units))
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	processed := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		processed++
		for _, m := range adj[n] {
			indegree[m]--
			if indegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}
	if processed < len(units) {
		var cyclic []int
		for i, d := range indegree {
			if d > 0 {
				cyclic = append(cyclic, i)
			}
		}
		sort.Ints(cyclic)
		ids := make([]string, len(cyclic))
		for i, idx := range cyclic {
			ids[i] = units[idx].ID
		}
		return &DependencyCycleError{UnitIDs: ids}
	}

	// Acyclic, so any remaining backward-pointing problem is a forward
	// reference in the given order.
	for i, u := range units {
		for _, r := range u.Requires {
			if j, ok := declaredBy[r]; ok && j > i {
				return &ForwardReferenceError{
					UnitID:     u.ID,
					Identifier: r,
					DeclaredBy: units[j].ID,
				}
			}
		}
	}
	return nil
}
