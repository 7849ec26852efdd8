// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package migrate splits large schema migrations into ordered,
// individually executable groups that respect declaration dependencies,
// and synthesizes reverse scripts for each group.
package migrate

import (
	"fmt"
	"strings"
)

// =============================================================================
// Unit Kinds
// =============================================================================

// UnitKind classifies a migration statement for rollback synthesis.
type UnitKind string

const (
	KindCreateTable UnitKind = "create_table"
	KindCreateIndex UnitKind = "create_index"
	KindCreateView  UnitKind = "create_view"
	KindAlterTable  UnitKind = "alter_table"
	KindInsert      UnitKind = "insert"
	KindDrop        UnitKind = "drop"
	KindRaw         UnitKind = "raw"
)

// =============================================================================
// Units and Groups
// =============================================================================

// Unit is one migration statement with its dependency surface.
type Unit struct {
	// ID identifies the unit within its script, "u3" for the third
	// statement unless the caller assigns its own.
	ID string `json:"id"`

	// Kind drives rollback synthesis.
	Kind UnitKind `json:"kind"`

	// SQL is the statement text without the trailing semicolon.
	SQL string `json:"sql"`

	// Declares lists identifiers this unit introduces.
	Declares []string `json:"declares,omitempty"`

	// Requires lists identifiers this unit depends on. Identifiers no
	// unit in the script declares are treated as pre-existing.
	Requires []string `json:"requires,omitempty"`
}

// Group is one ordered slice of the migration. Groups form a linear
// chain: each depends on the one before it and nothing else.
type Group struct {
	// Index is the group's position, starting at zero.
	Index int `json:"index"`

	// DependsOnGroupIndex is Index-1, or -1 for the first group.
	DependsOnGroupIndex int `json:"depends_on_group_index"`

	// Units are the group's statements in original script order.
	Units []Unit `json:"units"`
}

// SQL renders the group as an executable script.
func (g Group) SQL() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "-- migration group %d of a split migration\n", g.Index+1)
	if g.DependsOnGroupIndex >= 0 {
		fmt.Fprintf(&sb, "-- requires group %d to have been applied\n", g.DependsOnGroupIndex+1)
	}
	sb.WriteString("\n")
	for _, u := range g.Units {
		sb.WriteString(strings.TrimSpace(u.SQL))
		sb.WriteString(";\n\n")
	}
	return sb.String()
}

// =============================================================================
// Errors
// =============================================================================

// DependencyCycleError reports a dependency cycle among units. No
// groups are produced when one exists.
type DependencyCycleError struct {
	// UnitIDs are the units participating in cycles, in script order.
	UnitIDs []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("migration has a dependency cycle involving units: %s",
		strings.Join(e.UnitIDs, ", "))
}

// ForwardReferenceError reports a unit that requires an identifier
// declared only later in the script. The script order itself is
// invalid, independent of any split.
type ForwardReferenceError struct {
	UnitID     string
	Identifier string
	DeclaredBy string
}

func (e *ForwardReferenceError) Error() string {
	return fmt.Sprintf("unit %s requires %q which is declared later by unit %s",
		e.UnitID, e.Identifier, e.DeclaredBy)
}
