// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package migrate

import (
	"fmt"
	"regexp"
	"strings"
)

var reAddColumn = regexp.MustCompile(`(?is)^\s*ALTER\s+TABLE\s+(?:IF\s+EXISTS\s+)?([\w.]+)\s+ADD\s+(?:COLUMN\s+)?(?:IF\s+NOT\s+EXISTS\s+)?([\w]+)`)

// Reverse synthesizes the rollback script for a group. Units are
// inverted in reverse order so dependents are torn down before their
// dependencies. Statements with no safe inverse become commented
// placeholders rather than destructive guesses.
func Reverse(g Group) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "-- reverse script for migration group %d\n", g.Index+1)
	sb.WriteString("-- units are undone in the opposite order they were applied\n\n")

	for i := len(g.Units) - 1; i >= 0; i-- {
		u := g.Units[i]
		inv, ok := invert(u)
		if ok {
			sb.WriteString(inv)
			sb.WriteString(";\n")
			continue
		}
		fmt.Fprintf(&sb, "-- no automatic inverse for unit %s (%s); manual step required:\n", u.ID, u.Kind)
		for _, line := range strings.Split(strings.TrimSpace(u.SQL), "\n") {
			fmt.Fprintf(&sb, "--   %s\n", line)
		}
	}
	return sb.String()
}

func invert(u Unit) (string, bool) {
	switch u.Kind {
	case KindCreateTable:
		if len(u.Declares) == 1 {
			return fmt.Sprintf("DROP TABLE IF EXISTS %s", u.Declares[0]), true
		}
	case KindCreateIndex:
		if len(u.Declares) == 1 {
			return fmt.Sprintf("DROP INDEX IF EXISTS %s", u.Declares[0]), true
		}
	case KindCreateView:
		if len(u.Declares) == 1 {
			return fmt.Sprintf("DROP VIEW IF EXISTS %s", u.Declares[0]), true
		}
	case KindAlterTable:
		if m := reAddColumn.FindStringSubmatch(u.SQL); m != nil {
			return fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s", m[1], m[2]), true
		}
	}
	return "", false
}
