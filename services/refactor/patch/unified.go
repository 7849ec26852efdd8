// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package patch

import (
	"fmt"
	"strings"
)

// Unified renders the change between two contents as a single-hunk
// unified diff for preview output. It trims the common prefix and
// suffix rather than computing a minimal edit script; previews need a
// readable delta, not an optimal one.
func Unified(path string, before, after []byte) string {
	if string(before) == string(after) {
		return ""
	}

	a := splitLines(before)
	b := splitLines(after)

	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix &&
		a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	oldChanged := a[prefix : len(a)-suffix]
	newChanged := b[prefix : len(b)-suffix]

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- a/%s\n", path)
	fmt.Fprintf(&sb, "+++ b/%s\n", path)

	oldStart := prefix + 1
	newStart := prefix + 1
	if len(oldChanged) == 0 {
		oldStart = prefix
	}
	if len(newChanged) == 0 {
		newStart = prefix
	}
	fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", oldStart, len(oldChanged), newStart, len(newChanged))

	for _, line := range oldChanged {
		sb.WriteString("-" + line + "\n")
	}
	for _, line := range newChanged {
		sb.WriteString("+" + line + "\n")
	}
	return sb.String()
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	s := string(data)
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}
