// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package patch parses and applies unified diffs in memory. Application
// is strict: every context and removed line must match the original
// exactly, and any mismatch fails the whole patch with no output. The
// caller decides what to write to disk.
package patch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// Fingerprint returns the content fingerprint used for staleness
// checks, a prefixed hex SHA-256 of the raw bytes.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Parse reads a multi-file unified diff. Malformed input is an error;
// there is no lenient mode.
func Parse(patchText string) ([]*diff.FileDiff, error) {
	fds, err := diff.NewMultiFileDiffReader(strings.NewReader(patchText)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("parse diff: %w", err)
	}
	if len(fds) == 0 {
		return nil, fmt.Errorf("parse diff: no file sections")
	}
	return fds, nil
}

// TargetPath returns the path a file diff modifies, with git a/ b/
// prefixes stripped.
func TargetPath(fd *diff.FileDiff) string {
	p := fd.NewName
	if p == "" || p == "/dev/null" {
		p = fd.OrigName
	}
	p = strings.TrimPrefix(p, "a/")
	p = strings.TrimPrefix(p, "b/")
	return p
}

// Apply runs one file diff against the original content and returns the
// patched bytes. The result is produced entirely in memory, so a failed
// hunk leaves nothing half-applied. A diff whose new side is /dev/null
// deletes the target; that case returns nil content with no error, and
// every other case returns non-nil content, so callers can distinguish
// deletion from an empty result.
func Apply(original []byte, fd *diff.FileDiff) ([]byte, error) {
	if fd.OrigName == "/dev/null" {
		if len(original) != 0 {
			return nil, fmt.Errorf("hunk 1: diff creates a file but target is not empty")
		}
		return buildNewFile(fd), nil
	}
	if fd.NewName == "/dev/null" {
		return nil, nil
	}

	// Preserve trailing-newline shape across the split and rejoin.
	trailingNewline := strings.HasSuffix(string(original), "\n")
	origLines := strings.Split(string(original), "\n")
	if trailingNewline {
		origLines = origLines[:len(origLines)-1]
	}

	var out []string
	origIdx := 0

	for hi, hunk := range fd.Hunks {
		start := int(hunk.OrigStartLine) - 1
		if start < 0 || start > len(origLines) {
			return nil, fmt.Errorf("hunk %d: start line %d outside file of %d lines",
				hi+1, hunk.OrigStartLine, len(origLines))
		}
		if origIdx > start {
			return nil, fmt.Errorf("hunk %d: overlaps previous hunk", hi+1)
		}
		out = append(out, origLines[origIdx:start]...)
		origIdx = start

		for _, raw := range hunkLines(hunk.Body) {
			switch {
			case strings.HasPrefix(raw, "+"):
				out = append(out, raw[1:])
			case strings.HasPrefix(raw, "-"):
				want := raw[1:]
				if origIdx >= len(origLines) || origLines[origIdx] != want {
					return nil, mismatchErr(hi+1, origIdx, want, origLines)
				}
				origIdx++
			case strings.HasPrefix(raw, " "), raw == "":
				want := strings.TrimPrefix(raw, " ")
				if origIdx >= len(origLines) || origLines[origIdx] != want {
					return nil, mismatchErr(hi+1, origIdx, want, origLines)
				}
				out = append(out, origLines[origIdx])
				origIdx++
			case strings.HasPrefix(raw, `\`):
				// "\ No newline at end of file" marker
			default:
				return nil, fmt.Errorf("hunk %d: unrecognized line %q", hi+1, raw)
			}
		}
	}

	out = append(out, origLines[origIdx:]...)
	result := strings.Join(out, "\n")
	if trailingNewline {
		result += "\n"
	}
	if result == "" {
		return []byte{}, nil
	}
	return []byte(result), nil
}

// ApplyText parses a single-file patch and applies it to original. The
// patch must target exactly one file.
func ApplyText(original []byte, patchText string) ([]byte, error) {
	fds, err := Parse(patchText)
	if err != nil {
		return nil, err
	}
	if len(fds) != 1 {
		return nil, fmt.Errorf("expected single-file diff, got %d files", len(fds))
	}
	return Apply(original, fds[0])
}

func mismatchErr(hunk, line int, want string, origLines []string) error {
	got := "<end of file>"
	if line < len(origLines) {
		got = origLines[line]
	}
	return fmt.Errorf("hunk %d: context mismatch at line %d: file has %q, diff expects %q",
		hunk, line+1, got, want)
}

func buildNewFile(fd *diff.FileDiff) []byte {
	var lines []string
	for _, hunk := range fd.Hunks {
		for _, raw := range hunkLines(hunk.Body) {
			if strings.HasPrefix(raw, "+") {
				lines = append(lines, raw[1:])
			}
		}
	}
	if len(lines) == 0 {
		return []byte{}
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

func hunkLines(body []byte) []string {
	lines := strings.Split(string(body), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
