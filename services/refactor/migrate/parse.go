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
	"regexp"
	"strings"
)

// Statement patterns. Identifier quoting is normalized away before
// matching, and matching is case-insensitive.
var (
	reCreateTable = regexp.MustCompile(`(?is)^\s*CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?([\w.]+)`)
	reCreateIndex = regexp.MustCompile(`(?is)^\s*CREATE\s+(?:UNIQUE\s+)?INDEX\s+(?:IF\s+NOT\s+EXISTS\s+)?([\w.]+)\s+ON\s+([\w.]+)`)
	reCreateView  = regexp.MustCompile(`(?is)^\s*CREATE\s+(?:OR\s+REPLACE\s+)?VIEW\s+([\w.]+)`)
	reAlterTable  = regexp.MustCompile(`(?is)^\s*ALTER\s+TABLE\s+(?:IF\s+EXISTS\s+)?([\w.]+)`)
	reInsert      = regexp.MustCompile(`(?is)^\s*INSERT\s+INTO\s+([\w.]+)`)
	reDrop        = regexp.MustCompile(`(?is)^\s*DROP\s+(TABLE|INDEX|VIEW)\s+(?:IF\s+EXISTS\s+)?([\w.]+)`)
	reReferences  = regexp.MustCompile(`(?i)REFERENCES\s+([\w.]+)`)
	reFromJoin    = regexp.MustCompile(`(?i)(?:FROM|JOIN)\s+([\w.]+)`)
)

// ParseSQL splits a migration script into units with their declared and
// required identifiers. Statement boundaries are semicolons outside
// string literals; comments are stripped. Statements the classifier
// does not recognize become raw units with no dependency surface.
func ParseSQL(script string) ([]Unit, error) {
	stmts := splitStatements(script)
	if len(stmts) == 0 {
		return nil, errors.New("script contains no statements")
	}

	units := make([]Unit, 0, len(stmts))
	for i, stmt := range stmts {
		u := classify(stmt)
		u.ID = fmt.Sprintf("u%d", i+1)
		units = append(units, u)
	}
	return units, nil
}

func classify(stmt string) Unit {
	norm := strings.ReplaceAll(stmt, `"`, "")
	norm = strings.ReplaceAll(norm, "`", "")

	if m := reCreateTable.FindStringSubmatch(norm); m != nil {
		name := strings.ToLower(m[1])
		u := Unit{Kind: KindCreateTable, SQL: stmt, Declares: []string{name}}
		for _, ref := range reReferences.FindAllStringSubmatch(norm, -1) {
			u.Requires = appendUnique(u.Requires, strings.ToLower(ref[1]), name)
		}
		return u
	}
	if m := reCreateIndex.FindStringSubmatch(norm); m != nil {
		return Unit{
			Kind:     KindCreateIndex,
			SQL:      stmt,
			Declares: []string{strings.ToLower(m[1])},
			Requires: []string{strings.ToLower(m[2])},
		}
	}
	if m := reCreateView.FindStringSubmatch(norm); m != nil {
		name := strings.ToLower(m[1])
		u := Unit{Kind: KindCreateView, SQL: stmt, Declares: []string{name}}
		for _, ref := range reFromJoin.FindAllStringSubmatch(norm, -1) {
			u.Requires = appendUnique(u.Requires, strings.ToLower(ref[1]), name)
		}
		return u
	}
	if m := reAlterTable.FindStringSubmatch(norm); m != nil {
		name := strings.ToLower(m[1])
		u := Unit{Kind: KindAlterTable, SQL: stmt, Requires: []string{name}}
		for _, ref := range reReferences.FindAllStringSubmatch(norm, -1) {
			u.Requires = appendUnique(u.Requires, strings.ToLower(ref[1]), name)
		}
		return u
	}
	if m := reInsert.FindStringSubmatch(norm); m != nil {
		return Unit{Kind: KindInsert, SQL: stmt, Requires: []string{strings.ToLower(m[1])}}
	}
	if m := reDrop.FindStringSubmatch(norm); m != nil {
		return Unit{Kind: KindDrop, SQL: stmt, Requires: []string{strings.ToLower(m[2])}}
	}
	return Unit{Kind: KindRaw, SQL: stmt}
}

// splitStatements breaks a script on semicolons, honoring single-quoted
// literals and stripping line and block comments.
func splitStatements(script string) []string {
	var stmts []string
	var cur strings.Builder

	inString := false
	inLineComment := false
	inBlockComment := false

	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		next := rune(0)
		if i+1 < len(runes) {
			next = runes[i+1]
		}

		switch {
		case inLineComment:
			if c == '\n' {
				inLineComment = false
				cur.WriteRune(c)
			}
		case inBlockComment:
			if c == '*' && next == '/' {
				inBlockComment = false
				i++
			}
		case inString:
			cur.WriteRune(c)
			if c == '\'' {
				if next == '\'' {
					cur.WriteRune(next)
					i++
				} else {
					inString = false
				}
			}
		case c == '\'':
			inString = true
			cur.WriteRune(c)
		case c == '-' && next == '-':
			inLineComment = true
			i++
		case c == '/' && next == '*':
			inBlockComment = true
			i++
		case c == ';':
			if s := strings.TrimSpace(cur.String()); s != "" {
				stmts = append(stmts, s)
			}
			cur.Reset()
		default:
			cur.WriteRune(c)
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		stmts = append(stmts, s)
	}
	return stmts
}

func appendUnique(list []string, v, self string) []string {
	if v == self {
		return list
	}
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
