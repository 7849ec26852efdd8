// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command revise manages safe, reviewable refactoring of a codebase.
//
// Suggestions enter as unified diffs pinned to a file fingerprint, move
// through an approval lifecycle, and execute transactionally: snapshot,
// apply, verify, then commit or roll back. Large schema migrations can
// be split into dependency-safe groups with generated reverse scripts.
//
// Usage:
//
//	revise serve
//	revise suggest main.go --diff-file change.patch
//	revise list --status pending
//	revise approve <id>
//	revise execute <id> [--dry-run]
//	revise history --file main.go
//	revise split migration.sql --base-name orders --group-size 5
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if appLogger != nil {
		appLogger.Close()
	}
}
