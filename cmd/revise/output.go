// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mattn/go-isatty"

	"github.com/reviselabs/revise/services/refactor"
	"github.com/reviselabs/revise/services/refactor/ledger"
	"github.com/reviselabs/revise/services/refactor/suggestion"
)

// withService builds a Service from the loaded config, runs fn, and
// releases the store afterwards. All local (non-serve) commands go
// through here so they share one open/close path.
func withService(ctx context.Context, fn func(ctx context.Context, svc *refactor.Service) error) error {
	svc, err := refactor.NewService(ctx, cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}

// humanOutput reports whether to render for a person rather than a
// pipe. --json forces machine output even on a terminal.
func humanOutput() bool {
	if jsonOutput {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSuggestion(s *suggestion.Suggestion) {
	fmt.Printf("%s  %-9s  %-20s  %s\n", s.ID, s.Status, s.Strategy, s.FilePath)
}

func printSuggestionTable(suggestions []*suggestion.Suggestion) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSTRATEGY\tPRIORITY\tFILE")
	for _, s := range suggestions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.ID, s.Status, s.Strategy, s.Priority, s.FilePath)
	}
	w.Flush()
}

func printOperation(op *ledger.Operation) {
	fmt.Printf("operation %s: %s\n", op.OperationID, op.Status)
	fmt.Printf("  suggestion: %s\n", op.SuggestionID)
	fmt.Printf("  file:       %s\n", op.FilePath)
	if op.TestResult != nil {
		fmt.Printf("  tests:      %s (exit %d, %s)\n",
			op.TestResult.Classification, op.TestResult.ExitCode, op.TestResult.Duration)
	}
	if op.Cause != "" {
		fmt.Printf("  cause:      %s\n", op.Cause)
	}
	if op.DryRun && op.Diff != "" {
		fmt.Printf("\n%s", op.Diff)
	}
}

func printOperationTable(ops []ledger.Operation) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "OPERATION\tSTATUS\tSUGGESTION\tFILE\tSTARTED")
	for _, op := range ops {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			op.OperationID, op.Status, op.SuggestionID, op.FilePath,
			op.StartedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}
