// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reviselabs/revise/services/refactor"
	"github.com/reviselabs/revise/services/refactor/ledger"
)

// runExecute executes one or more approved suggestions. A single ID
// runs inline; several run as a batch with per-file serialization.
func runExecute(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *refactor.Service) error {
		if len(args) == 1 {
			op, err := svc.Execute(ctx, args[0], executeDryRun)
			if op != nil {
				if humanOutput() {
					printOperation(op)
				} else if jerr := printJSON(op); jerr != nil && err == nil {
					err = jerr
				}
			}
			return err
		}

		results := svc.ExecuteBatch(ctx, args, executeDryRun)
		if !humanOutput() {
			return printJSON(results)
		}
		var failed int
		for _, r := range results {
			if r.Error != "" {
				failed++
				fmt.Printf("%s: FAILED: %s\n", r.SuggestionID, r.Error)
				continue
			}
			fmt.Printf("%s: %s\n", r.SuggestionID, r.Operation.Status)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d suggestion(s) failed", failed, len(results))
		}
		return nil
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *refactor.Service) error {
		ops, err := svc.History(ctx, ledger.Query{
			FilePath:          historyFile,
			SuggestionID:      historySuggestion,
			IncludeRolledBack: historyAll,
			Limit:             historyLimit,
		})
		if err != nil {
			return err
		}
		if humanOutput() {
			if len(ops) == 0 {
				fmt.Println("no operations recorded")
				return nil
			}
			printOperationTable(ops)
			return nil
		}
		return printJSON(ops)
	})
}

func runRollback(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *refactor.Service) error {
		op, err := svc.RollbackCommitted(ctx, args[0])
		if err != nil {
			return err
		}
		if humanOutput() {
			printOperation(op)
			return nil
		}
		return printJSON(op)
	})
}
