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
	"os"

	"github.com/spf13/cobra"

	"github.com/reviselabs/revise/services/refactor"
)

// runSplit reads a migration script, splits it into dependency-safe
// groups, writes the group and reverse scripts, and registers a
// pending suggestion for each.
func runSplit(cmd *cobra.Command, args []string) error {
	script, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	return withService(cmd.Context(), func(ctx context.Context, svc *refactor.Service) error {
		result, err := svc.SplitMigration(ctx, string(script), splitBaseName, splitGroupSize)
		if err != nil {
			return err
		}
		if !humanOutput() {
			return printJSON(result)
		}

		fmt.Printf("split into %d group(s):\n", len(result.Groups))
		for _, g := range result.Groups {
			dep := "none"
			if g.DependsOnGroupIndex >= 0 {
				dep = fmt.Sprintf("group %d", g.DependsOnGroupIndex)
			}
			fmt.Printf("  group %d: %d statement(s), depends on %s\n",
				g.Index, len(g.Units), dep)
		}
		fmt.Printf("registered %d suggestion(s):\n", len(result.Suggestions))
		for _, s := range result.Suggestions {
			printSuggestion(s)
		}
		return nil
	})
}
