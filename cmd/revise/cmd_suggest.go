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
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/reviselabs/revise/services/refactor"
)

// runSuggest registers one suggestion for a file from a unified diff
// read from --diff-file or stdin.
func runSuggest(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	var diffText []byte
	var err error
	if suggestDiffFile != "" {
		diffText, err = os.ReadFile(suggestDiffFile)
	} else {
		diffText, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("read diff: %w", err)
	}

	return withService(cmd.Context(), func(ctx context.Context, svc *refactor.Service) error {
		sugg, err := svc.Suggest(ctx, filePath, suggestStrategy, string(diffText), suggestPriority)
		if err != nil {
			return err
		}
		if humanOutput() {
			printSuggestion(sugg)
			return nil
		}
		return printJSON(sugg)
	})
}

// runGenerate asks the configured producer for suggestions.
func runGenerate(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *refactor.Service) error {
		suggestions, err := svc.Generate(ctx, args[0], generateStrategy, generateInstructions)
		if err != nil {
			return err
		}
		if humanOutput() {
			if len(suggestions) == 0 {
				fmt.Println("no suggestions produced")
				return nil
			}
			printSuggestionTable(suggestions)
			return nil
		}
		return printJSON(suggestions)
	})
}
