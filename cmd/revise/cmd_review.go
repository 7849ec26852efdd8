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
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/reviselabs/revise/services/refactor"
	"github.com/reviselabs/revise/services/refactor/suggestion"
)

func runList(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *refactor.Service) error {
		suggestions, err := svc.ListSuggestions(ctx, suggestion.ListFilter{
			Status:   suggestion.Status(listStatus),
			FilePath: listFile,
			Limit:    listLimit,
		})
		if err != nil {
			return err
		}
		if humanOutput() {
			if len(suggestions) == 0 {
				fmt.Println("no suggestions")
				return nil
			}
			printSuggestionTable(suggestions)
			return nil
		}
		return printJSON(suggestions)
	})
}

func runApprove(cmd *cobra.Command, args []string) error {
	return runTransition(cmd, args[0], (*refactor.Service).Approve)
}

func runReject(cmd *cobra.Command, args []string) error {
	return runTransition(cmd, args[0], (*refactor.Service).Reject)
}

func runResubmit(cmd *cobra.Command, args []string) error {
	return runTransition(cmd, args[0], (*refactor.Service).Resubmit)
}

func runTransition(cmd *cobra.Command, id string,
	fn func(*refactor.Service, context.Context, string) (*suggestion.Suggestion, error),
) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *refactor.Service) error {
		sugg, err := fn(svc, ctx, id)
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

func runClear(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *refactor.Service) error {
		deleted, err := svc.ClearSuggestions(ctx,
			suggestion.Status(clearStatus),
			time.Duration(clearOlderSec)*time.Second)
		if err != nil {
			return err
		}
		if humanOutput() {
			fmt.Printf("deleted %d suggestion(s)\n", deleted)
			return nil
		}
		return printJSON(map[string]int{"deleted": deleted})
	})
}

func runStats(cmd *cobra.Command, args []string) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *refactor.Service) error {
		stats, err := svc.SuggestionStats(ctx)
		if err != nil {
			return err
		}
		if !humanOutput() {
			return printJSON(stats)
		}

		fmt.Printf("total: %d\n", stats.Total)
		statuses := make([]string, 0, len(stats.ByStatus))
		for s := range stats.ByStatus {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			fmt.Printf("  %-10s %d\n", s, stats.ByStatus[suggestion.Status(s)])
		}
		return nil
	})
}
