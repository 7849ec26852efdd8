// Copyright (C) 2025 Revise Labs (oss@reviselabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/reviselabs/revise/pkg/logging"
	"github.com/reviselabs/revise/services/refactor/config"
)

// --- Global Command Variables ---
var (
	configPath  string
	dataDirFlag string
	logLevel    string
	jsonOutput  bool

	suggestDiffFile string
	suggestStrategy string
	suggestPriority int

	generateInstructions string
	generateStrategy     string

	listStatus string
	listFile   string
	listLimit  int

	executeDryRun bool

	historyFile       string
	historySuggestion string
	historyAll        bool
	historyLimit      int

	splitBaseName  string
	splitGroupSize int

	clearStatus   string
	clearOlderSec int

	cfg       config.Config
	appLogger *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "revise",
		Short: "A cli to review and safely execute refactoring suggestions",
		Long: `Revise tracks refactoring suggestions through an approval
				lifecycle and executes approved changes transactionally,
				rolling back automatically when verification fails.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if configPath != "" {
				cfg, err = config.Load(configPath)
				if err != nil {
					return err
				}
			} else {
				cfg = config.Default(dataDir())
			}
			if dataDirFlag != "" {
				cfg.DataDir = dataDirFlag
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			appLogger, err = logging.New(logging.Config{
				Level:   logging.ParseLevel(cfg.Logging.Level),
				LogDir:  cfg.Logging.Dir,
				Service: "revise",
				JSON:    cfg.Logging.JSON,
			})
			if err != nil {
				return err
			}
			slog.SetDefault(appLogger.Logger)
			return nil
		},
	}

	// --- Server ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the refactoring service as an HTTP server",
		RunE:  runServe, // Defined in cmd_serve.go
	}

	// --- Suggestions ---
	suggestCmd = &cobra.Command{
		Use:   "suggest [file]",
		Short: "Register a refactoring suggestion for a file from a unified diff",
		Args:  cobra.ExactArgs(1),
		RunE:  runSuggest, // Defined in cmd_suggest.go
	}
	generateCmd = &cobra.Command{
		Use:   "generate [file]",
		Short: "Ask the configured producer to propose suggestions for a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runGenerate,
	}
	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List stored suggestions",
		RunE:  runList,
	}
	approveCmd = &cobra.Command{
		Use:   "approve [id]",
		Short: "Approve a pending suggestion for execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runApprove,
	}
	rejectCmd = &cobra.Command{
		Use:   "reject [id]",
		Short: "Reject a pending suggestion",
		Args:  cobra.ExactArgs(1),
		RunE:  runReject,
	}
	resubmitCmd = &cobra.Command{
		Use:   "resubmit [id]",
		Short: "Clone a finished suggestion back into the review queue",
		Args:  cobra.ExactArgs(1),
		RunE:  runResubmit,
	}
	clearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Delete stored suggestions, optionally filtered by status and age",
		RunE:  runClear,
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show suggestion counts by status and file",
		RunE:  runStats,
	}

	// --- Execution ---
	executeCmd = &cobra.Command{
		Use:   "execute [id...]",
		Short: "Execute approved suggestions transactionally",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runExecute, // Defined in cmd_execute.go
	}
	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Show the operation ledger, newest first",
		RunE:  runHistory,
	}
	rollbackCmd = &cobra.Command{
		Use:   "rollback [operation-id]",
		Short: "Manually roll back a committed operation from its snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  runRollback,
	}

	// --- Migrations ---
	splitCmd = &cobra.Command{
		Use:   "split [script.sql]",
		Short: "Split a migration script into dependency-safe groups",
		Args:  cobra.ExactArgs(1),
		RunE:  runSplit, // Defined in cmd_split.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Data directory (default ~/.revise)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Force JSON output (default when not a terminal)")

	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(suggestCmd)
	suggestCmd.Flags().StringVar(&suggestDiffFile, "diff-file", "", "Read the unified diff from this file instead of stdin")
	suggestCmd.Flags().StringVar(&suggestStrategy, "strategy", "manual", "Strategy label for the suggestion")
	suggestCmd.Flags().IntVar(&suggestPriority, "priority", 0, "Review priority; higher sorts first")

	rootCmd.AddCommand(generateCmd)
	generateCmd.Flags().StringVar(&generateInstructions, "instructions", "", "Free-form guidance for the producer")
	generateCmd.Flags().StringVar(&generateStrategy, "strategy", "general", "Strategy label for generated suggestions")

	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by lifecycle status (pending, approved, ...)")
	listCmd.Flags().StringVar(&listFile, "file", "", "Filter by target file path")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum number of results (0 = all)")

	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(resubmitCmd)

	rootCmd.AddCommand(clearCmd)
	clearCmd.Flags().StringVar(&clearStatus, "status", "", "Only delete suggestions with this status")
	clearCmd.Flags().IntVar(&clearOlderSec, "older-than", 0, "Only delete suggestions older than this many seconds")

	rootCmd.AddCommand(statsCmd)

	rootCmd.AddCommand(executeCmd)
	executeCmd.Flags().BoolVar(&executeDryRun, "dry-run", false, "Preview the change without mutating the file or lifecycle")

	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyFile, "file", "", "Filter by target file path")
	historyCmd.Flags().StringVar(&historySuggestion, "suggestion", "", "Filter by suggestion ID")
	historyCmd.Flags().BoolVar(&historyAll, "all", false, "Include rolled back and aborted operations")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of results (0 = all)")

	rootCmd.AddCommand(rollbackCmd)

	rootCmd.AddCommand(splitCmd)
	splitCmd.Flags().StringVar(&splitBaseName, "base-name", "migration", "Base name for generated group scripts")
	splitCmd.Flags().IntVar(&splitGroupSize, "group-size", 0, "Target statements per group (0 = config default)")
}

func dataDir() string {
	if dataDirFlag != "" {
		return dataDirFlag
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.revise"
	}
	return ".revise"
}
