// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	logLevel     string
	logFormat    string
	noCache      bool
	initialInput string
	outputJSON   bool

	rootCmd = &cobra.Command{
		Use:   "conduit",
		Short: "A cli to run budget-governed LLM pipelines",
		Long: `Conduit executes dependency-resolved pipelines of completion and
transform steps, with per-run memoization, retry handling, and a
persistent resource budget.`,
	}

	// --- Run ---
	runCmd = &cobra.Command{
		Use:   "run [pipeline.yaml]",
		Short: "Run a pipeline spec file",
		Args:  cobra.ExactArgs(1),
		RunE:  runPipeline, // Defined in cmd_run.go
	}

	// --- Budget ---
	budgetCmd = &cobra.Command{
		Use:   "budget",
		Short: "Inspect and manage the resource budget ledger",
	}
	budgetShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Show current usage against the active tier's caps",
		RunE:  showBudget, // Defined in cmd_budget.go
	}
	budgetTierCmd = &cobra.Command{
		Use:   "tier [name]",
		Short: "Switch the active budget tier",
		Args:  cobra.ExactArgs(1),
		RunE:  setBudgetTier, // Defined in cmd_budget.go
	}

	// --- Cache ---
	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Manage the memoization store",
	}
	cacheClearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached step result",
		RunE:  clearCache, // Defined in cmd_cache.go
	}
	cacheSweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired cache entries now",
		RunE:  sweepCache, // Defined in cmd_cache.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "minimum log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")

	runCmd.Flags().BoolVar(&noCache, "no-cache", false, "disable the memoization store for this run")
	runCmd.Flags().StringVar(&initialInput, "input", "", "initial input for steps with no dependencies")
	runCmd.Flags().BoolVar(&outputJSON, "json", false, "print the run report as JSON")

	budgetShowCmd.Flags().BoolVar(&outputJSON, "json", false, "print the ledger snapshot as JSON")

	budgetCmd.AddCommand(budgetShowCmd, budgetTierCmd)
	cacheCmd.AddCommand(cacheClearCmd, cacheSweepCmd)
	rootCmd.AddCommand(runCmd, budgetCmd, cacheCmd)
}
