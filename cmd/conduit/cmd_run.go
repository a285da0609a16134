// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
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
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harborai/conduit/budget"
	"github.com/harborai/conduit/cache"
	"github.com/harborai/conduit/config"
	"github.com/harborai/conduit/pipeline"
	"github.com/harborai/conduit/steps"
)

// runPipeline loads a pipeline spec, wires the governor, cache, and
// built-in step types, and executes it.
func runPipeline(cmd *cobra.Command, args []string) error {
	spec, err := config.LoadPipeline(args[0])
	if err != nil {
		return err
	}
	if noCache {
		spec.Options.UseCache = false
	}

	governor, err := openGovernor()
	if err != nil {
		return err
	}

	var store *cache.Store
	if spec.Options.UseCache {
		store, err = openCache()
		if err != nil {
			return err
		}
		defer store.Close()
	}

	registry, err := buildRegistry()
	if err != nil {
		return err
	}

	exec, err := pipeline.NewExecutor(spec, registry, pipeline.ExecutorConfig{
		Governor: governor,
		Cache:    store,
		Logger:   appLogger.Slog(),
	})
	if err != nil {
		return err
	}

	// Ctrl-C interrupts the run; the report still covers completed steps.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var input any
	if initialInput != "" {
		input = initialInput
	}

	result, runErr := exec.Run(ctx, input)
	if result != nil {
		printResult(result)
	}
	if runErr != nil {
		return runErr
	}
	if result.Status != pipeline.RunSuccess {
		return fmt.Errorf("pipeline %s: %s", result.Status, result.Error)
	}
	return nil
}

func openGovernor() (*budget.Governor, error) {
	path, err := config.ResolvePath(config.Global.Budget.LedgerPath)
	if err != nil {
		return nil, err
	}
	return budget.Open(path, appLogger.Slog())
}

func openCache() (*cache.Store, error) {
	cacheConfig := cache.DefaultConfig()
	cacheConfig.Logger = appLogger.Slog()
	if config.Global.Cache.Path != "" {
		path, err := config.ResolvePath(config.Global.Cache.Path)
		if err != nil {
			return nil, err
		}
		cacheConfig.Path = path
	} else {
		cacheConfig.InMemory = true
	}
	if config.Global.Cache.DefaultTTL != "" {
		ttl, err := time.ParseDuration(config.Global.Cache.DefaultTTL)
		if err != nil {
			return nil, fmt.Errorf("invalid cache.default_ttl: %w", err)
		}
		cacheConfig.DefaultTTL = ttl
	}
	store, err := cache.Open(cacheConfig)
	if err != nil {
		return nil, err
	}
	if limit := config.Global.Cache.MaxSizeBytes; limit > 0 {
		if evicted, err := store.EnforceSizeLimit(limit); err != nil {
			appLogger.Warn("cache size enforcement failed", "error", err.Error())
		} else if evicted > 0 {
			appLogger.Info("evicted cache entries over size limit", "count", evicted)
		}
	}
	return store, nil
}

// buildRegistry registers the built-in step types.
func buildRegistry() (*pipeline.Registry, error) {
	registry := pipeline.NewRegistry()

	provider := config.Global.Provider
	apiKey := os.Getenv(provider.APIKeyEnv)
	completion, err := steps.NewCompletionRunner(steps.CompletionConfig{
		Model:   provider.Model,
		APIKey:  apiKey,
		BaseURL: provider.BaseURL,
		Logger:  appLogger.Slog(),
	})
	if err != nil {
		appLogger.Warn("completion step unavailable", "error", err.Error())
	} else {
		if err := registry.Register("completion", completion); err != nil {
			return nil, err
		}
	}

	passthrough, err := steps.NewTransformRunner(func(_ context.Context, input any) (any, error) {
		return input, nil
	})
	if err != nil {
		return nil, err
	}
	if err := registry.Register("transform", passthrough); err != nil {
		return nil, err
	}
	return registry, nil
}

func printResult(result *pipeline.Result) {
	if outputJSON {
		data, err := json.MarshalIndent(result, "", "  ")
		if err == nil {
			fmt.Println(string(data))
		}
		return
	}

	fmt.Printf("Pipeline %s: %s (%s)\n", result.PipelineName, result.Status, result.Duration.Round(time.Millisecond))
	fmt.Printf("  session: %s  tokens: %d  cost: $%.4f\n",
		result.SessionID, result.TotalTokens, result.TotalCostUSD)

	names := make([]string, 0, len(result.Steps))
	for name := range result.Steps {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sr := result.Steps[name]
		line := fmt.Sprintf("  %-20s %s", name, sr.Status)
		if sr.Cached {
			line += " (cached)"
		}
		if sr.Attempts > 1 {
			line += fmt.Sprintf(" (%d attempts)", sr.Attempts)
		}
		if sr.Error != "" {
			line += "  " + sr.Error
		}
		fmt.Println(line)
	}
	if result.FailedStep != "" {
		fmt.Printf("  failed at: %s\n", result.FailedStep)
	}
}
