// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/harborai/conduit/config"
	"github.com/harborai/conduit/pkg/logging"
)

var appLogger *logging.Logger

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := config.Load(); err != nil {
			return err
		}

		level := config.Global.Logging.Level
		if logLevel != "" {
			level = logLevel
		}
		format := config.Global.Logging.Format
		if logFormat != "" {
			format = logFormat
		}

		logger, err := logging.New(logging.Config{Level: level, Format: format})
		if err != nil {
			return err
		}
		appLogger = logger
		return nil
	}
}
