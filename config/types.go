// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the application configuration and pipeline spec
// files. Application config lives at ~/.conduit/conduit.yaml and is
// created with defaults on first run; pipeline specs are standalone
// YAML files passed to the CLI.
package config

// ConduitConfig is the application-level configuration.
type ConduitConfig struct {
	Budget   BudgetConfig   `yaml:"budget"`
	Cache    CacheConfig    `yaml:"cache"`
	Provider ProviderConfig `yaml:"provider"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BudgetConfig locates the persistent usage ledger.
type BudgetConfig struct {
	// LedgerPath is the JSON ledger file. Relative paths resolve
	// against the config directory.
	LedgerPath string `yaml:"ledger_path"`
}

// CacheConfig configures the memoization store.
type CacheConfig struct {
	// Path is the on-disk store directory. Empty selects in-memory.
	Path string `yaml:"path"`

	// DefaultTTL is the entry lifetime when a pipeline doesn't set one,
	// as a Go duration string.
	DefaultTTL string `yaml:"default_ttl"`

	// MaxSizeBytes caps the store; zero disables size enforcement.
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
}

// ProviderConfig configures the completion provider.
type ProviderConfig struct {
	// Model is the completion model identifier.
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	// The key itself never appears in the config file.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider endpoint (e.g. a local gateway).
	BaseURL string `yaml:"base_url,omitempty"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() ConduitConfig {
	return ConduitConfig{
		Budget: BudgetConfig{
			LedgerPath: "ledger.json",
		},
		Cache: CacheConfig{
			Path:         "cache",
			DefaultTTL:   "24h",
			MaxSizeBytes: 256 << 20,
		},
		Provider: ProviderConfig{
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
