// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package budget

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Tier defines the monthly caps for one budget level.
type Tier struct {
	// MonthlyCostCapUSD is the spend cap in USD.
	MonthlyCostCapUSD float64 `json:"monthly_cost_cap_usd"`

	// TokenCap is the token cap.
	TokenCap int64 `json:"token_cap"`

	// WallTimeCapSec is the wall-clock cap in seconds.
	WallTimeCapSec float64 `json:"wall_time_cap_sec"`
}

// Usage accumulates settled resource consumption.
//
// WallTimeSec only reflects completed work. In-flight wall time is
// computed on demand as WallTimeSec + (now - SessionStart).
type Usage struct {
	Tokens       int64     `json:"tokens"`
	CostUSD      float64   `json:"cost_usd"`
	WallTimeSec  float64   `json:"wall_time_sec"`
	SessionStart time.Time `json:"session_start"`
}

// Alerts holds the warning and stop thresholds as fractions of cap.
type Alerts struct {
	// WarningAt is the usage fraction that triggers a warning.
	WarningAt float64 `json:"warning_at"`

	// StopAt is the usage fraction at which admission is denied.
	StopAt float64 `json:"stop_at"`
}

// Limits holds per-request admission limits.
type Limits struct {
	// MaxConcurrency is the maximum number of in-flight admitted requests.
	MaxConcurrency int `json:"max_concurrency"`

	// MaxWallTimePerAttemptSec rejects any single attempt estimated to
	// run longer than this.
	MaxWallTimePerAttemptSec float64 `json:"max_wall_time_per_attempt_sec"`
}

// Ledger is the persisted budget state shared by all concurrent runs.
//
// Thread Safety:
//
//	Ledger itself is a plain value; all cross-goroutine access goes
//	through the Governor, which serializes mutation.
type Ledger struct {
	// Tiers maps tier name to its caps.
	Tiers map[string]Tier `json:"tiers"`

	// CurrentTier selects the active tier.
	CurrentTier string `json:"current_tier"`

	// Usage is the settled consumption.
	Usage Usage `json:"usage"`

	// Alerts holds warning/stop thresholds.
	Alerts Alerts `json:"alerts"`

	// Limits holds admission limits.
	Limits Limits `json:"limits"`

	// ActiveRequests maps admitted request ID to admission time.
	ActiveRequests map[string]time.Time `json:"active_requests"`
}

// DefaultLedger returns a ledger with conservative starter tiers.
func DefaultLedger() *Ledger {
	return &Ledger{
		Tiers: map[string]Tier{
			"starter": {
				MonthlyCostCapUSD: 5.00,
				TokenCap:          1_000_000,
				WallTimeCapSec:    3_600,
			},
			"standard": {
				MonthlyCostCapUSD: 25.00,
				TokenCap:          10_000_000,
				WallTimeCapSec:    14_400,
			},
			"pro": {
				MonthlyCostCapUSD: 100.00,
				TokenCap:          50_000_000,
				WallTimeCapSec:    86_400,
			},
		},
		CurrentTier: "starter",
		Alerts: Alerts{
			WarningAt: 0.8,
			StopAt:    0.95,
		},
		Limits: Limits{
			MaxConcurrency:           5,
			MaxWallTimePerAttemptSec: 600,
		},
		ActiveRequests: make(map[string]time.Time),
	}
}

// Validate checks ledger invariants.
func (l *Ledger) Validate() error {
	if l == nil {
		return ErrInvalidLedger
	}
	if len(l.Tiers) == 0 {
		return fmt.Errorf("%w: no tiers defined", ErrInvalidLedger)
	}
	if _, ok := l.Tiers[l.CurrentTier]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTier, l.CurrentTier)
	}
	if l.Alerts.StopAt <= 0 || l.Alerts.StopAt > 1 {
		return fmt.Errorf("%w: stop_at must be in (0, 1]", ErrInvalidLedger)
	}
	if l.Alerts.WarningAt < 0 || l.Alerts.WarningAt > l.Alerts.StopAt {
		return fmt.Errorf("%w: warning_at must be in [0, stop_at]", ErrInvalidLedger)
	}
	if l.Limits.MaxConcurrency < 1 {
		return fmt.Errorf("%w: max_concurrency must be >= 1", ErrInvalidLedger)
	}
	return nil
}

// currentTier returns the active tier's caps.
func (l *Ledger) currentTier() Tier {
	return l.Tiers[l.CurrentTier]
}

// loadLedger reads a ledger file from disk.
func loadLedger(path string) (*Ledger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	var ledger Ledger
	if err := json.Unmarshal(data, &ledger); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerCorrupt, err)
	}
	if ledger.ActiveRequests == nil {
		ledger.ActiveRequests = make(map[string]time.Time)
	}

	if err := ledger.Validate(); err != nil {
		return nil, err
	}
	return &ledger, nil
}

// saveLedger writes the ledger atomically using temp file + rename.
func saveLedger(ledger *Ledger, path string) error {
	data, err := json.MarshalIndent(ledger, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, ".ledger-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("sync ledger: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename ledger: %w", err)
	}

	success = true
	return nil
}
