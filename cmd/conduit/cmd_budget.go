// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// showBudget prints current usage against the active tier's caps.
func showBudget(cmd *cobra.Command, args []string) error {
	governor, err := openGovernor()
	if err != nil {
		return err
	}

	snap := governor.Snapshot()
	rates := governor.CurrentRates()

	if outputJSON {
		data, err := json.MarshalIndent(map[string]any{
			"tier":  snap.CurrentTier,
			"usage": snap.Usage,
			"rates": rates,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	tier := snap.Tiers[snap.CurrentTier]
	fmt.Printf("Tier: %s\n", snap.CurrentTier)
	fmt.Printf("  tokens:    %d / %d (%.1f%%)\n", snap.Usage.Tokens, tier.TokenCap, rates.Tokens*100)
	fmt.Printf("  cost:      $%.4f / $%.2f (%.1f%%)\n", snap.Usage.CostUSD, tier.MonthlyCostCapUSD, rates.Cost*100)
	fmt.Printf("  wall time: %.0fs / %.0fs (%.1f%%)\n", snap.Usage.WallTimeSec, tier.WallTimeCapSec, rates.WallTime*100)
	fmt.Printf("  thresholds: warn at %.0f%%, stop at %.0f%%\n", snap.Alerts.WarningAt*100, snap.Alerts.StopAt*100)
	return nil
}

// setBudgetTier switches the active tier and persists the ledger.
func setBudgetTier(cmd *cobra.Command, args []string) error {
	governor, err := openGovernor()
	if err != nil {
		return err
	}
	if err := governor.SetTier(args[0]); err != nil {
		return err
	}
	fmt.Printf("Active tier set to %s\n", args[0])
	return nil
}
