// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package budget

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLedger returns a ledger with a single tier sized for boundary tests.
func testLedger(tokenCap int64, usedTokens int64) *Ledger {
	ledger := DefaultLedger()
	ledger.Tiers = map[string]Tier{
		"test": {
			MonthlyCostCapUSD: 100,
			TokenCap:          tokenCap,
			WallTimeCapSec:    100_000,
		},
	}
	ledger.CurrentTier = "test"
	ledger.Usage.Tokens = usedTokens
	return ledger
}

func openTestGovernor(t *testing.T, ledger *Ledger) *Governor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, saveLedger(ledger, path))

	g, err := Open(path, nil)
	require.NoError(t, err)
	return g
}

func TestOpen_CreatesDefaultLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget", "ledger.json")

	g, err := Open(path, nil)
	require.NoError(t, err)

	snap := g.Snapshot()
	assert.Equal(t, "starter", snap.CurrentTier)
	assert.NotEmpty(t, snap.Tiers)

	// The file must exist after open.
	reloaded, err := loadLedger(path)
	require.NoError(t, err)
	assert.Equal(t, snap.CurrentTier, reloaded.CurrentTier)
}

func TestOpen_RejectsCorruptLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0640))

	_, err := Open(path, nil)
	assert.ErrorIs(t, err, ErrLedgerCorrupt)
}

func TestTryAdmit_TokenBoundary(t *testing.T) {
	// tokenCap=1000, stopAt=0.95, warningAt=0.8, 960 tokens already used.
	g := openTestGovernor(t, testLedger(1000, 960))

	// 960+100 = 1060 -> rate 1.06 >= 0.95: denied.
	dec := g.TryAdmit(Estimate{Tokens: 100}, "req-1")
	assert.False(t, dec.Allowed)
	assert.NotEmpty(t, dec.Reason)
	assert.InDelta(t, 1.06, dec.Rates.Tokens, 0.001)

	// 960+10 = 970 -> rate 0.97 still crosses the 0.95 stop threshold.
	dec = g.TryAdmit(Estimate{Tokens: 10}, "req-2")
	assert.False(t, dec.Allowed)
	assert.InDelta(t, 0.97, dec.Rates.Tokens, 0.001)
}

func TestTryAdmit_WarningBand(t *testing.T) {
	// 850 used + 10 estimated = 0.86: above warningAt (0.8), below stopAt.
	g := openTestGovernor(t, testLedger(1000, 850))

	dec := g.TryAdmit(Estimate{Tokens: 10}, "req-1")
	assert.True(t, dec.Allowed)
	assert.True(t, dec.Warning)
	assert.InDelta(t, 0.86, dec.Rates.Tokens, 0.001)
}

func TestTryAdmit_BelowWarning(t *testing.T) {
	g := openTestGovernor(t, testLedger(1000, 100))

	dec := g.TryAdmit(Estimate{Tokens: 10}, "req-1")
	assert.True(t, dec.Allowed)
	assert.False(t, dec.Warning)
}

func TestTryAdmit_ConcurrencyLimit(t *testing.T) {
	ledger := testLedger(1_000_000, 0)
	ledger.Limits.MaxConcurrency = 2
	g := openTestGovernor(t, ledger)

	assert.True(t, g.TryAdmit(Estimate{}, "req-1").Allowed)
	assert.True(t, g.TryAdmit(Estimate{}, "req-2").Allowed)

	dec := g.TryAdmit(Estimate{}, "req-3")
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "concurrency limit")
}

func TestTryAdmit_SlotFreedBySettle(t *testing.T) {
	ledger := testLedger(1_000_000, 0)
	ledger.Limits.MaxConcurrency = 1
	g := openTestGovernor(t, ledger)

	require.True(t, g.TryAdmit(Estimate{}, "req-1").Allowed)
	assert.False(t, g.TryAdmit(Estimate{}, "req-2").Allowed)

	require.NoError(t, g.Settle(Actual{Tokens: 5}, "req-1"))
	assert.True(t, g.TryAdmit(Estimate{}, "req-2").Allowed)
}

func TestTryAdmit_PerAttemptWallTimeLimit(t *testing.T) {
	ledger := testLedger(1_000_000, 0)
	ledger.Limits.MaxWallTimePerAttemptSec = 60
	g := openTestGovernor(t, ledger)

	dec := g.TryAdmit(Estimate{WallTimeSec: 120}, "req-1")
	assert.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "per-attempt limit")
}

func TestTryAdmit_ProjectedWallTimeIncludesSessionElapsed(t *testing.T) {
	ledger := testLedger(1_000_000, 0)
	ledger.Tiers["test"] = Tier{
		MonthlyCostCapUSD: 100,
		TokenCap:          1_000_000,
		WallTimeCapSec:    100,
	}
	ledger.Usage.WallTimeSec = 50

	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, saveLedger(ledger, path))

	base := time.Now()
	clock := base
	g, err := open(path, nil, func() time.Time { return clock })
	require.NoError(t, err)

	// 40s into the session: projected = 50 + 40 + 10 = 100 -> rate 1.0.
	clock = base.Add(40 * time.Second)
	dec := g.TryAdmit(Estimate{WallTimeSec: 10}, "req-1")
	assert.False(t, dec.Allowed)
	assert.InDelta(t, 1.0, dec.Rates.WallTime, 0.001)
}

func TestSettle_DebitsAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, saveLedger(testLedger(1_000_000, 0), path))

	g, err := Open(path, nil)
	require.NoError(t, err)

	require.True(t, g.TryAdmit(Estimate{Tokens: 100}, "req-1").Allowed)
	require.NoError(t, g.Settle(Actual{Tokens: 120, CostUSD: 0.05, WallTimeSec: 3.5}, "req-1"))

	snap := g.Snapshot()
	assert.Equal(t, int64(120), snap.Usage.Tokens)
	assert.InDelta(t, 0.05, snap.Usage.CostUSD, 1e-9)
	assert.InDelta(t, 3.5, snap.Usage.WallTimeSec, 1e-9)
	assert.Empty(t, snap.ActiveRequests)

	// The ledger file reflects the settled usage.
	reloaded, err := loadLedger(path)
	require.NoError(t, err)
	assert.Equal(t, int64(120), reloaded.Usage.Tokens)
}

func TestSettle_UnknownRequestStillDebits(t *testing.T) {
	g := openTestGovernor(t, testLedger(1_000_000, 0))

	err := g.Settle(Actual{Tokens: 30}, "never-admitted")
	assert.ErrorIs(t, err, ErrUnknownRequest)
	assert.Equal(t, int64(30), g.Snapshot().Usage.Tokens)
}

func TestSetTier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	g, err := Open(path, nil)
	require.NoError(t, err)

	require.NoError(t, g.SetTier("pro"))
	assert.Equal(t, "pro", g.Snapshot().CurrentTier)

	assert.ErrorIs(t, g.SetTier("platinum"), ErrUnknownTier)
}

func TestLedger_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Ledger)
		wantErr bool
	}{
		{"default is valid", func(l *Ledger) {}, false},
		{"no tiers", func(l *Ledger) { l.Tiers = nil }, true},
		{"unknown current tier", func(l *Ledger) { l.CurrentTier = "nope" }, true},
		{"stop above one", func(l *Ledger) { l.Alerts.StopAt = 1.5 }, true},
		{"warning above stop", func(l *Ledger) { l.Alerts.WarningAt = 0.99 }, true},
		{"zero concurrency", func(l *Ledger) { l.Limits.MaxConcurrency = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := DefaultLedger()
			tt.mutate(ledger)
			err := ledger.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
