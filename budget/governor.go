// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package budget implements the resource governor: a persisted, tiered
// ledger tracking tokens, cost, and wall-clock time, with admission
// checks before work starts and debits after completion.
//
// Admission is optimistic: TryAdmit reserves a concurrency slot but does
// not pre-debit the numeric usage, so several requests admitted before
// any of them settles can each see a favorable snapshot and collectively
// overshoot the cap once they all settle. The concurrency-slot count is
// the only hard backpressure at admission time. This is the documented
// baseline behavior; tightening it means reserving the estimate at
// admission and reconciling the delta at settle.
package budget

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"
)

// Estimate is a planning figure supplied at admission time.
type Estimate struct {
	Tokens      int64   `json:"tokens"`
	CostUSD     float64 `json:"cost_usd"`
	WallTimeSec float64 `json:"wall_time_sec"`
}

// Actual is the measured consumption supplied at settle time.
type Actual struct {
	Tokens      int64   `json:"tokens"`
	CostUSD     float64 `json:"cost_usd"`
	WallTimeSec float64 `json:"wall_time_sec"`
}

// Rates reports projected usage as fractions of the active tier's caps.
type Rates struct {
	// Tokens is (settled + estimated tokens) / token cap.
	Tokens float64 `json:"tokens"`

	// Cost is (settled + estimated cost) / monthly cost cap.
	Cost float64 `json:"cost"`

	// WallTime is projected wall time / wall-time cap, where projected
	// wall time includes the in-flight session elapsed time.
	WallTime float64 `json:"wall_time"`

	// Max is the maximum of the three.
	Max float64 `json:"max"`
}

// Decision is the governor's admission verdict.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Reason explains a denial (empty when allowed).
	Reason string

	// Warning is set when usage crossed the warning threshold but the
	// request was still admitted.
	Warning bool

	// Rates is the projected usage snapshot the verdict was based on.
	Rates Rates
}

// Governor guards the shared budget ledger.
//
// Description:
//
//	Governor is the single entry point for all ledger mutation. TryAdmit
//	and Settle serialize their read-modify-write under one mutex, and the
//	ledger file is rewritten after every settle and tier change.
//
// Thread Safety:
//
//	Governor is safe for concurrent use by any number of pipeline runs.
type Governor struct {
	mu     sync.Mutex
	ledger *Ledger
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// Open loads the ledger at path, creating a default one if absent.
//
// Inputs:
//
//	path - Ledger file location. Parent directories are created on save.
//	logger - Logger for admission events. If nil, uses slog.Default().
//
// Outputs:
//
//	*Governor - The governor with a fresh session started.
//	error - Non-nil if the file exists but cannot be parsed or validated.
func Open(path string, logger *slog.Logger) (*Governor, error) {
	return open(path, logger, time.Now)
}

func open(path string, logger *slog.Logger, now func() time.Time) (*Governor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ledger, err := loadLedger(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		ledger = DefaultLedger()
	}

	// A new governor is a new session: completed wall time carries over,
	// in-flight reservations do not.
	ledger.Usage.SessionStart = now()
	ledger.ActiveRequests = make(map[string]time.Time)

	g := &Governor{
		ledger: ledger,
		path:   path,
		logger: logger,
		now:    now,
	}

	if err := saveLedger(ledger, path); err != nil {
		return nil, fmt.Errorf("persist ledger on open: %w", err)
	}

	g.logger.Info("budget governor opened",
		slog.String("tier", ledger.CurrentTier),
		slog.Int64("tokens_used", ledger.Usage.Tokens),
		slog.Float64("cost_used_usd", ledger.Usage.CostUSD),
	)
	return g, nil
}

// TryAdmit checks the estimate against the active tier's caps.
//
// Description:
//
//	Computes projected usage rates for tokens, cost, and wall time, and
//	denies if the concurrency limit is reached, the estimated attempt
//	exceeds the per-attempt wall-time limit, or the maximum projected
//	rate crosses the stop threshold. On allow, the request ID joins the
//	active set; the numeric estimate is not debited.
//
// Inputs:
//
//	est - Planning estimate for the work about to run.
//	requestID - Unique ID for the unit of work, matched at Settle.
//
// Outputs:
//
//	Decision - Verdict with the rate snapshot it was based on.
func (g *Governor) TryAdmit(est Estimate, requestID string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	tier := g.ledger.currentTier()
	rates := g.projectedRates(tier, est)

	if len(g.ledger.ActiveRequests) >= g.ledger.Limits.MaxConcurrency {
		return g.deny(requestID, rates,
			fmt.Sprintf("concurrency limit reached (%d active)", len(g.ledger.ActiveRequests)))
	}
	if g.ledger.Limits.MaxWallTimePerAttemptSec > 0 &&
		est.WallTimeSec > g.ledger.Limits.MaxWallTimePerAttemptSec {
		return g.deny(requestID, rates,
			fmt.Sprintf("estimated attempt time %.0fs exceeds per-attempt limit %.0fs",
				est.WallTimeSec, g.ledger.Limits.MaxWallTimePerAttemptSec))
	}
	if rates.Max >= g.ledger.Alerts.StopAt {
		return g.deny(requestID, rates,
			fmt.Sprintf("projected usage %.0f%% of cap crosses stop threshold %.0f%%",
				rates.Max*100, g.ledger.Alerts.StopAt*100))
	}

	warning := rates.Max >= g.ledger.Alerts.WarningAt
	if warning {
		g.logger.Warn("budget usage approaching cap",
			slog.String("request_id", requestID),
			slog.Float64("max_rate", rates.Max),
			slog.Float64("warning_at", g.ledger.Alerts.WarningAt),
		)
	}

	g.ledger.ActiveRequests[requestID] = g.now()

	return Decision{Allowed: true, Warning: warning, Rates: rates}
}

// Settle debits actual usage and releases the concurrency reservation.
//
// Description:
//
//	Adds the measured consumption to the ledger, removes the request from
//	the active set, and persists the ledger file. A settle for an unknown
//	request ID still debits the usage but returns ErrUnknownRequest so
//	callers can surface the bookkeeping bug.
//
// Inputs:
//
//	actual - Measured consumption.
//	requestID - The ID passed to TryAdmit.
//
// Outputs:
//
//	error - Non-nil on unknown request ID or persistence failure.
func (g *Governor) Settle(actual Actual, requestID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ledger.Usage.Tokens += actual.Tokens
	g.ledger.Usage.CostUSD += actual.CostUSD
	g.ledger.Usage.WallTimeSec += actual.WallTimeSec

	_, known := g.ledger.ActiveRequests[requestID]
	delete(g.ledger.ActiveRequests, requestID)

	if err := saveLedger(g.ledger, g.path); err != nil {
		return fmt.Errorf("persist ledger on settle: %w", err)
	}

	g.logger.Debug("request settled",
		slog.String("request_id", requestID),
		slog.Int64("tokens", actual.Tokens),
		slog.Float64("cost_usd", actual.CostUSD),
		slog.Float64("wall_time_sec", actual.WallTimeSec),
	)

	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	return nil
}

// SetTier switches the active tier and persists the ledger.
func (g *Governor) SetTier(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.ledger.Tiers[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTier, name)
	}
	g.ledger.CurrentTier = name

	if err := saveLedger(g.ledger, g.path); err != nil {
		return fmt.Errorf("persist ledger on tier change: %w", err)
	}
	g.logger.Info("budget tier changed", slog.String("tier", name))
	return nil
}

// Snapshot returns a copy of the current ledger for display.
func (g *Governor) Snapshot() Ledger {
	g.mu.Lock()
	defer g.mu.Unlock()

	copied := *g.ledger
	copied.Tiers = make(map[string]Tier, len(g.ledger.Tiers))
	for k, v := range g.ledger.Tiers {
		copied.Tiers[k] = v
	}
	copied.ActiveRequests = make(map[string]time.Time, len(g.ledger.ActiveRequests))
	for k, v := range g.ledger.ActiveRequests {
		copied.ActiveRequests[k] = v
	}
	return copied
}

// CurrentRates returns projected rates with a zero estimate, for display.
func (g *Governor) CurrentRates() Rates {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.projectedRates(g.ledger.currentTier(), Estimate{})
}

// projectedRates computes the three usage fractions. Caller holds g.mu.
func (g *Governor) projectedRates(tier Tier, est Estimate) Rates {
	var rates Rates

	if tier.TokenCap > 0 {
		rates.Tokens = float64(g.ledger.Usage.Tokens+est.Tokens) / float64(tier.TokenCap)
	}
	if tier.MonthlyCostCapUSD > 0 {
		rates.Cost = (g.ledger.Usage.CostUSD + est.CostUSD) / tier.MonthlyCostCapUSD
	}
	if tier.WallTimeCapSec > 0 {
		elapsed := g.now().Sub(g.ledger.Usage.SessionStart).Seconds()
		projected := g.ledger.Usage.WallTimeSec + elapsed + est.WallTimeSec
		rates.WallTime = projected / tier.WallTimeCapSec
	}

	rates.Max = rates.Tokens
	if rates.Cost > rates.Max {
		rates.Max = rates.Cost
	}
	if rates.WallTime > rates.Max {
		rates.Max = rates.WallTime
	}
	return rates
}

// deny logs and builds a denial decision. Caller holds g.mu.
func (g *Governor) deny(requestID string, rates Rates, reason string) Decision {
	g.logger.Warn("admission denied",
		slog.String("request_id", requestID),
		slog.String("reason", reason),
		slog.Float64("max_rate", rates.Max),
	)
	return Decision{Allowed: false, Reason: reason, Rates: rates}
}
