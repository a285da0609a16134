// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import "time"

// RunStatus is the terminal state of a pipeline run.
type RunStatus string

const (
	// RunSuccess means every step completed.
	RunSuccess RunStatus = "success"

	// RunFailed means a step failed permanently, admission was denied,
	// or the graph stalled.
	RunFailed RunStatus = "failed"

	// RunPartial means the run was cancelled or timed out after at
	// least one step completed.
	RunPartial RunStatus = "partial"
)

// StepResult records one step's outcome.
type StepResult struct {
	// Status is the step's terminal status.
	Status StepStatus `json:"status"`

	// Duration is the wall time across all attempts.
	Duration time.Duration `json:"duration"`

	// Error is the failure message for failed steps.
	Error string `json:"error,omitempty"`

	// FailureKind is the classified kind of a failed step's error,
	// using the retry package's taxonomy.
	FailureKind string `json:"failure_kind,omitempty"`

	// Cached is true when the output was served from the memoization
	// store without executing the runner.
	Cached bool `json:"cached,omitempty"`

	// Attempts counts executions, including the first.
	Attempts int `json:"attempts"`

	// Tokens consumed across all attempts.
	Tokens int64 `json:"tokens"`

	// CostUSD spent across all attempts.
	CostUSD float64 `json:"cost_usd"`
}

// Result is the report returned for a pipeline run. It is complete for
// every terminal status: failed and partial runs still carry the
// results of the steps that did execute.
type Result struct {
	// Status is the run's terminal status.
	Status RunStatus `json:"status"`

	// SessionID identifies this run in logs and traces.
	SessionID string `json:"session_id"`

	// PipelineName echoes the spec's name.
	PipelineName string `json:"pipeline_name"`

	// Duration is the total run wall time.
	Duration time.Duration `json:"duration"`

	// Steps maps step name to outcome, including skipped steps.
	Steps map[string]StepResult `json:"steps"`

	// Outputs maps completed step names to their output values.
	Outputs map[string]any `json:"outputs"`

	// TotalTokens is the sum of settled token usage.
	TotalTokens int64 `json:"total_tokens"`

	// TotalCostUSD is the sum of settled cost.
	TotalCostUSD float64 `json:"total_cost_usd"`

	// FailedStep names the step whose failure ended the run.
	FailedStep string `json:"failed_step,omitempty"`

	// Error describes why a failed or partial run ended.
	Error string `json:"error,omitempty"`
}

// CompletedCount returns the number of completed steps.
func (r *Result) CompletedCount() int {
	n := 0
	for _, sr := range r.Steps {
		if sr.Status == StatusCompleted {
			n++
		}
	}
	return n
}
