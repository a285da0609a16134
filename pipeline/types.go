// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline implements the execution core: a dependency-resolved,
// partially-parallel step graph executor. Serial steps run one at a time
// in rounds; named parallel groups run concurrently under a per-group
// concurrency gate. Every unit of work flows through the memoization
// store, the resource governor, and the retry executor.
package pipeline

import (
	"context"
	"time"

	"github.com/harborai/conduit/budget"
	"github.com/harborai/conduit/retry"
)

// DefaultStepTimeout applies to attempts when neither the step's group
// nor the spec configures one.
const DefaultStepTimeout = 120 * time.Second

// StepSpec declares one unit of work in a pipeline.
type StepSpec struct {
	// Name uniquely identifies the step within the pipeline.
	Name string `yaml:"name"`

	// Type selects the registered runner implementation.
	Type string `yaml:"type"`

	// Dependencies lists step names that must complete first, in the
	// order their outputs are assembled into this step's input.
	Dependencies []string `yaml:"dependencies,omitempty"`

	// LiteralInput is the step input when Dependencies is empty. When
	// nil, the pipeline's initial input is used instead.
	LiteralInput any `yaml:"input,omitempty"`

	// Parallel marks the step as a parallel-group member.
	Parallel bool `yaml:"parallel,omitempty"`

	// Group names the parallel group this step belongs to. Required
	// when Parallel is true.
	Group string `yaml:"group,omitempty"`

	// Retry overrides the serial-path retry policy for this step.
	// Ignored for parallel members, which use their group's fixed-delay
	// retry settings.
	Retry *retry.Policy `yaml:"-"`
}

// GroupSpec declares a named parallel group.
//
// Group retries use a fixed, non-exponential delay and an attempt
// counter separate from the generic exponential retry path. The two
// paths deliberately do not share semantics.
type GroupSpec struct {
	// Name identifies the group; StepSpecs reference it by name.
	Name string `yaml:"name"`

	// MaxConcurrency sizes the group's concurrency gate.
	MaxConcurrency int `yaml:"max_concurrency"`

	// PerAttemptTimeout bounds each member attempt. Zero uses
	// DefaultStepTimeout.
	PerAttemptTimeout time.Duration `yaml:"per_attempt_timeout,omitempty"`

	// RetryCount is the number of retries after the first attempt.
	RetryCount int `yaml:"retry_count,omitempty"`

	// RetryDelay is the fixed sleep between group retries.
	RetryDelay time.Duration `yaml:"retry_delay,omitempty"`
}

// Options holds run-level settings.
type Options struct {
	// MaxConcurrency sizes the pipeline-global gate used for serial-step
	// admission bookkeeping. Default: 4.
	MaxConcurrency int `yaml:"max_concurrency,omitempty"`

	// Timeout bounds the whole run. Zero means no run timeout.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// UseCache enables the memoization store for this run.
	UseCache bool `yaml:"use_cache,omitempty"`

	// CacheTTL is the lifetime of entries written by this run. Zero uses
	// the store default.
	CacheTTL time.Duration `yaml:"cache_ttl,omitempty"`
}

// Spec is a complete pipeline definition.
type Spec struct {
	// Name identifies the pipeline (used in logging and metrics).
	Name string `yaml:"name"`

	// Steps is the ordered step list. Declaration order is the
	// tie-break for serial execution within a round.
	Steps []StepSpec `yaml:"steps"`

	// Groups declares the parallel groups referenced by Steps.
	Groups []GroupSpec `yaml:"groups,omitempty"`

	// Options holds run-level settings.
	Options Options `yaml:"options,omitempty"`
}

// GroupByName returns the group spec with the given name.
func (s *Spec) GroupByName(name string) (GroupSpec, bool) {
	for _, g := range s.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return GroupSpec{}, false
}

// StepStatus is the per-step state machine:
// Pending → Ready → Admitted → Running → {Completed | Failed}, with
// Skipped for steps that never ran because the run aborted.
type StepStatus string

const (
	// StatusPending indicates the step hasn't been resolved yet.
	StatusPending StepStatus = "pending"

	// StatusReady indicates all dependencies are satisfied.
	StatusReady StepStatus = "ready"

	// StatusAdmitted indicates gate and governor both granted admission.
	StatusAdmitted StepStatus = "admitted"

	// StatusRunning indicates the step is executing (retry attempts are
	// Running → Running self-loops).
	StatusRunning StepStatus = "running"

	// StatusCompleted indicates successful completion.
	StatusCompleted StepStatus = "completed"

	// StatusFailed indicates permanent failure.
	StatusFailed StepStatus = "failed"

	// StatusSkipped indicates the step never ran because the run aborted.
	StatusSkipped StepStatus = "skipped"
)

// Usage is the resource consumption a runner reports for one execution.
type Usage struct {
	// Tokens consumed by the execution.
	Tokens int64 `json:"tokens"`

	// CostUSD spent by the execution.
	CostUSD float64 `json:"cost_usd"`
}

// Output is a runner's result.
type Output struct {
	// Value is the step output, passed to dependent steps.
	Value any `json:"value"`

	// Usage is the measured consumption, settled with the governor.
	Usage Usage `json:"usage"`
}

// Runner is the step implementation interface.
//
// Description:
//
//	One Runner is registered per step type; the executor resolves the
//	runner for each step once at build time, not per call. Failures
//	should be distinguishable by the failure classifier: wrap provider
//	errors rather than flattening them to strings.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use; parallel group
//	members may execute concurrently on the same Runner.
type Runner interface {
	// Execute runs one unit of work.
	//
	// Inputs:
	//   ctx - Context carrying the per-attempt timeout.
	//   input - The step's effective input: its literal input, the
	//     pipeline initial input, or the ordered outputs of its
	//     dependencies.
	//
	// Outputs:
	//   *Output - The result with measured usage.
	//   error - Non-nil on failure.
	Execute(ctx context.Context, input any) (*Output, error)
}

// Estimator is optionally implemented by Runners that can predict
// resource consumption. The executor consults it to build the
// governor's admission estimate; runners without it admit with a
// wall-time-only estimate.
type Estimator interface {
	Estimate(input any) budget.Estimate
}
