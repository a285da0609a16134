// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/harborai/conduit/budget"
	"github.com/harborai/conduit/cache"
	"github.com/harborai/conduit/gate"
	"github.com/harborai/conduit/retry"
)

var (
	tracer = otel.Tracer("conduit.pipeline")
	meter  = otel.Meter("conduit.pipeline")
)

const defaultMaxConcurrency = 4

// ExecutorConfig wires the executor's collaborators.
type ExecutorConfig struct {
	// Governor admits and settles resource usage. Nil disables
	// budget governance (every step is admitted).
	Governor *budget.Governor

	// Cache is the memoization store. Nil disables caching regardless
	// of the spec's UseCache option.
	Cache *cache.Store

	// Logger for execution logs. Nil uses slog.Default().
	Logger *slog.Logger
}

// Executor runs a pipeline spec with bounded parallelism, budget
// governance, memoization, and observability.
//
// Description:
//
//	The Executor drives rounds of dependency resolution. Each round it
//	computes the ready set, runs serial-ready steps one at a time in
//	declaration order, then drains each parallel group concurrently
//	under the group's gate. A serial failure aborts the run
//	immediately; a group member's failure after exhausting the group
//	retry budget aborts the round, while already-started siblings run
//	to completion with their results discarded.
//
// Thread Safety:
//
//	Executor is safe for concurrent use. Multiple runs can execute
//	concurrently on the same Executor.
type Executor struct {
	spec     *Spec
	runners  map[string]Runner
	governor *budget.Governor
	cache    *cache.Store
	logger   *slog.Logger

	// Metrics (initialized lazily)
	metricsOnce   sync.Once
	stepLatency   metric.Float64Histogram
	stepSuccesses metric.Int64Counter
	stepFailures  metric.Int64Counter
	cacheHits     metric.Int64Counter
	runLatency    metric.Float64Histogram
}

// NewExecutor creates an executor for a validated spec.
//
// Description:
//
//	Validates the spec and resolves every step type against the
//	registry up front, so unknown step types surface at build time
//	rather than mid-run.
//
// Inputs:
//
//	spec - The pipeline to execute. Must not be nil.
//	registry - Runner registry. Must cover every step type in the spec.
//	config - Collaborator wiring. Zero value disables governor and cache.
//
// Outputs:
//
//	*Executor - The configured executor.
//	error - Non-nil on validation or resolution failure.
func NewExecutor(spec *Spec, registry *Registry, config ExecutorConfig) (*Executor, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: spec must not be nil", ErrInvalidSpec)
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: registry must not be nil", ErrInvalidSpec)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	runners := make(map[string]Runner, len(spec.Steps))
	for _, step := range spec.Steps {
		if _, ok := runners[step.Type]; ok {
			continue
		}
		runner, err := registry.Lookup(step.Type)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", step.Name, err)
		}
		runners[step.Type] = runner
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		spec:     spec,
		runners:  runners,
		governor: config.Governor,
		cache:    config.Cache,
		logger:   logger,
	}, nil
}

// initMetrics lazily initializes metrics.
// Logs errors if metric creation fails but continues execution.
func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		e.stepLatency, err = meter.Float64Histogram("pipeline_step_duration_seconds",
			metric.WithDescription("Time spent executing each pipeline step"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "step_latency: "+err.Error())
		}

		e.stepSuccesses, err = meter.Int64Counter("pipeline_step_success_total",
			metric.WithDescription("Number of successful step executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "step_successes: "+err.Error())
		}

		e.stepFailures, err = meter.Int64Counter("pipeline_step_failure_total",
			metric.WithDescription("Number of failed step executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "step_failures: "+err.Error())
		}

		e.cacheHits, err = meter.Int64Counter("pipeline_cache_hit_total",
			metric.WithDescription("Number of steps served from the memoization store"),
		)
		if err != nil {
			initErrors = append(initErrors, "cache_hits: "+err.Error())
		}

		e.runLatency, err = meter.Float64Histogram("pipeline_run_duration_seconds",
			metric.WithDescription("Total pipeline run time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "run_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some pipeline metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Run executes the pipeline from start to completion.
//
// Description:
//
//	Drives rounds of resolution until every step is terminal or the
//	run aborts. The returned Result is complete for every terminal
//	status: a failed or partial run still reports the steps that did
//	execute.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	input - Initial input for steps with no dependencies and no
//	  literal input.
//
// Outputs:
//
//	*Result - The run report. Non-nil whenever error is nil or the run
//	  started.
//	error - Non-nil for invalid invocation, graph stall, or context
//	  cancellation. A step failure is reported through Result.Status,
//	  not through error.
func (e *Executor) Run(ctx context.Context, input any) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	e.initMetrics()

	if e.spec.Options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.spec.Options.Timeout)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "pipeline.Run",
		trace.WithAttributes(
			attribute.String("pipeline.name", e.spec.Name),
			attribute.Int("pipeline.step_count", len(e.spec.Steps)),
		),
	)
	defer span.End()

	start := time.Now()
	sessionID := uuid.NewString()[:12] // 48 bits of entropy

	e.logger.Info("pipeline started",
		slog.String("pipeline", e.spec.Name),
		slog.String("session_id", sessionID),
		slog.Int("steps", len(e.spec.Steps)),
	)

	state := newRunState(e.spec.Steps)
	state.initialInput = input
	gates := e.buildGates()

	for {
		done := state.completedSet()
		if len(done) == len(e.spec.Steps) || state.hasFailed() {
			break
		}

		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, "context canceled")
			state.markSkipped()
			result := state.buildResult(sessionID, e.spec.Name, start, time.Now)
			if result.CompletedCount() > 0 {
				result.Status = RunPartial
			} else {
				result.Status = RunFailed
			}
			if result.Error == "" {
				result.Error = ctx.Err().Error()
			}
			return result, ctx.Err()
		default:
		}

		ready := readySteps(e.spec.Steps, done, state.terminalSet())
		if len(ready) == 0 {
			span.RecordError(ErrGraphStalled)
			span.SetStatus(codes.Error, ErrGraphStalled.Error())
			state.markSkipped()
			result := state.buildResult(sessionID, e.spec.Name, start, time.Now)
			result.Status = RunFailed
			result.Error = ErrGraphStalled.Error()
			return result, ErrGraphStalled
		}

		e.executeRound(ctx, ready, state, gates, sessionID)
	}

	// A cancelled or timed-out context surfaces as a failed step, so the
	// loop exits through the failure path. Reclassify it here.
	if ctxErr := ctx.Err(); ctxErr != nil {
		span.RecordError(ctxErr)
		span.SetStatus(codes.Error, "context canceled")
		state.markSkipped()
		result := state.buildResult(sessionID, e.spec.Name, start, time.Now)
		if result.CompletedCount() > 0 {
			result.Status = RunPartial
		} else {
			result.Status = RunFailed
		}
		if result.Error == "" {
			result.Error = ctxErr.Error()
		}
		e.logger.Warn("pipeline interrupted",
			slog.String("session_id", sessionID),
			slog.String("status", string(result.Status)),
			slog.Int("steps_completed", result.CompletedCount()),
		)
		return result, ctxErr
	}

	duration := time.Since(start)
	if e.runLatency != nil {
		e.runLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("pipeline", e.spec.Name)),
		)
	}

	state.markSkipped()
	result := state.buildResult(sessionID, e.spec.Name, start, time.Now)
	if state.hasFailed() {
		result.Status = RunFailed
		span.SetStatus(codes.Error, result.Error)
		e.logger.Error("pipeline failed",
			slog.String("session_id", sessionID),
			slog.String("failed_step", result.FailedStep),
			slog.String("error", result.Error),
		)
	} else {
		result.Status = RunSuccess
		span.SetStatus(codes.Ok, "")
		e.logger.Info("pipeline completed",
			slog.String("session_id", sessionID),
			slog.Duration("duration", duration),
			slog.Int("steps_completed", result.CompletedCount()),
		)
	}

	return result, nil
}

// buildGates creates the pipeline-global gate and one gate per group.
// Group gates persist across rounds so the cap holds for the whole run.
func (e *Executor) buildGates() map[string]*gate.Gate {
	global := e.spec.Options.MaxConcurrency
	if global < 1 {
		global = defaultMaxConcurrency
	}
	gates := map[string]*gate.Gate{"": gate.New(global)}
	for _, g := range e.spec.Groups {
		gates[g.Name] = gate.New(g.MaxConcurrency)
	}
	return gates
}

// executeRound runs one round: serial steps sequentially in declaration
// order, then each parallel group drained concurrently.
func (e *Executor) executeRound(ctx context.Context, ready []StepSpec, state *runState, gates map[string]*gate.Gate, sessionID string) {
	var serial []StepSpec
	groupOrder := []string{}
	grouped := map[string][]StepSpec{}

	for _, step := range ready {
		if step.Parallel {
			if _, seen := grouped[step.Group]; !seen {
				groupOrder = append(groupOrder, step.Group)
			}
			grouped[step.Group] = append(grouped[step.Group], step)
		} else {
			serial = append(serial, step)
		}
	}

	for _, step := range serial {
		e.runStep(ctx, step, state, gates, sessionID)
		if state.hasFailed() || ctx.Err() != nil {
			return
		}
	}

	for _, name := range groupOrder {
		members := grouped[name]
		var wg sync.WaitGroup
		for _, member := range members {
			wg.Add(1)
			go func(step StepSpec) {
				defer wg.Done()
				e.runStep(ctx, step, state, gates, sessionID)
			}(member)
		}
		// The whole group drains before the next group or round starts.
		wg.Wait()
		if state.hasFailed() || ctx.Err() != nil {
			return
		}
	}
}

// runStep drives one step through its full lifecycle: cache lookup,
// gate acquisition, governor admission, retried execution, settlement,
// and result recording.
func (e *Executor) runStep(ctx context.Context, step StepSpec, state *runState, gates map[string]*gate.Gate, sessionID string) {
	state.setStatus(step.Name, StatusReady)
	stepStart := time.Now()

	ctx, span := tracer.Start(ctx, "pipeline.Step",
		trace.WithAttributes(
			attribute.String("step.name", step.Name),
			attribute.String("step.type", step.Type),
		),
	)
	defer span.End()

	input := resolveInput(step, state.initialInput, state.snapshotOutputs())

	var groupSpec *GroupSpec
	if step.Parallel {
		if g, ok := e.spec.GroupByName(step.Group); ok {
			groupSpec = &g
		}
	}

	useCache := e.spec.Options.UseCache && e.cache != nil
	var cacheKey string
	if useCache {
		cacheKey = cache.Key(step.Type, input)
		if payload, hit, err := e.cache.Get(cacheKey); err == nil && hit {
			var out Output
			if err := json.Unmarshal(payload, &out); err == nil {
				span.SetAttributes(attribute.Bool("step.cached", true))
				if e.cacheHits != nil {
					e.cacheHits.Add(ctx, 1)
				}
				e.logger.Debug("step served from cache",
					slog.String("session_id", sessionID),
					slog.String("step", step.Name),
				)
				state.recordSuccess(step.Name, out.Value, StepResult{
					Status:   StatusCompleted,
					Duration: time.Since(stepStart),
					Cached:   true,
					Tokens:   out.Usage.Tokens,
					CostUSD:  out.Usage.CostUSD,
				})
				return
			}
			// An undecodable entry is treated as a miss and overwritten.
		}
	}

	runner := e.runners[step.Type]
	attemptTimeout := DefaultStepTimeout
	if groupSpec != nil && groupSpec.PerAttemptTimeout > 0 {
		attemptTimeout = groupSpec.PerAttemptTimeout
	}

	// Serial steps queue on the pipeline-global gate; group members on
	// their group's gate.
	g := gates[""]
	if step.Parallel {
		g = gates[step.Group]
	}
	if err := g.Acquire(ctx); err != nil {
		e.failStep(ctx, span, step, state, stepStart, 0, err)
		return
	}
	defer g.Release()

	estimate := budget.Estimate{WallTimeSec: attemptTimeout.Seconds()}
	if est, ok := runner.(Estimator); ok {
		estimate = est.Estimate(input)
		if estimate.WallTimeSec == 0 {
			estimate.WallTimeSec = attemptTimeout.Seconds()
		}
	}

	requestID := sessionID + "/" + step.Name
	if e.governor != nil {
		decision := e.governor.TryAdmit(estimate, requestID)
		if !decision.Allowed {
			err := fmt.Errorf("%w: %w: %s", ErrAdmissionDenied, retry.ErrResourceExhausted, decision.Reason)
			e.failStep(ctx, span, step, state, stepStart, 0, err)
			return
		}
		if decision.Warning {
			e.logger.Warn("budget warning threshold crossed",
				slog.String("session_id", sessionID),
				slog.String("step", step.Name),
				slog.Float64("max_rate", decision.Rates.Max),
			)
		}
	}

	state.setStatus(step.Name, StatusAdmitted)
	state.setStatus(step.Name, StatusRunning)

	output, attempts, execErr := e.executeWithRetry(ctx, step, groupSpec, runner, input, attemptTimeout)

	elapsed := time.Since(stepStart)
	actual := budget.Actual{WallTimeSec: elapsed.Seconds()}
	if output != nil {
		actual.Tokens = output.Usage.Tokens
		actual.CostUSD = output.Usage.CostUSD
	}
	if e.governor != nil {
		if err := e.governor.Settle(actual, requestID); err != nil {
			e.logger.Error("budget settle failed",
				slog.String("session_id", sessionID),
				slog.String("step", step.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	if execErr != nil {
		e.failStep(ctx, span, step, state, stepStart, attempts, execErr)
		return
	}

	if useCache {
		if payload, err := json.Marshal(output); err == nil {
			if err := e.cache.Set(cacheKey, payload, e.spec.Options.CacheTTL); err != nil {
				e.logger.Warn("cache write failed",
					slog.String("step", step.Name),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if e.stepLatency != nil {
		e.stepLatency.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(attribute.String("step", step.Name)),
		)
	}
	if e.stepSuccesses != nil {
		e.stepSuccesses.Add(ctx, 1)
	}
	span.SetStatus(codes.Ok, "")

	recorded := state.recordSuccess(step.Name, output.Value, StepResult{
		Status:   StatusCompleted,
		Duration: elapsed,
		Attempts: attempts,
		Tokens:   output.Usage.Tokens,
		CostUSD:  output.Usage.CostUSD,
	})
	if !recorded {
		// A sibling failed while this member was in flight. The usage
		// was still settled; only the result is discarded.
		e.logger.Debug("discarding straggler result after group failure",
			slog.String("session_id", sessionID),
			slog.String("step", step.Name),
		)
	}
}

// executeWithRetry runs the step's attempts. Serial steps use the
// exponential-backoff retry executor; parallel members use their
// group's fixed-delay retry budget with a separate attempt counter.
func (e *Executor) executeWithRetry(ctx context.Context, step StepSpec, groupSpec *GroupSpec, runner Runner, input any, attemptTimeout time.Duration) (*Output, int, error) {
	var output *Output

	attemptFn := func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()

		out, err := runner.Execute(attemptCtx, input)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return fmt.Errorf("%w after %s: %w", ErrStepTimeout, attemptTimeout, err)
			}
			return err
		}
		output = out
		return nil
	}

	if groupSpec == nil {
		policy := retry.DefaultPolicy()
		if step.Retry != nil {
			policy = *step.Retry
		}
		res, err := retry.Run(ctx, policy, func(ctx context.Context, attempt int) error {
			return attemptFn(ctx)
		})
		return output, res.Attempts, err
	}

	// Fixed-delay group retries: retryCount retries after the first
	// attempt, constant sleep between attempts, no backoff growth.
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= groupSpec.RetryCount; attempt++ {
		attempts++
		lastErr = attemptFn(ctx)
		if lastErr == nil {
			return output, attempts, nil
		}
		if c := retry.Classify(lastErr); !c.Retryable {
			return nil, attempts, lastErr
		}
		if attempt == groupSpec.RetryCount {
			break
		}
		select {
		case <-ctx.Done():
			return nil, attempts, ctx.Err()
		case <-time.After(groupSpec.RetryDelay):
		}
	}
	return nil, attempts, lastErr
}

// failStep records a permanent step failure and its classification.
func (e *Executor) failStep(ctx context.Context, span trace.Span, step StepSpec, state *runState, stepStart time.Time, attempts int, err error) {
	wrapped := NewStepError(step.Name, err)
	kind := retry.Classify(err).Kind

	span.RecordError(wrapped)
	span.SetStatus(codes.Error, wrapped.Error())
	if e.stepFailures != nil {
		e.stepFailures.Add(ctx, 1,
			metric.WithAttributes(attribute.String("kind", string(kind))),
		)
	}
	e.logger.Error("step failed",
		slog.String("step", step.Name),
		slog.String("kind", string(kind)),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)

	state.recordFailure(step.Name, wrapped, StepResult{
		Status:      StatusFailed,
		Duration:    time.Since(stepStart),
		Attempts:    attempts,
		Error:       wrapped.Error(),
		FailureKind: string(kind),
	})
}
