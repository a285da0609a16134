// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retry wraps operations with bounded attempts and exponential
// backoff, consulting a failure classifier to decide retryability.
//
// Two retry paths exist in the system and deliberately do not share
// semantics: this package's exponential schedule (delay doubles per
// attempt) and the pipeline executor's fixed-delay group retries.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidPolicy indicates a malformed retry policy.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// Policy configures the exponential retry schedule.
type Policy struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	// Default: 3
	MaxAttempts int

	// BaseDelay is the sleep before the second attempt. Attempt n sleeps
	// BaseDelay * 2^(n-1) before attempt n+1.
	// Default: 1s
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff. Zero means uncapped.
	MaxDelay time.Duration
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Validate checks the policy.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return ErrInvalidPolicy
	}
	if p.BaseDelay <= 0 {
		return ErrInvalidPolicy
	}
	if p.MaxDelay != 0 && p.MaxDelay < p.BaseDelay {
		return ErrInvalidPolicy
	}
	return nil
}

// Result describes the outcome of a retried operation.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int

	// Delays records each backoff slept between attempts, in order.
	Delays []time.Duration

	// TotalDuration is the total time spent including backoff sleeps.
	TotalDuration time.Duration

	// LastError is the error from the final attempt (nil on success).
	LastError error

	// LastKind is the classification of the final failure.
	LastKind FailureKind
}

// Func is an operation that can be retried. It receives the 1-based
// attempt number and should respect context cancellation.
type Func func(ctx context.Context, attempt int) error

// Run executes fn with exponential backoff retry.
//
// Description:
//
//	Attempts fn up to policy.MaxAttempts times. On failure the error is
//	classified; non-retryable kinds propagate immediately. Between
//	attempts the caller sleeps BaseDelay * 2^(attempt-1), capped at
//	MaxDelay when set.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	policy - Retry schedule. Validated before the first attempt.
//	fn - The operation.
//
// Outputs:
//
//	Result - Attempt statistics, including observed backoff delays.
//	error - The final error if all attempts failed, nil on success.
func Run(ctx context.Context, policy Policy, fn Func) (Result, error) {
	return run(ctx, policy, nil, fn)
}

// RunForKinds is Run restricted to a caller-supplied allow-list of
// failure kinds.
//
// Description:
//
//	Identical to Run except a failure is retried only when its classified
//	kind appears in allowed AND the kind itself is retryable. Callers use
//	this to retry, e.g., only network and rate-limit classes while letting
//	timeouts surface immediately.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	policy - Retry schedule.
//	allowed - Kinds eligible for retry. Empty means nothing is retried.
//	fn - The operation.
//
// Outputs:
//
//	Result - Attempt statistics.
//	error - The final error if all attempts failed, nil on success.
func RunForKinds(ctx context.Context, policy Policy, allowed []FailureKind, fn Func) (Result, error) {
	allow := make(map[FailureKind]bool, len(allowed))
	for _, k := range allowed {
		allow[k] = true
	}
	return run(ctx, policy, allow, fn)
}

func run(ctx context.Context, policy Policy, allow map[FailureKind]bool, fn Func) (Result, error) {
	start := time.Now()
	result := Result{}

	if err := policy.Validate(); err != nil {
		result.LastError = err
		return result, err
	}

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.LastError = err
			result.TotalDuration = time.Since(start)
			return result, err
		}

		err := fn(ctx, attempt)
		if err == nil {
			result.TotalDuration = time.Since(start)
			return result, nil
		}

		c := Classify(err)
		result.LastError = err
		result.LastKind = c.Kind

		if !c.Retryable || (allow != nil && !allow[c.Kind]) {
			result.TotalDuration = time.Since(start)
			return result, err
		}

		if attempt == policy.MaxAttempts {
			break
		}

		delay := backoffFor(policy, attempt)
		result.Delays = append(result.Delays, delay)

		select {
		case <-ctx.Done():
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}

	result.TotalDuration = time.Since(start)
	return result, result.LastError
}

// backoffFor computes the delay after the given 1-based attempt.
func backoffFor(policy Policy, attempt int) time.Duration {
	delay := policy.BaseDelay * time.Duration(1<<(attempt-1))
	if policy.MaxDelay != 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}
