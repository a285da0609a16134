// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
)

func rateLimitedErr() error {
	return &openai.APIError{HTTPStatusCode: 429, Message: "rate limit exceeded"}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantKind      FailureKind
		wantRetryable bool
	}{
		{
			name:          "deadline exceeded is timeout",
			err:           context.DeadlineExceeded,
			wantKind:      KindTimeout,
			wantRetryable: true,
		},
		{
			name:          "cancellation is fatal",
			err:           context.Canceled,
			wantKind:      KindFatal,
			wantRetryable: false,
		},
		{
			name:          "http 429 is rate limited",
			err:           fmt.Errorf("call failed: %w", rateLimitedErr()),
			wantKind:      KindRateLimited,
			wantRetryable: true,
		},
		{
			name:          "http 503 is transient network",
			err:           &openai.APIError{HTTPStatusCode: 503},
			wantKind:      KindTransientNetwork,
			wantRetryable: true,
		},
		{
			name:          "http 401 is fatal",
			err:           &openai.APIError{HTTPStatusCode: 401},
			wantKind:      KindFatal,
			wantRetryable: false,
		},
		{
			name:          "http 422 is validation",
			err:           &openai.APIError{HTTPStatusCode: 422},
			wantKind:      KindValidation,
			wantRetryable: false,
		},
		{
			name:          "connection error is transient network",
			err:           &net.OpError{Op: "dial", Err: errors.New("connection refused")},
			wantKind:      KindTransientNetwork,
			wantRetryable: true,
		},
		{
			name:          "validation marker",
			err:           fmt.Errorf("%w: bad template", ErrValidation),
			wantKind:      KindValidation,
			wantRetryable: false,
		},
		{
			name:          "resource exhausted marker",
			err:           fmt.Errorf("%w: token cap", ErrResourceExhausted),
			wantKind:      KindResourceExhausted,
			wantRetryable: false,
		},
		{
			name:          "unrecognized error is unknown",
			err:           errors.New("something odd"),
			wantKind:      KindUnknown,
			wantRetryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.err)
			if c.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", c.Kind, tt.wantKind)
			}
			if c.Retryable != tt.wantRetryable {
				t.Errorf("Retryable = %v, want %v", c.Retryable, tt.wantRetryable)
			}
			if c.Retryable && c.BaseDelay <= 0 {
				t.Errorf("retryable kind %q has no base delay", c.Kind)
			}
		})
	}
}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"default is valid", DefaultPolicy(), false},
		{"zero attempts", Policy{MaxAttempts: 0, BaseDelay: time.Second}, true},
		{"zero base delay", Policy{MaxAttempts: 3}, true},
		{"max below base", Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Millisecond}, true},
		{"uncapped max", Policy{MaxAttempts: 3, BaseDelay: time.Second}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRun_SucceedsFirstAttempt(t *testing.T) {
	var calls int32
	result, err := Run(context.Background(), DefaultPolicy(), func(ctx context.Context, attempt int) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", result.Attempts)
	}
	if len(result.Delays) != 0 {
		t.Errorf("Delays = %v, want none", result.Delays)
	}
}

func TestRun_ExponentialSchedule(t *testing.T) {
	// Fails rate-limited on attempts 1 and 2, succeeds on 3.
	policy := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	var calls int32
	result, err := Run(context.Background(), policy, func(ctx context.Context, attempt int) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return rateLimitedErr()
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}

	want := []time.Duration{time.Millisecond, 2 * time.Millisecond}
	if len(result.Delays) != len(want) {
		t.Fatalf("Delays = %v, want %v", result.Delays, want)
	}
	for i := range want {
		if result.Delays[i] != want[i] {
			t.Errorf("Delays[%d] = %v, want %v", i, result.Delays[i], want[i])
		}
	}
}

func TestRun_NonRetryableStopsImmediately(t *testing.T) {
	var calls int32
	_, err := Run(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Millisecond},
		func(ctx context.Context, attempt int) error {
			atomic.AddInt32(&calls, 1)
			return fmt.Errorf("%w: missing field", ErrValidation)
		})

	if !errors.Is(err, ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestRun_ExhaustsAttempts(t *testing.T) {
	var calls int32
	result, err := Run(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		func(ctx context.Context, attempt int) error {
			atomic.AddInt32(&calls, 1)
			return rateLimitedErr()
		})

	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
	if result.LastKind != KindRateLimited {
		t.Errorf("LastKind = %q, want %q", result.LastKind, KindRateLimited)
	}
}

func TestRunForKinds_RestrictsRetry(t *testing.T) {
	// Timeout is normally retryable, but the allow-list excludes it.
	var calls int32
	_, err := RunForKinds(context.Background(),
		Policy{MaxAttempts: 5, BaseDelay: time.Millisecond},
		[]FailureKind{KindRateLimited},
		func(ctx context.Context, attempt int) error {
			atomic.AddInt32(&calls, 1)
			return context.DeadlineExceeded
		})

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want DeadlineExceeded", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestRunForKinds_AllowsListedKinds(t *testing.T) {
	var calls int32
	_, err := RunForKinds(context.Background(),
		Policy{MaxAttempts: 2, BaseDelay: time.Millisecond},
		[]FailureKind{KindRateLimited, KindTransientNetwork, KindTimeout},
		func(ctx context.Context, attempt int) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				return rateLimitedErr()
			}
			return nil
		})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestRun_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls int32
	errCh := make(chan error, 1)
	go func() {
		_, err := Run(ctx, Policy{MaxAttempts: 3, BaseDelay: time.Hour},
			func(ctx context.Context, attempt int) error {
				atomic.AddInt32(&calls, 1)
				return rateLimitedErr()
			})
		errCh <- err
	}()

	for atomic.LoadInt32(&calls) == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
