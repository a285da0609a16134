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
	"net"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// FailureKind is the classifier's taxonomy for step failures.
type FailureKind string

const (
	// KindTransientNetwork is a connection-level failure (retryable).
	KindTransientNetwork FailureKind = "transient-network"

	// KindRateLimited is a provider rate limit (retryable).
	KindRateLimited FailureKind = "rate-limited"

	// KindTimeout is a deadline or request timeout (retryable).
	KindTimeout FailureKind = "timeout"

	// KindValidation is a malformed request or input (never retried).
	KindValidation FailureKind = "validation"

	// KindResourceExhausted is a budget or concurrency denial (never
	// retried; it is a policy decision, not a fault).
	KindResourceExhausted FailureKind = "resource-exhausted"

	// KindFatal is an unrecoverable failure such as bad credentials.
	KindFatal FailureKind = "fatal"

	// KindUnknown is an unclassifiable failure (not retried).
	KindUnknown FailureKind = "unknown"
)

// Retryable reports whether failures of this kind may be retried.
func (k FailureKind) Retryable() bool {
	switch k {
	case KindTransientNetwork, KindRateLimited, KindTimeout:
		return true
	default:
		return false
	}
}

// BaseDelay returns the suggested base backoff for this kind.
//
// Rate limits back off harder than plain network blips.
func (k FailureKind) BaseDelay() time.Duration {
	switch k {
	case KindRateLimited:
		return 2 * time.Second
	case KindTransientNetwork, KindTimeout:
		return 500 * time.Millisecond
	default:
		return 0
	}
}

// Marker errors that step implementations can wrap to signal a class
// directly when no richer error type is available.
var (
	// ErrValidation marks an input or request validation failure.
	ErrValidation = errors.New("validation failed")

	// ErrResourceExhausted marks a budget or concurrency denial.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrFatal marks an unrecoverable failure.
	ErrFatal = errors.New("fatal failure")
)

// Classification is the classifier's verdict on a raw failure.
type Classification struct {
	// Kind is the failure class.
	Kind FailureKind

	// Retryable mirrors Kind.Retryable for convenience.
	Retryable bool

	// BaseDelay is the suggested base backoff (zero for non-retryable).
	BaseDelay time.Duration
}

// Classify maps a raw failure into a FailureKind plus retryability.
//
// Description:
//
//	Inspects the error chain for provider status codes, network errors,
//	deadline markers, and the package's marker sentinels. Unrecognized
//	errors classify as KindUnknown, which is not retryable.
//
// Inputs:
//
//	err - The failure to classify. Must not be nil.
//
// Outputs:
//
//	Classification - The verdict.
func Classify(err error) Classification {
	return verdict(kindOf(err))
}

func verdict(kind FailureKind) Classification {
	return Classification{
		Kind:      kind,
		Retryable: kind.Retryable(),
		BaseDelay: kind.BaseDelay(),
	}
}

func kindOf(err error) FailureKind {
	if err == nil {
		return KindUnknown
	}

	// Explicit markers win over structural inspection.
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, ErrFatal):
		return KindFatal
	}

	// Cancellation is not a fault to retry away.
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	// Completion-provider errors carry HTTP status codes.
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return kindOfStatus(apiErr.HTTPStatusCode)
	}

	// Connection errors: server might be starting or restarting.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransientNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindTransientNetwork
	}

	return KindUnknown
}

// kindOfStatus maps an HTTP-ish status code to a failure kind.
func kindOfStatus(status int) FailureKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindTransientNetwork
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusPaymentRequired:
		return KindFatal
	case status >= 400:
		return KindValidation
	default:
		return KindUnknown
	}
}
