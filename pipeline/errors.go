// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors for the pipeline package.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrInvalidSpec is returned when a pipeline spec fails validation.
	ErrInvalidSpec = errors.New("invalid pipeline spec")

	// ErrDuplicateStep is returned for two steps sharing a name.
	ErrDuplicateStep = errors.New("step with this name already exists")

	// ErrStepNotFound is returned when a dependency references an
	// unknown step name.
	ErrStepNotFound = errors.New("step not found")

	// ErrGroupNotFound is returned when a step references an unknown
	// parallel group.
	ErrGroupNotFound = errors.New("parallel group not found")

	// ErrCycleDetected is returned when the step graph contains a cycle.
	ErrCycleDetected = errors.New("cycle detected in step graph")

	// ErrGraphStalled is returned when no step can make progress while
	// uncompleted steps remain. Always fatal, never retried.
	ErrGraphStalled = errors.New("graph stalled: cycle or missing dependency")

	// ErrUnknownStepType is returned when no runner is registered for a
	// step's type.
	ErrUnknownStepType = errors.New("no runner registered for step type")

	// ErrDuplicateRunner is returned when registering a step type twice.
	ErrDuplicateRunner = errors.New("runner already registered for step type")

	// ErrAdmissionDenied is returned when the resource governor refuses
	// a unit of work. Fatal for the run: it signals policy exhaustion,
	// not a transient fault.
	ErrAdmissionDenied = errors.New("admission denied by resource governor")

	// ErrStepTimeout is returned when a step attempt exceeds its timeout.
	ErrStepTimeout = errors.New("step execution timed out")

	// ErrNilRunner is returned when a nil runner is registered.
	ErrNilRunner = errors.New("runner must not be nil")
)

// StepError wraps an error with the step that caused it.
type StepError struct {
	StepName string
	Err      error
}

// Error returns the error message.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %q: %v", e.StepName, e.Err)
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error {
	return e.Err
}

// NewStepError creates a StepError.
func NewStepError(stepName string, err error) *StepError {
	return &StepError{StepName: stepName, Err: err}
}

// CycleError describes a detected dependency cycle.
type CycleError struct {
	Path []string
}

// Error returns the cycle description.
func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %v", e.Path)
}

// Is reports whether target is ErrCycleDetected.
func (e *CycleError) Is(target error) bool {
	return target == ErrCycleDetected
}

// NewCycleError creates a CycleError.
func NewCycleError(path []string) *CycleError {
	return &CycleError{Path: path}
}
