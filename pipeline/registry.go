// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"fmt"
	"sync"
)

// Registry maps step types to runner implementations.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register binds a runner to a step type.
//
// Outputs:
//
//	error - ErrNilRunner for a nil runner, ErrDuplicateRunner when the
//	  step type is already bound.
func (r *Registry) Register(stepType string, runner Runner) error {
	if runner == nil {
		return fmt.Errorf("%w: %q", ErrNilRunner, stepType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runners[stepType]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateRunner, stepType)
	}
	r.runners[stepType] = runner
	return nil
}

// Lookup returns the runner for a step type.
func (r *Registry) Lookup(stepType string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runner, ok := r.runners[stepType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStepType, stepType)
	}
	return runner, nil
}

// Types returns the registered step types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.runners))
	for t := range r.runners {
		types = append(types, t)
	}
	return types
}
