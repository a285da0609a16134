// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"fmt"
)

// Validate checks a pipeline spec for structural errors.
//
// Description:
//
//	Validation is fail-fast and runs before any step executes: name
//	uniqueness, dependency resolution, group references, group sanity,
//	and cycle detection. The first violation found is returned.
//
// Outputs:
//
//	error - Wraps ErrInvalidSpec, with the specific sentinel
//	  (ErrDuplicateStep, ErrStepNotFound, ErrGroupNotFound,
//	  ErrCycleDetected) reachable via errors.Is.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: pipeline name is required", ErrInvalidSpec)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("%w: pipeline has no steps", ErrInvalidSpec)
	}

	seen := make(map[string]bool, len(s.Steps))
	for _, step := range s.Steps {
		if step.Name == "" {
			return fmt.Errorf("%w: step with empty name", ErrInvalidSpec)
		}
		if step.Type == "" {
			return fmt.Errorf("%w: step %q has no type", ErrInvalidSpec, step.Name)
		}
		if seen[step.Name] {
			return fmt.Errorf("%w: %w: %q", ErrInvalidSpec, ErrDuplicateStep, step.Name)
		}
		seen[step.Name] = true
	}

	groups := make(map[string]GroupSpec, len(s.Groups))
	for _, g := range s.Groups {
		if g.Name == "" {
			return fmt.Errorf("%w: group with empty name", ErrInvalidSpec)
		}
		if _, dup := groups[g.Name]; dup {
			return fmt.Errorf("%w: duplicate group %q", ErrInvalidSpec, g.Name)
		}
		if g.MaxConcurrency < 1 {
			return fmt.Errorf("%w: group %q: max_concurrency must be >= 1", ErrInvalidSpec, g.Name)
		}
		if g.RetryCount < 0 {
			return fmt.Errorf("%w: group %q: retry_count must be >= 0", ErrInvalidSpec, g.Name)
		}
		groups[g.Name] = g
	}

	for _, step := range s.Steps {
		for _, dep := range step.Dependencies {
			if !seen[dep] {
				return fmt.Errorf("%w: %w: step %q depends on %q",
					ErrInvalidSpec, ErrStepNotFound, step.Name, dep)
			}
			if dep == step.Name {
				return fmt.Errorf("%w: %w: step %q depends on itself",
					ErrInvalidSpec, ErrCycleDetected, step.Name)
			}
		}
		if step.Parallel {
			if step.Group == "" {
				return fmt.Errorf("%w: parallel step %q has no group", ErrInvalidSpec, step.Name)
			}
			if _, ok := groups[step.Group]; !ok {
				return fmt.Errorf("%w: %w: step %q references group %q",
					ErrInvalidSpec, ErrGroupNotFound, step.Name, step.Group)
			}
		}
		if step.Retry != nil {
			if err := step.Retry.Validate(); err != nil {
				return fmt.Errorf("%w: step %q: %w", ErrInvalidSpec, step.Name, err)
			}
		}
	}

	if cycle := s.detectCycle(); cycle != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSpec, NewCycleError(cycle))
	}
	return nil
}

// detectCycle runs a depth-first search over the dependency graph and
// returns the first cycle found as a step-name path, or nil.
func (s *Spec) detectCycle() []string {
	const (
		white = iota // unvisited
		gray         // on the current DFS path
		black        // fully explored
	)

	deps := make(map[string][]string, len(s.Steps))
	for _, step := range s.Steps {
		deps[step.Name] = step.Dependencies
	}

	color := make(map[string]int, len(s.Steps))
	var path []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = gray
		path = append(path, name)

		for _, dep := range deps[name] {
			switch color[dep] {
			case gray:
				// Found a back edge: the cycle is the path segment from
				// dep onward, closed with dep itself.
				for i, n := range path {
					if n == dep {
						cycle = append(append([]string{}, path[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}

		path = path[:len(path)-1]
		color[name] = black
		return false
	}

	for _, step := range s.Steps {
		if color[step.Name] == white && visit(step.Name) {
			return cycle
		}
	}
	return nil
}
