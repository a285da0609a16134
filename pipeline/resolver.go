// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

// readySteps returns the steps whose dependencies are all satisfied, in
// declaration order. Declaration order is the deterministic tie-break
// for steps that become ready in the same round.
func readySteps(steps []StepSpec, done map[string]bool, started map[string]bool) []StepSpec {
	var ready []StepSpec
	for _, step := range steps {
		if done[step.Name] || started[step.Name] {
			continue
		}
		satisfied := true
		for _, dep := range step.Dependencies {
			if !done[dep] {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, step)
		}
	}
	return ready
}

// resolveInput assembles a step's effective input.
//
// A step with no dependencies receives its literal input, or the
// pipeline initial input when no literal is declared. A step with
// dependencies receives the dependency outputs as a slice ordered by
// the declaration order of Dependencies, even when there is only one
// dependency.
func resolveInput(step StepSpec, initial any, outputs map[string]any) any {
	if len(step.Dependencies) == 0 {
		if step.LiteralInput != nil {
			return step.LiteralInput
		}
		return initial
	}
	assembled := make([]any, len(step.Dependencies))
	for i, dep := range step.Dependencies {
		assembled[i] = outputs[dep]
	}
	return assembled
}
