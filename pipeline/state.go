// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"sync"
	"time"
)

// runState tracks per-run mutable state shared by concurrent group
// members. All access goes through the mutex.
type runState struct {
	mu           sync.Mutex
	initialInput any
	statuses     map[string]StepStatus
	results      map[string]StepResult
	outputs      map[string]any
	failed       bool
	failStep     string
	failErr      error
}

func newRunState(steps []StepSpec) *runState {
	st := &runState{
		statuses: make(map[string]StepStatus, len(steps)),
		results:  make(map[string]StepResult, len(steps)),
		outputs:  make(map[string]any, len(steps)),
	}
	for _, s := range steps {
		st.statuses[s.Name] = StatusPending
	}
	return st
}

func (st *runState) setStatus(name string, status StepStatus) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.statuses[name] = status
}

// recordSuccess stores a completed step's result and output. When the
// run has already failed, late results from straggling group members
// are discarded so the report reflects the abort point.
func (st *runState) recordSuccess(name string, output any, res StepResult) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.failed {
		return false
	}
	st.statuses[name] = StatusCompleted
	st.results[name] = res
	st.outputs[name] = output
	return true
}

// recordFailure marks the run failed. Only the first failure wins; the
// result for later failures is still recorded per step.
func (st *runState) recordFailure(name string, err error, res StepResult) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.statuses[name] = StatusFailed
	st.results[name] = res
	if !st.failed {
		st.failed = true
		st.failStep = name
		st.failErr = err
	}
}

func (st *runState) hasFailed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.failed
}

func (st *runState) output(name string) any {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.outputs[name]
}

// snapshotOutputs copies the completed-output map for input resolution.
func (st *runState) snapshotOutputs() map[string]any {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]any, len(st.outputs))
	for k, v := range st.outputs {
		out[k] = v
	}
	return out
}

// terminalSet returns the steps that should not be selected again:
// anything past Pending, whether in flight or terminal.
func (st *runState) terminalSet() map[string]bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	taken := make(map[string]bool, len(st.statuses))
	for name, status := range st.statuses {
		if status != StatusPending {
			taken[name] = true
		}
	}
	return taken
}

func (st *runState) completedSet() map[string]bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	done := make(map[string]bool, len(st.statuses))
	for name, status := range st.statuses {
		if status == StatusCompleted {
			done[name] = true
		}
	}
	return done
}

// markSkipped flags every non-terminal step as skipped.
func (st *runState) markSkipped() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for name, status := range st.statuses {
		switch status {
		case StatusCompleted, StatusFailed:
		default:
			st.statuses[name] = StatusSkipped
			if _, ok := st.results[name]; !ok {
				st.results[name] = StepResult{Status: StatusSkipped}
			}
		}
	}
}

// buildResult assembles the run report from the terminal state.
func (st *runState) buildResult(sessionID, pipelineName string, started time.Time, now func() time.Time) *Result {
	st.mu.Lock()
	defer st.mu.Unlock()

	res := &Result{
		SessionID:    sessionID,
		PipelineName: pipelineName,
		Duration:     now().Sub(started),
		Steps:        make(map[string]StepResult, len(st.results)),
		Outputs:      make(map[string]any, len(st.outputs)),
	}
	for name, sr := range st.results {
		sr.Status = st.statuses[name]
		res.Steps[name] = sr
		res.TotalTokens += sr.Tokens
		res.TotalCostUSD += sr.CostUSD
	}
	for name, out := range st.outputs {
		res.Outputs[name] = out
	}
	if st.failed {
		res.FailedStep = st.failStep
		if st.failErr != nil {
			res.Error = st.failErr.Error()
		}
	}
	return res
}
