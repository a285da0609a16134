// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborai/conduit/pipeline"
)

const samplePipeline = `
name: summarize
steps:
  - name: fetch
    type: transform
    input: "raw text"
  - name: chunk-a
    type: completion
    dependencies: [fetch]
    parallel: true
    group: chunks
  - name: chunk-b
    type: completion
    dependencies: [fetch]
    parallel: true
    group: chunks
  - name: merge
    type: transform
    dependencies: [chunk-a, chunk-b]
    retry:
      max_attempts: 5
      base_delay: 500ms
      max_delay: 10s
groups:
  - name: chunks
    max_concurrency: 2
    per_attempt_timeout: 30s
    retry_count: 2
    retry_delay: 2s
options:
  max_concurrency: 4
  timeout: 5m
  use_cache: true
  cache_ttl: 1h
`

func TestParsePipeline(t *testing.T) {
	spec, err := ParsePipeline([]byte(samplePipeline))
	require.NoError(t, err)

	assert.Equal(t, "summarize", spec.Name)
	require.Len(t, spec.Steps, 4)
	assert.Equal(t, "raw text", spec.Steps[0].LiteralInput)
	assert.Equal(t, []string{"fetch"}, spec.Steps[1].Dependencies)
	assert.True(t, spec.Steps[1].Parallel)
	assert.Equal(t, "chunks", spec.Steps[1].Group)

	require.NotNil(t, spec.Steps[3].Retry)
	assert.Equal(t, 5, spec.Steps[3].Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, spec.Steps[3].Retry.BaseDelay)
	assert.Equal(t, 10*time.Second, spec.Steps[3].Retry.MaxDelay)

	require.Len(t, spec.Groups, 1)
	assert.Equal(t, 2, spec.Groups[0].MaxConcurrency)
	assert.Equal(t, 30*time.Second, spec.Groups[0].PerAttemptTimeout)
	assert.Equal(t, 2*time.Second, spec.Groups[0].RetryDelay)

	assert.Equal(t, 5*time.Minute, spec.Options.Timeout)
	assert.True(t, spec.Options.UseCache)
	assert.Equal(t, time.Hour, spec.Options.CacheTTL)
}

func TestParsePipeline_InvalidYAML(t *testing.T) {
	_, err := ParsePipeline([]byte("steps: [unclosed"))
	assert.Error(t, err)
}

func TestParsePipeline_BadDuration(t *testing.T) {
	bad := `
name: p
steps:
  - name: a
    type: t
options:
  timeout: not-a-duration
`
	_, err := ParsePipeline([]byte(bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "options.timeout")
}

func TestParsePipeline_ValidationFailFast(t *testing.T) {
	cyclic := `
name: p
steps:
  - name: a
    type: t
    dependencies: [b]
  - name: b
    type: t
    dependencies: [a]
`
	_, err := ParsePipeline([]byte(cyclic))
	assert.ErrorIs(t, err, pipeline.ErrCycleDetected)
}

func TestLoadPipeline_MissingFile(t *testing.T) {
	_, err := LoadPipeline(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadPipeline_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePipeline), 0644))

	spec, err := LoadPipeline(path)
	require.NoError(t, err)
	assert.Equal(t, "summarize", spec.Name)
}
