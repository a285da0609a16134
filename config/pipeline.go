// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harborai/conduit/pipeline"
	"github.com/harborai/conduit/retry"
)

// Pipeline spec files carry durations as strings ("30s", "2m"), which
// yaml.v3 cannot decode into time.Duration directly. These raw nodes
// mirror the spec types and are translated after parsing.
type pipelineFile struct {
	Name    string      `yaml:"name"`
	Steps   []stepNode  `yaml:"steps"`
	Groups  []groupNode `yaml:"groups"`
	Options optionsNode `yaml:"options"`
}

type stepNode struct {
	Name         string     `yaml:"name"`
	Type         string     `yaml:"type"`
	Dependencies []string   `yaml:"dependencies"`
	Input        any        `yaml:"input"`
	Parallel     bool       `yaml:"parallel"`
	Group        string     `yaml:"group"`
	Retry        *retryNode `yaml:"retry"`
}

type retryNode struct {
	MaxAttempts int    `yaml:"max_attempts"`
	BaseDelay   string `yaml:"base_delay"`
	MaxDelay    string `yaml:"max_delay"`
}

type groupNode struct {
	Name              string `yaml:"name"`
	MaxConcurrency    int    `yaml:"max_concurrency"`
	PerAttemptTimeout string `yaml:"per_attempt_timeout"`
	RetryCount        int    `yaml:"retry_count"`
	RetryDelay        string `yaml:"retry_delay"`
}

type optionsNode struct {
	MaxConcurrency int    `yaml:"max_concurrency"`
	Timeout        string `yaml:"timeout"`
	UseCache       bool   `yaml:"use_cache"`
	CacheTTL       string `yaml:"cache_ttl"`
}

// LoadPipeline reads and validates a pipeline spec file.
//
// Outputs:
//
//	*pipeline.Spec - The validated spec.
//	error - Non-nil on read, parse, duration, or validation failure.
//	  Validation is fail-fast: a bad spec never reaches the executor.
func LoadPipeline(path string) (*pipeline.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file %q: %w", path, err)
	}
	return ParsePipeline(data)
}

// ParsePipeline parses and validates pipeline spec YAML.
func ParsePipeline(data []byte) (*pipeline.Spec, error) {
	var file pipelineFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline yaml: %w", err)
	}

	spec := &pipeline.Spec{Name: file.Name}

	for _, s := range file.Steps {
		step := pipeline.StepSpec{
			Name:         s.Name,
			Type:         s.Type,
			Dependencies: s.Dependencies,
			LiteralInput: s.Input,
			Parallel:     s.Parallel,
			Group:        s.Group,
		}
		if s.Retry != nil {
			base, err := parseDuration(s.Retry.BaseDelay, "steps."+s.Name+".retry.base_delay")
			if err != nil {
				return nil, err
			}
			maxDelay, err := parseDuration(s.Retry.MaxDelay, "steps."+s.Name+".retry.max_delay")
			if err != nil {
				return nil, err
			}
			step.Retry = &retry.Policy{
				MaxAttempts: s.Retry.MaxAttempts,
				BaseDelay:   base,
				MaxDelay:    maxDelay,
			}
		}
		spec.Steps = append(spec.Steps, step)
	}

	for _, g := range file.Groups {
		timeout, err := parseDuration(g.PerAttemptTimeout, "groups."+g.Name+".per_attempt_timeout")
		if err != nil {
			return nil, err
		}
		delay, err := parseDuration(g.RetryDelay, "groups."+g.Name+".retry_delay")
		if err != nil {
			return nil, err
		}
		spec.Groups = append(spec.Groups, pipeline.GroupSpec{
			Name:              g.Name,
			MaxConcurrency:    g.MaxConcurrency,
			PerAttemptTimeout: timeout,
			RetryCount:        g.RetryCount,
			RetryDelay:        delay,
		})
	}

	timeout, err := parseDuration(file.Options.Timeout, "options.timeout")
	if err != nil {
		return nil, err
	}
	ttl, err := parseDuration(file.Options.CacheTTL, "options.cache_ttl")
	if err != nil {
		return nil, err
	}
	spec.Options = pipeline.Options{
		MaxConcurrency: file.Options.MaxConcurrency,
		Timeout:        timeout,
		UseCache:       file.Options.UseCache,
		CacheTTL:       ttl,
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func parseDuration(value, field string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", field, err)
	}
	return d, nil
}
