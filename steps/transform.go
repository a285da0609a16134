// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package steps

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"github.com/harborai/conduit/pipeline"
)

// TransformFunc is a deterministic, in-process step implementation.
type TransformFunc func(ctx context.Context, input any) (any, error)

// TransformRunner adapts a function into a step. Transforms report no
// token or cost usage; only wall time is settled for them.
type TransformRunner struct {
	fn TransformFunc
}

// NewTransformRunner wraps a transform function.
func NewTransformRunner(fn TransformFunc) (*TransformRunner, error) {
	if fn == nil {
		return nil, fmt.Errorf("transform step: nil function")
	}
	return &TransformRunner{fn: fn}, nil
}

// Execute runs the transform.
func (r *TransformRunner) Execute(ctx context.Context, input any) (*pipeline.Output, error) {
	value, err := r.fn(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("transform failed: %w", err)
	}
	return &pipeline.Output{Value: value}, nil
}

// TemplateRunner renders its input through a text template. The input
// is available as {{.Input}}; a []any fan-in input additionally exposes
// each dependency output as {{index .Parts N}}.
type TemplateRunner struct {
	tmpl *template.Template
}

// NewTemplateRunner parses a template step.
func NewTemplateRunner(name, text string) (*TemplateRunner, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("template step %q: %w", name, err)
	}
	return &TemplateRunner{tmpl: tmpl}, nil
}

// Execute renders the template against the step input.
func (r *TemplateRunner) Execute(_ context.Context, input any) (*pipeline.Output, error) {
	data := struct {
		Input any
		Parts []any
	}{Input: input}
	if parts, ok := input.([]any); ok {
		data.Parts = parts
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("template render failed: %w", err)
	}
	return &pipeline.Output{Value: buf.String()}, nil
}
