// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package steps provides the built-in step implementations: an
// LLM-completion-backed step and deterministic transform steps.
package steps

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/harborai/conduit/budget"
	"github.com/harborai/conduit/pipeline"
)

// CompletionConfig configures the completion step.
type CompletionConfig struct {
	// Model is the completion model. Empty defaults to gpt-4o-mini.
	Model string

	// APIKey authenticates with the provider. Empty falls back to the
	// OPENAI_API_KEY environment variable.
	APIKey string

	// BaseURL overrides the provider endpoint.
	BaseURL string

	// SystemPrompt is prepended as the system message. Empty uses a
	// plain assistant persona.
	SystemPrompt string

	// Temperature for sampling. Zero leaves the provider default.
	Temperature float32

	// MaxTokens caps the completion length. Zero leaves it unset.
	MaxTokens int

	// Logger for step logs. Nil uses slog.Default().
	Logger *slog.Logger
}

// CompletionRunner executes a step by calling a chat-completion
// provider. It reports measured token usage so the governor settles
// against real consumption, and implements Estimator for admission.
//
// Thread Safety: safe for concurrent use.
type CompletionRunner struct {
	client    *openai.Client
	config    CompletionConfig
	estimator *TokenEstimator
	logger    *slog.Logger
}

// NewCompletionRunner creates a completion step implementation.
func NewCompletionRunner(config CompletionConfig) (*CompletionRunner, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("completion step: no API key configured and OPENAI_API_KEY not set")
	}
	if config.Model == "" {
		config.Model = openai.GPT4oMini
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &CompletionRunner{
		client:    openai.NewClientWithConfig(clientConfig),
		config:    config,
		estimator: NewTokenEstimator(config.Model),
		logger:    logger,
	}, nil
}

// Execute sends the resolved input as a chat completion request.
//
// Errors from the provider are returned unwrapped enough for the
// failure classifier to read status codes from *openai.APIError.
func (r *CompletionRunner) Execute(ctx context.Context, input any) (*pipeline.Output, error) {
	prompt := promptFromInput(input)
	if prompt == "" {
		return nil, fmt.Errorf("completion step: empty prompt")
	}

	system := r.config.SystemPrompt
	if system == "" {
		system = "You are a helpful assistant."
	}

	req := openai.ChatCompletionRequest{
		Model: r.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if r.config.Temperature != 0 {
		req.Temperature = r.config.Temperature
	}
	if r.config.MaxTokens != 0 {
		req.MaxCompletionTokens = r.config.MaxTokens
	}

	r.logger.Debug("completion request", slog.String("model", r.config.Model))

	resp, err := r.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("completion returned no choices")
	}

	tokens := int64(resp.Usage.TotalTokens)
	return &pipeline.Output{
		Value: resp.Choices[0].Message.Content,
		Usage: pipeline.Usage{
			Tokens:  tokens,
			CostUSD: costForTokens(r.config.Model, tokens),
		},
	}, nil
}

// Estimate predicts consumption for admission from the prompt's token
// count plus the configured completion cap.
func (r *CompletionRunner) Estimate(input any) budget.Estimate {
	return r.estimator.Estimate(input)
}

// promptFromInput flattens a step input into a prompt string.
// Dependency fan-in arrives as []any and is joined with blank lines.
func promptFromInput(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			if s := promptFromInput(p); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n\n")
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
