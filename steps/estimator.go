// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package steps

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/harborai/conduit/budget"
)

// completionHeadroom is added to the prompt token count to cover the
// model's response when no completion cap is configured.
const completionHeadroom = 512

// perThousandUSD maps models to a blended per-1k-token price used for
// admission estimates and cost settlement. Unlisted models fall back
// to the gpt-4o-mini rate.
var perThousandUSD = map[string]float64{
	"gpt-4o":      0.0075,
	"gpt-4o-mini": 0.00045,
	"gpt-4.1":     0.006,
}

func costForTokens(model string, tokens int64) float64 {
	rate, ok := perThousandUSD[model]
	if !ok {
		rate = perThousandUSD["gpt-4o-mini"]
	}
	return float64(tokens) / 1000 * rate
}

// TokenEstimator predicts token consumption with the model's tokenizer.
//
// Description:
//
//	Uses tiktoken to count prompt tokens and adds headroom for the
//	response. When the tokenizer cannot be loaded for a model, falls
//	back to a bytes/4 heuristic rather than failing admission.
//
// Thread Safety: safe for concurrent use.
type TokenEstimator struct {
	model    string
	initOnce sync.Once
	encoding *tiktoken.Tiktoken
}

// NewTokenEstimator creates an estimator for the given model. The
// tokenizer loads lazily on first use (it may fetch encoding data).
func NewTokenEstimator(model string) *TokenEstimator {
	return &TokenEstimator{model: model}
}

// Estimate implements the pipeline Estimator contract.
func (e *TokenEstimator) Estimate(input any) budget.Estimate {
	tokens := int64(e.CountTokens(promptFromInput(input))) + completionHeadroom
	return budget.Estimate{
		Tokens:  tokens,
		CostUSD: costForTokens(e.model, tokens),
	}
}

// CountTokens returns the token count for a text.
func (e *TokenEstimator) CountTokens(text string) int {
	e.initOnce.Do(func() {
		enc, err := tiktoken.EncodingForModel(e.model)
		if err != nil {
			enc, err = tiktoken.GetEncoding("cl100k_base")
		}
		if err == nil {
			e.encoding = enc
		}
	})
	if e.encoding == nil {
		// Rough heuristic: ~4 bytes per token for English text.
		return (len(text) + 3) / 4
	}
	return len(e.encoding.Encode(text, nil, nil))
}
