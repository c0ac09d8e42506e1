package quota

import (
	"errors"
	"fmt"

	"SalesRep/internal/config"
)

// ErrUnknownModel is returned when a model has no entry in the price table.
// Costs are never guessed.
var ErrUnknownModel = errors.New("model's costs are unknown")

// defaultPrices are USD per 1K tokens as published by OpenAI (2023-10-23 and
// 2023-11-06 price lists).
var defaultPrices = map[string]config.Price{
	"gpt-4-0613":             {PromptPer1K: 0.03, CompletionPer1K: 0.06},
	"gpt-4-32k-0613":         {PromptPer1K: 0.06, CompletionPer1K: 0.12},
	"gpt-4-1106-preview":     {PromptPer1K: 0.01, CompletionPer1K: 0.03},
	"gpt-3.5-turbo-0613":     {PromptPer1K: 0.0015, CompletionPer1K: 0.002},
	"gpt-3.5-turbo-16k-0613": {PromptPer1K: 0.003, CompletionPer1K: 0.004},
	"gpt-3.5-turbo-1106":     {PromptPer1K: 0.001, CompletionPer1K: 0.002},
}

// Pricing is a static price lookup keyed by model identifier.
type Pricing struct {
	prices map[string]config.Price
}

// NewPricing returns the built-in table with overrides applied on top.
func NewPricing(overrides map[string]config.Price) Pricing {
	prices := make(map[string]config.Price, len(defaultPrices)+len(overrides))
	for model, p := range defaultPrices {
		prices[model] = p
	}
	for model, p := range overrides {
		prices[model] = p
	}
	return Pricing{prices: prices}
}

// EstimatedCost returns the USD cost of one completion call.
func (p Pricing) EstimatedCost(model string, promptTokens, completionTokens int) (float64, error) {
	price, ok := p.prices[model]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return (price.PromptPer1K*float64(promptTokens))/1000.0 + (price.CompletionPer1K*float64(completionTokens))/1000.0, nil
}

// Known returns ErrUnknownModel when model has no price.
func (p Pricing) Known(model string) error {
	if _, ok := p.prices[model]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return nil
}

// ValidateModel rejects a configuration whose completion model has no price
// in the table built from its pricing section.
func ValidateModel(cfg config.Config) error {
	if err := NewPricing(cfg.Pricing).Known(cfg.Completion.Model); err != nil {
		return fmt.Errorf("completion.model %q needs a [pricing] entry: %w", cfg.Completion.Model, err)
	}
	return nil
}
