// Package pricing provides provider pricing and token estimates for
// completion calls.
//
// Token estimates feed budget pre-flight checks, so they err high:
//
//	estimate(chars) = ceil(ceil(chars / 3) × 1.15) + 32
//
// Costs are informational (spend journal, summaries); the build budget is
// enforced in tokens, not dollars.
package pricing

import (
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
)

// ModelPricing defines per-1M token pricing for a model.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// ProviderPricing groups model pricing for a provider.
type ProviderPricing struct {
	Default ModelPricing
	Models  map[string]ModelPricing
}

// Engine computes costs and token estimates.
type Engine struct {
	providers     map[string]ProviderPricing
	charsPerToken float64
	bufferRatio   float64
	overhead      int
}

var (
	defaultEngine *Engine
	engineOnce    sync.Once
)

// Get returns a singleton pricing engine initialized from environment.
func Get() *Engine {
	engineOnce.Do(func() {
		defaultEngine = newEngineFromEnv()
	})
	return defaultEngine
}

// NewEngine returns an engine with the built-in price table and no
// environment overrides.
func NewEngine() *Engine {
	return &Engine{
		providers: map[string]ProviderPricing{
			"claude": {
				Default: ModelPricing{InputPer1M: 3.00, OutputPer1M: 15.00},
				Models: map[string]ModelPricing{
					"claude-opus-4-1-20250805":   {InputPer1M: 15.00, OutputPer1M: 75.00},
					"claude-sonnet-4-5-20250929": {InputPer1M: 3.00, OutputPer1M: 15.00},
					"claude-haiku-4-5-20251001":  {InputPer1M: 1.00, OutputPer1M: 5.00},
				},
			},
			"gemini": {
				Default: ModelPricing{InputPer1M: 0.30, OutputPer1M: 2.50},
				Models: map[string]ModelPricing{
					"gemini-2.5-pro":        {InputPer1M: 1.25, OutputPer1M: 10.00},
					"gemini-2.5-flash":      {InputPer1M: 0.30, OutputPer1M: 2.50},
					"gemini-2.5-flash-lite": {InputPer1M: 0.10, OutputPer1M: 0.40},
				},
			},
			"replay": {
				Default: ModelPricing{},
				Models:  map[string]ModelPricing{},
			},
		},
		charsPerToken: 3.0,
		bufferRatio:   1.15,
		overhead:      32,
	}
}

func newEngineFromEnv() *Engine {
	engine := NewEngine()

	// Environment overrides for the estimator; useful for providers whose
	// tokenizer is denser than the default assumption.
	engine.charsPerToken = getEnvFloat("ANTIVIBE_CHARS_PER_TOKEN", engine.charsPerToken)
	engine.bufferRatio = getEnvFloat("ANTIVIBE_ESTIMATE_BUFFER", engine.bufferRatio)
	if engine.charsPerToken <= 0 {
		engine.charsPerToken = 3.0
	}
	if engine.bufferRatio < 1.0 {
		engine.bufferRatio = 1.0
	}
	return engine
}

// RawCost returns the provider cost (USD) for a call.
// Thinking tokens bill as output on every supported provider.
func (e *Engine) RawCost(provider, model string, inputTokens, outputTokens int) float64 {
	pricing := e.modelPricing(provider, model)
	inputCost := (float64(inputTokens) / 1_000_000.0) * pricing.InputPer1M
	outputCost := (float64(outputTokens) / 1_000_000.0) * pricing.OutputPer1M
	return roundUSD(inputCost + outputCost)
}

// EstimateCost returns a conservative cost estimate for a prompt with the
// given output allowance.
func (e *Engine) EstimateCost(provider, model string, promptChars int, maxOutputTokens int) float64 {
	return e.RawCost(provider, model, e.EstimateInputTokens(promptChars), maxOutputTokens)
}

// EstimateInputTokens estimates the prompt tokens for a prompt of the given
// length in characters.
func (e *Engine) EstimateInputTokens(promptChars int) int {
	if promptChars <= 0 {
		return 0
	}
	base := int(math.Ceil(float64(promptChars) / e.charsPerToken))
	adjusted := int(math.Ceil(float64(base) * e.bufferRatio))
	return adjusted + e.overhead
}

// EstimateTextTokens is a plain estimate for already generated text, used
// when a provider does not report a usage breakdown.
func (e *Engine) EstimateTextTokens(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / 4.0))
}

// DefaultModel returns the default model for a provider.
func (e *Engine) DefaultModel(provider string) string {
	switch normalizeProvider(provider) {
	case "claude":
		return "claude-sonnet-4-5-20250929"
	case "gemini":
		return "gemini-2.5-flash"
	case "replay":
		return "replay"
	default:
		return ""
	}
}

func (e *Engine) modelPricing(provider, model string) ModelPricing {
	providerKey := normalizeProvider(provider)
	pp, ok := e.providers[providerKey]
	if !ok {
		return ModelPricing{}
	}
	if model != "" {
		if mp, ok := pp.Models[model]; ok {
			return mp
		}
	}
	return pp.Default
}

func normalizeProvider(provider string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	switch p {
	case "anthropic":
		return "claude"
	case "google", "genai":
		return "gemini"
	default:
		return p
	}
}

func getEnvFloat(key string, fallback float64) float64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	if parsed, err := strconv.ParseFloat(val, 64); err == nil {
		return parsed
	}
	return fallback
}

func roundUSD(value float64) float64 {
	if value == 0 {
		return 0
	}
	return math.Round(value*1_000_000) / 1_000_000
}
