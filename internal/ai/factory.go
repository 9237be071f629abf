package ai

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"antivibe/internal/metrics"
	"antivibe/internal/project"
)

// ClientConfig selects and configures a provider client. The key is always
// passed explicitly; nothing here reads the environment.
type ClientConfig struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string // optional endpoint override

	// Replay sources, used when Provider is "replay". Dir wins over
	// Responses when both are set.
	ReplayDir       string
	ReplayResponses map[project.Stage][]string

	// RateLimit in requests per second; zero disables it.
	RateLimit float64
	Burst     int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// NewClient builds the provider client named by cfg.Provider, wrapped with
// logging, metrics and rate limiting.
func NewClient(ctx context.Context, cfg ClientConfig) (CompletionClient, error) {
	if err := CheckAPIKey(cfg.Provider, cfg.APIKey); err != nil {
		return nil, err
	}

	var base CompletionClient
	switch cfg.Provider {
	case ProviderClaude:
		var opts []ClaudeOption
		if cfg.BaseURL != "" {
			opts = append(opts, WithClaudeBaseURL(cfg.BaseURL))
		}
		base = NewClaudeClient(cfg.APIKey, cfg.Model, opts...)
	case ProviderGemini:
		var opts []GeminiOption
		if cfg.BaseURL != "" {
			opts = append(opts, WithGeminiBaseURL(cfg.BaseURL))
		}
		g, err := NewGeminiClient(ctx, cfg.APIKey, cfg.Model, opts...)
		if err != nil {
			return nil, err
		}
		base = g
	case ProviderReplay:
		switch {
		case cfg.ReplayDir != "":
			r, err := LoadReplayDir(cfg.ReplayDir)
			if err != nil {
				return nil, err
			}
			base = r
		case len(cfg.ReplayResponses) > 0:
			base = NewReplayClient(cfg.ReplayResponses)
		default:
			return nil, fmt.Errorf("replay: a directory or response map is required")
		}
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}

	return Wrap(base,
		WithMetrics(cfg.Metrics),
		WithLogging(cfg.Logger),
		WithRateLimit(cfg.RateLimit, cfg.Burst),
	), nil
}
