package ai

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"antivibe/internal/pricing"
)

// GeminiClient implements CompletionClient over the Gemini API.
type GeminiClient struct {
	cli   *genai.Client
	model string
}

// GeminiOption configures the genai client before it is built.
type GeminiOption func(*genai.ClientConfig)

// WithGeminiBaseURL points the client at another endpoint.
func WithGeminiBaseURL(url string) GeminiOption {
	return func(cfg *genai.ClientConfig) { cfg.HTTPOptions.BaseURL = url }
}

// WithGeminiHTTPClient replaces the HTTP client.
func WithGeminiHTTPClient(hc *http.Client) GeminiOption {
	return func(cfg *genai.ClientConfig) { cfg.HTTPClient = hc }
}

// NewGeminiClient creates a Gemini client. An empty model selects the
// pricing engine's default.
func NewGeminiClient(ctx context.Context, apiKey, model string, opts ...GeminiOption) (*GeminiClient, error) {
	if model == "" {
		model = pricing.Get().DefaultModel(ProviderGemini)
	}
	cfg := &genai.ClientConfig{
		APIKey:  NormalizeAPIKey(apiKey),
		Backend: genai.BackendGeminiAPI,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	cli, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, NewProviderError(ProviderGemini, ClassBadRequest, 0, "failed to create client", err)
	}
	return &GeminiClient{cli: cli, model: model}, nil
}

// Provider returns the provider identifier
func (g *GeminiClient) Provider() string { return ProviderGemini }

// Model returns the model identifier
func (g *GeminiClient) Model() string { return g.model }

// Complete implements CompletionClient.
func (g *GeminiClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	// The thinking budget is always sent so a zero ceiling disables
	// thinking instead of leaving it to the model's dynamic default.
	budget := clampInt32(req.ThinkingBudget)
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: clampInt32(req.MaxTokens + req.ThinkingBudget),
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: req.ThinkingBudget > 0,
			ThinkingBudget:  &budget,
		},
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}

	resp, err := g.cli.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: req.Prompt}}}},
		cfg,
	)
	if err != nil {
		if ctxErr := contextError(ctx, ProviderGemini, err); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, geminiError(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		reason := "no candidates"
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			reason = "prompt blocked: " + string(resp.PromptFeedback.BlockReason)
		}
		return nil, NewProviderError(ProviderGemini, ClassDecode, 0, reason, nil)
	}

	cand := resp.Candidates[0]
	var text, thinking strings.Builder
	for _, part := range cand.Content.Parts {
		if part == nil {
			continue
		}
		if part.Thought {
			thinking.WriteString(part.Text)
		} else {
			text.WriteString(part.Text)
		}
	}

	var usage Usage
	if md := resp.UsageMetadata; md != nil {
		usage = Usage{
			InputTokens:    int(md.PromptTokenCount),
			OutputTokens:   int(md.CandidatesTokenCount),
			ThinkingTokens: int(md.ThoughtsTokenCount),
		}.fitTo(req.MaxTokens, req.ThinkingBudget)
	}

	model := resp.ModelVersion
	if model == "" {
		model = g.model
	}
	return &Response{
		Text:       text.String(),
		Thinking:   thinking.String(),
		Usage:      usage,
		StopReason: string(cand.FinishReason),
		Model:      model,
		Duration:   time.Since(start),
	}, nil
}

// geminiError maps a genai error onto a ProviderError.
func geminiError(err error) *ProviderError {
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
	case errors.As(err, &apiErrPtr) && apiErrPtr != nil:
		apiErr = *apiErrPtr
	default:
		return NewProviderError(ProviderGemini, ClassTransport, 0, err.Error(), err)
	}

	msg := apiErr.Message
	if msg == "" {
		msg = apiErr.Status
	}
	switch code := apiErr.Code; {
	case code == http.StatusTooManyRequests:
		if strings.Contains(strings.ToLower(msg), "quota") && strings.Contains(strings.ToLower(msg), "billing") {
			return NewProviderError(ProviderGemini, ClassQuotaExceeded, code, msg, err)
		}
		return NewProviderError(ProviderGemini, ClassRateLimit, code, msg, err)
	case code == http.StatusUnauthorized:
		return NewProviderError(ProviderGemini, ClassUnauthorized, code, msg, err)
	case code == http.StatusForbidden:
		return NewProviderError(ProviderGemini, ClassForbidden, code, msg, err)
	case code == http.StatusPaymentRequired:
		return NewProviderError(ProviderGemini, ClassQuotaExceeded, code, msg, err)
	case code >= 500:
		return NewProviderError(ProviderGemini, ClassServiceError, code, msg, err)
	case code >= 400:
		return NewProviderError(ProviderGemini, ClassBadRequest, code, msg, err)
	default:
		return NewProviderError(ProviderGemini, ClassServiceError, code, msg, err)
	}
}

// clampInt32 narrows n to the API's int32 fields without wrapping.
func clampInt32(n int) int32 {
	return int32(min(max(n, 0), math.MaxInt32))
}
