package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"antivibe/internal/pricing"
)

const (
	claudeDefaultURL = "https://api.anthropic.com/v1/messages"
	claudeAPIVersion = "2023-06-01"

	// MinClaudeThinkingBudget is the smallest budget_tokens the Messages
	// API accepts. Smaller budgets run the call without extended thinking.
	MinClaudeThinkingBudget = 1024

	maxErrorBody = 2048
)

// ClaudeClient implements the Claude Messages API.
type ClaudeClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// Claude API request/response structures
type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	Messages  []claudeMessage `json:"messages"`
	System    string          `json:"system,omitempty"`
	Thinking  *claudeThinking `json:"thinking,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type claudeResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type     string `json:"type"`
		Text     string `json:"text,omitempty"`
		Thinking string `json:"thinking,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *claudeError `json:"error,omitempty"`
}

type claudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClaudeOption configures a ClaudeClient.
type ClaudeOption func(*ClaudeClient)

// WithClaudeBaseURL points the client at another endpoint.
func WithClaudeBaseURL(url string) ClaudeOption {
	return func(c *ClaudeClient) { c.baseURL = url }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) ClaudeOption {
	return func(c *ClaudeClient) { c.httpClient = hc }
}

// NewClaudeClient creates a new Claude API client. An empty model selects
// the pricing engine's default.
func NewClaudeClient(apiKey, model string, opts ...ClaudeOption) *ClaudeClient {
	if model == "" {
		model = pricing.Get().DefaultModel(ProviderClaude)
	}
	c := &ClaudeClient{
		apiKey:  NormalizeAPIKey(apiKey),
		model:   model,
		baseURL: claudeDefaultURL,
		// Per-call deadlines come from the caller's context.
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provider returns the provider identifier
func (c *ClaudeClient) Provider() string { return ProviderClaude }

// Model returns the model identifier
func (c *ClaudeClient) Model() string { return c.model }

// Complete implements CompletionClient.
func (c *ClaudeClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	claudeReq := &claudeRequest{
		Model:     c.model,
		MaxTokens: req.MaxTokens,
		Messages:  []claudeMessage{{Role: "user", Content: req.Prompt}},
		System:    req.System,
	}
	if req.ThinkingBudget >= MinClaudeThinkingBudget {
		// max_tokens covers thinking plus visible output, so the visible
		// ceiling stays at req.MaxTokens.
		claudeReq.Thinking = &claudeThinking{Type: "enabled", BudgetTokens: req.ThinkingBudget}
		claudeReq.MaxTokens = req.MaxTokens + req.ThinkingBudget
	}

	resp, err := c.makeRequest(ctx, claudeReq)
	if err != nil {
		return nil, err
	}

	var text, thinking strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			thinking.WriteString(block.Thinking)
		}
	}

	// The API bills thinking as output without a separate count; split it
	// out with an estimate so both budgets see their share.
	usage := Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}
	if thinking.Len() > 0 {
		est := pricing.Get().EstimateTextTokens(thinking.String())
		if est > usage.OutputTokens {
			est = usage.OutputTokens
		}
		usage.ThinkingTokens = est
		usage.OutputTokens -= est
	}
	if claudeReq.Thinking != nil {
		// The estimate can undercount thinking; anything billed beyond the
		// visible ceiling was spent thinking.
		usage = usage.fitTo(req.MaxTokens, req.ThinkingBudget)
	}

	model := resp.Model
	if model == "" {
		model = c.model
	}
	return &Response{
		Text:       text.String(),
		Thinking:   thinking.String(),
		Usage:      usage,
		StopReason: resp.StopReason,
		Model:      model,
		Duration:   time.Since(start),
	}, nil
}

// makeRequest sends HTTP request to Claude API
func (c *ClaudeClient) makeRequest(ctx context.Context, req *claudeRequest) (*claudeResponse, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, NewProviderError(ProviderClaude, ClassBadRequest, 0, "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, NewProviderError(ProviderClaude, ClassBadRequest, 0, "failed to create request", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", claudeAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := contextError(ctx, ProviderClaude, err); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, NewProviderError(ProviderClaude, ClassTransport, 0, err.Error(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := contextError(ctx, ProviderClaude, err); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, NewProviderError(ProviderClaude, ClassTransport, resp.StatusCode, "failed to read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, claudeStatusError(resp.StatusCode, body)
	}

	var claudeResp claudeResponse
	if err := json.Unmarshal(body, &claudeResp); err != nil {
		return nil, NewProviderError(ProviderClaude, ClassDecode, resp.StatusCode, "failed to unmarshal response", err)
	}

	if claudeResp.Error != nil {
		return nil, NewProviderError(ProviderClaude, ClassServiceError, resp.StatusCode, claudeResp.Error.Message, nil)
	}

	return &claudeResp, nil
}

// claudeStatusError maps a non-200 status to an error class.
func claudeStatusError(status int, body []byte) *ProviderError {
	detail := apiErrorMessage(body)
	switch status {
	case http.StatusTooManyRequests:
		return NewProviderError(ProviderClaude, ClassRateLimit, status, "rate limit exceeded, wait before retrying", nil)
	case http.StatusForbidden:
		return NewProviderError(ProviderClaude, ClassForbidden, status, "access denied, check API key permissions", nil)
	case http.StatusUnauthorized:
		return NewProviderError(ProviderClaude, ClassUnauthorized, status, "invalid API key", nil)
	case http.StatusPaymentRequired:
		return NewProviderError(ProviderClaude, ClassQuotaExceeded, status, "quota exhausted", nil)
	case 500, 502, 503, 504, 529:
		return NewProviderError(ProviderClaude, ClassServiceError, status, "service temporarily unavailable", nil)
	case http.StatusBadRequest, http.StatusNotFound, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return NewProviderError(ProviderClaude, ClassBadRequest, status, detail, nil)
	default:
		return NewProviderError(ProviderClaude, ClassServiceError, status, fmt.Sprintf("request failed: %s", detail), nil)
	}
}

func apiErrorMessage(body []byte) string {
	var wrapped struct {
		Error *claudeError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error != nil && wrapped.Error.Message != "" {
		return wrapped.Error.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	if s == "" {
		return "empty error body"
	}
	return s
}
