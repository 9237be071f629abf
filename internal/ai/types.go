// Package ai provides completion clients for the generation pipeline.
//
// Clients never retry on their own: a failed call surfaces as a
// *ProviderError and the caller decides whether to try again.
package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"antivibe/internal/project"
)

// Provider names accepted by NewClient.
const (
	ProviderClaude = "claude"
	ProviderGemini = "gemini"
	ProviderReplay = "replay"
)

// ErrProvider matches every *ProviderError.
var ErrProvider = errors.New("provider call failed")

// ErrorClass groups provider failures by how the caller should react.
type ErrorClass string

const (
	ClassRateLimit     ErrorClass = "rate_limit"
	ClassUnauthorized  ErrorClass = "unauthorized"
	ClassForbidden     ErrorClass = "forbidden"
	ClassQuotaExceeded ErrorClass = "quota_exceeded"
	ClassServiceError  ErrorClass = "service_error"
	ClassBadRequest    ErrorClass = "bad_request"
	ClassTransport     ErrorClass = "transport"
	ClassDecode        ErrorClass = "decode"
	ClassTimeout       ErrorClass = "timeout"
)

// Retryable reports whether a failure of this class may succeed on a later
// attempt.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassRateLimit, ClassServiceError, ClassTransport, ClassTimeout:
		return true
	default:
		return false
	}
}

// ProviderError is a failed completion call.
type ProviderError struct {
	Provider   string     `json:"provider"`
	Class      ErrorClass `json:"class"`
	StatusCode int        `json:"status_code,omitempty"`
	Message    string     `json:"message"`
	Retryable  bool       `json:"retryable"`
	Err        error      `json:"-"`
}

// NewProviderError builds a ProviderError whose Retryable flag follows the
// class.
func NewProviderError(provider string, class ErrorClass, status int, msg string, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Class:      class,
		StatusCode: status,
		Message:    msg,
		Retryable:  class.Retryable(),
		Err:        cause,
	}
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Class, e.Message)
}

func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

func (e *ProviderError) Unwrap() error { return e.Err }

// Request is one completion call. MaxTokens and ThinkingBudget are hard
// ceilings forwarded to the provider unchanged.
type Request struct {
	Stage          project.Stage `json:"stage"`
	System         string        `json:"system,omitempty"`
	Prompt         string        `json:"prompt"`
	MaxTokens      int           `json:"max_tokens"`
	ThinkingBudget int           `json:"thinking_budget,omitempty"`
}

// Usage is the token accounting a provider reported for one call.
type Usage struct {
	InputTokens    int `json:"input_tokens"`
	OutputTokens   int `json:"output_tokens"`
	ThinkingTokens int `json:"thinking_tokens,omitempty"`
}

// Total returns all tokens billed for the call.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.ThinkingTokens
}

// fitTo moves tokens between output and thinking so neither exceeds the
// ceiling the call was made with. The sum is kept.
func (u Usage) fitTo(maxOutput, maxThinking int) Usage {
	if over := u.OutputTokens - maxOutput; over > 0 {
		u.OutputTokens = maxOutput
		u.ThinkingTokens += over
	}
	if over := u.ThinkingTokens - maxThinking; over > 0 {
		shift := min(over, max(maxOutput-u.OutputTokens, 0))
		u.OutputTokens += shift
		u.ThinkingTokens -= shift
	}
	return u
}

// Response is a completed call.
type Response struct {
	Text       string        `json:"text"`
	Thinking   string        `json:"thinking,omitempty"`
	Usage      Usage         `json:"usage"`
	StopReason string        `json:"stop_reason,omitempty"`
	Model      string        `json:"model"`
	Duration   time.Duration `json:"duration"`
}

// CompletionClient sends a prompt to a language model and returns its text.
type CompletionClient interface {
	// Complete performs one call. It returns ctx.Err() when the context is
	// cancelled and a *ProviderError for every provider-side failure.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Provider returns the provider identifier.
	Provider() string

	// Model returns the model the client calls.
	Model() string
}

// contextError reports ctx.Err() once the caller's context is done. A
// per-call deadline that fired while the caller is still alive is a
// retryable timeout instead.
func contextError(ctx context.Context, provider string, cause error) error {
	if ctx.Err() == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if parent, ok := ctx.Value(parentCtxKey{}).(context.Context); ok && parent.Err() == nil {
			return NewProviderError(provider, ClassTimeout, 0, "call deadline exceeded", cause)
		}
	}
	return ctx.Err()
}

type parentCtxKey struct{}

// WithCallTimeout derives a per-call context. A deadline on the returned
// context is reported by clients as a retryable ClassTimeout failure while
// ctx itself stays alive.
func WithCallTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	marked := context.WithValue(ctx, parentCtxKey{}, ctx)
	if d <= 0 {
		return context.WithCancel(marked)
	}
	return context.WithTimeout(marked, d)
}
