package ai

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"antivibe/internal/metrics"
)

// Middleware decorates a CompletionClient with a cross-cutting concern.
type Middleware func(CompletionClient) CompletionClient

// Wrap applies middlewares in left-to-right order.
// Example: Wrap(inner, A, B) => A(B(inner))
func Wrap(inner CompletionClient, mws ...Middleware) CompletionClient {
	out := inner
	for i := len(mws) - 1; i >= 0; i-- {
		out = mws[i](out)
	}
	return out
}

// passthrough forwards Provider and Model to the wrapped client.
type passthrough struct{ next CompletionClient }

func (p passthrough) Provider() string { return p.next.Provider() }
func (p passthrough) Model() string    { return p.next.Model() }

// -------- Rate Limiting --------

// WithRateLimit throttles calls to rps requests per second with the given
// burst. rps <= 0 disables the limiter.
func WithRateLimit(rps float64, burst int) Middleware {
	return func(next CompletionClient) CompletionClient {
		if rps <= 0 {
			return next
		}
		if burst <= 0 {
			burst = 1
		}
		return &rateLimited{passthrough: passthrough{next}, rl: rate.NewLimiter(rate.Limit(rps), burst)}
	}
}

type rateLimited struct {
	passthrough
	rl *rate.Limiter
}

func (c *rateLimited) Complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	if err := c.rl.Wait(ctx); err != nil {
		// Wait also fails when the deadline would pass before a token frees up.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewProviderError(c.Provider(), ClassRateLimit, 0, "client rate limit: "+err.Error(), err)
	}
	metrics.Get().RecordRateLimitWait(c.Provider(), time.Since(start))
	return c.next.Complete(ctx, req)
}

// -------- Logging --------

// WithLogging logs every call at Debug and failures at Warn.
func WithLogging(logger *zap.Logger) Middleware {
	return func(next CompletionClient) CompletionClient {
		if logger == nil {
			logger = zap.NewNop()
		}
		return &logged{passthrough: passthrough{next}, log: logger}
	}
}

type logged struct {
	passthrough
	log *zap.Logger
}

func (c *logged) Complete(ctx context.Context, req *Request) (*Response, error) {
	fields := []zap.Field{
		zap.String("provider", c.Provider()),
		zap.String("model", c.Model()),
		zap.String("stage", string(req.Stage)),
		zap.Int("prompt_chars", len(req.Prompt)),
		zap.Int("max_tokens", req.MaxTokens),
		zap.Int("thinking_budget", req.ThinkingBudget),
	}
	c.log.Debug("completion call", fields...)

	resp, err := c.next.Complete(ctx, req)
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) {
			fields = append(fields, zap.String("class", string(pe.Class)), zap.Int("status", pe.StatusCode), zap.Bool("retryable", pe.Retryable))
		}
		c.log.Warn("completion failed", append(fields, zap.Error(err))...)
		return nil, err
	}
	c.log.Debug("completion done", append(fields,
		zap.Int("input_tokens", resp.Usage.InputTokens),
		zap.Int("output_tokens", resp.Usage.OutputTokens),
		zap.Int("thinking_tokens", resp.Usage.ThinkingTokens),
		zap.String("stop_reason", resp.StopReason),
		zap.Duration("duration", resp.Duration),
	)...)
	return resp, nil
}

// -------- Metrics --------

// WithMetrics records call counts and latency per stage and provider.
func WithMetrics(m *metrics.Metrics) Middleware {
	return func(next CompletionClient) CompletionClient {
		if m == nil {
			m = metrics.Get()
		}
		return &measured{passthrough: passthrough{next}, m: m}
	}
}

type measured struct {
	passthrough
	m *metrics.Metrics
}

func (c *measured) Complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	resp, err := c.next.Complete(ctx, req)
	c.m.RecordStageCall(string(req.Stage), c.Provider(), callResult(err), time.Since(start))
	return resp, err
}

func callResult(err error) string {
	var pe *ProviderError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &pe):
		return string(pe.Class)
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
