package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"antivibe/internal/metrics"
	"antivibe/internal/project"
)

type stubClient struct {
	err   error
	calls int
}

func (s *stubClient) Provider() string { return "stub" }
func (s *stubClient) Model() string    { return "stub-1" }
func (s *stubClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Response{Text: "ok", Usage: Usage{InputTokens: 3, OutputTokens: 2}}, nil
}

func TestWrapOrderAndPassthrough(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next CompletionClient) CompletionClient {
			order = append(order, name)
			return next
		}
	}
	c := Wrap(&stubClient{}, mark("A"), mark("B"))
	assert.Equal(t, []string{"B", "A"}, order)
	assert.Equal(t, "stub", c.Provider())
	assert.Equal(t, "stub-1", c.Model())
}

func TestWithLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	inner := &stubClient{err: NewProviderError("stub", ClassRateLimit, 429, "slow down", nil)}
	c := Wrap(inner, WithLogging(zap.New(core)))

	_, err := c.Complete(context.Background(), &Request{Stage: project.StagePlan, Prompt: "p"})
	require.Error(t, err)

	failed := logs.FilterMessage("completion failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "rate_limit", failed[0].ContextMap()["class"])
	assert.Equal(t, "PLAN", failed[0].ContextMap()["stage"])
}

func TestWithMetrics(t *testing.T) {
	m := metrics.Get()
	c := Wrap(&stubClient{}, WithMetrics(m))
	before := testutil.ToFloat64(m.StageCallsTotal.WithLabelValues("schema", "stub", "success"))
	_, err := c.Complete(context.Background(), &Request{Stage: project.StageSchema})
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(m.StageCallsTotal.WithLabelValues("schema", "stub", "success")))
}

func TestWithRateLimit(t *testing.T) {
	inner := &stubClient{}
	c := Wrap(inner, WithRateLimit(1, 1))

	_, err := c.Complete(context.Background(), &Request{Stage: project.StagePlan})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = c.Complete(ctx, &Request{Stage: project.StagePlan})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, inner.calls, "the blocked call never reaches the provider")

	assert.Same(t, inner, WithRateLimit(0, 0)(inner))
}

func TestCallResult(t *testing.T) {
	assert.Equal(t, "success", callResult(nil))
	assert.Equal(t, "service_error", callResult(NewProviderError("x", ClassServiceError, 503, "", nil)))
	assert.Equal(t, "cancelled", callResult(context.Canceled))
	assert.Equal(t, "error", callResult(errors.New("boom")))
}

func TestNewClientFactory(t *testing.T) {
	_, err := NewClient(context.Background(), ClientConfig{Provider: ProviderClaude})
	assert.Error(t, err, "claude needs a key")

	_, err = NewClient(context.Background(), ClientConfig{Provider: "openai", APIKey: "x"})
	assert.Error(t, err)

	_, err = NewClient(context.Background(), ClientConfig{Provider: ProviderReplay})
	assert.Error(t, err, "replay needs responses")

	c, err := NewClient(context.Background(), ClientConfig{
		Provider:        ProviderReplay,
		ReplayResponses: map[project.Stage][]string{project.StagePlan: {"# plan"}},
	})
	require.NoError(t, err)
	assert.Equal(t, ProviderReplay, c.Provider())

	c, err = NewClient(context.Background(), ClientConfig{Provider: ProviderClaude, APIKey: "sk-ant-x", Model: "claude-x"})
	require.NoError(t, err)
	assert.Equal(t, "claude-x", c.Model())
}
