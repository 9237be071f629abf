package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"antivibe/internal/ai"
	"antivibe/internal/metrics"
	"antivibe/internal/project"
	"antivibe/internal/publish"
	"antivibe/internal/spend"
	"antivibe/internal/validation"
)

// Defaults applied to zero-valued Options fields.
const (
	DefaultMaxRepairs     = 2
	DefaultParseRetries   = 1
	DefaultRetryAttempts  = 3
	DefaultRetryBaseDelay = 500 * time.Millisecond
	DefaultRetryMaxDelay  = 8 * time.Second
	DefaultCallTimeout    = 3 * time.Minute
	DefaultFeatureFanout  = 1
	maxFeatureFanout      = 16

	// maxCallTokens bounds one call's output plus thinking ceiling, the
	// widest value every provider's request accepts.
	maxCallTokens = math.MaxInt32
)

// RetryPolicy bounds the retries of a retryable provider failure.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"maxAttempts"` // total calls, first one included
	BaseDelay   time.Duration `json:"base_delay" yaml:"baseDelay"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"maxDelay"`
}

// Delay returns the wait before attempt+1: BaseDelay doubled per attempt,
// capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Options is the session-level contract of a build plus the orchestration
// tunables. Credentials are explicit; nothing is read from the environment.
type Options struct {
	APIKey         string `json:"-" yaml:"-"`
	Verbose        bool   `json:"verbose" yaml:"verbose"`
	MaxTokens      int    `json:"max_tokens" yaml:"maxTokens"`
	ThinkingBudget int    `json:"thinking_budget" yaml:"thinkingBudget"`

	Provider  string  `json:"provider" yaml:"provider"`
	Model     string  `json:"model,omitempty" yaml:"model"`
	BaseURL   string  `json:"base_url,omitempty" yaml:"baseURL"`
	ReplayDir string  `json:"replay_dir,omitempty" yaml:"replayDir"`
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rateLimit"` // calls per second, zero disables

	// MaxRepairs bounds the repair cycles. Zero selects the default; a
	// negative value disables repair.
	MaxRepairs int `json:"max_repairs" yaml:"maxRepairs"`

	// ParseRetries is how often an unparseable response is re-prompted.
	// Zero selects the default of one; a negative value disables it.
	ParseRetries int `json:"parse_retries" yaml:"parseRetries"`

	Retry       RetryPolicy   `json:"retry" yaml:"retry"`
	CallTimeout time.Duration `json:"call_timeout" yaml:"callTimeout"`

	// StageOutputTokens caps the output of one call below the remaining
	// budget. Zero leaves the remaining budget as the only cap.
	StageOutputTokens int `json:"stage_output_tokens,omitempty" yaml:"stageOutputTokens"`

	// FeatureFanout is how many per-feature ENDPOINTS sub-generations run
	// concurrently. One generates ENDPOINTS in a single call.
	FeatureFanout int `json:"feature_fanout" yaml:"featureFanout"`

	Validation validation.Config `json:"validation" yaml:"validation"`
}

// withDefaults fills zero values.
func (o Options) withDefaults() Options {
	switch {
	case o.MaxRepairs == 0:
		o.MaxRepairs = DefaultMaxRepairs
	case o.MaxRepairs < 0:
		o.MaxRepairs = 0
	}
	switch {
	case o.ParseRetries == 0:
		o.ParseRetries = DefaultParseRetries
	case o.ParseRetries < 0:
		o.ParseRetries = 0
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry.MaxAttempts = DefaultRetryAttempts
	}
	if o.Retry.BaseDelay == 0 {
		o.Retry.BaseDelay = DefaultRetryBaseDelay
	}
	if o.Retry.MaxDelay == 0 {
		o.Retry.MaxDelay = DefaultRetryMaxDelay
	}
	if o.CallTimeout == 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.FeatureFanout == 0 {
		o.FeatureFanout = DefaultFeatureFanout
	}
	return o
}

// Validate checks the options. Every problem is a *project.ConfigError; the
// joined result matches ErrConfig.
func (o Options) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &project.ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}
	if o.MaxTokens <= 0 {
		add("maxTokens", "must be positive, got %d", o.MaxTokens)
	}
	if o.ThinkingBudget < 0 {
		add("thinkingBudget", "must not be negative, got %d", o.ThinkingBudget)
	}
	if o.Provider == ai.ProviderClaude && o.ThinkingBudget > 0 && o.ThinkingBudget < ai.MinClaudeThinkingBudget {
		add("thinkingBudget", "claude needs 0 or at least %d, got %d", ai.MinClaudeThinkingBudget, o.ThinkingBudget)
	}
	if o.MaxTokens > maxCallTokens || o.ThinkingBudget > maxCallTokens-max(o.MaxTokens, 0) {
		add("maxTokens", "maxTokens plus thinkingBudget must not exceed %d", maxCallTokens)
	}
	if o.ParseRetries > 1 {
		add("parseRetries", "at most one clarifying re-prompt is allowed, got %d", o.ParseRetries)
	}
	if o.Retry.MaxAttempts < 1 {
		add("retry.maxAttempts", "must be at least 1, got %d", o.Retry.MaxAttempts)
	}
	if o.Retry.BaseDelay < 0 || o.Retry.MaxDelay < o.Retry.BaseDelay {
		add("retry", "delays must satisfy 0 <= baseDelay <= maxDelay")
	}
	if o.CallTimeout < 0 {
		add("callTimeout", "must not be negative")
	}
	if o.StageOutputTokens < 0 {
		add("stageOutputTokens", "must not be negative")
	}
	if o.FeatureFanout < 1 || o.FeatureFanout > maxFeatureFanout {
		add("featureFanout", "must be between 1 and %d, got %d", maxFeatureFanout, o.FeatureFanout)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConfig, errors.Join(errs...))
}

// Estimator predicts the input tokens of a prompt. pricing.Engine is the
// production estimator.
type Estimator interface {
	EstimateInputTokens(promptChars int) int
}

// Option injects a collaborator.
type Option func(*Orchestrator)

// WithClient uses client instead of building one from Options. The client
// owns its credentials, so Options.APIKey is not checked.
func WithClient(client ai.CompletionClient) Option {
	return func(o *Orchestrator) { o.client = client }
}

// WithRecorder journals every completion call.
func WithRecorder(r spend.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithPublisher replaces the default publisher.
func WithPublisher(p *publish.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithLogger sets the base logger; sessions add their build ID.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithEstimator replaces the prompt token estimator.
func WithEstimator(e Estimator) Option {
	return func(o *Orchestrator) { o.estimator = e }
}

// WithClock fixes the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithMetrics records to m instead of the process collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
