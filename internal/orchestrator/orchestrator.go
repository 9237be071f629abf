// Package orchestrator drives one project build through its generation
// stages, validation and repair loop, and publishes the finished tree.
//
// A build walks
//
//	INIT → PLANNING → SCHEMA_GEN → CODE_GEN → TEST_GEN → DOCS_GEN →
//	VALIDATING → {REPAIRING → VALIDATING}* → PUBLISHING → DONE | FAILED
//
// Every completion call is reserved against the session's budget before it
// is issued. The output directory is written once, atomically, after
// validation passes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"antivibe/internal/ai"
	"antivibe/internal/artifact"
	"antivibe/internal/budget"
	"antivibe/internal/filetree"
	"antivibe/internal/logging"
	"antivibe/internal/metrics"
	"antivibe/internal/pricing"
	"antivibe/internal/project"
	"antivibe/internal/prompt"
	"antivibe/internal/publish"
	"antivibe/internal/spend"
	"antivibe/internal/validation"
)

// Summary is what a finished build reports.
type Summary struct {
	FilesWritten int                  `json:"files_written"`
	Bytes        int64                `json:"bytes"`
	Revision     string               `json:"revision"`
	Budget       budget.Summary       `json:"budget"`
	Calls        int                  `json:"calls"`
	Repairs      int                  `json:"repairs"`
	Warnings     []string             `json:"warnings,omitempty"`
	Overwrites   []filetree.Overwrite `json:"overwrites,omitempty"`
	ArchiveURL   string               `json:"archive_url,omitempty"`
	ArchiveError string               `json:"archive_error,omitempty"`
	Duration     time.Duration        `json:"duration"`
}

// BuildResult is a successful build.
type BuildResult struct {
	BuildID     string               `json:"build_id"`
	OutputPath  string               `json:"output_path"`
	Tree        filetree.Tree        `json:"-"`
	Manifest    filetree.Manifest    `json:"manifest"`
	Artifacts   []*artifact.Artifact `json:"-"`
	Summary     Summary              `json:"summary"`
	Transitions []Transition         `json:"transitions"`
}

// Orchestrator runs builds. It holds no per-build state; concurrent
// BuildProject calls each get their own Session.
type Orchestrator struct {
	opts      Options
	client    ai.CompletionClient
	prompts   *prompt.Builder
	parser    *artifact.Parser
	gate      *validation.Gate
	publisher *publish.Publisher
	recorder  spend.Recorder
	estimator Estimator
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
}

// New validates opts and wires the collaborators. Invalid options match
// ErrConfig.
func New(opts Options, deps ...Option) (*Orchestrator, error) {
	o := &Orchestrator{opts: opts.withDefaults()}
	for _, dep := range deps {
		dep(o)
	}
	if err := o.opts.Validate(); err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = logging.L()
	}
	if o.metrics == nil {
		o.metrics = metrics.Get()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.estimator == nil {
		o.estimator = pricing.Get()
	}
	o.sleep = sleepContext

	var err error
	if o.prompts, err = prompt.New(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	o.parser = artifact.NewParser(o.logger)
	if o.gate, err = validation.NewGate(o.opts.Validation, o.logger); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if o.publisher == nil {
		o.publisher = publish.NewPublisher(o.logger)
	}
	if o.client == nil {
		model := o.opts.Model
		if model == "" {
			model = pricing.Get().DefaultModel(o.opts.Provider)
		}
		o.client, err = ai.NewClient(context.Background(), ai.ClientConfig{
			Provider:  o.opts.Provider,
			APIKey:    o.opts.APIKey,
			Model:     model,
			BaseURL:   o.opts.BaseURL,
			ReplayDir: o.opts.ReplayDir,
			RateLimit: o.opts.RateLimit,
			Logger:    o.logger,
			Metrics:   o.metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}
	return o, nil
}

// Options returns the effective options.
func (o *Orchestrator) Options() Options {
	return o.opts
}

// WithBudget returns a copy of o with different ceilings, sharing every
// collaborator.
func (o *Orchestrator) WithBudget(maxTokens, thinkingBudget int) (*Orchestrator, error) {
	next := *o
	next.opts.MaxTokens = maxTokens
	next.opts.ThinkingBudget = thinkingBudget
	if err := next.opts.Validate(); err != nil {
		return nil, err
	}
	return &next, nil
}

// NewSession prepares a build of cfg without running it. The config is
// copied, so later caller edits are not observed.
func (o *Orchestrator) NewSession(cfg project.Config) (*Session, error) {
	id := uuid.New().String()
	ledger, err := budget.NewLedger(budget.Ceilings{Tokens: o.opts.MaxTokens, Thinking: o.opts.ThinkingBudget}, func(a, b string) bool {
		return project.Stage(a).Index() < project.Stage(b).Index()
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	cfg = cfg.Clone()
	logger := o.logger.With(zap.String("build_id", id), zap.String("project", cfg.Name))
	return &Session{
		ID:      id,
		Config:  cfg,
		Ledger:  ledger,
		Machine: NewMachine(MachineConfig{BuildID: id, MaxRepairs: o.opts.MaxRepairs, Logger: logger, Now: o.now}),
		logger:  logger,
		verbose: o.opts.Verbose,
		tree:    filetree.New(),
	}, nil
}

// BuildProject runs one build of cfg. On failure it returns a *BuildFailure
// and leaves the output path as it was.
func (o *Orchestrator) BuildProject(ctx context.Context, cfg project.Config) (*BuildResult, error) {
	s, err := o.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, s)
}

// Run executes a prepared session. A session runs at most once.
func (o *Orchestrator) Run(ctx context.Context, s *Session) (result *BuildResult, err error) {
	if !s.ran.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("orchestrator: session %s already ran", s.ID)
	}
	s.started = o.now()
	o.metrics.BuildsInFlight.Inc()
	defer func() {
		o.metrics.BuildsInFlight.Dec()
		status, reason := "done", ""
		var failure *BuildFailure
		if errors.As(err, &failure) {
			status, reason = "failed", string(failure.Reason)
		}
		o.metrics.RecordBuildFinalization(status, reason, o.now().Sub(s.started), s.Machine.RepairCount())
	}()

	if verr := s.Config.Validate(); verr != nil {
		return nil, o.fail(s, "", ReasonConfig, fmt.Errorf("%w: %w", ErrConfig, verr))
	}
	if _, err := s.Machine.Fire(EventStart); err != nil {
		return nil, o.fail(s, "", ReasonInternal, err)
	}
	s.narrate("build started",
		zap.Int("features", len(s.Config.Features)),
		zap.Int("max_tokens", o.opts.MaxTokens),
		zap.Int("thinking_budget", o.opts.ThinkingBudget),
		zap.String("provider", o.client.Provider()),
		zap.String("model", o.client.Model()),
	)

	for _, stage := range project.Pipeline() {
		if err := ctx.Err(); err != nil {
			return nil, o.fail(s, stage, ReasonCancelled, err)
		}
		start := o.now()
		parts, err := o.runStage(ctx, s, stage)
		if err != nil {
			return nil, o.fail(s, stage, classify(ctx, err), err)
		}
		s.addStage(combine(stage, parts), parts)
		if _, err := s.Machine.Fire(EventStageComplete); err != nil {
			return nil, o.fail(s, stage, ReasonInternal, err)
		}
		s.narrate("stage complete",
			zap.String("stage", string(stage)),
			zap.Int("files", s.Tree().Len()),
			zap.Duration("duration", o.now().Sub(start)),
		)
	}

	if err := o.validateAndRepair(ctx, s); err != nil {
		return nil, err
	}
	return o.publish(ctx, s)
}

// validateAndRepair runs the gate until it passes or the machine escalates
// to FAILED.
func (o *Orchestrator) validateAndRepair(ctx context.Context, s *Session) error {
	for {
		report, err := o.gate.Validate(s.Tree(), s.Config)
		if err != nil {
			return o.fail(s, "", ReasonInternal, err)
		}
		s.setReport(report)
		checks := make([]string, 0, len(report.Violations))
		for _, v := range report.Violations {
			checks = append(checks, v.Check)
			s.logger.Warn("validation violation", zap.String("check", v.Check), zap.String("path", v.Path), zap.String("message", v.Message))
		}
		o.metrics.RecordViolations(checks)

		if report.Passed() {
			s.narrate("validation passed", zap.Float64("score", report.Score), zap.Int("warnings", len(report.Warnings)))
			if _, err := s.Machine.Fire(EventValidationPass); err != nil {
				return o.fail(s, "", ReasonInternal, err)
			}
			return nil
		}

		state, err := s.Machine.Fire(EventValidationFail)
		if err != nil {
			return o.fail(s, "", ReasonInternal, err)
		}
		if state == StateFailed {
			return o.fail(s, project.StageRepair, ReasonValidationExhausted, nil)
		}
		if err := ctx.Err(); err != nil {
			return o.fail(s, project.StageRepair, ReasonCancelled, err)
		}

		cycle := s.Machine.RepairCount()
		s.narrate("repairing", zap.Int("cycle", cycle), zap.Int("max_cycles", o.opts.MaxRepairs), zap.String("report", report.Summary()))
		art, err := o.generate(ctx, s, prompt.Request{
			Project: s.Config,
			Stage:   project.StageRepair,
			Prior:   s.prior(),
			Repair: &prompt.RepairContext{
				Cycle:     cycle,
				MaxCycles: o.opts.MaxRepairs,
				Report:    report,
				Tree:      s.Tree(),
			},
		}, allowance{})
		if err != nil {
			return o.fail(s, project.StageRepair, classify(ctx, err), err)
		}
		s.addRepair(art)
		if _, err := s.Machine.Fire(EventRepairComplete); err != nil {
			return o.fail(s, project.StageRepair, ReasonInternal, err)
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, s *Session) (*BuildResult, error) {
	tree := s.Tree()
	manifest := tree.Manifest()
	manifest.Project = s.Config.Name
	manifest.BuildID = s.ID

	res, err := o.publisher.Publish(ctx, s.Config.OutputPath, tree, manifest)
	if err != nil {
		reason := ReasonPublish
		if ctx.Err() != nil {
			reason = ReasonCancelled
		}
		return nil, o.fail(s, "", reason, err)
	}
	manifest.CompletedAt = res.PublishedAt
	if _, err := s.Machine.Fire(EventPublished); err != nil {
		return nil, o.fail(s, "", ReasonInternal, err)
	}

	summary := s.summary(o.now().Sub(s.started))
	summary.FilesWritten = res.FilesWritten
	summary.Bytes = res.Bytes
	summary.Revision = res.Revision
	summary.ArchiveURL = res.ArchiveURL
	summary.ArchiveError = res.ArchiveError
	if res.ArchiveError != "" {
		summary.Warnings = append(summary.Warnings, "archive failed: "+res.ArchiveError)
	}

	s.logger.Info("build complete",
		zap.String("output", res.OutputPath),
		zap.Int("files", summary.FilesWritten),
		zap.Int("tokens_spent", summary.Budget.TokensSpent),
		zap.Int("thinking_spent", summary.Budget.ThinkingSpent),
		zap.Int("repairs", summary.Repairs),
		zap.Duration("duration", summary.Duration),
	)
	return &BuildResult{
		BuildID:     s.ID,
		OutputPath:  res.OutputPath,
		Tree:        tree,
		Manifest:    manifest,
		Artifacts:   s.Artifacts(),
		Summary:     summary,
		Transitions: s.Machine.History(),
	}, nil
}

// fail moves the machine to FAILED, unless it is already there, and builds
// the failure.
func (o *Orchestrator) fail(s *Session, stage project.Stage, reason Reason, cause error) error {
	state := s.Machine.State()
	if state.Terminal() {
		// Escalated by the machine itself; report the state it left.
		if h := s.Machine.History(); len(h) > 0 {
			state = h[len(h)-1].From
		}
	} else if _, err := s.Machine.Fail(reason, cause); err != nil {
		s.logger.Error("failed to record failure transition", zap.Error(err))
	}
	s.mu.Lock()
	f := &BuildFailure{
		BuildID:       s.ID,
		Stage:         stage,
		State:         state,
		Reason:        reason,
		ArtifactCount: len(s.artifacts) + len(s.repairs),
		Err:           cause,
	}
	s.mu.Unlock()
	if reason == ReasonValidationExhausted {
		f.Report = s.Report()
	}
	var perr *artifact.ParseError
	if errors.As(cause, &perr) {
		f.RawOutput = perr.Raw
	}

	fields := []zap.Field{
		zap.String("state", string(state)),
		zap.String("stage", string(stage)),
		zap.String("reason", string(reason)),
		zap.Int("artifacts", f.ArtifactCount),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	if reason == ReasonCancelled {
		s.logger.Warn("build cancelled", fields...)
	} else {
		s.logger.Error("build failed", fields...)
	}
	return f
}
