package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"antivibe/internal/budget"
	"antivibe/internal/config"
	"antivibe/internal/logging"
	"antivibe/internal/orchestrator"
	"antivibe/internal/pricing"
)

type buildFlags struct {
	project        string
	out            string
	provider       string
	model          string
	maxTokens      int
	thinkingBudget int
	maxRepairs     int
	fanout         int
	rateLimit      float64
	replay         string
	spendDSN       string
	s3Bucket       string
	archiveDir     string
	verbose        bool
	json           bool
}

func parseBuildFlags(args []string, stderr io.Writer) (*buildFlags, error) {
	f := &buildFlags{}
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.project, "project", "", "project file (YAML or JSON), required")
	fs.StringVar(&f.out, "out", "", "output directory, overrides the project file")
	fs.StringVar(&f.provider, "provider", "", "claude | gemini | replay")
	fs.StringVar(&f.model, "model", "", "model override")
	fs.IntVar(&f.maxTokens, "max-tokens", 0, "token ceiling for the build")
	fs.IntVar(&f.thinkingBudget, "thinking-budget", -1, "thinking token ceiling for the build")
	fs.IntVar(&f.maxRepairs, "max-repairs", 0, "repair cycles, negative disables repair")
	fs.IntVar(&f.fanout, "fanout", 0, "concurrent per-feature endpoint generations")
	fs.Float64Var(&f.rateLimit, "rate-limit", -1, "provider calls per second, zero disables")
	fs.StringVar(&f.replay, "replay", "", "replay directory; implies -provider replay")
	fs.StringVar(&f.spendDSN, "spend-dsn", "", "spend journal (postgres URL or sqlite path)")
	fs.StringVar(&f.s3Bucket, "s3-bucket", "", "archive the published tree to this S3 bucket")
	fs.StringVar(&f.archiveDir, "archive-dir", "", "archive the published tree to this directory")
	fs.BoolVar(&f.verbose, "verbose", false, "narrate stage progress")
	fs.BoolVar(&f.json, "json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %w", orchestrator.ErrConfig, err)
	}
	if f.project == "" {
		return nil, fmt.Errorf("%w: -project is required", orchestrator.ErrConfig)
	}
	return f, nil
}

// apply layers the flags over the environment settings.
func (f *buildFlags) apply(s *config.Settings) {
	if f.replay != "" {
		s.ReplayDir = f.replay
		if f.provider == "" {
			f.provider = "replay"
		}
	}
	if p := strings.ToLower(f.provider); p != "" && p != s.Provider {
		s.Provider = p
		s.APIKey = config.APIKeyFor(s.Provider)
	}
	if f.model != "" {
		s.Model = f.model
	}
	if f.maxTokens > 0 {
		s.MaxTokens = f.maxTokens
	}
	if f.thinkingBudget >= 0 {
		s.ThinkingBudget = f.thinkingBudget
	}
	if f.rateLimit >= 0 {
		s.RateLimit = f.rateLimit
	}
	if f.spendDSN != "" {
		s.SpendDSN = f.spendDSN
	}
	if f.s3Bucket != "" {
		s.S3.Bucket = f.s3Bucket
	}
	if f.archiveDir != "" {
		s.ArchiveDir = f.archiveDir
	}
}

func runBuild(ctx context.Context, args []string) error {
	f, err := parseBuildFlags(args, os.Stderr)
	if err != nil {
		return err
	}
	pf, err := config.LoadProject(f.project)
	if err != nil {
		return err
	}
	if f.out != "" {
		pf.OutputPath = f.out
	}

	settings := config.FromEnv()
	f.apply(&settings)
	warnings, err := settings.Validate()
	printWarnings(os.Stderr, warnings)
	if err != nil {
		return err
	}

	opts := settings.Options()
	// Flags win over the project file, which wins over the environment.
	opts.MaxTokens, opts.ThinkingBudget = pf.Budget(opts.MaxTokens, opts.ThinkingBudget)
	if f.maxTokens > 0 {
		opts.MaxTokens = f.maxTokens
	}
	if f.thinkingBudget >= 0 {
		opts.ThinkingBudget = f.thinkingBudget
	}
	opts.Verbose = f.verbose
	opts.MaxRepairs = f.maxRepairs
	opts.FeatureFanout = f.fanout

	logger := logging.L()
	rt, err := wire(ctx, settings, opts, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			logger.Warn("close spend journal", zap.Error(cerr))
		}
	}()

	res, err := rt.orch.BuildProject(ctx, pf.Config)
	if err != nil {
		reportFailure(os.Stdout, err, f.json)
		return err
	}

	cost := estimateCost(rt.orch.Options(), res.Summary.Budget)
	if rt.journal != nil {
		if c, _, jerr := rt.journal.BuildSpend(ctx, res.BuildID); jerr == nil {
			cost = c
		} else {
			logger.Warn("read build spend", zap.String("build_id", res.BuildID), zap.Error(jerr))
		}
	}
	return reportResult(os.Stdout, res, cost, f.json)
}

// estimateCost prices the ledger's stage totals. Thinking tokens bill as
// output.
func estimateCost(opts orchestrator.Options, sum budget.Summary) float64 {
	engine := pricing.Get()
	model := opts.Model
	if model == "" {
		model = engine.DefaultModel(opts.Provider)
	}
	var in, out int
	for _, st := range sum.Stages {
		in += st.InputTokens
		out += st.OutputTokens + st.ThinkingTokens
	}
	return engine.RawCost(opts.Provider, model, in, out)
}

func reportResult(w io.Writer, res *orchestrator.BuildResult, cost float64, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			*orchestrator.BuildResult
			CostUSD float64 `json:"cost_usd"`
		}{res, cost})
	}
	s := res.Summary
	b := s.Budget
	fmt.Fprintf(w, "build %s done: %s\n", res.BuildID, res.OutputPath)
	fmt.Fprintf(w, "  files written:   %d (%d bytes)\n", s.FilesWritten, s.Bytes)
	fmt.Fprintf(w, "  tokens spent:    %d / %d\n", b.TokensSpent, b.Ceilings.Tokens)
	if b.Ceilings.Thinking > 0 {
		fmt.Fprintf(w, "  thinking spent:  %d / %d\n", b.ThinkingSpent, b.Ceilings.Thinking)
	}
	fmt.Fprintf(w, "  calls:           %d\n", s.Calls)
	fmt.Fprintf(w, "  repairs:         %d\n", s.Repairs)
	fmt.Fprintf(w, "  revision:        %s\n", s.Revision)
	fmt.Fprintf(w, "  cost:            $%.4f\n", cost)
	fmt.Fprintf(w, "  duration:        %s\n", s.Duration.Round(time.Millisecond))
	if s.ArchiveURL != "" {
		fmt.Fprintf(w, "  archive:         %s\n", s.ArchiveURL)
	}
	if s.ArchiveError != "" {
		fmt.Fprintf(w, "  archive failed:  %s\n", s.ArchiveError)
	}
	for _, o := range s.Overwrites {
		fmt.Fprintf(w, "  overwrite:       %s (%s replaced %s, %s)\n", o.Path, o.Stage, o.PreviousStage, o.Delta)
	}
	for _, warn := range s.Warnings {
		fmt.Fprintf(w, "  warning:         %s\n", warn)
	}
	return nil
}

func reportFailure(w io.Writer, err error, asJSON bool) {
	var bf *orchestrator.BuildFailure
	if !errors.As(err, &bf) {
		return
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(struct {
			*orchestrator.BuildFailure
			Error string `json:"error"`
		}{bf, err.Error()})
		return
	}
	fmt.Fprintf(w, "build %s failed\n", bf.BuildID)
	fmt.Fprintf(w, "  reason:          %s\n", bf.Reason)
	fmt.Fprintf(w, "  state:           %s\n", bf.State)
	if bf.Stage != "" {
		fmt.Fprintf(w, "  stage:           %s\n", bf.Stage)
	}
	fmt.Fprintf(w, "  artifacts:       %d\n", bf.ArtifactCount)
	if bf.Report != nil {
		for _, v := range bf.Report.Violations {
			fmt.Fprintf(w, "  violation:       %s\n", v.String())
		}
	}
	if bf.RawOutput != "" {
		fmt.Fprintf(w, "  raw output:      %s\n", truncate(bf.RawOutput, 400))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
