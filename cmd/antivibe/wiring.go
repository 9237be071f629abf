package main

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"antivibe/internal/config"
	"antivibe/internal/metrics"
	"antivibe/internal/orchestrator"
	"antivibe/internal/publish"
	"antivibe/internal/spend"
)

// runtime is the set of collaborators a command wires into the orchestrator.
type runtime struct {
	orch    *orchestrator.Orchestrator
	journal *spend.Journal // nil when journaling is off
}

func (r *runtime) Close() error {
	if r.journal == nil {
		return nil
	}
	return r.journal.Close()
}

// newArchiver picks S3 when a bucket is configured, else a local directory,
// else nothing.
func newArchiver(ctx context.Context, s config.Settings) (publish.Archiver, error) {
	switch {
	case s.S3.Bucket != "":
		a, err := publish.NewS3Archiver(ctx, s.S3)
		if err != nil {
			return nil, fmt.Errorf("s3 archiver: %w", err)
		}
		return a, nil
	case s.ArchiveDir != "":
		store, err := publish.NewLocalStorage(s.ArchiveDir)
		if err != nil {
			return nil, fmt.Errorf("archive dir: %w", err)
		}
		return publish.NewTarballArchiver(store, ""), nil
	}
	return nil, nil
}

// wire builds an orchestrator from settings and opts. The caller closes the
// returned runtime.
func wire(ctx context.Context, s config.Settings, opts orchestrator.Options, logger *zap.Logger) (*runtime, error) {
	rt := &runtime{}
	deps := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics.Get()),
	}

	var pubOpts []publish.Option
	archiver, err := newArchiver(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", orchestrator.ErrConfig, err)
	}
	if archiver != nil {
		pubOpts = append(pubOpts, publish.WithArchiver(archiver))
	}
	deps = append(deps, orchestrator.WithPublisher(publish.NewPublisher(logger, pubOpts...)))

	if s.SpendDSN != "" {
		j, err := spend.Open(s.SpendDSN)
		if err != nil {
			return nil, fmt.Errorf("%w: spend journal: %w", orchestrator.ErrConfig, err)
		}
		rt.journal = j
		deps = append(deps, orchestrator.WithRecorder(j))
	}

	orch, err := orchestrator.New(opts, deps...)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.orch = orch
	return rt, nil
}

func printWarnings(w io.Writer, warnings []string) {
	for _, msg := range warnings {
		fmt.Fprintf(w, "warning: %s\n", msg)
	}
}
