package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"antivibe/internal/config"
	"antivibe/internal/logging"
	"antivibe/internal/orchestrator"
	"antivibe/internal/server"
)

const shutdownGrace = 15 * time.Second

func runServe(ctx context.Context, args []string) error {
	settings := config.FromEnv()

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&settings.ServerAddr, "addr", settings.ServerAddr, "listen address")
	fs.StringVar(&settings.BuildRoot, "build-root", settings.BuildRoot, "directory builds are published below")
	fs.IntVar(&settings.MaxBuilds, "max-builds", settings.MaxBuilds, "builds kept in memory")
	origins := fs.String("origins", os.Getenv("ANTIVIBE_ALLOWED_ORIGINS"), "comma separated origins allowed to open event streams")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", orchestrator.ErrConfig, err)
	}

	logger := logging.L()
	warnings, err := settings.ValidateServer()
	config.LogWarnings(logger, warnings)
	if err != nil {
		return err
	}
	if settings.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	rt, err := wire(ctx, settings, settings.Options(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			logger.Warn("close spend journal", zap.Error(cerr))
		}
	}()

	srv, err := server.New(rt.orch, server.Config{
		BuildRoot:       settings.BuildRoot,
		MaxBuilds:       settings.MaxBuilds,
		JWTSecret:       settings.JWTSecret,
		JWTSecretOld:    settings.JWTSecretOld,
		AllowedOrigins:  splitList(*origins),
		BuildsPerMinute: settings.BuildsPerMinute,
		BuildBurst:      5,
	}, logger)
	if err != nil {
		return err
	}
	logger.Info("starting antivibe api",
		zap.String("environment", settings.Environment),
		zap.String("provider", settings.Provider),
		zap.Int("max_tokens", settings.MaxTokens),
		zap.Bool("spend_journal", rt.journal != nil),
	)
	return srv.ListenAndServe(ctx, settings.ServerAddr, shutdownGrace)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
