// Package server exposes builds over HTTP: start, inspect and cancel builds,
// and follow their state machine over a WebSocket.
package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"antivibe/internal/config"
	"antivibe/internal/metrics"
	"antivibe/internal/orchestrator"
)

// Config configures the HTTP service.
type Config struct {
	// BuildRoot is the directory builds are published below, one
	// <project>/<build id> directory per build.
	BuildRoot string

	// MaxBuilds bounds the registry.
	MaxBuilds int

	// JWTSecret enables bearer auth on /api/v1. Empty disables it.
	JWTSecret    string
	JWTSecretOld string

	// AllowedOrigins for the event stream. Empty allows any origin.
	AllowedOrigins []string

	// BuildsPerMinute limits build submissions per client IP. Zero
	// disables the limit.
	BuildsPerMinute int
	BuildBurst      int
}

// Server is the HTTP front of an Orchestrator.
type Server struct {
	orch     *orchestrator.Orchestrator
	registry *Registry
	tokens   *config.TokenValidator
	upgrader websocket.Upgrader
	limiter  *ipRateLimiter
	root     string
	logger   *zap.Logger
	now      func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New returns a server running builds on orch.
func New(orch *orchestrator.Orchestrator, cfg Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BuildRoot == "" {
		return nil, fmt.Errorf("server: build root is required")
	}
	root, err := filepath.Abs(cfg.BuildRoot)
	if err != nil {
		return nil, fmt.Errorf("server: resolve build root: %w", err)
	}
	if cfg.MaxBuilds <= 0 {
		cfg.MaxBuilds = config.DefaultMaxBuilds
	}
	registry, err := NewRegistry(cfg.MaxBuilds, logger)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	s := &Server{
		orch:     orch,
		registry: registry,
		upgrader: newUpgrader(cfg.AllowedOrigins),
		root:     root,
		logger:   logger,
		now:      time.Now,
		baseCtx:  ctx,
		stop:     stop,
	}
	if cfg.BuildsPerMinute > 0 {
		s.limiter = newIPRateLimiter(cfg.BuildsPerMinute, cfg.BuildBurst)
	}
	if cfg.JWTSecret != "" {
		s.tokens = config.NewTokenValidator(cfg.JWTSecret, cfg.JWTSecretOld, logger)
	}
	return s, nil
}

// Registry returns the build registry.
func (s *Server) Registry() *Registry { return s.registry }

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(metrics.PrometheusMiddleware())
	r.Use(s.requestLogger())

	r.GET("/health", s.health)
	r.GET("/metrics", metrics.PrometheusHandler())

	api := r.Group("/api/v1")
	api.Use(securityHeaders())
	if s.tokens != nil {
		api.Use(RequireBearer(s.tokens))
	}
	if s.limiter != nil {
		api.POST("/builds", s.limitBuilds(s.limiter), s.createBuild)
	} else {
		api.POST("/builds", s.createBuild)
	}
	api.GET("/builds/:id", s.getBuild)
	api.DELETE("/builds/:id", s.cancelBuild)
	api.GET("/builds/:id/events", s.buildEvents)
	return r
}

// Shutdown cancels every running build and waits for them to finish or for
// ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	s.registry.CancelAll()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("server: builds still running at shutdown: %w", ctx.Err())
	}
}

// Wait blocks until every started build has finished.
func (s *Server) Wait() { s.wg.Wait() }

// ListenAndServe serves addr until ctx is cancelled, then shuts down the
// listener and the running builds within grace.
func (s *Server) ListenAndServe(ctx context.Context, addr string, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", addr), zap.Bool("auth", s.tokens != nil), zap.String("build_root", s.root))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	return s.Shutdown(shutdownCtx)
}
