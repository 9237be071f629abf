package server

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"antivibe/internal/config"
	"antivibe/internal/orchestrator"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"builds":         s.registry.Len(),
		"running_builds": len(s.registry.Running()),
	})
}

// createBuild starts a build of the posted project.
// POST /api/v1/builds
func (s *Server) createBuild(c *gin.Context) {
	pf, err := config.DecodeProjectJSON(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_PROJECT"})
		return
	}
	if pf.OutputPath != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "outputPath is chosen by the server", "code": "INVALID_PROJECT"})
		return
	}

	orch := s.orch
	defaults := s.orch.Options()
	if maxTokens, thinking := pf.Budget(defaults.MaxTokens, defaults.ThinkingBudget); maxTokens != defaults.MaxTokens || thinking != defaults.ThinkingBudget {
		if orch, err = s.orch.WithBudget(maxTokens, thinking); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_BUDGET"})
			return
		}
	}

	session, err := orch.NewSession(pf.Config)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": "SESSION_FAILED"})
		return
	}
	// Output lives below the build root, keyed by build ID, so concurrent
	// builds of one project never share a directory.
	session.Config.OutputPath = filepath.Join(s.root, filepath.Base(session.Config.Name), session.ID)
	if err := session.Config.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_PROJECT"})
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	b := newBuild(session, cancel, s.now())
	s.registry.Add(b)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := orch.Run(ctx, session)
		b.finish(res, err, s.now())
		if err != nil && !errors.Is(err, orchestrator.ErrCancelled) {
			s.logger.Warn("api build failed", zap.String("build_id", b.ID), zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"build_id": b.ID,
		"status":   StatusRunning,
		"events":   "/api/v1/builds/" + b.ID + "/events",
	})
}

// getBuild reports a build's state, and its outcome once finished.
// GET /api/v1/builds/:id
func (s *Server) getBuild(c *gin.Context) {
	b, ok := s.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "build not found", "code": "BUILD_NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, b.View())
}

// cancelBuild cancels a running build. Cancelling a finished build is a
// conflict.
// DELETE /api/v1/builds/:id
func (s *Server) cancelBuild(c *gin.Context) {
	b, ok := s.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "build not found", "code": "BUILD_NOT_FOUND"})
		return
	}
	if !b.Running() {
		c.JSON(http.StatusConflict, gin.H{"error": "build already finished", "code": "BUILD_FINISHED", "build": b.View()})
		return
	}
	b.Cancel()
	s.logger.Info("api build cancel requested", zap.String("build_id", b.ID))
	c.JSON(http.StatusAccepted, gin.H{"build_id": b.ID, "status": "cancelling"})
}

// buildEvents upgrades to a WebSocket streaming build:fsm:<event> messages.
// GET /api/v1/builds/:id/events
func (s *Server) buildEvents(c *gin.Context) {
	b, ok := s.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "build not found", "code": "BUILD_NOT_FOUND"})
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("websocket upgrade failed", zap.String("build_id", b.ID), zap.Error(err))
		return
	}
	s.streamEvents(conn, b)
}
