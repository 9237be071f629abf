package server

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"antivibe/internal/orchestrator"
	"antivibe/internal/validation"
)

// Build statuses reported by the API.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Build is one API-started build and its outcome.
type Build struct {
	ID        string
	Project   string
	Session   *orchestrator.Session
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	result     *orchestrator.BuildResult
	err        error
	finishedAt time.Time
}

func newBuild(s *orchestrator.Session, cancel context.CancelFunc, now time.Time) *Build {
	return &Build{
		ID:        s.ID,
		Project:   s.Config.Name,
		Session:   s,
		StartedAt: now,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Cancel stops the build if it is still running.
func (b *Build) Cancel() { b.cancel() }

// Done is closed once the build has finished.
func (b *Build) Done() <-chan struct{} { return b.done }

// Running reports whether the build has not finished yet.
func (b *Build) Running() bool {
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}

func (b *Build) finish(res *orchestrator.BuildResult, err error, now time.Time) {
	b.mu.Lock()
	b.result, b.err, b.finishedAt = res, err, now
	b.mu.Unlock()
	b.cancel()
	close(b.done)
}

// FailureView is the API form of a *orchestrator.BuildFailure.
type FailureView struct {
	Reason     orchestrator.Reason    `json:"reason"`
	Stage      string                 `json:"stage,omitempty"`
	State      orchestrator.State     `json:"state"`
	Error      string                 `json:"error"`
	Artifacts  int                    `json:"artifacts"`
	Violations []validation.Violation `json:"violations,omitempty"`
}

// BuildView is the API form of a build.
type BuildView struct {
	BuildID    string                `json:"build_id"`
	Project    string                `json:"project"`
	Status     string                `json:"status"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
	FSM        orchestrator.Snapshot `json:"fsm"`
	OutputPath string                `json:"output_path,omitempty"`
	Summary    *orchestrator.Summary `json:"summary,omitempty"`
	Failure    *FailureView          `json:"failure,omitempty"`
}

// View returns the build's current API form.
func (b *Build) View() BuildView {
	v := BuildView{
		BuildID:   b.ID,
		Project:   b.Project,
		Status:    StatusRunning,
		StartedAt: b.StartedAt,
		FSM:       b.Session.Machine.Snapshot(),
	}
	if b.Running() {
		return v
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	finished := b.finishedAt
	v.FinishedAt = &finished
	if b.err == nil && b.result != nil {
		v.Status = StatusDone
		v.OutputPath = b.result.OutputPath
		summary := b.result.Summary
		v.Summary = &summary
		return v
	}

	v.Status = StatusFailed
	fv := &FailureView{Reason: orchestrator.ReasonInternal}
	if b.err != nil {
		fv.Error = b.err.Error()
	}
	var failure *orchestrator.BuildFailure
	if errors.As(b.err, &failure) {
		fv.Reason = failure.Reason
		fv.Stage = string(failure.Stage)
		fv.State = failure.State
		fv.Artifacts = failure.ArtifactCount
		if failure.Report != nil {
			fv.Violations = failure.Report.Violations
		}
	}
	v.Failure = fv
	return v
}

// Registry holds the most recent builds. It is bounded; evicting a build
// that is still running cancels it.
type Registry struct {
	cache  *lru.Cache[string, *Build]
	logger *zap.Logger
}

// NewRegistry returns a registry holding at most size builds.
func NewRegistry(size int, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{logger: logger}
	cache, err := lru.NewWithEvict[string, *Build](size, r.onEvict)
	if err != nil {
		return nil, err
	}
	r.cache = cache
	return r, nil
}

func (r *Registry) onEvict(id string, b *Build) {
	if b.Running() {
		r.logger.Warn("evicting running build; cancelling it", zap.String("build_id", id), zap.String("project", b.Project))
		b.Cancel()
	}
}

// Add registers b, evicting the least recently used build when full.
func (r *Registry) Add(b *Build) {
	r.cache.Add(b.ID, b)
}

// Get returns the build with id.
func (r *Registry) Get(id string) (*Build, bool) {
	return r.cache.Get(id)
}

// Len returns the number of registered builds.
func (r *Registry) Len() int {
	return r.cache.Len()
}

// Running returns the builds that have not finished.
func (r *Registry) Running() []*Build {
	var out []*Build
	for _, b := range r.cache.Values() {
		if b.Running() {
			out = append(out, b)
		}
	}
	return out
}

// CancelAll cancels every running build.
func (r *Registry) CancelAll() {
	for _, b := range r.Running() {
		b.Cancel()
	}
}
