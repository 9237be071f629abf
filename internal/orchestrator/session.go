package orchestrator

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"antivibe/internal/artifact"
	"antivibe/internal/budget"
	"antivibe/internal/filetree"
	"antivibe/internal/project"
	"antivibe/internal/validation"
)

// Session is one BuildProject call. It exclusively owns its ledger, machine
// and tree; nothing in it is shared with another session.
type Session struct {
	ID      string
	Config  project.Config
	Ledger  *budget.Ledger
	Machine *Machine

	logger  *zap.Logger
	verbose bool
	started time.Time
	ran     atomic.Bool
	calls   atomic.Int64

	mu         sync.Mutex
	tree       filetree.Tree
	artifacts  []*artifact.Artifact // one per pipeline stage, in order
	repairs    []*artifact.Artifact
	overwrites []filetree.Overwrite
	warnings   []string
	report     *validation.Report
}

// allowance caps a call below the session's remaining budget. Fan-out
// sub-generations each get an equal share so concurrent reservations fit.
type allowance struct {
	set      bool
	tokens   int
	thinking int
}

// Tree returns the current tree.
func (s *Session) Tree() filetree.Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree
}

// Artifacts returns the pipeline artifacts followed by the repair
// artifacts.
func (s *Session) Artifacts() []*artifact.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*artifact.Artifact, 0, len(s.artifacts)+len(s.repairs))
	out = append(out, s.artifacts...)
	return append(out, s.repairs...)
}

// Report returns the latest validation report, if any.
func (s *Session) Report() *validation.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

func (s *Session) prior() []*artifact.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*artifact.Artifact(nil), s.artifacts...)
}

func (s *Session) setReport(r *validation.Report) {
	s.mu.Lock()
	s.report = r
	s.mu.Unlock()
}

// addStage records a pipeline artifact and merges its parts in order.
func (s *Session) addStage(stageArt *artifact.Artifact, parts []*artifact.Artifact) {
	s.mu.Lock()
	s.artifacts = append(s.artifacts, stageArt)
	s.mu.Unlock()
	for _, part := range parts {
		s.merge(part)
	}
}

func (s *Session) addRepair(art *artifact.Artifact) {
	s.mu.Lock()
	s.repairs = append(s.repairs, art)
	s.mu.Unlock()
	s.merge(art)
}

func (s *Session) merge(art *artifact.Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, report := filetree.Merge(s.tree, art)
	s.tree = next
	s.warnings = append(s.warnings, art.Warnings...)
	for _, o := range report.Overwrites {
		s.overwrites = append(s.overwrites, o)
		s.warnings = append(s.warnings, o.String())
		s.logger.Warn("file overwritten",
			zap.String("path", o.Path),
			zap.String("previous_stage", string(o.PreviousStage)),
			zap.String("stage", string(o.Stage)),
			zap.String("delta", o.Delta),
		)
	}
	if len(report.Added) > 0 {
		s.narrate("files added", zap.String("stage", string(art.Stage)), zap.Strings("paths", report.Added))
	}
}

// narrate logs build progress at Info when verbose and at Debug otherwise.
func (s *Session) narrate(msg string, fields ...zap.Field) {
	if s.verbose {
		s.logger.Info(msg, fields...)
		return
	}
	s.logger.Debug(msg, fields...)
}

// reserve holds budget for one call: the prompt estimate plus an output cap
// of whatever remains after it, lowered to stageCap and the allowance. A
// call that cannot get even one output token is rejected by the ledger.
func (s *Session) reserve(stage project.Stage, estimate int, share allowance, stageCap int) (*budget.Reservation, int, error) {
	tokens, thinking := s.Ledger.Remaining()
	if share.set {
		tokens = min(tokens, share.tokens)
		thinking = min(thinking, share.thinking)
	}
	out := tokens - estimate
	if stageCap > 0 && out > stageCap {
		out = stageCap
	}
	if out < 1 {
		out = 1
	}
	res, err := s.Ledger.Reserve(string(stage), estimate+out, thinking)
	if err != nil {
		return nil, 0, err
	}
	return res, out, nil
}

func (s *Session) summary(d time.Duration) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		Budget:     s.Ledger.Summary(),
		Calls:      int(s.calls.Load()),
		Repairs:    s.Machine.RepairCount(),
		Warnings:   append([]string(nil), s.warnings...),
		Overwrites: append([]filetree.Overwrite(nil), s.overwrites...),
		Duration:   d,
	}
}

// combine joins fan-out parts into the single artifact later prompts see.
func combine(stage project.Stage, parts []*artifact.Artifact) *artifact.Artifact {
	if len(parts) == 1 {
		return parts[0]
	}
	out := &artifact.Artifact{Stage: stage, Kind: stage.Kind()}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		texts = append(texts, p.Text)
		out.Files = append(out.Files, p.Files...)
		out.Warnings = append(out.Warnings, p.Warnings...)
	}
	out.Text = strings.Join(texts, "\n\n")
	return out
}
