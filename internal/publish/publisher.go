// Package publish writes a finished tree to its output path atomically and
// optionally archives it.
//
// A publish stages every file in a sibling directory, writes the completion
// manifest last, and swaps the staging directory into place with renames.
// After a crash the output path holds the previous complete tree, nothing,
// or an untouched staging sibling; never a partial tree with a manifest.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"antivibe/internal/filetree"
	"antivibe/internal/metrics"
	"antivibe/internal/project"
)

const (
	stagingPrefix = ".antivibe-staging-"
	trashPrefix   = ".antivibe-old-"
)

// ErrPublish matches every publish failure.
var ErrPublish = errors.New("publish failed")

// Error is a failed publish.
type Error struct {
	Op   string // "stage", "manifest", "swap"
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("publish: %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("publish: %s: %v", e.Op, e.Err)
}

func (e *Error) Is(target error) bool { return target == ErrPublish }

func (e *Error) Unwrap() error { return e.Err }

// Result describes a completed publish.
type Result struct {
	OutputPath   string    `json:"output_path"`
	Revision     string    `json:"revision"`
	FilesWritten int       `json:"files_written"`
	Bytes        int64     `json:"bytes"`
	Replaced     bool      `json:"replaced"` // a previous build was swapped out
	ArchiveURL   string    `json:"archive_url,omitempty"`
	ArchiveError string    `json:"archive_error,omitempty"`
	PublishedAt  time.Time `json:"published_at"`
}

// Publisher writes trees to disk.
type Publisher struct {
	logger   *zap.Logger
	guard    *PathGuard
	archiver Archiver
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithArchiver uploads every published tree.
func WithArchiver(a Archiver) Option {
	return func(p *Publisher) { p.archiver = a }
}

// WithPathGuard replaces the default protected patterns.
func WithPathGuard(g *PathGuard) Option {
	return func(p *Publisher) { p.guard = g }
}

// WithClock fixes the completion timestamp.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// NewPublisher returns a Publisher.
func NewPublisher(logger *zap.Logger, opts ...Option) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		logger:  logger,
		guard:   NewPathGuard(),
		metrics: metrics.Get(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish writes tree to outputPath. The manifest is completed with the
// publish timestamp and written last. Cancelling ctx before the swap leaves
// outputPath untouched.
func (p *Publisher) Publish(ctx context.Context, outputPath string, tree filetree.Tree, manifest filetree.Manifest) (res *Result, err error) {
	defer func() { p.metrics.RecordPublish(err) }()

	out, err := filepath.Abs(outputPath)
	if err != nil {
		return nil, &Error{Op: "stage", Path: outputPath, Err: err}
	}
	if tree.IsZero() || tree.Len() == 0 {
		return nil, &Error{Op: "stage", Err: errors.New("empty tree")}
	}
	if perr := p.guard.CheckPaths(tree.Paths()); perr != nil {
		return nil, &Error{Op: "stage", Path: perr.Path, Err: perr}
	}
	replaced, err := replaceable(out, manifest.Project)
	if err != nil {
		return nil, &Error{Op: "stage", Path: out, Err: err}
	}

	parent := filepath.Dir(out)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, &Error{Op: "stage", Path: parent, Err: err}
	}
	staging, err := os.MkdirTemp(parent, stagingPrefix+filepath.Base(out)+"-")
	if err != nil {
		return nil, &Error{Op: "stage", Path: parent, Err: err}
	}
	swapped := false
	defer func() {
		if !swapped {
			if rmErr := os.RemoveAll(staging); rmErr != nil {
				p.logger.Warn("failed to remove staging directory", zap.String("staging", staging), zap.Error(rmErr))
			}
		}
	}()

	root, err := NewSafeRoot(staging)
	if err != nil {
		return nil, &Error{Op: "stage", Path: staging, Err: err}
	}

	var written int
	var size int64
	for _, path := range tree.WriteOrder() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, _ := tree.Get(path)
		if err := root.WriteFile(path, []byte(f.Content), 0o644); err != nil {
			return nil, &Error{Op: "stage", Path: path, Err: err}
		}
		written++
		size += int64(len(f.Content))
	}

	manifest.CompletedAt = p.now().UTC()
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, &Error{Op: "manifest", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := root.WriteFile(project.ManifestName, append(data, '\n'), 0o644); err != nil {
		return nil, &Error{Op: "manifest", Path: project.ManifestName, Err: err}
	}
	if err := syncDir(staging); err != nil {
		return nil, &Error{Op: "stage", Path: staging, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := p.swap(staging, out, replaced); err != nil {
		return nil, err
	}
	swapped = true

	res = &Result{
		OutputPath:   out,
		Revision:     manifest.Revision,
		FilesWritten: written,
		Bytes:        size,
		Replaced:     replaced,
		PublishedAt:  manifest.CompletedAt,
	}
	p.logger.Info("published build",
		zap.String("output", out),
		zap.String("revision", manifest.Revision),
		zap.Int("files", written),
		zap.Int64("bytes", size),
		zap.Bool("replaced", replaced),
	)

	if p.archiver != nil {
		url, aerr := p.archiver.Archive(ctx, out, manifest)
		p.metrics.RecordArchive(aerr)
		if aerr != nil {
			res.ArchiveError = aerr.Error()
			p.logger.Warn("archive failed", zap.String("output", out), zap.Error(aerr))
		} else {
			res.ArchiveURL = url
			p.logger.Info("archived build", zap.String("url", url))
		}
	}
	return res, nil
}

// replaceable reports whether out already holds a tree to swap out.
func replaceable(out, projectName string) (bool, error) {
	info, err := os.Stat(out)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !info.IsDir() {
		return false, fmt.Errorf("%s exists and is not a directory", out)
	}
	if err := project.CheckExistingOutput(out, projectName); err != nil {
		return false, err
	}
	return true, nil
}

// swap moves the previous output aside, renames staging into place, and
// removes the old tree. A failed second rename restores the previous tree.
func (p *Publisher) swap(staging, out string, replaced bool) error {
	parent := filepath.Dir(out)
	var trash string
	if replaced {
		trash = filepath.Join(parent, trashPrefix+filepath.Base(out)+"-"+uuid.NewString())
		if err := os.Rename(out, trash); err != nil {
			return &Error{Op: "swap", Path: out, Err: err}
		}
	}
	if err := os.Rename(staging, out); err != nil {
		if trash != "" {
			if rbErr := os.Rename(trash, out); rbErr != nil {
				p.logger.Error("failed to restore previous build", zap.String("output", out), zap.String("moved_to", trash), zap.Error(rbErr))
			}
		}
		return &Error{Op: "swap", Path: out, Err: err}
	}
	if err := syncDir(parent); err != nil {
		p.logger.Warn("failed to sync output parent", zap.String("dir", parent), zap.Error(err))
	}
	if trash != "" {
		if err := os.RemoveAll(trash); err != nil {
			p.logger.Warn("failed to remove previous build", zap.String("path", trash), zap.Error(err))
		}
	}
	return nil
}
