// Package artifact turns raw model responses into typed stage artifacts.
package artifact

import (
	"errors"
	"fmt"

	"antivibe/internal/project"
)

// ErrParse matches every *ParseError.
var ErrParse = errors.New("model output could not be parsed")

// File is one generated file inside an artifact.
type File struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}

// Artifact is the structured output of one stage.
type Artifact struct {
	Stage    project.Stage        `json:"stage"`
	Kind     project.ArtifactKind `json:"kind"`
	Text     string               `json:"text"` // the response, verbatim
	Files    []File               `json:"files,omitempty"`
	Warnings []string             `json:"warnings,omitempty"`
}

// Paths lists the artifact's file paths in response order.
func (a *Artifact) Paths() []string {
	out := make([]string, 0, len(a.Files))
	for _, f := range a.Files {
		out = append(out, f.Path)
	}
	return out
}

// ParseError means the response could not be interpreted at all. It is
// distinct from a validation failure and carries the offending text.
type ParseError struct {
	Stage  project.Stage
	Reason string
	Raw    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.Stage, e.Reason)
}

// Is makes errors.Is(err, ErrParse) hold.
func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}
