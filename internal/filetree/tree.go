// Package filetree assembles stage artifacts into one virtual project tree.
//
// Trees are values: Merge never mutates its input, so a session can keep the
// tree from before a repair for diagnostics.
package filetree

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"antivibe/internal/artifact"
	"antivibe/internal/project"
)

// maxPatchBytes bounds the textual patch kept on an Overwrite.
const maxPatchBytes = 4096

// File is one file of the assembled tree.
type File struct {
	Path     string        `json:"path"`
	Content  string        `json:"content"`
	Language string        `json:"language,omitempty"`
	Stage    project.Stage `json:"stage"`
}

// Tree maps clean relative forward-slash paths to files.
type Tree struct {
	files map[string]File
}

// New returns an empty tree.
func New() Tree {
	return Tree{files: map[string]File{}}
}

// FromFiles builds a tree directly. Paths are sanitized; unsafe ones are
// reported as an error.
func FromFiles(files ...File) (Tree, error) {
	t := New()
	for _, f := range files {
		clean := artifact.SanitizePath(f.Path)
		if clean == "" {
			return Tree{}, fmt.Errorf("filetree: unsafe path %q", f.Path)
		}
		f.Path = clean
		if f.Language == "" {
			f.Language = artifact.DetectLanguage(clean)
		}
		t.files[clean] = f
	}
	return t, nil
}

// IsZero reports whether t was never initialized with New or FromFiles.
func (t Tree) IsZero() bool { return t.files == nil }

// Len is the number of files.
func (t Tree) Len() int { return len(t.files) }

// Get returns the file at path.
func (t Tree) Get(path string) (File, bool) {
	f, ok := t.files[path]
	return f, ok
}

// Has reports whether path is present.
func (t Tree) Has(path string) bool {
	_, ok := t.files[path]
	return ok
}

// HasDir reports whether some file lives below dir. The root "." always
// exists.
func (t Tree) HasDir(dir string) bool {
	if dir == "." || dir == "" {
		return true
	}
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for p := range t.files {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// Paths returns every path in lexical order.
func (t Tree) Paths() []string {
	out := make([]string, 0, len(t.files))
	for p := range t.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Files returns the files in lexical path order.
func (t Tree) Files() []File {
	out := make([]File, 0, len(t.files))
	for _, p := range t.Paths() {
		out = append(out, t.files[p])
	}
	return out
}

func (t Tree) clone() Tree {
	out := Tree{files: make(map[string]File, len(t.files)+8)}
	for p, f := range t.files {
		out.files[p] = f
	}
	return out
}

// Overwrite records a path written by more than one artifact.
type Overwrite struct {
	Path          string        `json:"path"`
	PreviousStage project.Stage `json:"previous_stage"`
	Stage         project.Stage `json:"stage"`
	Identical     bool          `json:"identical"`
	Delta         string        `json:"delta"`
	Patch         string        `json:"patch,omitempty"`
}

// String renders the overwrite as a warning line.
func (o Overwrite) String() string {
	if o.Identical {
		return fmt.Sprintf("%s rewritten unchanged by %s (was %s)", o.Path, o.Stage, o.PreviousStage)
	}
	return fmt.Sprintf("%s from %s overwritten by %s (%s)", o.Path, o.PreviousStage, o.Stage, o.Delta)
}

// MergeReport describes what a merge changed.
type MergeReport struct {
	Added      []string    `json:"added"`
	Overwrites []Overwrite `json:"overwrites,omitempty"`
}

// Warnings lists every overwrite as text.
func (r MergeReport) Warnings() []string {
	out := make([]string, 0, len(r.Overwrites))
	for _, o := range r.Overwrites {
		out = append(out, o.String())
	}
	return out
}

// Merge lays art's files over existing. A path present in both is taken from
// art and recorded as an Overwrite, so the newer stage always wins with a
// trace. Document artifacts contribute no files.
func Merge(existing Tree, art *artifact.Artifact) (Tree, MergeReport) {
	next := existing.clone()
	var report MergeReport
	if art == nil {
		return next, report
	}

	files := append([]artifact.File(nil), art.Files...)
	sort.SliceStable(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	for _, af := range files {
		path := artifact.SanitizePath(af.Path)
		if path == "" {
			continue
		}
		lang := af.Language
		if lang == "" {
			lang = artifact.DetectLanguage(path)
		}
		nf := File{Path: path, Content: af.Content, Language: lang, Stage: art.Stage}

		if prev, ok := existing.files[path]; ok {
			report.Overwrites = append(report.Overwrites, describeOverwrite(prev, nf))
		} else if _, seen := next.files[path]; !seen {
			report.Added = append(report.Added, path)
		}
		next.files[path] = nf
	}
	return next, report
}

func describeOverwrite(prev, next File) Overwrite {
	o := Overwrite{Path: next.Path, PreviousStage: prev.Stage, Stage: next.Stage}
	if prev.Content == next.Content {
		o.Identical = true
		o.Delta = "identical"
		return o
	}

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(prev.Content, next.Content)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	added, removed := 0, 0
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if n == 0 && d.Text != "" {
			n = 1
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}
	o.Delta = fmt.Sprintf("+%d -%d lines", added, removed)

	patch := dmp.PatchToText(dmp.PatchMake(prev.Content, next.Content))
	if len(patch) > maxPatchBytes {
		patch = patch[:maxPatchBytes]
	}
	o.Patch = patch
	return o
}
