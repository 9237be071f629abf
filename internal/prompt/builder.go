// Package prompt renders stage prompts from a project config and the
// artifacts produced so far. Rendering is a pure function of its input.
package prompt

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"antivibe/internal/artifact"
	"antivibe/internal/filetree"
	"antivibe/internal/project"
	"antivibe/internal/validation"
)

//go:embed templates/*.yaml
var embedded embed.FS

// maxQuotedResponse bounds how much of a rejected response a clarification
// quotes back.
const maxQuotedResponse = 1500

// RepairContext is what a repair prompt needs to know.
type RepairContext struct {
	Cycle     int
	MaxCycles int
	Report    *validation.Report
	Tree      filetree.Tree
}

// Clarification restates the output format after a ParseError.
type Clarification struct {
	Reason   string
	Response string // the rejected response
}

// Request selects what to render.
type Request struct {
	Project project.Config
	Stage   project.Stage
	Prior   []*artifact.Artifact // earlier stage artifacts, in stage order
	Focus   string               // one feature for fan-out sub-generations
	Repair  *RepairContext
	Clarify *Clarification
}

// Builder holds parsed templates. Safe for concurrent use.
type Builder struct {
	system    Template
	templates map[project.Stage]Template
}

// New returns a builder over the embedded templates.
func New() (*Builder, error) {
	sub, err := fs.Sub(embedded, "templates")
	if err != nil {
		return nil, err
	}
	return NewFromFS(sub)
}

// NewFromFS loads system.yaml and one <stage>.yaml per stage from fsys.
func NewFromFS(fsys fs.FS) (*Builder, error) {
	load := func(name string) (Template, error) {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("prompt: %w", err)
		}
		t, err := ParseTemplate(data)
		if err != nil {
			return nil, fmt.Errorf("prompt: %s: %w", name, err)
		}
		return t, nil
	}

	system, err := load("system.yaml")
	if err != nil {
		return nil, err
	}
	b := &Builder{system: system, templates: make(map[project.Stage]Template)}
	for _, stage := range append(project.Pipeline(), project.StageRepair) {
		t, err := load(stage.Lower() + ".yaml")
		if err != nil {
			return nil, err
		}
		b.templates[stage] = t
	}
	return b, nil
}

// System renders the system prompt shared by every stage.
func (b *Builder) System(cfg project.Config) string {
	return b.system.Render(map[string]string{"project_name": cfg.Name})
}

// Build renders the user prompt for one call.
func (b *Builder) Build(req Request) (string, error) {
	t, ok := b.templates[req.Stage]
	if !ok {
		return "", fmt.Errorf("prompt: unknown stage %q", req.Stage)
	}
	if req.Stage == project.StageRepair && (req.Repair == nil || req.Repair.Report == nil) {
		return "", errors.New("prompt: repair prompt needs a validation report")
	}
	if req.Focus != "" && !containsFeature(req.Project.Features, req.Focus) {
		return "", fmt.Errorf("prompt: focus %q is not a configured feature", req.Focus)
	}

	data := map[string]string{
		"project_name": req.Project.Name,
		"description":  strings.TrimSpace(req.Project.Description),
		"stage":        string(req.Stage),
		"features":     numbered(req.Project.Features),
		"stack":        stackYAML(req.Project, req.Stage),
		"prior":        priorArtifacts(req.Prior),
		"focus":        focus(req.Project.Features, req.Focus),
		"clarify":      clarify(req.Stage, req.Clarify),
	}
	if req.Repair != nil && req.Stage == project.StageRepair {
		addRepair(data, req.Repair)
	}
	return t.Render(data), nil
}

func containsFeature(features []string, f string) bool {
	for _, x := range features {
		if x == f {
			return true
		}
	}
	return false
}

func numbered(items []string) string {
	var buf strings.Builder
	for i, item := range items {
		fmt.Fprintf(&buf, "%d. %s\n", i+1, strings.TrimSpace(item))
	}
	return buf.String()
}

// stackYAML renders the stage's relevant roles as a sorted YAML mapping.
func stackYAML(cfg project.Config, stage project.Stage) string {
	roles := stage.RelevantRoles(cfg)
	if len(roles) == 0 {
		return ""
	}
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, role := range roles {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: role},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: cfg.TechStack[role]},
		)
	}
	out, err := yaml.Marshal(node)
	if err != nil {
		var buf strings.Builder
		for _, role := range roles {
			fmt.Fprintf(&buf, "%s: %s\n", role, cfg.TechStack[role])
		}
		return buf.String()
	}
	return string(out)
}

func priorArtifacts(prior []*artifact.Artifact) string {
	var buf strings.Builder
	for _, art := range prior {
		if art == nil {
			continue
		}
		fmt.Fprintf(&buf, "## %s OUTPUT\n\n", art.Stage)
		buf.WriteString(art.Text)
		buf.WriteString("\n\n## END OF ")
		buf.WriteString(string(art.Stage))
		buf.WriteString(" OUTPUT\n\n")
	}
	return buf.String()
}

func focus(features []string, f string) string {
	if f == "" {
		return ""
	}
	for i, x := range features {
		if x == f {
			return fmt.Sprintf("Feature %d: %s", i+1, strings.TrimSpace(f))
		}
	}
	return ""
}

func clarify(stage project.Stage, c *Clarification) string {
	if c == nil {
		return ""
	}
	var buf strings.Builder
	fmt.Fprintf(&buf, "Reason: %s\n\n", c.Reason)
	if stage.Kind() == project.KindDocument {
		buf.WriteString("Respond with a non-empty markdown document and nothing else.\n")
	} else {
		buf.WriteString("Required format, repeated for every file:\n\n")
		buf.WriteString("// File: src/example.ts\n```typescript\n<complete file content>\n```\n")
	}
	if resp := strings.TrimSpace(c.Response); resp != "" {
		if len(resp) > maxQuotedResponse {
			resp = resp[:maxQuotedResponse] + "\n[truncated]"
		}
		buf.WriteString("\nThe rejected response began:\n\n")
		for _, line := range strings.Split(resp, "\n") {
			buf.WriteString("> ")
			buf.WriteString(line)
			buf.WriteString("\n")
		}
	}
	return buf.String()
}

func addRepair(data map[string]string, rc *RepairContext) {
	data["repair_cycle"] = strconv.Itoa(rc.Cycle)
	data["repair_max"] = strconv.Itoa(rc.MaxCycles)

	var violations strings.Builder
	for i, v := range rc.Report.Violations {
		fmt.Fprintf(&violations, "%d. %s\n", i+1, v.String())
	}
	data["violations"] = violations.String()

	var hints strings.Builder
	for _, h := range rc.Report.CorrectionHints() {
		fmt.Fprintf(&hints, "- %s\n", h)
	}
	data["hints"] = hints.String()

	var files strings.Builder
	seen := map[string]bool{}
	for _, v := range rc.Report.Violations {
		if v.Path == "" || seen[v.Path] {
			continue
		}
		seen[v.Path] = true
		f, ok := rc.Tree.Get(v.Path)
		if !ok {
			continue
		}
		fence := fenceFor(f.Content)
		fmt.Fprintf(&files, "// File: %s\n%s%s\n%s\n%s\n\n", f.Path, fence, f.Language, strings.TrimRight(f.Content, "\n"), fence)
	}
	data["files"] = files.String()

	var tree strings.Builder
	for _, p := range rc.Tree.Paths() {
		fmt.Fprintf(&tree, "- %s\n", p)
	}
	data["tree"] = tree.String()
}

// fenceFor picks a backtick fence longer than any run inside content.
func fenceFor(content string) string {
	longest, run := 0, 0
	for _, r := range content {
		if r == '`' {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 0
		}
	}
	if longest < 3 {
		return "```"
	}
	return strings.Repeat("`", longest+1)
}
