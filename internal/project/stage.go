package project

import "strings"

// Stage is one ordered step of the generation pipeline.
type Stage string

const (
	StagePlan      Stage = "PLAN"
	StageSchema    Stage = "SCHEMA"
	StageEndpoints Stage = "ENDPOINTS"
	StageTests     Stage = "TESTS"
	StageDocs      Stage = "DOCS"
	StageRepair    Stage = "REPAIR"
)

// ArtifactKind is the shape of a stage's output.
type ArtifactKind string

const (
	KindDocument ArtifactKind = "document"
	KindFiles    ArtifactKind = "files"
)

// Pipeline returns the generation stages in execution order. REPAIR is not
// part of the pipeline; it only runs from the validation loop.
func Pipeline() []Stage {
	return []Stage{StagePlan, StageSchema, StageEndpoints, StageTests, StageDocs}
}

// Kind reports the artifact kind a stage produces.
func (s Stage) Kind() ArtifactKind {
	if s == StagePlan {
		return KindDocument
	}
	return KindFiles
}

// Index is the stage's position in the pipeline; REPAIR sorts last.
func (s Stage) Index() int {
	for i, st := range Pipeline() {
		if st == s {
			return i
		}
	}
	return len(Pipeline())
}

// Valid reports whether s names a known stage.
func (s Stage) Valid() bool {
	return s == StageRepair || s.Index() < len(Pipeline())
}

// Lower is the stage name as used in labels and file names.
func (s Stage) Lower() string {
	return strings.ToLower(string(s))
}

var stageRoles = map[Stage][]string{
	StageSchema:    {"database", "orm", "backend"},
	StageEndpoints: {"backend", "framework", "database", "orm", "auth", "language", "runtime"},
	StageTests:     {"testing", "backend", "framework", "language", "runtime"},
}

// RelevantRoles filters the config's tech stack down to the roles a stage
// needs. PLAN, DOCS and REPAIR see everything; ENDPOINTS also receives any
// role no other stage claims.
func (s Stage) RelevantRoles(c Config) []string {
	all := c.StackRoles()
	wanted, ok := stageRoles[s]
	if !ok {
		return all
	}
	claimed := make(map[string]bool)
	for _, roles := range stageRoles {
		for _, r := range roles {
			claimed[r] = true
		}
	}
	set := make(map[string]bool, len(wanted))
	for _, r := range wanted {
		set[r] = true
	}
	out := make([]string, 0, len(all))
	for _, role := range all {
		key := strings.ToLower(strings.TrimSpace(role))
		if set[key] || (s == StageEndpoints && !claimed[key]) {
			out = append(out, role)
		}
	}
	return out
}
