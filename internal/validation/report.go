package validation

import (
	"fmt"
	"strings"
	"time"
)

// Severity of a finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Violation is one failed structural check.
type Violation struct {
	Check    string   `json:"check"`
	Path     string   `json:"path,omitempty"`   // file the problem was found in
	Target   string   `json:"target,omitempty"` // missing file, feature text, or offending value
	Line     int      `json:"line,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	loc := v.Path
	if loc != "" && v.Line > 0 {
		loc = fmt.Sprintf("%s:%d", v.Path, v.Line)
	}
	if loc == "" {
		return fmt.Sprintf("[%s] %s", v.Check, v.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", v.Check, loc, v.Message)
}

// CheckResult is the pass/fail outcome of one check.
type CheckResult struct {
	Name     string   `json:"name"`
	Passed   bool     `json:"passed"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Findings int      `json:"findings"`
}

// Report is the outcome of one gate run. Failed checks are data, not errors.
type Report struct {
	Violations []Violation   `json:"violations"`
	Warnings   []Violation   `json:"warnings,omitempty"`
	Checks     []CheckResult `json:"checks"`
	Score      float64       `json:"score"` // passed checks / run checks
	Duration   time.Duration `json:"duration"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Passed reports whether no error-severity violation was found.
func (r *Report) Passed() bool {
	return r != nil && len(r.Violations) == 0
}

// Summary is a one-line description suitable for logs and failures.
func (r *Report) Summary() string {
	if r == nil {
		return "no report"
	}
	failed := make([]string, 0)
	for _, c := range r.Checks {
		if !c.Passed {
			failed = append(failed, c.Name)
		}
	}
	if len(failed) == 0 {
		return fmt.Sprintf("%d checks passed, %d warning(s)", len(r.Checks), len(r.Warnings))
	}
	return fmt.Sprintf("%d violation(s) in %s", len(r.Violations), strings.Join(failed, ", "))
}

const maxSpecificHints = 10

// CorrectionHints turns violations into targeted repair instructions: one
// general hint per failed check, then one line per violation.
func (r *Report) CorrectionHints() []string {
	if r == nil {
		return nil
	}
	var hints []string
	for _, check := range r.Checks {
		if check.Passed {
			continue
		}
		switch check.Name {
		case CheckFilesExist:
			hints = append(hints, "No files were produced. Emit every file with a \"// File: <path>\" marker followed by a fenced code block.")
		case CheckPathContainment:
			hints = append(hints, "Some paths are unsafe or collide. Use short relative paths under the project root, unique regardless of letter case.")
		case CheckImportExistence:
			hints = append(hints, "Some relative imports point at files that do not exist. Create each missing file or change the import to a file that exists.")
		case CheckFeatureCoverage:
			hints = append(hints, "Some features have no implementation. Add code that implements each listed feature, naming it after the feature.")
		case CheckNoEmptyFiles:
			hints = append(hints, "Some files are empty. Ensure every file has complete, functional content.")
		case CheckSyntaxSanity:
			hints = append(hints, "There are bracket/parenthesis mismatches. Check all opening and closing delimiters.")
		case CheckPlaceholderScan:
			hints = append(hints, "Remove placeholder text, TODO comments and stub implementations. Every function must have real, working code.")
		}
	}

	for i, v := range r.Violations {
		if i == maxSpecificHints {
			hints = append(hints, fmt.Sprintf("...and %d more violation(s)", len(r.Violations)-maxSpecificHints))
			break
		}
		hints = append(hints, specificHint(v))
	}
	return hints
}

func specificHint(v Violation) string {
	switch v.Check {
	case CheckImportExistence:
		return fmt.Sprintf("Create %s (imported by %s) or point the import at an existing file.", v.Target, v.Path)
	case CheckFeatureCoverage:
		return fmt.Sprintf("Implement the feature %q.", v.Target)
	case CheckNoEmptyFiles:
		return fmt.Sprintf("Write the full content of %s.", v.Path)
	case CheckSyntaxSanity:
		return fmt.Sprintf("Fix the delimiters in %s: %s.", v.Path, v.Message)
	case CheckPlaceholderScan:
		return fmt.Sprintf("Replace placeholder at %s line %d: %q.", v.Path, v.Line, v.Target)
	case CheckPathContainment:
		return fmt.Sprintf("Rename %s: %s.", v.Path, v.Message)
	}
	return v.String()
}
