// Package validation runs structural checks over an assembled project tree.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"antivibe/internal/filetree"
	"antivibe/internal/project"
)

// Check names.
const (
	CheckFilesExist      = "files_exist"
	CheckPathContainment = "path_containment"
	CheckImportExistence = "import_existence"
	CheckFeatureCoverage = "feature_coverage"
	CheckNoEmptyFiles    = "no_empty_files"
	CheckSyntaxSanity    = "syntax_sanity"
	CheckPlaceholderScan = "placeholder_scan"
)

// DefaultChecks is the battery run when Config.Checks is empty, in run order.
var DefaultChecks = []string{
	CheckFilesExist,
	CheckPathContainment,
	CheckImportExistence,
	CheckFeatureCoverage,
	CheckNoEmptyFiles,
	CheckSyntaxSanity,
	CheckPlaceholderScan,
}

// ErrMalformedTree is returned for trees the gate cannot inspect at all.
var ErrMalformedTree = errors.New("validation: malformed tree")

// Config tunes the gate.
type Config struct {
	// Checks to run. Defaults to DefaultChecks if empty.
	Checks []string `json:"checks,omitempty" yaml:"checks"`

	// PlaceholderPatterns to scan for. Defaults provided if empty.
	PlaceholderPatterns []string `json:"placeholder_patterns,omitempty" yaml:"placeholderPatterns"`

	// StrictPlaceholders turns placeholder hits into violations.
	StrictPlaceholders bool `json:"strict_placeholders,omitempty" yaml:"strictPlaceholders"`

	// MaxPlaceholderWarnings caps how many hits are reported.
	MaxPlaceholderWarnings int `json:"max_placeholder_warnings,omitempty" yaml:"maxPlaceholderWarnings"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Checks:                 append([]string(nil), DefaultChecks...),
		PlaceholderPatterns:    defaultPlaceholderPatterns(),
		MaxPlaceholderWarnings: 25,
	}
}

func defaultPlaceholderPatterns() []string {
	return []string{
		`(?i)\bTODO\b`,
		`(?i)\bFIXME\b`,
		`(?i)not\s+implemented`,
		`(?i)implement\s+this`,
		`(?i)add\s+your\s+(code|logic|implementation)\s+here`,
		`(?i)your[-_]?(api[-_]?key|secret|token|password)`,
		`(?i)lorem\s+ipsum`,
		`(?i)\b(?:placeholder|stub)\s+(?:implementation|code|logic|function)`,
	}
}

type checkFunc func(g *Gate, tree filetree.Tree, cfg project.Config) []Violation

var registry = map[string]checkFunc{
	CheckFilesExist:      checkFilesExist,
	CheckPathContainment: checkPathContainment,
	CheckImportExistence: checkImportExistence,
	CheckFeatureCoverage: checkFeatureCoverage,
	CheckNoEmptyFiles:    checkNoEmptyFiles,
	CheckSyntaxSanity:    checkSyntaxSanity,
	CheckPlaceholderScan: checkPlaceholders,
}

// Gate validates assembled trees. It holds no per-build state and is safe
// for concurrent use.
type Gate struct {
	config   Config
	patterns []*regexp.Regexp
	logger   *zap.Logger
}

// NewGate compiles the configuration. Unknown check names and bad patterns
// are errors.
func NewGate(cfg Config, logger *zap.Logger) (*Gate, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Checks) == 0 {
		cfg.Checks = append([]string(nil), DefaultChecks...)
	}
	for _, name := range cfg.Checks {
		if _, ok := registry[name]; !ok {
			return nil, fmt.Errorf("validation: unknown check %q", name)
		}
	}
	if len(cfg.PlaceholderPatterns) == 0 {
		cfg.PlaceholderPatterns = defaultPlaceholderPatterns()
	}
	if cfg.MaxPlaceholderWarnings <= 0 {
		cfg.MaxPlaceholderWarnings = 25
	}

	compiled := make([]*regexp.Regexp, 0, len(cfg.PlaceholderPatterns))
	for _, pattern := range cfg.PlaceholderPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("validation: invalid placeholder pattern %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return &Gate{config: cfg, patterns: compiled, logger: logger}, nil
}

// Config returns the effective configuration.
func (g *Gate) Config() Config {
	return g.config
}

// Validate runs the configured battery. Only an uninitialized tree is an
// error; every failed check lands in the report.
func (g *Gate) Validate(tree filetree.Tree, cfg project.Config) (*Report, error) {
	if tree.IsZero() {
		return nil, ErrMalformedTree
	}
	start := time.Now()
	report := &Report{Timestamp: start, Violations: []Violation{}}

	passed := 0
	for _, name := range g.config.Checks {
		found := registry[name](g, tree, cfg)

		result := CheckResult{Name: name, Passed: true, Severity: SeverityInfo, Findings: len(found)}
		for _, v := range found {
			if v.Severity == SeverityError {
				report.Violations = append(report.Violations, v)
				result.Passed = false
				result.Severity = SeverityError
			} else {
				report.Warnings = append(report.Warnings, v)
				if result.Severity == SeverityInfo {
					result.Severity = SeverityWarning
				}
			}
		}
		switch {
		case !result.Passed:
			result.Message = fmt.Sprintf("%d violation(s)", countSeverity(found, SeverityError))
		case len(found) > 0:
			result.Message = fmt.Sprintf("%d warning(s)", len(found))
		default:
			result.Message = "ok"
		}
		if result.Passed {
			passed++
		}
		report.Checks = append(report.Checks, result)
	}

	if len(report.Checks) > 0 {
		report.Score = float64(passed) / float64(len(report.Checks))
	}
	report.Duration = time.Since(start)

	g.logger.Debug("validation finished",
		zap.Int("files", tree.Len()),
		zap.Int("violations", len(report.Violations)),
		zap.Int("warnings", len(report.Warnings)),
		zap.Float64("score", report.Score),
	)
	return report, nil
}

func countSeverity(vs []Violation, sev Severity) int {
	n := 0
	for _, v := range vs {
		if v.Severity == sev {
			n++
		}
	}
	return n
}
