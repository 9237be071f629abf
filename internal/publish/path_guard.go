package publish

import (
	"fmt"
	"path"
	"strings"

	"antivibe/internal/project"
)

// DefaultProtectedPatterns are paths a generated tree may never write.
var DefaultProtectedPatterns = []string{
	project.ManifestName,
	".git/**",
	stagingPrefix + "*",
	trashPrefix + "*",
}

// ErrProtectedPath is returned when a tree tries to write a protected file
type ErrProtectedPath struct {
	Path    string
	Pattern string
}

func (e *ErrProtectedPath) Error() string {
	return fmt.Sprintf("path %q is protected by pattern %q", e.Path, e.Pattern)
}

// PathGuard checks tree paths against protected patterns.
// Patterns use path.Match syntax (*, ?, [...]) plus ** for recursive matching.
type PathGuard struct {
	patterns []string
}

// NewPathGuard creates a PathGuard. No patterns selects the defaults.
func NewPathGuard(patterns ...string) *PathGuard {
	if len(patterns) == 0 {
		patterns = DefaultProtectedPatterns
	}
	return &PathGuard{patterns: append([]string(nil), patterns...)}
}

// CheckPath returns *ErrProtectedPath if the path is protected, nil otherwise.
func (pg *PathGuard) CheckPath(p string) *ErrProtectedPath {
	normalized := path.Clean(p)
	for _, pattern := range pg.patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if pg.matches(normalized, pattern) {
			return &ErrProtectedPath{Path: p, Pattern: pattern}
		}
	}
	return nil
}

// CheckPaths returns the first ErrProtectedPath encountered, or nil if all
// paths are allowed.
func (pg *PathGuard) CheckPaths(paths []string) *ErrProtectedPath {
	for _, p := range paths {
		if err := pg.CheckPath(p); err != nil {
			return err
		}
	}
	return nil
}

func (pg *PathGuard) matches(p, pattern string) bool {
	// Handle ** recursive glob
	if strings.Contains(pattern, "**") {
		parts := strings.SplitN(pattern, "**", 2)
		prefix := strings.TrimRight(parts[0], "/")
		suffix := strings.TrimLeft(parts[1], "/")

		if prefix != "" && p != prefix && !strings.HasPrefix(p, prefix+"/") {
			return false
		}
		if suffix != "" {
			matched, _ := path.Match(suffix, path.Base(p))
			return matched
		}
		// ** with just prefix means everything under that dir
		return true
	}

	matched, _ := path.Match(pattern, p)
	if matched {
		return true
	}
	// Patterns without a slash also match the file name at any depth.
	if !strings.Contains(pattern, "/") {
		matched, _ = path.Match(pattern, path.Base(p))
	}
	return matched
}
