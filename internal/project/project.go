// Package project holds the declarative description of a project to generate
// and the ordered stages a build walks through.
package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// ManifestName is the completion marker written last into a published tree.
// A directory without it is never considered a finished build.
const ManifestName = ".antivibe-manifest.json"

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Config is the caller-supplied ProjectConfig.
type Config struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description" yaml:"description"`
	TechStack   map[string]string `json:"techStack" yaml:"techStack"`
	Features    []string          `json:"features" yaml:"features"`
	OutputPath  string            `json:"outputPath" yaml:"outputPath"`
}

// Clone returns a deep copy so a running build never observes caller edits.
func (c Config) Clone() Config {
	out := c
	if c.TechStack != nil {
		out.TechStack = make(map[string]string, len(c.TechStack))
		for k, v := range c.TechStack {
			out.TechStack[k] = v
		}
	}
	out.Features = append([]string(nil), c.Features...)
	return out
}

// StackRoles returns the tech stack roles in sorted order.
func (c Config) StackRoles() []string {
	roles := make([]string, 0, len(c.TechStack))
	for role := range c.TechStack {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// ConfigError reports a malformed or unusable ProjectConfig field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Validate checks the config structurally and probes the output location.
// All problems are joined into one error; each is a *ConfigError.
func (c Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	name := strings.TrimSpace(c.Name)
	switch {
	case name == "":
		add("name", "must not be empty")
	case !namePattern.MatchString(name):
		add("name", "%q is not a slug (lowercase letters, digits, '.', '_', '-')", c.Name)
	}

	if len(c.Features) == 0 {
		add("features", "at least one feature is required")
	}
	for i, f := range c.Features {
		if strings.TrimSpace(f) == "" {
			add(fmt.Sprintf("features[%d]", i), "must not be blank")
		}
	}
	for role := range c.TechStack {
		if strings.TrimSpace(role) == "" {
			add("techStack", "role names must not be blank")
			break
		}
	}

	if err := checkOutputPath(c.OutputPath, name); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func checkOutputPath(path, name string) error {
	if strings.TrimSpace(path) == "" {
		return &ConfigError{Field: "outputPath", Reason: "must not be empty"}
	}
	if !filepath.IsAbs(path) {
		return &ConfigError{Field: "outputPath", Reason: fmt.Sprintf("%q is not absolute", path)}
	}
	clean := filepath.Clean(path)
	if clean == filepath.Dir(clean) {
		return &ConfigError{Field: "outputPath", Reason: "must not be a filesystem root"}
	}

	info, err := os.Stat(clean)
	switch {
	case err == nil:
		if !info.IsDir() {
			return &ConfigError{Field: "outputPath", Reason: fmt.Sprintf("%s exists and is not a directory", clean)}
		}
		if err := CheckExistingOutput(clean, name); err != nil {
			return err
		}
	case !errors.Is(err, os.ErrNotExist):
		return &ConfigError{Field: "outputPath", Reason: err.Error()}
	}

	// The staging directory is a sibling, so the parent must be writable.
	parent, err := nearestDir(filepath.Dir(clean))
	if err != nil {
		return &ConfigError{Field: "outputPath", Reason: err.Error()}
	}
	probe, err := os.CreateTemp(parent, ".antivibe-probe-*")
	if err != nil {
		return &ConfigError{Field: "outputPath", Reason: fmt.Sprintf("%s is not writable: %v", parent, err)}
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

// CheckExistingOutput accepts an empty directory or one holding a completed
// build of the named project.
func CheckExistingOutput(dir, name string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return &ConfigError{Field: "outputPath", Reason: err.Error()}
	}
	if len(entries) == 0 {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return &ConfigError{Field: "outputPath", Reason: fmt.Sprintf("%s is not empty and holds no completed build", dir)}
	}
	var existing struct {
		Project string `json:"project"`
	}
	if err := json.Unmarshal(data, &existing); err != nil {
		return &ConfigError{Field: "outputPath", Reason: fmt.Sprintf("unreadable build manifest in %s: %v", dir, err)}
	}
	if existing.Project != name {
		return &ConfigError{Field: "outputPath", Reason: fmt.Sprintf("%s holds a build of project %q", dir, existing.Project)}
	}
	return nil
}

func nearestDir(path string) (string, error) {
	for {
		info, err := os.Stat(path)
		if err == nil {
			if !info.IsDir() {
				return "", fmt.Errorf("%s is not a directory", path)
			}
			return path, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		next := filepath.Dir(path)
		if next == path {
			return "", fmt.Errorf("no existing ancestor for %s", path)
		}
		path = next
	}
}
