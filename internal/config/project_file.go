package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"antivibe/internal/project"
)

// ProjectFile is a project description on disk or in an API request: the
// project config plus optional per-build budget overrides.
type ProjectFile struct {
	project.Config `yaml:",inline"`

	MaxTokens      int `json:"maxTokens,omitempty" yaml:"maxTokens"`
	ThinkingBudget int `json:"thinkingBudget,omitempty" yaml:"thinkingBudget"`
}

// LoadProject reads a project file. ".yaml" and ".yml" files are YAML,
// everything else is JSON. Unknown fields are rejected. A relative
// outputPath is resolved against the file's directory.
func LoadProject(path string) (*ProjectFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read project file: %w", err)
	}
	var pf *ProjectFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		pf, err = DecodeProjectYAML(data)
	default:
		pf, err = DecodeProjectJSON(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if pf.OutputPath != "" && !filepath.IsAbs(pf.OutputPath) {
		abs, err := filepath.Abs(filepath.Join(filepath.Dir(path), pf.OutputPath))
		if err != nil {
			return nil, fmt.Errorf("config: resolve outputPath: %w", err)
		}
		pf.OutputPath = abs
	}
	return pf, nil
}

// DecodeProjectYAML parses a YAML project description.
func DecodeProjectYAML(data []byte) (*ProjectFile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var pf ProjectFile
	if err := dec.Decode(&pf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("project file is empty")
		}
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &pf, nil
}

// DecodeProjectJSON parses a JSON project description.
func DecodeProjectJSON(r io.Reader) (*ProjectFile, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var pf ProjectFile
	if err := dec.Decode(&pf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("project file is empty")
		}
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return &pf, nil
}

// Budget returns the file's overrides, falling back to the given defaults
// for the ones it leaves unset.
func (pf *ProjectFile) Budget(maxTokens, thinking int) (int, int) {
	if pf.MaxTokens > 0 {
		maxTokens = pf.MaxTokens
	}
	if pf.ThinkingBudget > 0 {
		thinking = pf.ThinkingBudget
	}
	return maxTokens, thinking
}
