package prompt

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Section is a named section of a rendered prompt. The Name becomes a
// markdown heading ("earlier_stages" renders as "# EARLIER STAGES"). A
// scalar YAML value is the Text; a mapping may set text, append, format
// and heading.
//
// Append names a data key whose value follows Text. When that value is
// empty the whole section is omitted. Format "yaml" wraps the appended
// value in a yaml fence.
type Section struct {
	Name    string
	Text    string
	Append  string
	Format  string
	Heading string
}

type sectionDetail struct {
	Text    string `yaml:"text"`
	Append  string `yaml:"append"`
	Format  string `yaml:"format"`
	Heading string `yaml:"heading"`
}

// Template is an ordered list of sections.
type Template []Section

// UnmarshalYAML expects a sequence of single-key mappings.
func (t *Template) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("prompt template must be a YAML sequence, got %v", value.Kind)
	}
	sections := make(Template, 0, len(value.Content))
	for i, item := range value.Content {
		if item.Kind != yaml.MappingNode || len(item.Content) < 2 {
			return fmt.Errorf("section %d: expected a single-key mapping", i)
		}
		keyNode, valNode := item.Content[0], item.Content[1]
		sec := Section{Name: keyNode.Value}

		switch valNode.Kind {
		case yaml.ScalarNode:
			sec.Text = valNode.Value
		case yaml.MappingNode:
			var detail sectionDetail
			if err := valNode.Decode(&detail); err != nil {
				return fmt.Errorf("section %q: %w", sec.Name, err)
			}
			sec.Text = detail.Text
			sec.Append = detail.Append
			sec.Format = detail.Format
			sec.Heading = detail.Heading
		default:
			return fmt.Errorf("section %q: unexpected YAML node kind %v", sec.Name, valNode.Kind)
		}
		sections = append(sections, sec)
	}
	*t = sections
	return nil
}

// ParseTemplate parses one YAML template document.
func ParseTemplate(data []byte) (Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	if len(t) == 0 {
		return nil, fmt.Errorf("prompt template has no sections")
	}
	return t, nil
}

func (s Section) heading() string {
	if s.Heading != "" {
		return s.Heading
	}
	return "# " + strings.ToUpper(strings.ReplaceAll(s.Name, "_", " "))
}

// Render assembles the prompt. {key} placeholders are substituted in Text
// only, in sorted key order, so appended data is never rewritten.
func (t Template) Render(data map[string]string) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf strings.Builder
	for _, sec := range t {
		if sec.Append != "" && strings.TrimSpace(data[sec.Append]) == "" {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(sec.heading())
		buf.WriteString("\n\n")

		if sec.Text != "" {
			text := sec.Text
			for _, k := range keys {
				text = strings.ReplaceAll(text, "{"+k+"}", data[k])
			}
			buf.WriteString(strings.TrimRight(text, "\n"))
			buf.WriteString("\n")
		}

		if sec.Append != "" {
			val := strings.TrimRight(data[sec.Append], "\n")
			if sec.Text != "" {
				buf.WriteString("\n")
			}
			if sec.Format == "yaml" {
				buf.WriteString("```yaml\n")
				buf.WriteString(val)
				buf.WriteString("\n```\n")
			} else {
				buf.WriteString(val)
				buf.WriteString("\n")
			}
		}
	}
	return buf.String()
}
