package artifact

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"antivibe/internal/project"
)

// File markers the prompts ask for, plus the variants models drift into:
// "// File: x", "### File: x", "/* File: x */", "<!-- File: x -->", "**File: x**".
var markerPattern = regexp.MustCompile(`(?i)^(?:\/\/|#{1,6}|\/\*|<!--|--|;|\*\*)\s*\**\s*file\s*:\s*\**\s*(.+?)\s*(?:\*\/|-->)?\s*$`)

// A path comment on the first line inside a fence: "// path: src/db.ts".
var fencePathPattern = regexp.MustCompile(`(?i)^\s*(?:\/\/|#|--|;|<!--)\s*(?:path|file)\s*:\s*([^\s>]+)`)

var fenceOpenPattern = regexp.MustCompile("^(`{3,})\\s*([A-Za-z0-9_+.#-]*)")

// Parser extracts artifacts from free-form model text.
type Parser struct {
	logger *zap.Logger
}

// NewParser returns a parser. A nil logger disables parse logging.
func NewParser(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger}
}

// Parse extracts the artifact for stage from raw. It fails with *ParseError
// when the structure the stage requires is absent.
func (p *Parser) Parse(stage project.Stage, raw string) (*Artifact, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("artifact: unknown stage %q", stage)
	}
	text := strings.TrimSpace(strings.ReplaceAll(raw, "\r\n", "\n"))
	if text == "" {
		return nil, &ParseError{Stage: stage, Reason: "empty response", Raw: raw}
	}

	art := &Artifact{Stage: stage, Kind: stage.Kind(), Text: text}
	if stage.Kind() == project.KindDocument {
		return art, nil
	}

	files, warnings := extractFiles(stage, text)
	art.Warnings = warnings
	for _, w := range warnings {
		p.logger.Warn("artifact parse warning", zap.String("stage", string(stage)), zap.String("warning", w))
	}

	if len(files) == 0 && stage == project.StageDocs {
		files = []File{{Path: "README.md", Content: text + "\n", Language: "markdown"}}
		art.Warnings = append(art.Warnings, "no file markers in documentation response; stored as README.md")
	}
	if len(files) == 0 {
		reason := "no file blocks found; expected \"// File: <path>\" markers followed by fenced code"
		if len(warnings) > 0 {
			reason += " (" + strings.Join(warnings, "; ") + ")"
		}
		return nil, &ParseError{Stage: stage, Reason: reason, Raw: raw}
	}
	art.Files = files
	return art, nil
}

type fileBuilder struct {
	path     string
	language string
	lines    []string
	skip     bool // marker named an unsafe path; swallow its content
}

func extractFiles(stage project.Stage, text string) ([]File, []string) {
	lines := strings.Split(text, "\n")
	hasMarkers := false
	for _, line := range lines {
		if markerPattern.MatchString(strings.TrimSpace(line)) {
			hasMarkers = true
			break
		}
	}
	// Unnamed fences get generated names only when the model used no markers
	// at all. Documentation falls back to README.md instead.
	generate := !hasMarkers && stage != project.StageDocs

	var (
		files    []File
		warnings []string
		index    = map[string]int{}
		pending  *fileBuilder // marker seen outside a fence
		fenced   *fileBuilder // current fenced block
		fence    string
	)

	emit := func(b *fileBuilder) {
		if b == nil || b.skip {
			return
		}
		content := trimBlankLines(b.lines)
		empty := strings.TrimSpace(content) == ""
		if empty && !EmptyByConvention(b.path) {
			if b.path != "" {
				warnings = append(warnings, fmt.Sprintf("%s: marker without content", b.path))
			}
			return
		}
		if b.path == "" {
			return
		}
		if !empty {
			content += "\n"
		}
		f := File{Path: b.path, Content: content, Language: b.language}
		if f.Language == "" {
			f.Language = DetectLanguage(f.Path)
		}
		if i, dup := index[f.Path]; dup {
			warnings = append(warnings, fmt.Sprintf("%s: repeated in one response; last block kept", f.Path))
			files[i] = f
			return
		}
		index[f.Path] = len(files)
		files = append(files, f)
	}

	newFromMarker := func(rawPath string) *fileBuilder {
		clean := SanitizePath(rawPath)
		if clean == "" {
			warnings = append(warnings, fmt.Sprintf("skipped unsafe path %q", rawPath))
			return &fileBuilder{skip: true}
		}
		return &fileBuilder{path: clean}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if fenced != nil {
			if isFenceClose(trimmed, fence) {
				if fenced.path == "" && !fenced.skip && generate && fenced.language != "" {
					fenced.path = generatedName(stage, len(files)+1, fenced.language)
				}
				emit(fenced)
				fenced = nil
				continue
			}
			if len(fenced.lines) == 0 && !fenced.skip {
				if m := fencePathPattern.FindStringSubmatch(trimmed); m != nil {
					if fenced.path == "" {
						if clean := SanitizePath(m[1]); clean != "" {
							fenced.path = clean
						} else {
							warnings = append(warnings, fmt.Sprintf("skipped unsafe path %q", m[1]))
							fenced.skip = true
						}
						continue
					}
					if SanitizePath(m[1]) == fenced.path {
						continue
					}
				}
			}
			fenced.lines = append(fenced.lines, line)
			continue
		}

		if m := markerPattern.FindStringSubmatch(trimmed); m != nil {
			emit(pending)
			pending = newFromMarker(m[1])
			continue
		}

		if m := fenceOpenPattern.FindStringSubmatch(trimmed); m != nil {
			fence = m[1]
			fenced = &fileBuilder{language: normalizeLanguageTag(m[2])}
			if pending != nil {
				// Prose between a marker and its fence is not file content.
				fenced.path = pending.path
				fenced.skip = pending.skip
				if fenced.language == "" && fenced.path != "" {
					fenced.language = DetectLanguage(fenced.path)
				}
				pending = nil
			}
			continue
		}

		if pending != nil {
			pending.lines = append(pending.lines, line)
		}
	}

	if fenced != nil {
		warnings = append(warnings, "response ended with an unterminated code block; final file may be truncated")
		if fenced.path == "" && !fenced.skip && generate && fenced.language != "" {
			fenced.path = generatedName(stage, len(files)+1, fenced.language)
		}
		emit(fenced)
	}
	emit(pending)

	return files, warnings
}

func generatedName(stage project.Stage, n int, language string) string {
	return fmt.Sprintf("%s_%d.%s", stage.Lower(), n, LanguageToExtension(language))
}

func isFenceClose(trimmed, fence string) bool {
	if !strings.HasPrefix(trimmed, fence) {
		return false
	}
	return strings.Trim(trimmed, "`") == ""
}

func trimBlankLines(lines []string) string {
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}

func normalizeLanguageTag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	switch tag {
	case "ts", "tsx":
		return "typescript"
	case "js", "jsx", "mjs", "cjs":
		return "javascript"
	case "py":
		return "python"
	case "golang":
		return "go"
	case "yml":
		return "yaml"
	case "md":
		return "markdown"
	case "sh", "shell", "zsh":
		return "bash"
	}
	return tag
}

// SanitizePath normalizes a model-supplied path to a clean relative
// forward-slash path. It returns "" for anything that is absolute, carries a
// drive letter, or escapes the root.
func SanitizePath(path string) string {
	cleaned := strings.TrimSpace(path)
	cleaned = strings.Trim(cleaned, "`\"'*")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return ""
	}
	// Strip annotations like "package.json (root)".
	if idx := strings.Index(cleaned, " ("); idx != -1 {
		if end := strings.Index(cleaned[idx:], ")"); end != -1 {
			cleaned = strings.TrimSpace(cleaned[:idx] + cleaned[idx+end+1:])
		}
	}
	cleaned = strings.ReplaceAll(cleaned, "\\", "/")
	if strings.HasPrefix(cleaned, "/") || (len(cleaned) > 1 && cleaned[1] == ':') {
		return ""
	}
	for _, seg := range strings.Split(cleaned, "/") {
		if seg == ".." {
			return ""
		}
	}
	cleaned = filepath.ToSlash(filepath.Clean(filepath.FromSlash(cleaned)))
	if cleaned == "." || cleaned == "" || strings.HasPrefix(cleaned, "../") {
		return ""
	}
	return cleaned
}

// EmptyByConvention reports whether a file at path is meaningful with no
// content, like a Python package marker.
func EmptyByConvention(path string) bool {
	switch filepath.Base(path) {
	case "__init__.py", "py.typed", ".gitkeep", ".keep":
		return true
	}
	return false
}

// DetectLanguage determines the programming language from a file path.
func DetectLanguage(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".py":
		return "python"
	case ".go":
		return "go"
	case ".rs":
		return "rust"
	case ".java":
		return "java"
	case ".html":
		return "html"
	case ".css":
		return "css"
	case ".sql":
		return "sql"
	case ".prisma":
		return "prisma"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".md":
		return "markdown"
	case ".sh":
		return "bash"
	default:
		return "text"
	}
}

// LanguageToExtension converts a language name to a file extension.
func LanguageToExtension(lang string) string {
	switch strings.ToLower(lang) {
	case "typescript", "tsx":
		return "ts"
	case "javascript", "jsx":
		return "js"
	case "python":
		return "py"
	case "go", "golang":
		return "go"
	case "rust":
		return "rs"
	case "java":
		return "java"
	case "html":
		return "html"
	case "css":
		return "css"
	case "sql":
		return "sql"
	case "prisma":
		return "prisma"
	case "json":
		return "json"
	case "yaml":
		return "yaml"
	case "markdown", "md":
		return "md"
	case "bash", "shell", "sh":
		return "sh"
	default:
		return "txt"
	}
}
