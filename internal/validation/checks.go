package validation

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"antivibe/internal/artifact"
	"antivibe/internal/filetree"
	"antivibe/internal/project"
)

func violation(check, path, target, format string, args ...any) Violation {
	return Violation{Check: check, Path: path, Target: target, Message: fmt.Sprintf(format, args...), Severity: SeverityError}
}

func checkFilesExist(_ *Gate, tree filetree.Tree, _ project.Config) []Violation {
	if tree.Len() == 0 {
		return []Violation{violation(CheckFilesExist, "", "", "no files were produced")}
	}
	return nil
}

func checkPathContainment(_ *Gate, tree filetree.Tree, _ project.Config) []Violation {
	const root = "/antivibe-root"
	var out []Violation
	lower := make(map[string]string)
	for _, p := range tree.Paths() {
		switch {
		case p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\"):
			out = append(out, violation(CheckPathContainment, p, p, "path is not relative"))
			continue
		case hasDotDot(p):
			out = append(out, violation(CheckPathContainment, p, p, "path contains a '..' segment"))
			continue
		}
		joined := path.Join(root, p)
		if !strings.HasPrefix(joined, root+"/") {
			out = append(out, violation(CheckPathContainment, p, p, "path escapes the output root"))
			continue
		}
		if path.Base(p) == project.ManifestName && path.Dir(p) == "." {
			out = append(out, violation(CheckPathContainment, p, p, "path collides with the build manifest"))
			continue
		}
		key := strings.ToLower(p)
		if other, ok := lower[key]; ok {
			out = append(out, violation(CheckPathContainment, p, other, "path differs from %s only by letter case", other))
			continue
		}
		lower[key] = p
	}
	return out
}

func hasDotDot(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// checkImportExistence reports one violation per missing target. Several
// files importing the same missing file produce a single violation.
func checkImportExistence(_ *Gate, tree filetree.Tree, _ project.Config) []Violation {
	type missing struct {
		importers []string
		line      int
		escapes   bool
	}
	found := map[string]*missing{}
	var order []string

	for _, f := range tree.Files() {
		for _, imp := range filetree.Imports(f.Path, f.Content) {
			if _, ok := tree.Resolve(imp); ok {
				continue
			}
			target, inside := filetree.Target(imp)
			key := target
			if inside {
				key = filetree.ExpectedPath(imp)
			}
			m, ok := found[key]
			if !ok {
				m = &missing{line: imp.Line, escapes: !inside}
				found[key] = m
				order = append(order, key)
			}
			m.importers = append(m.importers, f.Path)
		}
	}

	out := make([]Violation, 0, len(order))
	for _, key := range order {
		m := found[key]
		importers := strings.Join(m.importers, ", ")
		if m.escapes {
			out = append(out, violation(CheckImportExistence, m.importers[0], key, "import of %s escapes the project root (imported by %s)", key, importers))
			continue
		}
		v := violation(CheckImportExistence, m.importers[0], key, "missing file %s (imported by %s)", key, importers)
		v.Line = m.line
		out = append(out, v)
	}
	return out
}

var (
	wordPattern  = regexp.MustCompile(`[a-z0-9]+`)
	spacePattern = regexp.MustCompile(`\s+`)
)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true,
	"to": true, "for": true, "with": true, "in": true, "on": true, "by": true,
	"be": true, "can": true, "as": true, "at": true, "from": true, "into": true,
	"is": true, "are": true, "it": true, "its": true, "all": true, "each": true,
}

// checkFeatureCoverage accepts a feature when its text appears in a code file
// (case and whitespace insensitive), or when every significant word of it
// appears in one code file. Documentation does not count as coverage.
func checkFeatureCoverage(_ *Gate, tree filetree.Tree, cfg project.Config) []Violation {
	var docs []string
	for _, f := range tree.Files() {
		switch f.Language {
		case "markdown", "text":
			continue
		}
		docs = append(docs, strings.ToLower(f.Path+"\n"+f.Content))
	}

	var out []Violation
	for i, feature := range cfg.Features {
		if featureCovered(feature, docs) {
			continue
		}
		out = append(out, violation(CheckFeatureCoverage, "", feature, "feature %d %q has no implementing file", i+1, feature))
	}
	return out
}

func featureCovered(feature string, docs []string) bool {
	norm := strings.ToLower(strings.TrimSpace(spacePattern.ReplaceAllString(feature, " ")))
	if norm == "" {
		return true
	}
	var words []string
	for _, w := range wordPattern.FindAllString(norm, -1) {
		if !stopwords[w] {
			words = append(words, w)
		}
	}
	for _, doc := range docs {
		if strings.Contains(spacePattern.ReplaceAllString(doc, " "), norm) {
			return true
		}
		if len(words) == 0 {
			continue
		}
		all := true
		for _, w := range words {
			if !containsWord(doc, w) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func containsWord(doc, w string) bool {
	if strings.Contains(doc, w) {
		return true
	}
	if len(w) > 3 && strings.HasSuffix(w, "s") {
		return strings.Contains(doc, strings.TrimSuffix(w, "s"))
	}
	return false
}

func checkNoEmptyFiles(_ *Gate, tree filetree.Tree, _ project.Config) []Violation {
	var out []Violation
	for _, f := range tree.Files() {
		if strings.TrimSpace(f.Content) == "" && !artifact.EmptyByConvention(f.Path) {
			out = append(out, violation(CheckNoEmptyFiles, f.Path, f.Path, "file is empty"))
		}
	}
	return out
}

var braceLanguages = map[string]bool{
	"typescript": true, "javascript": true, "go": true, "java": true, "rust": true,
	"css": true, "json": true, "c": true, "cpp": true, "csharp": true,
	"kotlin": true, "swift": true, "php": true, "prisma": true,
}

func checkSyntaxSanity(_ *Gate, tree filetree.Tree, _ project.Config) []Violation {
	var out []Violation
	for _, f := range tree.Files() {
		if !braceLanguages[f.Language] {
			continue
		}
		if line, msg := bracketBalance(f.Content); msg != "" {
			v := violation(CheckSyntaxSanity, f.Path, "", "%s", msg)
			v.Line = line
			out = append(out, v)
		}
	}
	return out
}

// bracketBalance checks (), [] and {} outside string literals and comments.
// It returns the line of the first problem and a description, or "" if the
// content balances.
func bracketBalance(content string) (int, string) {
	type open struct {
		ch   byte
		line int
	}
	var stack []open
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}
	line := 1

	for i := 0; i < len(content); i++ {
		ch := content[i]
		switch {
		case ch == '\n':
			line++
		case ch == '/' && i+1 < len(content) && content[i+1] == '/':
			for i < len(content) && content[i] != '\n' {
				i++
			}
			i--
		case ch == '/' && i+1 < len(content) && content[i+1] == '*':
			i += 2
			for i+1 < len(content) && !(content[i] == '*' && content[i+1] == '/') {
				if content[i] == '\n' {
					line++
				}
				i++
			}
			i++
		case ch == '"' || ch == '\'' || ch == '`':
			// Quoted strings end at the line; template literals may span lines.
			quote := ch
			i++
			for i < len(content) && content[i] != quote {
				if content[i] == '\\' {
					i++
				} else if content[i] == '\n' {
					if quote != '`' {
						break
					}
					line++
				}
				i++
			}
			if i < len(content) && content[i] == '\n' {
				i--
			}
		case ch == '(' || ch == '[' || ch == '{':
			stack = append(stack, open{ch: ch, line: line})
		case ch == ')' || ch == ']' || ch == '}':
			if len(stack) == 0 {
				return line, fmt.Sprintf("unmatched '%c' on line %d", ch, line)
			}
			top := stack[len(stack)-1]
			if top.ch != pairs[ch] {
				return line, fmt.Sprintf("mismatched '%c' on line %d closes '%c' from line %d", ch, line, top.ch, top.line)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		top := stack[len(stack)-1]
		return top.line, fmt.Sprintf("%d unclosed bracket(s), last '%c' opened on line %d", len(stack), top.ch, top.line)
	}
	return 0, ""
}

func checkPlaceholders(g *Gate, tree filetree.Tree, _ project.Config) []Violation {
	severity := SeverityWarning
	if g.config.StrictPlaceholders {
		severity = SeverityError
	}
	var out []Violation
	for _, f := range tree.Files() {
		if f.Language == "markdown" {
			continue
		}
		for n, text := range strings.Split(f.Content, "\n") {
			for _, re := range g.patterns {
				loc := re.FindStringIndex(text)
				if loc == nil {
					continue
				}
				out = append(out, Violation{
					Check:    CheckPlaceholderScan,
					Path:     f.Path,
					Target:   text[loc[0]:loc[1]],
					Line:     n + 1,
					Message:  fmt.Sprintf("placeholder %q", text[loc[0]:loc[1]]),
					Severity: severity,
				})
				break
			}
			if len(out) >= g.config.MaxPlaceholderWarnings {
				return out
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Line < out[j].Line
	})
	return out
}
