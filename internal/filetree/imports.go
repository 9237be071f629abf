package filetree

import (
	"path"
	"regexp"
	"sort"
	"strings"
)

var (
	jsFromPattern    = regexp.MustCompile(`(?m)\b(?:import|export)\s+(?:type\s+)?[^'";]*?\bfrom\s*['"]([^'"]+)['"]`)
	jsBarePattern    = regexp.MustCompile(`(?m)^\s*import\s*['"]([^'"]+)['"]`)
	jsRequirePattern = regexp.MustCompile(`\brequire\(\s*['"]([^'"]+)['"]\s*\)`)
	jsDynamicPattern = regexp.MustCompile(`\bimport\(\s*['"]([^'"]+)['"]\s*\)`)
	pyFromPattern    = regexp.MustCompile(`(?m)^\s*from\s+(\.+)([A-Za-z_][\w.]*)?\s+import\b`)
)

var (
	jsExtensions = []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs", ".json"}
	jsIndexFiles = []string{"index.ts", "index.tsx", "index.js", "index.jsx"}
)

// Import is one relative reference from a source file.
type Import struct {
	From string `json:"from"` // importing file
	Spec string `json:"spec"` // specifier as written, normalized to a relative path
	Line int    `json:"line"`
}

// Imports extracts relative imports from a file's content. Package imports
// (anything not starting with "./" or "../") are ignored.
func Imports(filePath, content string) []Import {
	var out []Import
	seen := map[string]bool{}
	add := func(spec string, offset int) {
		if !strings.HasPrefix(spec, "./") && !strings.HasPrefix(spec, "../") {
			return
		}
		if seen[spec] {
			return
		}
		seen[spec] = true
		out = append(out, Import{From: filePath, Spec: spec, Line: strings.Count(content[:offset], "\n") + 1})
	}

	switch lang := languageFamily(filePath); lang {
	case "js":
		for _, re := range []*regexp.Regexp{jsFromPattern, jsBarePattern, jsRequirePattern, jsDynamicPattern} {
			for _, m := range re.FindAllStringSubmatchIndex(content, -1) {
				add(content[m[2]:m[3]], m[0])
			}
		}
	case "py":
		for _, m := range pyFromPattern.FindAllStringSubmatchIndex(content, -1) {
			dots := content[m[2]:m[3]]
			module := ""
			if m[4] >= 0 {
				module = content[m[4]:m[5]]
			}
			spec := "./"
			if len(dots) > 1 {
				spec = strings.Repeat("../", len(dots)-1)
			}
			// "from . import x" names the package directory itself.
			spec += strings.ReplaceAll(module, ".", "/")
			add(spec, m[0])
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Line < out[j].Line })
	return out
}

func languageFamily(filePath string) string {
	switch strings.ToLower(path.Ext(filePath)) {
	case ".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs", ".vue", ".svelte":
		return "js"
	case ".py":
		return "py"
	}
	return ""
}

// Target is the tree path an import points at before extension resolution.
// ok is false when the import climbs above the tree root.
func Target(imp Import) (target string, ok bool) {
	joined := path.Join(path.Dir(imp.From), imp.Spec)
	if joined == ".." || strings.HasPrefix(joined, "../") {
		return joined, false
	}
	return joined, true
}

// Candidates lists the tree paths an import may resolve to, most likely
// first. The first candidate is the one to name when nothing resolves.
func Candidates(imp Import) []string {
	target, ok := Target(imp)
	if !ok {
		return nil
	}
	var out []string
	switch languageFamily(imp.From) {
	case "py":
		out = append(out, target+".py", target+"/__init__.py")
		if strings.HasSuffix(target, "__init__") {
			out = []string{target + ".py"}
		}
	default:
		ext := path.Ext(target)
		fromExt := path.Ext(imp.From)
		if ext != "" && knownJSExt(ext) {
			out = append(out, target)
			// TypeScript ESM code imports "./db.js" for "./db.ts".
			base := strings.TrimSuffix(target, ext)
			if ext == ".js" || ext == ".jsx" || ext == ".mjs" {
				out = append(out, base+".ts", base+".tsx")
			}
			return out
		}
		if knownJSExt(fromExt) && fromExt != ".json" {
			out = append(out, target+fromExt)
		}
		for _, e := range jsExtensions {
			if e != fromExt {
				out = append(out, target+e)
			}
		}
		for _, idx := range jsIndexFiles {
			out = append(out, target+"/"+idx)
		}
		out = append(out, target)
	}
	return out
}

func knownJSExt(ext string) bool {
	for _, e := range jsExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// Resolve finds the tree path an import refers to. A Python import may
// also resolve to a directory of the tree, since namespace packages carry
// no __init__.py.
func (t Tree) Resolve(imp Import) (string, bool) {
	for _, c := range Candidates(imp) {
		if t.Has(c) {
			return c, true
		}
	}
	if languageFamily(imp.From) == "py" {
		if target, ok := Target(imp); ok && t.HasDir(target) {
			return target, true
		}
	}
	return "", false
}

// ExpectedPath names the file a dangling import most likely wanted.
func ExpectedPath(imp Import) string {
	if c := Candidates(imp); len(c) > 0 {
		return c[0]
	}
	target, _ := Target(imp)
	return target
}
