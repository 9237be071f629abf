package artifact

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"antivibe/internal/project"
)

const routesResponse = "Here is the implementation.\n\n" +
	"// File: src/routes.ts\n" +
	"```typescript\n" +
	"import { db } from \"./db\";\n" +
	"export const listTodos = () => db.all();\n" +
	"```\n\n" +
	"Some commentary between files.\n\n" +
	"// File: src/db.ts\n" +
	"```ts\n" +
	"export const db = { all: () => [] };\n" +
	"```\n"

func TestParseFileMarkers(t *testing.T) {
	p := NewParser(nil)

	art, err := p.Parse(project.StageEndpoints, routesResponse)
	require.NoError(t, err)
	assert.Equal(t, project.KindFiles, art.Kind)
	assert.Equal(t, []string{"src/routes.ts", "src/db.ts"}, art.Paths())
	assert.Equal(t, "import { db } from \"./db\";\nexport const listTodos = () => db.all();\n", art.Files[0].Content)
	assert.Equal(t, "typescript", art.Files[0].Language)
	assert.Equal(t, "typescript", art.Files[1].Language)
	assert.Empty(t, art.Warnings)
	assert.Contains(t, art.Text, "Some commentary")
}

func TestParseMarkerVariants(t *testing.T) {
	tests := []struct {
		name   string
		marker string
		want   string
	}{
		{"slash comment", "// File: a/b.ts", "a/b.ts"},
		{"hash", "# File: app/main.py", "app/main.py"},
		{"markdown heading", "### File: `src/index.js`", "src/index.js"},
		{"block comment", "/* File: styles/site.css */", "styles/site.css"},
		{"html comment", "<!-- File: public/index.html -->", "public/index.html"},
		{"sql comment", "-- File: db/schema.sql", "db/schema.sql"},
		{"bold", "**File: package.json**", "package.json"},
		{"annotation", "// File: package.json (root)", "package.json"},
		{"lower case", "// file: lib/x.go", "lib/x.go"},
	}
	p := NewParser(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.marker + "\n```\ncontent\n```\n"
			art, err := p.Parse(project.StageSchema, raw)
			require.NoError(t, err)
			require.Len(t, art.Files, 1)
			assert.Equal(t, tt.want, art.Files[0].Path)
			assert.Equal(t, "content\n", art.Files[0].Content)
		})
	}
}

func TestParsePathCommentInsideFence(t *testing.T) {
	raw := "```ts\n// path: src/models/todo.ts\nexport interface Todo { id: string }\n```\n"
	art, err := NewParser(nil).Parse(project.StageSchema, raw)
	require.NoError(t, err)
	require.Len(t, art.Files, 1)
	assert.Equal(t, "src/models/todo.ts", art.Files[0].Path)
	assert.Equal(t, "export interface Todo { id: string }\n", art.Files[0].Content)
}

func TestParseGeneratedNamesWithoutMarkers(t *testing.T) {
	raw := "```sql\nCREATE TABLE todos (id TEXT);\n```\n\n```python\nprint('x')\n```\n"
	art, err := NewParser(nil).Parse(project.StageSchema, raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"schema_1.sql", "schema_2.py"}, art.Paths())
}

func TestParseIgnoresUnnamedFencesWhenMarkersPresent(t *testing.T) {
	raw := "// File: src/a.ts\n```ts\nexport const a = 1;\n```\n\nUsage:\n```bash\nnpm start\n```\n"
	art, err := NewParser(nil).Parse(project.StageEndpoints, raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/a.ts"}, art.Paths())
}

func TestParseDropsUnsafePaths(t *testing.T) {
	raw := "// File: ../../etc/passwd\n```\nroot:x:0:0\n```\n" +
		"// File: /abs/path.ts\n```\nx\n```\n" +
		"// File: C:\\win\\evil.ts\n```\ny\n```\n" +
		"// File: src/ok.ts\n```\nexport {};\n```\n"
	art, err := NewParser(nil).Parse(project.StageEndpoints, raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/ok.ts"}, art.Paths())
	assert.Len(t, art.Warnings, 3)
	for _, w := range art.Warnings {
		assert.Contains(t, w, "unsafe path")
	}
}

func TestParseUnterminatedFence(t *testing.T) {
	raw := "// File: src/a.ts\n```ts\nexport const a = 1;\n"
	art, err := NewParser(nil).Parse(project.StageEndpoints, raw)
	require.NoError(t, err)
	require.Len(t, art.Files, 1)
	assert.Equal(t, "export const a = 1;\n", art.Files[0].Content)
	require.Len(t, art.Warnings, 1)
	assert.Contains(t, art.Warnings[0], "unterminated")
}

func TestParseDuplicatePathKeepsLast(t *testing.T) {
	raw := "// File: a.ts\n```\nfirst\n```\n// File: a.ts\n```\nsecond\n```\n"
	art, err := NewParser(nil).Parse(project.StageEndpoints, raw)
	require.NoError(t, err)
	require.Len(t, art.Files, 1)
	assert.Equal(t, "second\n", art.Files[0].Content)
	assert.Len(t, art.Warnings, 1)
}

func TestParseLongerFenceHoldsInnerFence(t *testing.T) {
	raw := "// File: README.md\n````markdown\n# Title\n```bash\nnpm test\n```\n````\n"
	art, err := NewParser(nil).Parse(project.StageDocs, raw)
	require.NoError(t, err)
	require.Len(t, art.Files, 1)
	assert.Equal(t, "# Title\n```bash\nnpm test\n```\n", art.Files[0].Content)
}

func TestParseKeepsConventionallyEmptyFiles(t *testing.T) {
	raw := "// File: app/models/__init__.py\n```python\n```\n\n" +
		"// File: app/models/user.py\n```python\nclass User:\n    pass\n```\n\n" +
		"// File: app/notes.py\n```python\n\n```\n"
	art, err := NewParser(nil).Parse(project.StageSchema, raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"app/models/__init__.py", "app/models/user.py"}, art.Paths())
	assert.Empty(t, art.Files[0].Content)
	assert.Equal(t, "python", art.Files[0].Language)
	assert.Equal(t, []string{"app/notes.py: marker without content"}, art.Warnings)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		stage project.Stage
		raw   string
	}{
		{"empty plan", project.StagePlan, "   \n\t"},
		{"prose only endpoints", project.StageEndpoints, "I could not produce code for this request."},
		{"only unsafe paths", project.StageTests, "// File: ../x.ts\n```\nx\n```\n"},
		{"empty repair", project.StageRepair, ""},
	}
	p := NewParser(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			art, err := p.Parse(tt.stage, tt.raw)
			assert.Nil(t, art)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrParse))

			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.stage, pe.Stage)
			assert.Equal(t, tt.raw, pe.Raw)
		})
	}
}

func TestParsePlanKeepsText(t *testing.T) {
	art, err := NewParser(nil).Parse(project.StagePlan, "  ## Architecture\nLayers...\n")
	require.NoError(t, err)
	assert.Equal(t, project.KindDocument, art.Kind)
	assert.Equal(t, "## Architecture\nLayers...", art.Text)
	assert.Empty(t, art.Files)
}

func TestParseDocsFallsBackToReadme(t *testing.T) {
	raw := "# todo-api\n\nRun it with:\n\n```bash\nnpm start\n```\n"
	art, err := NewParser(nil).Parse(project.StageDocs, raw)
	require.NoError(t, err)
	require.Len(t, art.Files, 1)
	assert.Equal(t, "README.md", art.Files[0].Path)
	assert.Contains(t, art.Files[0].Content, "npm start")
	assert.NotEmpty(t, art.Warnings)
}

func TestParseIsDeterministic(t *testing.T) {
	p := NewParser(nil)
	a, err := p.Parse(project.StageEndpoints, routesResponse)
	require.NoError(t, err)
	b, err := p.Parse(project.StageEndpoints, routesResponse)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSanitizePath(t *testing.T) {
	tests := map[string]string{
		"src/a.ts":        "src/a.ts",
		"./src/a.ts":      "src/a.ts",
		"src//a.ts":       "src/a.ts",
		"src\\lib\\a.ts":  "src/lib/a.ts",
		"`src/a.ts`":      "src/a.ts",
		"\"a.ts\"":        "a.ts",
		"/etc/passwd":     "",
		"../a.ts":         "",
		"src/../../a.ts":  "",
		"C:\\a.ts":        "",
		".":               "",
		"":                "",
		"a.ts (new file)": "a.ts",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizePath(in), "SanitizePath(%q)", in)
	}
}

func TestDetectLanguageRoundTrip(t *testing.T) {
	for _, ext := range []string{"ts", "js", "py", "go", "rs", "java", "sql", "json", "yaml", "md", "sh"} {
		assert.Equal(t, ext, LanguageToExtension(DetectLanguage("x."+ext)), ext)
	}
	assert.Equal(t, "text", DetectLanguage("Makefile"))
	assert.Equal(t, "txt", LanguageToExtension("cobol"))
}
