package filetree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"antivibe/internal/artifact"
	"antivibe/internal/project"
)

func codeArtifact() *artifact.Artifact {
	return &artifact.Artifact{
		Stage: project.StageEndpoints,
		Kind:  project.KindFiles,
		Files: []artifact.File{
			{Path: "routes.ts", Content: "import { db } from \"./db\";\nexport const list = () => db.all();\n"},
			{Path: "db.ts", Content: "export const db = { all: () => [] };\n"},
		},
	}
}

func TestMergeAddsFiles(t *testing.T) {
	tree, report := Merge(New(), codeArtifact())
	assert.Equal(t, []string{"db.ts", "routes.ts"}, tree.Paths())
	assert.Equal(t, []string{"db.ts", "routes.ts"}, report.Added)
	assert.Empty(t, report.Overwrites)

	f, ok := tree.Get("routes.ts")
	require.True(t, ok)
	assert.Equal(t, project.StageEndpoints, f.Stage)
	assert.Equal(t, "typescript", f.Language)
}

func TestMergeDoesNotMutateInput(t *testing.T) {
	base, _ := Merge(New(), codeArtifact())
	_, _ = Merge(base, &artifact.Artifact{
		Stage: project.StageTests,
		Files: []artifact.File{{Path: "db.ts", Content: "changed\n"}, {Path: "db.test.ts", Content: "test\n"}},
	})
	assert.Equal(t, 2, base.Len())
	f, _ := base.Get("db.ts")
	assert.Equal(t, "export const db = { all: () => [] };\n", f.Content)
}

func TestMergeIsIdempotentWithWarning(t *testing.T) {
	art := codeArtifact()
	once, _ := Merge(New(), art)
	twice, report := Merge(once, art)

	assert.Equal(t, once.Files(), twice.Files())
	assert.Equal(t, once.Manifest().Revision, twice.Manifest().Revision)
	require.Len(t, report.Overwrites, 2)
	for _, o := range report.Overwrites {
		assert.True(t, o.Identical)
		assert.Equal(t, project.StageEndpoints, o.PreviousStage)
	}
	assert.Len(t, report.Warnings(), 2)
	assert.Empty(t, report.Added)
}

func TestMergeLastStageWins(t *testing.T) {
	base, _ := Merge(New(), codeArtifact())
	next, report := Merge(base, &artifact.Artifact{
		Stage: project.StageRepair,
		Files: []artifact.File{{Path: "db.ts", Content: "export const db = { all: () => [], add: () => {} };\nexport default db;\n"}},
	})

	f, _ := next.Get("db.ts")
	assert.Equal(t, project.StageRepair, f.Stage)
	assert.Contains(t, f.Content, "add:")

	require.Len(t, report.Overwrites, 1)
	o := report.Overwrites[0]
	assert.False(t, o.Identical)
	assert.Equal(t, project.StageEndpoints, o.PreviousStage)
	assert.Equal(t, project.StageRepair, o.Stage)
	assert.Equal(t, "+2 -1 lines", o.Delta)
	assert.NotEmpty(t, o.Patch)
	assert.Contains(t, o.String(), "overwritten by REPAIR")
}

func TestMergeIsDeterministic(t *testing.T) {
	a, _ := Merge(New(), codeArtifact())
	b, _ := Merge(New(), codeArtifact())
	assert.Equal(t, a.Manifest(), b.Manifest())
}

func TestMergeDocumentContributesNothing(t *testing.T) {
	tree, report := Merge(New(), &artifact.Artifact{Stage: project.StagePlan, Kind: project.KindDocument, Text: "plan"})
	assert.Zero(t, tree.Len())
	assert.Empty(t, report.Added)
}

func TestFromFilesRejectsUnsafePaths(t *testing.T) {
	_, err := FromFiles(File{Path: "../escape.ts", Content: "x"})
	assert.Error(t, err)

	tree, err := FromFiles(File{Path: "./src/a.ts", Content: "x"})
	require.NoError(t, err)
	assert.True(t, tree.Has("src/a.ts"))
}

func TestImports(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		content string
		want    []string
	}{
		{
			name:    "es module",
			path:    "src/routes.ts",
			content: "import express from 'express';\nimport { db } from \"./db\";\nimport type { Todo } from '../models/todo';\n",
			want:    []string{"./db", "../models/todo"},
		},
		{
			name:    "multi line named import",
			path:    "src/a.ts",
			content: "import {\n  a,\n  b,\n} from './lib';\n",
			want:    []string{"./lib"},
		},
		{
			name:    "re-export and side effect",
			path:    "src/index.js",
			content: "export * from './users';\nimport './polyfills';\n",
			want:    []string{"./users", "./polyfills"},
		},
		{
			name:    "require and dynamic",
			path:    "app.js",
			content: "const db = require('./db');\nconst x = await import('./lazy');\n",
			want:    []string{"./db", "./lazy"},
		},
		{
			name:    "python relative",
			path:    "app/routes.py",
			content: "from flask import Flask\nfrom .models import Todo\nfrom ..config import settings\n",
			want:    []string{"./models", "../config"},
		},
		{
			name:    "python package import",
			path:    "app/main.py",
			content: "from . import models\nfrom .. import settings\n",
			want:    []string{"./", "../"},
		},
		{
			name:    "unknown language",
			path:    "README.md",
			content: "import x from './y'",
			want:    nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, imp := range Imports(tt.path, tt.content) {
				got = append(got, imp.Spec)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve(t *testing.T) {
	tree, err := FromFiles(
		File{Path: "src/db.ts", Content: ""},
		File{Path: "src/models/index.ts", Content: ""},
		File{Path: "app/models.py", Content: ""},
		File{Path: "app/services/todos.py", Content: ""},
		File{Path: "app/db/__init__.py", Content: ""},
	)
	require.NoError(t, err)

	tests := []struct {
		from, spec string
		want       string
		ok         bool
	}{
		{"src/routes.ts", "./db", "src/db.ts", true},
		{"src/routes.ts", "./db.js", "src/db.ts", true},
		{"src/routes.ts", "./models", "src/models/index.ts", true},
		{"app/routes.py", "./models", "app/models.py", true},
		{"app/routes.py", "./db", "app/db/__init__.py", true},
		{"app/routes.py", "./services", "app/services", true},
		{"app/routes.py", "./services/todos", "app/services/todos.py", true},
		{"app/routes.py", "./", "app", true},
		{"app/routes.py", "./cache", "", false},
		{"src/routes.ts", "./auth", "", false},
		{"routes.ts", "../outside", "", false},
	}
	for _, tt := range tests {
		got, ok := tree.Resolve(Import{From: tt.from, Spec: tt.spec})
		assert.Equal(t, tt.ok, ok, "%s -> %s", tt.from, tt.spec)
		assert.Equal(t, tt.want, got)
	}

	assert.Equal(t, "src/auth.ts", ExpectedPath(Import{From: "src/routes.ts", Spec: "./auth"}))
	assert.Equal(t, "app/auth.py", ExpectedPath(Import{From: "app/routes.py", Spec: "./auth"}))
}

func TestWriteOrderDependenciesFirst(t *testing.T) {
	tree, err := FromFiles(
		File{Path: "routes.ts", Content: "import { db } from './db';\nimport { auth } from './auth';\n"},
		File{Path: "db.ts", Content: "import { cfg } from './config';\n"},
		File{Path: "config.ts", Content: "export const cfg = {};\n"},
		File{Path: "auth.ts", Content: "export const auth = {};\n"},
		File{Path: "README.md", Content: "# x\n"},
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"README.md", "auth.ts", "config.ts", "db.ts", "routes.ts"}, tree.WriteOrder())
}

func TestWriteOrderBreaksCycles(t *testing.T) {
	tree, err := FromFiles(
		File{Path: "b.ts", Content: "import './a';\n"},
		File{Path: "a.ts", Content: "import './b';\n"},
		File{Path: "c.ts", Content: "import './a';\n"},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.ts", "b.ts", "c.ts"}, tree.WriteOrder())
}

func TestManifestRevision(t *testing.T) {
	tree, _ := Merge(New(), codeArtifact())
	m := tree.Manifest()
	require.Len(t, m.Files, 2)
	assert.Equal(t, "db.ts", m.Files[0].Path)
	assert.Len(t, m.Files[0].SHA256, 64)
	assert.Len(t, m.Revision, 64)
	assert.Equal(t, int64(len("export const db = { all: () => [] };\n")), m.Files[0].Size)

	changed, _ := Merge(tree, &artifact.Artifact{Stage: project.StageRepair, Files: []artifact.File{{Path: "db.ts", Content: "x\n"}}})
	assert.NotEqual(t, m.Revision, changed.Manifest().Revision)
	assert.Equal(t, "empty", New().Manifest().Revision)
}
