package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"antivibe/internal/ai"
	"antivibe/internal/artifact"
	"antivibe/internal/budget"
	"antivibe/internal/project"
	"antivibe/internal/spend"
	"antivibe/internal/validation"
)

const (
	planMD = "# Plan\n\nAn in-memory store in src/db.ts and route handlers in src/routes.ts.\n"
	dbTS   = "const rows: { title: string }[] = [];\n\nexport const db = {\n  insert: (row: { title: string }) => { rows.push(row); return row; },\n  all: () => rows,\n};\n"
	routes = "import { db } from \"./db\";\n\nexport function createTodo(title: string) {\n  return db.insert({ title });\n}\n\nexport function listTodos() {\n  return db.all();\n}\n"
	testTS = "import { createTodo, listTodos } from \"./routes\";\n\nexport function run() {\n  createTodo(\"milk\");\n  return listTodos().length === 1;\n}\n"
	readme = "# todo-api\n\nCreate and list todos.\n"
	authTS = "export function requireAuth(token: string): boolean {\n  return token.length > 0;\n}\n"
)

func fileBlock(path, lang, body string) string {
	return "// File: " + path + "\n```" + lang + "\n" + body + "```\n\n"
}

func todoResponses() map[project.Stage][]string {
	return map[project.Stage][]string{
		project.StagePlan:      {planMD},
		project.StageSchema:    {fileBlock("src/db.ts", "ts", dbTS)},
		project.StageEndpoints: {fileBlock("src/routes.ts", "ts", routes)},
		project.StageTests:     {fileBlock("src/routes.test.ts", "ts", testTS)},
		project.StageDocs:      {fileBlock("README.md", "markdown", readme)},
	}
}

func todoConfig(t *testing.T) project.Config {
	t.Helper()
	return project.Config{
		Name:        "todo-api",
		Description: "A small REST API for todos.",
		TechStack:   map[string]string{"backend": "express", "database": "in-memory", "testing": "vitest"},
		Features:    []string{"create todo", "list todos"},
		OutputPath:  filepath.Join(t.TempDir(), "out"),
	}
}

func testOptions() Options {
	return Options{
		Provider:       ai.ProviderReplay,
		MaxTokens:      200_000,
		ThinkingBudget: 4_000,
		CallTimeout:    5 * time.Second,
	}
}

func newTestOrchestrator(t *testing.T, opts Options, client ai.CompletionClient, deps ...Option) *Orchestrator {
	t.Helper()
	deps = append([]Option{WithClient(client), WithLogger(zap.NewNop())}, deps...)
	o, err := New(opts, deps...)
	require.NoError(t, err)
	o.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return o
}

func TestBuildTodoAPIReachesDone(t *testing.T) {
	replay := ai.NewReplayClient(todoResponses())
	o := newTestOrchestrator(t, testOptions(), replay)
	cfg := todoConfig(t)

	res, err := o.BuildProject(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, 4, res.Summary.FilesWritten)
	assert.Equal(t, 0, res.Summary.Repairs)
	assert.Equal(t, 5, res.Summary.Calls)
	assert.LessOrEqual(t, res.Summary.Budget.TokensSpent, 200_000)
	assert.Equal(t, []string{"README.md", "src/db.ts", "src/routes.test.ts", "src/routes.ts"}, res.Tree.Paths())

	last := res.Transitions[len(res.Transitions)-1]
	assert.Equal(t, StateDone, last.To)
	var states []State
	for _, tr := range res.Transitions {
		states = append(states, tr.To)
	}
	assert.Equal(t, []State{StatePlanning, StateSchemaGen, StateCodeGen, StateTestGen, StateDocsGen, StateValidating, StatePublishing, StateDone}, states)

	got, err := os.ReadFile(filepath.Join(cfg.OutputPath, "src", "routes.ts"))
	require.NoError(t, err)
	assert.Equal(t, routes, string(got))
	_, err = os.Stat(filepath.Join(cfg.OutputPath, project.ManifestName))
	assert.NoError(t, err)

	// Later stages see earlier artifacts verbatim.
	reqs := replay.Requests()
	require.Len(t, reqs, 5)
	assert.Contains(t, reqs[2].Prompt, planMD[:20])
	assert.Contains(t, reqs[2].Prompt, "export const db")
}

func TestBuildMissingImportTriggersOneRepair(t *testing.T) {
	responses := todoResponses()
	withAuth := "import { db } from \"./db\";\nimport { requireAuth } from \"./auth\";\n" + routes[len("import { db } from \"./db\";\n"):]
	responses[project.StageEndpoints] = []string{fileBlock("src/routes.ts", "ts", withAuth)}
	responses[project.StageRepair] = []string{fileBlock("src/auth.ts", "ts", authTS)}
	replay := ai.NewReplayClient(responses)
	o := newTestOrchestrator(t, testOptions(), replay)

	res, err := o.BuildProject(context.Background(), todoConfig(t))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.Repairs)
	assert.Equal(t, 1, replay.Calls(project.StageRepair))
	assert.True(t, res.Tree.Has("src/auth.ts"))

	var repairPrompt string
	for _, r := range replay.Requests() {
		if r.Stage == project.StageRepair {
			repairPrompt = r.Prompt
		}
	}
	assert.Contains(t, repairPrompt, "src/auth.ts")
}

func TestBuildValidationExhausted(t *testing.T) {
	responses := todoResponses()
	withAuth := "import { requireAuth } from \"./auth\";\n" + routes
	responses[project.StageEndpoints] = []string{fileBlock("src/routes.ts", "ts", withAuth)}
	responses[project.StageRepair] = []string{fileBlock("src/notes.ts", "ts", "export const notes = [];\n")}
	replay := ai.NewReplayClient(responses)
	o := newTestOrchestrator(t, testOptions(), replay)
	cfg := todoConfig(t)

	_, err := o.BuildProject(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationExhausted)

	var failure *BuildFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, ReasonValidationExhausted, failure.Reason)
	assert.Equal(t, StateValidating, failure.State)
	require.NotNil(t, failure.Report)
	require.Len(t, failure.Report.Violations, 1)
	assert.Equal(t, "src/auth.ts", failure.Report.Violations[0].Target)
	assert.Equal(t, DefaultMaxRepairs, replay.Calls(project.StageRepair))

	_, statErr := os.Stat(cfg.OutputPath)
	assert.True(t, os.IsNotExist(statErr))
}

type fixedEstimator int

func (f fixedEstimator) EstimateInputTokens(int) int { return int(f) }

func TestBudgetExceededBeforeAnyCall(t *testing.T) {
	replay := ai.NewReplayClient(todoResponses())
	opts := testOptions()
	opts.MaxTokens = 100
	opts.ThinkingBudget = 0
	o := newTestOrchestrator(t, opts, replay, WithEstimator(fixedEstimator(150)))

	_, err := o.BuildProject(context.Background(), todoConfig(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, budget.ErrBudgetExceeded)

	var failure *BuildFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, project.StagePlan, failure.Stage)
	assert.Equal(t, StatePlanning, failure.State)
	assert.Equal(t, 0, failure.ArtifactCount)
	assert.Empty(t, replay.Requests(), "no completion call may be issued")
}

func TestCommittedTokensNeverExceedCeiling(t *testing.T) {
	for _, ceiling := range []int{1_500, 3_000, 6_000, 12_000} {
		replay := ai.NewReplayClient(todoResponses())
		opts := testOptions()
		opts.MaxTokens = ceiling
		o := newTestOrchestrator(t, opts, replay)

		s, err := o.NewSession(todoConfig(t))
		require.NoError(t, err)
		_, err = o.Run(context.Background(), s)
		if err != nil {
			assert.ErrorIs(t, err, budget.ErrBudgetExceeded)
		}
		sum := s.Ledger.Summary()
		assert.LessOrEqual(t, sum.TokensSpent, ceiling)
		assert.Zero(t, sum.TokensReserved, "no hold outlives its call")

		calls := 0
		for _, st := range sum.Stages {
			calls += st.Calls
		}
		assert.Equal(t, len(replay.Requests()), calls, "every issued call was committed")
	}
}

func TestProviderBilledUsageStaysWithinCeilings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			MaxTokens int `json:"max_tokens"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		body, err := json.Marshal(map[string]any{
			"content": []map[string]string{
				{"type": "thinking", "thinking": "hmm"},
				{"type": "text", "text": planMD + fileBlock("src/db.ts", "ts", dbTS)},
			},
			"usage": map[string]int{"input_tokens": 10, "output_tokens": req.MaxTokens},
		})
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	opts := testOptions()
	opts.Provider = ai.ProviderClaude
	opts.MaxTokens = 20_000
	opts.ThinkingBudget = 4_000
	client := ai.NewClaudeClient("sk-ant-test", "claude-test", ai.WithClaudeBaseURL(srv.URL))
	o := newTestOrchestrator(t, opts, client)

	s, err := o.NewSession(todoConfig(t))
	require.NoError(t, err)
	_, _ = o.Run(context.Background(), s)

	sum := s.Ledger.Summary()
	assert.Positive(t, sum.TokensSpent)
	assert.LessOrEqual(t, sum.TokensSpent, sum.Ceilings.Tokens)
	assert.LessOrEqual(t, sum.ThinkingSpent, sum.Ceilings.Thinking)
}

type blockingClient struct {
	*ai.ReplayClient
	stage   project.Stage
	started chan struct{}
	once    sync.Once
}

func (b *blockingClient) Complete(ctx context.Context, req *ai.Request) (*ai.Response, error) {
	if req.Stage == b.stage {
		b.once.Do(func() { close(b.started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return b.ReplayClient.Complete(ctx, req)
}

func TestCancelDuringCodeGenWritesNothing(t *testing.T) {
	client := &blockingClient{ReplayClient: ai.NewReplayClient(todoResponses()), stage: project.StageEndpoints, started: make(chan struct{})}
	o := newTestOrchestrator(t, testOptions(), client)
	cfg := todoConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-client.started
		cancel()
	}()

	_, err := o.BuildProject(ctx, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)

	var failure *BuildFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, StateCodeGen, failure.State)
	assert.Equal(t, project.StageEndpoints, failure.Stage)
	assert.Equal(t, 2, failure.ArtifactCount)

	_, statErr := os.Stat(cfg.OutputPath)
	assert.True(t, os.IsNotExist(statErr))
	entries, err := os.ReadDir(filepath.Dir(cfg.OutputPath))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBuildIsDeterministic(t *testing.T) {
	run := func() (*BuildResult, []*ai.Request) {
		replay := ai.NewReplayClient(todoResponses())
		res, err := newTestOrchestrator(t, testOptions(), replay).BuildProject(context.Background(), todoConfig(t))
		require.NoError(t, err)
		return res, replay.Requests()
	}
	first, firstReqs := run()
	second, secondReqs := run()

	assert.Equal(t, first.Manifest.Revision, second.Manifest.Revision)
	require.Len(t, second.Artifacts, len(first.Artifacts))
	for i := range first.Artifacts {
		assert.Equal(t, first.Artifacts[i].Text, second.Artifacts[i].Text)
		assert.Equal(t, first.Artifacts[i].Files, second.Artifacts[i].Files)
	}
	require.Len(t, secondReqs, len(firstReqs))
	for i := range firstReqs {
		// Prompts embed the output path, which differs per run.
		a := strings.ReplaceAll(firstReqs[i].Prompt, first.OutputPath, "")
		b := strings.ReplaceAll(secondReqs[i].Prompt, second.OutputPath, "")
		assert.Equal(t, a, b, "prompt %d", i)
	}
}

func TestParseErrorRepromptsOnce(t *testing.T) {
	responses := todoResponses()
	responses[project.StageSchema] = []string{"Sure, here is the schema: a table of todos.", fileBlock("src/db.ts", "ts", dbTS)}
	replay := ai.NewReplayClient(responses)

	_, err := newTestOrchestrator(t, testOptions(), replay).BuildProject(context.Background(), todoConfig(t))
	require.NoError(t, err)
	assert.Equal(t, 2, replay.Calls(project.StageSchema))

	var schemaReqs []*ai.Request
	for _, r := range replay.Requests() {
		if r.Stage == project.StageSchema {
			schemaReqs = append(schemaReqs, r)
		}
	}
	require.Len(t, schemaReqs, 2)
	assert.NotContains(t, schemaReqs[0].Prompt, "The rejected response began")
	assert.Contains(t, schemaReqs[1].Prompt, "The rejected response began")
}

func TestParseErrorAfterClarificationFails(t *testing.T) {
	responses := todoResponses()
	responses[project.StageSchema] = []string{"no files here"}
	replay := ai.NewReplayClient(responses)

	_, err := newTestOrchestrator(t, testOptions(), replay).BuildProject(context.Background(), todoConfig(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, artifact.ErrParse)

	var failure *BuildFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, ReasonParse, failure.Reason)
	assert.Equal(t, project.StageSchema, failure.Stage)
	assert.Equal(t, "no files here", failure.RawOutput)
	assert.Equal(t, 1, failure.ArtifactCount)
	assert.Equal(t, 2, replay.Calls(project.StageSchema))
}

type flakyClient struct {
	*ai.ReplayClient
	mu       sync.Mutex
	failures []error
}

func (f *flakyClient) Complete(ctx context.Context, req *ai.Request) (*ai.Response, error) {
	f.mu.Lock()
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()
	return f.ReplayClient.Complete(ctx, req)
}

func TestRetryableProviderErrorsAreRetried(t *testing.T) {
	client := &flakyClient{
		ReplayClient: ai.NewReplayClient(todoResponses()),
		failures: []error{
			ai.NewProviderError("replay", ai.ClassRateLimit, 429, "slow down", nil),
			ai.NewProviderError("replay", ai.ClassServiceError, 503, "overloaded", nil),
		},
	}
	journal, err := spend.Open(":memory:")
	require.NoError(t, err)
	defer journal.Close()

	o := newTestOrchestrator(t, testOptions(), client, WithRecorder(journal))
	var delays []time.Duration
	o.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	res, err := o.BuildProject(context.Background(), todoConfig(t))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, delays)

	_, events, err := journal.BuildSpend(context.Background(), res.BuildID)
	require.NoError(t, err)
	require.Len(t, events, 7, "two failed attempts plus five successful calls")
	assert.Equal(t, spend.StatusFailed, events[0].Status)
	assert.Equal(t, "rate_limit", events[0].ErrorClass)
	assert.Equal(t, 3, events[2].Attempt)
	assert.Equal(t, spend.StatusSuccess, events[2].Status)
}

func TestRetriesAreBounded(t *testing.T) {
	rateLimited := ai.NewProviderError("replay", ai.ClassRateLimit, 429, "slow down", nil)
	client := &flakyClient{ReplayClient: ai.NewReplayClient(todoResponses()), failures: []error{rateLimited, rateLimited, rateLimited, rateLimited}}

	_, err := newTestOrchestrator(t, testOptions(), client).BuildProject(context.Background(), todoConfig(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ai.ErrProvider)
	var failure *BuildFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, ReasonProvider, failure.Reason)
	assert.Equal(t, project.StagePlan, failure.Stage)
	client.mu.Lock()
	assert.Len(t, client.failures, 1, "exactly MaxAttempts calls were made")
	client.mu.Unlock()
}

func TestNonRetryableProviderErrorFailsImmediately(t *testing.T) {
	client := &flakyClient{
		ReplayClient: ai.NewReplayClient(todoResponses()),
		failures:     []error{ai.NewProviderError("replay", ai.ClassUnauthorized, 401, "bad key", nil)},
	}
	_, err := newTestOrchestrator(t, testOptions(), client).BuildProject(context.Background(), todoConfig(t))
	require.Error(t, err)
	var pe *ai.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ai.ClassUnauthorized, pe.Class)
	assert.Empty(t, client.Requests())
}

func TestInvalidProjectConfigRunsNoStage(t *testing.T) {
	replay := ai.NewReplayClient(todoResponses())
	cfg := todoConfig(t)
	cfg.Name = ""
	cfg.Features = nil

	_, err := newTestOrchestrator(t, testOptions(), replay).BuildProject(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)
	var cerr *project.ConfigError
	require.True(t, errors.As(err, &cerr))
	var failure *BuildFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, StateInit, failure.State)
	assert.Empty(t, replay.Requests())
}

func TestFeatureFanout(t *testing.T) {
	replay := ai.NewReplayClient(todoResponses())
	opts := testOptions()
	opts.FeatureFanout = 2

	res, err := newTestOrchestrator(t, opts, replay).BuildProject(context.Background(), todoConfig(t))
	require.NoError(t, err)
	assert.Equal(t, 2, replay.Calls(project.StageEndpoints))

	var focused []string
	for _, r := range replay.Requests() {
		if r.Stage == project.StageEndpoints {
			focused = append(focused, r.Prompt)
		}
	}
	require.Len(t, focused, 2)
	joined := strings.Join(focused, "\n")
	assert.Contains(t, joined, "Feature 1: create todo")
	assert.Contains(t, joined, "Feature 2: list todos")

	// Both features produced src/routes.ts; the second is a traced overwrite.
	require.Len(t, res.Summary.Overwrites, 1)
	assert.Equal(t, "src/routes.ts", res.Summary.Overwrites[0].Path)
	assert.True(t, res.Summary.Overwrites[0].Identical)
}

func TestSessionRunsOnce(t *testing.T) {
	o := newTestOrchestrator(t, testOptions(), ai.NewReplayClient(todoResponses()))
	s, err := o.NewSession(todoConfig(t))
	require.NoError(t, err)
	_, err = o.Run(context.Background(), s)
	require.NoError(t, err)
	_, err = o.Run(context.Background(), s)
	assert.Error(t, err)
}

func TestSessionsAreIndependent(t *testing.T) {
	o := newTestOrchestrator(t, testOptions(), ai.NewReplayClient(todoResponses()))
	var wg sync.WaitGroup
	results := make([]*BuildResult, 3)
	errs := make([]error, 3)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = o.BuildProject(context.Background(), todoConfig(t))
		}()
	}
	wg.Wait()
	ids := map[string]bool{}
	for i := range results {
		require.NoError(t, errs[i])
		ids[results[i].BuildID] = true
		assert.Equal(t, 5, results[i].Summary.Calls)
	}
	assert.Len(t, ids, 3)
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	_, err := New(Options{Provider: ai.ProviderReplay, MaxTokens: 0, ThinkingBudget: -1}, WithClient(ai.NewReplayClient(todoResponses())))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)
	assert.Contains(t, err.Error(), "maxTokens")
	assert.Contains(t, err.Error(), "thinkingBudget")

	_, err = New(Options{Provider: ai.ProviderClaude, MaxTokens: 1000})
	assert.ErrorIs(t, err, ErrConfig, "a missing API key is a configuration error")

	_, err = New(Options{Provider: ai.ProviderReplay, MaxTokens: 1000, Validation: validation.Config{Checks: []string{"nope"}}}, WithClient(ai.NewReplayClient(nil)))
	assert.ErrorIs(t, err, ErrConfig)
}

func TestValidateThinkingAndCallCeilings(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		max      int
		thinking int
		wantErr  string
	}{
		{"claude thinking below minimum", ai.ProviderClaude, 20_000, 500, "at least 1024"},
		{"claude thinking off", ai.ProviderClaude, 20_000, 0, ""},
		{"claude thinking at minimum", ai.ProviderClaude, 20_000, 1024, ""},
		{"small thinking elsewhere", ai.ProviderGemini, 20_000, 500, ""},
		{"max tokens beyond int32", ai.ProviderGemini, math.MaxInt32 + 1, 0, "must not exceed"},
		{"sum beyond int32", ai.ProviderGemini, math.MaxInt32 - 10, 4096, "must not exceed"},
		{"sum at int32", ai.ProviderGemini, math.MaxInt32 - 4096, 4096, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			opts.Provider, opts.MaxTokens, opts.ThinkingBudget = tt.provider, tt.max, tt.thinking
			err := opts.withDefaults().Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRetryDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{5, 8 * time.Second},
		{9, 8 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}
