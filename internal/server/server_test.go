package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"antivibe/internal/ai"
	"antivibe/internal/config"
	"antivibe/internal/orchestrator"
	"antivibe/internal/project"
)

const testSecret = "q7Zp-2vLx!9KmT4r#Wc8Ny6Hb1Fd3Gs5Je0"

func init() {
	gin.SetMode(gin.TestMode)
}

func fileBlock(path, body string) string {
	return "// File: " + path + "\n```ts\n" + body + "```\n"
}

func replayResponses() map[project.Stage][]string {
	return map[project.Stage][]string{
		project.StagePlan:      {"# Plan\n\nStore rows in src/db.ts, handlers in src/routes.ts.\n"},
		project.StageSchema:    {fileBlock("src/db.ts", "export const rows: string[] = [];\n")},
		project.StageEndpoints: {fileBlock("src/routes.ts", "import { rows } from \"./db\";\n\nexport function createNote(n: string) {\n  rows.push(n);\n}\n\nexport function listNotes() {\n  return rows;\n}\n")},
		project.StageTests:     {fileBlock("src/routes.test.ts", "import { createNote, listNotes } from \"./routes\";\n\ncreateNote(\"a\");\nexport const ok = listNotes().length === 1;\n")},
		project.StageDocs:      {"// File: README.md\n```markdown\n# notes-api\n\nCreate and list notes.\n```\n"},
	}
}

const buildBody = `{"name":"notes-api","description":"Notes","techStack":{"backend":"express"},"features":["create note","list notes"]}`

// gatedClient blocks every call until release is closed or the call's
// context ends.
type gatedClient struct {
	*ai.ReplayClient
	release chan struct{}
	once    sync.Once
}

func (g *gatedClient) Complete(ctx context.Context, req *ai.Request) (*ai.Response, error) {
	select {
	case <-g.release:
		return g.ReplayClient.Complete(ctx, req)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gatedClient) open() { g.once.Do(func() { close(g.release) }) }

func newTestServer(t *testing.T, client ai.CompletionClient, cfg Config) *Server {
	t.Helper()
	orch, err := orchestrator.New(orchestrator.Options{Provider: ai.ProviderReplay, MaxTokens: 200_000},
		orchestrator.WithClient(client), orchestrator.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	if cfg.BuildRoot == "" {
		cfg.BuildRoot = t.TempDir()
	}
	s, err := New(orch, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func startBuild(t *testing.T, h http.Handler, body string) string {
	t.Helper()
	w := do(t, h, http.MethodPost, "/api/v1/builds", body, "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp struct {
		BuildID string `json:"build_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.BuildID)
	return resp.BuildID
}

func waitDone(t *testing.T, s *Server, id string) {
	t.Helper()
	b, ok := s.Registry().Get(id)
	require.True(t, ok)
	select {
	case <-b.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("build did not finish")
	}
}

func getView(t *testing.T, h http.Handler, id string) BuildView {
	t.Helper()
	w := do(t, h, http.MethodGet, "/api/v1/builds/"+id, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var v BuildView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, ai.NewReplayClient(replayResponses()), Config{})
	w := do(t, s.Router(), http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestCreateBuildRunsToDone(t *testing.T) {
	s := newTestServer(t, ai.NewReplayClient(replayResponses()), Config{})
	h := s.Router()

	id := startBuild(t, h, buildBody)
	waitDone(t, s, id)

	v := getView(t, h, id)
	assert.Equal(t, StatusDone, v.Status)
	assert.Equal(t, orchestrator.StateDone, v.FSM.State)
	require.NotNil(t, v.Summary)
	assert.Equal(t, 4, v.Summary.FilesWritten)
	assert.Nil(t, v.Failure)
	assert.Equal(t, filepath.Join(s.root, "notes-api", id), v.OutputPath)

	_, err := os.Stat(filepath.Join(v.OutputPath, project.ManifestName))
	assert.NoError(t, err)

	w := do(t, h, http.MethodDelete, "/api/v1/builds/"+id, "", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateBuildRejectsBadRequests(t *testing.T) {
	s := newTestServer(t, ai.NewReplayClient(replayResponses()), Config{})
	h := s.Router()

	tests := []struct {
		name string
		body string
		code string
	}{
		{"malformed json", `{"name":`, "INVALID_PROJECT"},
		{"unknown field", `{"name":"a","features":["x"],"color":"red"}`, "INVALID_PROJECT"},
		{"client output path", `{"name":"a","features":["x"],"outputPath":"/etc"}`, "INVALID_PROJECT"},
		{"no features", `{"name":"a"}`, "INVALID_PROJECT"},
		{"bad name", `{"name":"Not A Slug","features":["x"]}`, "INVALID_PROJECT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/api/v1/builds", tt.body, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.code)
		})
	}
	assert.Zero(t, s.Registry().Len())
}

func TestBudgetOverrideApplies(t *testing.T) {
	replay := ai.NewReplayClient(replayResponses())
	s := newTestServer(t, replay, Config{})
	h := s.Router()

	id := startBuild(t, h, `{"name":"notes-api","features":["create note"],"maxTokens":10}`)
	waitDone(t, s, id)

	v := getView(t, h, id)
	assert.Equal(t, StatusFailed, v.Status)
	require.NotNil(t, v.Failure)
	assert.Equal(t, orchestrator.ReasonBudgetExceeded, v.Failure.Reason)
	assert.Equal(t, "PLAN", v.Failure.Stage)
	assert.Empty(t, replay.Requests())
	assert.Equal(t, 200_000, s.orch.Options().MaxTokens, "overrides never change the shared orchestrator")
}

func TestCancelBuild(t *testing.T) {
	client := &gatedClient{ReplayClient: ai.NewReplayClient(replayResponses()), release: make(chan struct{})}
	s := newTestServer(t, client, Config{})
	h := s.Router()

	id := startBuild(t, h, buildBody)
	w := do(t, h, http.MethodDelete, "/api/v1/builds/"+id, "", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	waitDone(t, s, id)

	v := getView(t, h, id)
	assert.Equal(t, StatusFailed, v.Status)
	require.NotNil(t, v.Failure)
	assert.Equal(t, orchestrator.ReasonCancelled, v.Failure.Reason)
	assert.Equal(t, orchestrator.StateFailed, v.FSM.State)

	_, err := os.Stat(filepath.Join(s.root, "notes-api", id))
	assert.True(t, os.IsNotExist(err), "a cancelled build writes nothing")

	w = do(t, h, http.MethodGet, "/api/v1/builds/missing", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestShutdownCancelsRunningBuilds(t *testing.T) {
	client := &gatedClient{ReplayClient: ai.NewReplayClient(replayResponses()), release: make(chan struct{})}
	s := newTestServer(t, client, Config{})
	h := s.Router()
	id := startBuild(t, h, buildBody)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	v := getView(t, h, id)
	assert.Equal(t, StatusFailed, v.Status)
	assert.Equal(t, orchestrator.ReasonCancelled, v.Failure.Reason)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, ai.NewReplayClient(replayResponses()), Config{JWTSecret: testSecret})
	h := s.Router()

	w := do(t, h, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code, "health is public")

	w = do(t, h, http.MethodGet, "/api/v1/builds/x", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "AUTH_HEADER_MISSING")

	w = do(t, h, http.MethodGet, "/api/v1/builds/x", "", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_TOKEN")

	other, err := config.IssueToken("some-other-secret-0123456789-abcdef", "ci", time.Hour, time.Now())
	require.NoError(t, err)
	w = do(t, h, http.MethodGet, "/api/v1/builds/x", "", other)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired, err := config.IssueToken(testSecret, "ci", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	w = do(t, h, http.MethodGet, "/api/v1/builds/x", "", expired)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "TOKEN_EXPIRED")

	good, err := config.IssueToken(testSecret, "ci", time.Hour, time.Now())
	require.NoError(t, err)
	w = do(t, h, http.MethodGet, "/api/v1/builds/x", "", good)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/builds/x?access_token="+good, "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func readEvents(t *testing.T, url string) []EventMessage {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	var msgs []EventMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	for {
		var msg EventMessage
		if err := conn.ReadJSON(&msg); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected read error: %v", err)
			return msgs
		}
		msgs = append(msgs, msg)
	}
}

func eventTypes(msgs []EventMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Type)
	}
	return out
}

func TestEventsStreamFinishedBuild(t *testing.T) {
	s := newTestServer(t, ai.NewReplayClient(replayResponses()), Config{})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	id := startBuild(t, srv.Config.Handler, buildBody)
	waitDone(t, s, id)

	msgs := readEvents(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/builds/"+id+"/events")
	assert.Equal(t, []string{
		"build:fsm:start",
		"build:fsm:stage_complete",
		"build:fsm:stage_complete",
		"build:fsm:stage_complete",
		"build:fsm:stage_complete",
		"build:fsm:stage_complete",
		"build:fsm:validation_pass",
		"build:fsm:published",
		"build:done",
	}, eventTypes(msgs))
	assert.Equal(t, "INIT", msgs[0].Data["from_state"])
	assert.Equal(t, "DONE", msgs[7].Data["to_state"])
	assert.Equal(t, id, msgs[0].BuildID)
}

func TestEventsStreamLiveBuild(t *testing.T) {
	client := &gatedClient{ReplayClient: ai.NewReplayClient(replayResponses()), release: make(chan struct{})}
	s := newTestServer(t, client, Config{})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	id := startBuild(t, srv.Config.Handler, buildBody)

	var (
		msgs []EventMessage
		wg   sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		msgs = readEvents(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/builds/"+id+"/events")
	}()
	// Let the stream attach mid-build before the first completion returns.
	time.Sleep(50 * time.Millisecond)
	client.open()
	wg.Wait()

	types := eventTypes(msgs)
	require.NotEmpty(t, types)
	assert.Equal(t, "build:fsm:start", types[0])
	assert.Equal(t, "build:done", types[len(types)-1])
	assert.Len(t, types, 9, "every transition exactly once")
}

func TestEventsUnknownBuild(t *testing.T) {
	s := newTestServer(t, ai.NewReplayClient(replayResponses()), Config{})
	w := do(t, s.Router(), http.MethodGet, "/api/v1/builds/nope/events", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
