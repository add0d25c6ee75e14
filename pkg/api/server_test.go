package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choiros/choird/pkg/agent"
	"github.com/choiros/choird/pkg/config"
	"github.com/choiros/choird/pkg/gitops"
	"github.com/choiros/choird/pkg/history"
	"github.com/choiros/choird/pkg/metrics"
	"github.com/choiros/choird/pkg/mood"
	"github.com/choiros/choird/pkg/orchestrator"
	"github.com/choiros/choird/pkg/sandbox"
	"github.com/choiros/choird/pkg/store"
	"github.com/choiros/choird/pkg/verifier"
)

type testServer struct {
	server *Server
	store  *store.Store
	root   string
}

func newTestServer(t *testing.T, cfg config.ServerConfig) *testServer {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".choir"), 0o755))

	st, err := store.Open(context.Background(), config.DatabaseConfig{
		Driver:       store.DriverSQLite,
		DSN:          filepath.Join(root, ".choir", "events.db"),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}, "testuser")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	srv, err := NewServer(Options{
		Config:   cfg,
		Store:    st,
		Repo:     gitops.NewRepo(root, st),
		Provider: sandbox.NewLocalProvider(filepath.Join(root, ".choir", "sandboxes")),
		History:  history.New(),
		Metrics:  metrics.MustNew(prometheus.NewRegistry()),
		SandboxConfig: sandbox.Config{
			UserID:        "testuser",
			WorkspaceID:   "ws-test",
			WorkspaceRoot: root,
		},
	})
	require.NoError(t, err)
	return &testServer{server: srv, store: st, root: root}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func initGitRepo(t *testing.T, root string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("seed\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial")
}

func TestHealthReportsOK(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{})

	rec := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["database"])
}

func TestWorkItemLifecycle(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{})

	rec := ts.do(t, http.MethodPost, "/work_item", map[string]any{
		"description":        "wire the frobnicator",
		"required_verifiers": []string{"V1"},
		"risk_tier":          "high",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	created := decode(t, rec)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "pending", created["status"])

	rec = ts.do(t, http.MethodGet, "/work_item/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "wire the frobnicator", decode(t, rec)["description"])

	rec = ts.do(t, http.MethodGet, "/work_items?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decode(t, rec)["work_items"].([]any)
	assert.Len(t, items, 1)

	rec = ts.do(t, http.MethodGet, "/work_item/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkItemValidation(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{})

	rec := ts.do(t, http.MethodPost, "/work_item", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/work_item", map[string]any{
		"description": "x",
		"status":      "bogus",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunLifecycle(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{})

	rec := ts.do(t, http.MethodPost, "/work_item", map[string]any{"description": "task"})
	workItemID := decode(t, rec)["id"].(string)

	rec = ts.do(t, http.MethodPost, "/run", map[string]any{
		"work_item_id": workItemID,
		"mood":         "curious",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	run := decode(t, rec)
	runID := run["id"].(string)
	assert.Equal(t, "CURIOUS", run["mood"])

	// a second active run for the same work item conflicts
	rec = ts.do(t, http.MethodPost, "/run", map[string]any{"work_item_id": workItemID})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPatch, "/run/"+runID, map[string]any{"status": "running"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/run/"+runID+"/note", map[string]any{
		"note_type": "note.observation",
		"body":      map[string]any{"event": "probe"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/run/"+runID+"/verify", map[string]any{
		"attestation": map[string]any{"verifier_id": "V1", "result": "pass"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/run/"+runID+"/commit_request", map[string]any{
		"payload": map[string]any{"commit_sha": "abc123"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/run/"+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decode(t, rec)
	assert.Len(t, doc["notes"], 2) // observation + commit request note
	assert.Len(t, doc["verifications"], 1)
	assert.Len(t, doc["commit_requests"], 1)

	rec = ts.do(t, http.MethodGet, "/runs?status=running", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["runs"], 1)
}

func TestRunStatusRegressionConflicts(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{})

	rec := ts.do(t, http.MethodPost, "/work_item", map[string]any{"description": "task"})
	workItemID := decode(t, rec)["id"].(string)
	rec = ts.do(t, http.MethodPost, "/run", map[string]any{
		"work_item_id": workItemID,
		"status":       "verifying",
	})
	runID := decode(t, rec)["id"].(string)

	rec = ts.do(t, http.MethodPatch, "/run/"+runID, map[string]any{"status": "created"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestNoteTypeMustBeNote(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{})

	rec := ts.do(t, http.MethodPost, "/work_item", map[string]any{"description": "task"})
	workItemID := decode(t, rec)["id"].(string)
	rec = ts.do(t, http.MethodPost, "/run", map[string]any{"work_item_id": workItemID})
	runID := decode(t, rec)["id"].(string)

	rec = ts.do(t, http.MethodPost, "/run/"+runID+"/note", map[string]any{
		"note_type": "file.write",
		"body":      map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAHDBStateAndEvents(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{})
	ctx := context.Background()

	_, err := ts.store.Append(ctx, "receipt.ahdb.delta", map[string]any{
		"delta": map[string]any{"focus": "api"},
	}, "agent")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/state/ahdb", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode(t, rec)["state"].(map[string]any)
	assert.Equal(t, "api", state["focus"])

	rec = ts.do(t, http.MethodGet, "/events?type=receipt.ahdb.delta", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["events"], 1)
}

func TestRebuildProjections(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{})

	rec := ts.do(t, http.MethodPost, "/rebuild", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Contains(t, body, "events_replayed")
}

func TestUndoRestoresFiles(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{})

	path := filepath.Join(ts.root, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))
	require.NoError(t, ts.server.history.SaveState(path))
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))

	rec := ts.do(t, http.MethodPost, "/undo?count=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["count"])

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(content))

	evs, err := ts.store.Events(context.Background(), 0, "undo", 10)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestGitEndpoints(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{})
	initGitRepo(t, ts.root)

	rec := ts.do(t, http.MethodGet, "/git/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, os.WriteFile(filepath.Join(ts.root, "b.txt"), []byte("b\n"), 0o644))
	rec = ts.do(t, http.MethodPost, "/git/checkpoint", map[string]any{"message": "add b"})
	require.Equal(t, http.StatusOK, rec.Code)
	cp := decode(t, rec)
	assert.Equal(t, true, cp["success"])
	sha := cp["commit_sha"].(string)
	require.NotEmpty(t, sha)

	rec = ts.do(t, http.MethodGet, "/git/log?count=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	commits := decode(t, rec)["commits"].([]any)
	assert.Len(t, commits, 2)

	// last_good is absent before any verified run
	rec = ts.do(t, http.MethodGet, "/git/last_good", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/git/revert", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGitRollbackUsesLastGood(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{})
	initGitRepo(t, ts.root)
	ctx := context.Background()

	repo := gitops.NewRepo(ts.root, nil)
	baseline := repo.HeadSHA(ctx)
	require.NoError(t, ts.store.SetLastGoodCheckpoint(ctx, store.LastGood{CommitSHA: baseline}))

	require.NoError(t, os.WriteFile(filepath.Join(ts.root, "README.md"), []byte("clobbered\n"), 0o644))
	_, err := repo.Checkpoint(ctx, "bad change")
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/git/rollback", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	result := body["result"].(map[string]any)
	assert.Equal(t, true, result["success"])
	assert.Equal(t, baseline, repo.HeadSHA(ctx))

	content, err := os.ReadFile(filepath.Join(ts.root, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "seed\n", string(content))
}

func TestSandboxLifecycle(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{})

	rec := ts.do(t, http.MethodPost, "/sandbox/exec", map[string]any{"argv": []string{"true"}})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/sandbox/create", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	handle := decode(t, rec)
	sandboxID := handle["sandbox_id"].(string)
	require.NotEmpty(t, sandboxID)

	// create is idempotent while a sandbox is active
	rec = ts.do(t, http.MethodPost, "/sandbox/create", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sandboxID, decode(t, rec)["sandbox_id"])

	rec = ts.do(t, http.MethodPost, "/sandbox/exec", map[string]any{
		"argv": []string{"sh", "-c", "echo hello"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode(t, rec)
	assert.EqualValues(t, 0, result["return_code"])
	assert.Contains(t, result["stdout"], "hello")

	rec = ts.do(t, http.MethodPost, "/sandbox/checkpoint", map[string]any{"label": "cp"})
	require.Equal(t, http.StatusOK, rec.Code)
	checkpointID := decode(t, rec)["checkpoint_id"].(string)
	require.NotEmpty(t, checkpointID)

	rec = ts.do(t, http.MethodPost, "/sandbox/restore", map[string]any{"checkpoint_id": checkpointID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/sandbox/restore", map[string]any{"checkpoint_id": "cp_bogus"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/sandbox/destroy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["destroyed"])

	rec = ts.do(t, http.MethodPost, "/sandbox/destroy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["destroyed"])
}

func TestBearerAuth(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{AuthToken: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/work_items", nil)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/work_items", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/work_items", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// health stays open
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAgentWebSocketRejectsEmptyPrompt(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{})

	httpSrv := httptest.NewServer(ts.server.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/agent"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"prompt": ""}))
	var frame agent.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, agent.FrameError, frame.Type)
	assert.Equal(t, "No prompt provided", frame.Content)

	// prompts without a configured harness get an error frame, not a close
	require.NoError(t, conn.WriteJSON(map[string]string{"prompt": "hello"}))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, agent.FrameError, frame.Type)
}

func TestAgentWebSocketRejectsOversizedPrompt(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{MaxFrameBytes: 64})

	httpSrv := httptest.NewServer(ts.server.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/agent"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"prompt": strings.Repeat("x", 256)}))
	var frame agent.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, agent.FrameError, frame.Type)
	assert.Equal(t, "Prompt exceeds maximum size", frame.Content)

	// the session survives the rejection
	require.NoError(t, conn.WriteJSON(map[string]string{"prompt": ""}))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, agent.FrameError, frame.Type)
	assert.Equal(t, "No prompt provided", frame.Content)
}

type stubExecutor struct {
	outcome *orchestrator.Outcome
	calls   int
}

func (s *stubExecutor) ExecuteWorkItem(ctx context.Context, workItemID string, seed mood.Mood) (*orchestrator.Outcome, error) {
	s.calls++
	return s.outcome, nil
}

func TestExecuteRun(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{})

	rec := ts.do(t, http.MethodPost, "/run/execute", map[string]any{"work_item_id": "wi-x"})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	stub := &stubExecutor{outcome: &orchestrator.Outcome{
		Run:             &store.Run{ID: "run-1", Status: store.RunVerified},
		Plan:            verifier.Plan{PlanID: "p1", VerifierIDs: []string{"V1"}},
		VerifierResults: []verifier.Result{{VerifierID: "V1", Status: "pass"}},
		CommitSHA:       "abc123",
	}}
	ts.server.executor = stub

	rec = ts.do(t, http.MethodPost, "/run/execute", map[string]any{"work_item_id": "wi-x"})
	assert.Equal(t, http.StatusNotFound, rec.Code) // work item must exist

	rec = ts.do(t, http.MethodPost, "/work_item", map[string]any{"description": "task"})
	workItemID := decode(t, rec)["id"].(string)

	rec = ts.do(t, http.MethodPost, "/run/execute", map[string]any{"work_item_id": workItemID})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, 1, stub.calls)
	assert.Equal(t, "abc123", body["commit_sha"])
	results := body["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, "pass", results[0].(map[string]any)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{})

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
