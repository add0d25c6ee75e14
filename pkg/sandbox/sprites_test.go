package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choiros/choird/pkg/config"
)

func newSpritesProvider(t *testing.T, handler http.Handler) *SpritesProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewSpritesProvider(config.SpritesConfig{
		BaseURL:        srv.URL,
		Token:          "secret",
		RequestTimeout: 5 * time.Second,
		WSExec:         true,
	})
}

func TestSpritesCreateRecordsURL(t *testing.T) {
	var gotAuth, gotPath string
	p := newSpritesProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.Method + " " + r.URL.Path
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ws1", body["name"])
		_ = json.NewEncoder(w).Encode(map[string]any{"url": "https://ws1.sprites.app"})
	}))

	handle, err := p.Create(context.Background(), Config{UserID: "u1", WorkspaceID: "ws1"})
	require.NoError(t, err)
	assert.Equal(t, "ws1", handle.SandboxID)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "POST /v1/sprites", gotPath)

	// Proxy lookup hits the cached URL without another API call.
	proxy, err := p.OpenProxy(context.Background(), handle, 8080)
	require.NoError(t, err)
	assert.Equal(t, "https://ws1.sprites.app", proxy.URL)
}

func TestSpritesRunParsesExecResponse(t *testing.T) {
	p := newSpritesProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sprites/ws1/exec", r.URL.Path)
		assert.Equal(t, []string{"go", "test", "./..."}, r.URL.Query()["cmd"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"exit_code": 1, "stdout": "FAIL", "stderr": "exit status 1",
		})
	}))

	handle := &Handle{SandboxID: "ws1", Config: Config{WorkspaceID: "ws1"}}
	res, err := p.Run(context.Background(), Command{
		Argv:    []string{"go", "test", "./..."},
		Sandbox: handle,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ReturnCode)
	assert.Equal(t, "FAIL", res.Stdout)
	assert.Equal(t, "exit status 1", res.Stderr)
}

func TestSpritesCheckpointParsesStreamedID(t *testing.T) {
	p := newSpritesProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sprites/ws1/checkpoint", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":"creating checkpoint"}` + "\n" +
			`{"data":"checkpoint v7 created"}` + "\n"))
	}))

	handle := &Handle{SandboxID: "ws1", Config: Config{WorkspaceID: "ws1"}}
	cp, err := p.Checkpoint(context.Background(), handle, "post-verify")
	require.NoError(t, err)
	assert.Equal(t, "v7", cp.CheckpointID)
}

func TestSpritesRestoreUnknownCheckpoint(t *testing.T) {
	p := newSpritesProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such checkpoint", http.StatusNotFound)
	}))

	handle := &Handle{SandboxID: "ws1", Config: Config{WorkspaceID: "ws1"}}
	err := p.Restore(context.Background(), handle, "v99")
	assert.ErrorIs(t, err, ErrUnknownCheckpoint)
}

func TestSpritesDestroyToleratesMissingSprite(t *testing.T) {
	p := newSpritesProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))

	handle := &Handle{SandboxID: "ws1", Config: Config{WorkspaceID: "ws1"}}
	assert.NoError(t, p.Destroy(context.Background(), handle))
}

func TestSpritesAPIErrorSurfacesBody(t *testing.T) {
	p := newSpritesProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusForbidden)
	}))

	_, err := p.Create(context.Background(), Config{WorkspaceID: "ws1"})
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "quota exceeded")
}
