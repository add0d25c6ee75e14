package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalSandbox(t *testing.T) (*LocalProvider, *Handle) {
	t.Helper()
	p := NewLocalProvider(filepath.Join(t.TempDir(), "sandboxes"))
	handle, err := p.Create(context.Background(), Config{
		UserID:        "u1",
		WorkspaceID:   "ws1",
		WorkspaceRoot: t.TempDir(),
	})
	require.NoError(t, err)
	return p, handle
}

func TestLocalCreateWritesMetadata(t *testing.T) {
	p, handle := newLocalSandbox(t)

	assert.True(t, strings.HasPrefix(handle.SandboxID, "local-"))

	dir := p.sandboxDir(handle)
	_, err := os.Stat(filepath.Join(dir, "config.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "checkpoints.json"))
	assert.NoError(t, err)
}

func TestLocalDestroyIsIdempotent(t *testing.T) {
	p, handle := newLocalSandbox(t)
	ctx := context.Background()

	require.NoError(t, p.Destroy(ctx, handle))
	require.NoError(t, p.Destroy(ctx, handle))
	require.NoError(t, p.Destroy(ctx, nil))
}

func TestLocalRunCapturesOutput(t *testing.T) {
	p, handle := newLocalSandbox(t)

	res, err := p.Run(context.Background(), Command{
		Argv:    []string{"sh", "-c", "echo out; echo err >&2"},
		Sandbox: handle,
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ReturnCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.False(t, res.TimedOut)
}

func TestLocalRunDefaultsCwdToWorkspaceRoot(t *testing.T) {
	p, handle := newLocalSandbox(t)

	res, err := p.Run(context.Background(), Command{
		Argv:    []string{"pwd"},
		Sandbox: handle,
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(handle.Config.WorkspaceRoot)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(res.Stdout))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLocalRunNonZeroExit(t *testing.T) {
	p, handle := newLocalSandbox(t)

	res, err := p.Run(context.Background(), Command{
		Argv:    []string{"sh", "-c", "exit 3"},
		Sandbox: handle,
		Timeout: 10 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ReturnCode)
}

func TestLocalRunTimeout(t *testing.T) {
	p, handle := newLocalSandbox(t)

	res, err := p.Run(context.Background(), Command{
		Argv:    []string{"sleep", "5"},
		Sandbox: handle,
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, TimeoutReturnCode, res.ReturnCode)
	assert.True(t, res.TimedOut)
	assert.True(t, strings.HasSuffix(res.Stderr, "\nTIMEOUT"))
}

func TestLocalCheckpointAndRestore(t *testing.T) {
	p, handle := newLocalSandbox(t)
	ctx := context.Background()
	root := handle.Config.WorkspaceRoot

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("v1"), 0o644))

	cp, err := p.Checkpoint(ctx, handle, "before edits")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cp.CheckpointID, "ckpt-"))
	assert.Equal(t, "before edits", cp.Label)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("v2"), 0o644))

	require.NoError(t, p.Restore(ctx, handle, cp.CheckpointID))
	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}

func TestLocalRestoreUnknownCheckpoint(t *testing.T) {
	p, handle := newLocalSandbox(t)

	err := p.Restore(context.Background(), handle, "ckpt-missing")
	assert.ErrorIs(t, err, ErrUnknownCheckpoint)
}

func TestLocalStartAndStopProcess(t *testing.T) {
	p, handle := newLocalSandbox(t)
	ctx := context.Background()

	proc, err := p.StartProcess(ctx, Command{
		Argv:    []string{"sleep", "30"},
		Sandbox: handle,
	})
	require.NoError(t, err)
	require.NotEmpty(t, proc.ProcessID)

	require.NoError(t, p.StopProcess(ctx, handle, proc.ProcessID))
	// Stopping an unknown process is a no-op.
	require.NoError(t, p.StopProcess(ctx, handle, "999999"))
}

func TestLocalOpenProxy(t *testing.T) {
	p, handle := newLocalSandbox(t)

	proxy, err := p.OpenProxy(context.Background(), handle, 5173)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:5173", proxy.URL)
	assert.Equal(t, 5173, proxy.Port)
}
