package tools

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choiros/choird/pkg/gitops"
	"github.com/choiros/choird/pkg/history"
	"github.com/choiros/choird/pkg/sandbox"
)

type recordingSink struct {
	writes []string
}

func (r *recordingSink) LogFileWrite(_ context.Context, path string, _ []byte) (int64, error) {
	r.writes = append(r.writes, path)
	return int64(len(r.writes)), nil
}

func newTestToolkit(t *testing.T) (*Toolkit, *recordingSink, string) {
	t.Helper()
	root := t.TempDir()
	sink := &recordingSink{}
	provider := sandbox.NewLocalProvider(filepath.Join(root, ".choir", "sandboxes"))
	tk, err := NewToolkit(Options{
		Root:     root,
		Events:   sink,
		History:  history.New(),
		Provider: provider,
	})
	require.NoError(t, err)
	return tk, sink, root
}

func TestReadFileHeadAndTail(t *testing.T) {
	tk, _, root := newTestToolkit(t)
	path := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\nfour\n"), 0o644))

	result := tk.ReadFile(context.Background(), ReadFileParams{Path: "f.txt", Head: 2})
	assert.Equal(t, "one\ntwo", result["content"])
	assert.Equal(t, 4, result["total_lines"])
	assert.Equal(t, 2, result["returned_lines"])

	result = tk.ReadFile(context.Background(), ReadFileParams{Path: "f.txt", Tail: 1})
	assert.Equal(t, "four", result["content"])
	assert.Equal(t, 1, result["returned_lines"])
}

func TestReadFileErrors(t *testing.T) {
	tk, _, root := newTestToolkit(t)

	result := tk.ReadFile(context.Background(), ReadFileParams{Path: "missing.txt"})
	assert.Contains(t, result["error"], "File not found")

	require.NoError(t, os.Mkdir(filepath.Join(root, "d"), 0o755))
	result = tk.ReadFile(context.Background(), ReadFileParams{Path: "d"})
	assert.Contains(t, result["error"], "Not a file")
}

func TestWriteFileCreatesParentsAndLogsEvent(t *testing.T) {
	tk, sink, root := newTestToolkit(t)

	result := tk.WriteFile(context.Background(), WriteFileParams{
		Path:    "sub/dir/out.txt",
		Content: "hello",
	})
	assert.Equal(t, true, result["success"])
	assert.Equal(t, 5, result["bytes_written"])

	data, err := os.ReadFile(filepath.Join(root, "sub", "dir", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, []string{"sub/dir/out.txt"}, sink.writes)
}

func TestWriteFileSnapshotsForUndo(t *testing.T) {
	tk, _, root := newTestToolkit(t)
	path := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	tk.WriteFile(context.Background(), WriteFileParams{Path: "f.txt", Content: "v2"})

	restored, err := tk.history.Undo(1)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, restored)
	data, _ := os.ReadFile(path)
	assert.Equal(t, "v1", string(data))
}

func TestEditFileReplacesAllOccurrences(t *testing.T) {
	tk, sink, root := newTestToolkit(t)
	path := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("foo bar foo"), 0o644))

	result := tk.EditFile(context.Background(), EditFileParams{
		Path: "f.txt",
		Edits: []Edit{
			{OldText: "foo", NewText: "baz"},
			{OldText: "zap", NewText: "zip"},
		},
	})
	assert.Equal(t, true, result["modified"])

	changes := result["changes"].([]map[string]any)
	require.Len(t, changes, 2)
	assert.Equal(t, "replaced", changes[0]["status"])
	assert.Equal(t, 2, changes[0]["occurrences"])
	assert.Equal(t, "not_found", changes[1]["status"])

	data, _ := os.ReadFile(path)
	assert.Equal(t, "baz bar baz", string(data))
	assert.Len(t, sink.writes, 1)
}

func TestEditFileDryRunLeavesFileAlone(t *testing.T) {
	tk, sink, root := newTestToolkit(t)
	path := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("alpha"), 0o644))

	result := tk.EditFile(context.Background(), EditFileParams{
		Path:   "f.txt",
		Edits:  []Edit{{OldText: "alpha", NewText: "beta"}},
		DryRun: true,
	})
	assert.Equal(t, true, result["dry_run"])
	assert.Equal(t, true, result["would_modify"])
	assert.NotEmpty(t, result["diff"])

	data, _ := os.ReadFile(path)
	assert.Equal(t, "alpha", string(data), "dry run must not touch the file")
	assert.Empty(t, sink.writes, "dry run must not emit events")
}

func TestBashCapturesOutputToLogFile(t *testing.T) {
	tk, _, _ := newTestToolkit(t)

	result := tk.Bash(context.Background(), BashParams{Command: "echo hello; exit 3"})
	assert.Equal(t, 3, result["exit_code"])
	assert.Contains(t, result["output_preview"], "hello")
	assert.Equal(t, false, result["truncated"])

	data, err := os.ReadFile(result["output_file"].(string))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestBashTruncatesLongPreview(t *testing.T) {
	tk, _, _ := newTestToolkit(t)

	result := tk.Bash(context.Background(), BashParams{
		Command: "printf 'x%.0s' $(seq 1 600)",
	})
	assert.Equal(t, 0, result["exit_code"])
	assert.Equal(t, true, result["truncated"])
	assert.Len(t, result["output_preview"], 500)
}

func TestGitToolsAgainstRealRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	tk, _, root := newTestToolkit(t)

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	run("config", "user.email", "dev@example.com")
	run("config", "user.name", "dev")
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial")

	tk.repo = gitops.NewRepo(root, nil)

	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0o644))
	result := tk.GitCheckpoint(context.Background(), GitCheckpointParams{Message: "save point"})
	assert.Equal(t, true, result["success"])
	assert.NotEmpty(t, result["commit_sha"])

	status := tk.GitStatus(context.Background(), GitStatusParams{LogCount: 2})
	assert.NotEmpty(t, status["head"])
	commits := status["recent_commits"].([]map[string]any)
	require.Len(t, commits, 2)
	assert.Equal(t, "save point", commits[0]["message"])
}

func TestRegistryValidatesInputs(t *testing.T) {
	tk, _, _ := newTestToolkit(t)
	registry, err := tk.Registry()
	require.NoError(t, err)

	names := registry.Names()
	assert.Equal(t, []string{
		"read_file", "write_file", "edit_file", "bash", "git_checkpoint", "git_status",
	}, names)

	result := registry.Execute(context.Background(), "read_file", json.RawMessage(`{}`))
	assert.Contains(t, result["error"], "schema validation")

	result = registry.Execute(context.Background(), "no_such_tool", json.RawMessage(`{}`))
	assert.Contains(t, result["error"], "Unknown tool")

	result = registry.Execute(context.Background(), "write_file", json.RawMessage(`{"path":"r.txt","content":"ok"}`))
	assert.Equal(t, true, result["success"])
}

func TestRegistryDefinitionsCarrySchemas(t *testing.T) {
	tk, _, _ := newTestToolkit(t)
	registry, err := tk.Registry()
	require.NoError(t, err)

	for _, def := range registry.Definitions() {
		assert.Equal(t, "object", def.InputSchema["type"], def.Name)
		props, ok := def.InputSchema["properties"].(map[string]any)
		require.True(t, ok, def.Name)
		assert.NotEmpty(t, props, def.Name)
	}

	readDef := registry.Definitions()[0]
	required, _ := readDef.InputSchema["required"].([]any)
	assert.Contains(t, required, "path")
	desc := strings.ToLower(readDef.Description)
	assert.Contains(t, desc, "read")
}
