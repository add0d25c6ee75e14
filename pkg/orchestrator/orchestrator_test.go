package orchestrator

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choiros/choird/pkg/config"
	"github.com/choiros/choird/pkg/gitops"
	"github.com/choiros/choird/pkg/mood"
	"github.com/choiros/choird/pkg/sandbox"
	"github.com/choiros/choird/pkg/store"
	"github.com/choiros/choird/pkg/verifier"
)

type recordingSink struct{ notified int }

func (r *recordingSink) NotifyRollback(context.Context) { r.notified++ }

type harness struct {
	orch  *Orchestrator
	store *store.Store
	repo  *gitops.Repo
	root  string
	sink  *recordingSink
}

// newHarness builds a full orchestrator against a sqlite store, a real
// git workspace, and the local sandbox provider.
func newHarness(t *testing.T, catalogYAML string) *harness {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	root := t.TempDir()
	dataDir := filepath.Join(root, ".choir")
	require.NoError(t, os.MkdirAll(dataDir, 0o755))

	gitRun := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	gitRun("init", "-b", "main")
	gitRun("config", "user.email", "dev@example.com")
	gitRun("config", "user.name", "dev")
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("seed\n"), 0o644))
	gitRun("add", "-A")
	gitRun("commit", "-m", "initial")

	st, err := store.Open(context.Background(), config.DatabaseConfig{
		Driver:       store.DriverSQLite,
		DSN:          filepath.Join(dataDir, "events.db"),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}, "testuser")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	catalogPath := filepath.Join(dataDir, "verifiers.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(catalogYAML), 0o644))
	catalog, err := verifier.LoadCatalog(catalogPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = catalog.Close() })

	planner, err := verifier.NewPlanner(catalog, 16)
	require.NoError(t, err)
	artifacts, err := verifier.NewArtifactStore(filepath.Join(dataDir, "artifacts"))
	require.NoError(t, err)
	provider := sandbox.NewLocalProvider(filepath.Join(dataDir, "sandboxes"))
	runner := verifier.NewRunner(catalog, artifacts, provider, root, 30*time.Second)
	repo := gitops.NewRepo(root, st)

	sink := &recordingSink{}
	orch, err := New(Options{
		Store:    st,
		Repo:     repo,
		Planner:  planner,
		Runner:   runner,
		Provider: provider,
		SandboxConfig: sandbox.Config{
			UserID:        "testuser",
			WorkspaceID:   "ws-test",
			WorkspaceRoot: root,
		},
		Sink: sink,
	})
	require.NoError(t, err)

	return &harness{orch: orch, store: st, repo: repo, root: root, sink: sink}
}

// touchingExecutor writes a workspace file and records the matching
// file.write event so the run's touched paths pick it up.
func (h *harness) touchingExecutor(t *testing.T, relPath, content string) Executor {
	return ExecutorFunc(func(ctx context.Context, _ *store.Run, _ *sandbox.Handle) error {
		path := filepath.Join(h.root, relPath)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
		_, err := h.store.LogFileWrite(ctx, relPath, []byte(content))
		return err
	})
}

func (h *harness) noteTypes(t *testing.T, runID string) []string {
	t.Helper()
	notes, err := h.store.RunNotes(context.Background(), runID)
	require.NoError(t, err)
	out := make([]string, 0, len(notes))
	for _, n := range notes {
		out = append(out, n.NoteType)
	}
	return out
}

const passingCatalog = `
verifiers:
  - id: V1
    command: "echo ok"
    moods: [CALM]
    scopes: ["src/"]
mood_defaults: {}
`

const failingCatalog = `
verifiers:
  - id: V1
    command: "false"
    moods: [CALM]
    scopes: ["src/"]
mood_defaults: {}
`

func TestHappyVerifyPromotesLastGood(t *testing.T) {
	h := newHarness(t, passingCatalog)
	baseline := h.repo.HeadSHA(context.Background())

	outcome, err := h.orch.Run(context.Background(), "wi-1",
		h.touchingExecutor(t, "src/a.txt", "content"), mood.Calm)
	require.NoError(t, err)

	assert.Equal(t, store.RunVerified, outcome.Run.Status)
	assert.Equal(t, []string{"V1"}, outcome.Plan.VerifierIDs)
	require.Len(t, outcome.VerifierResults, 1)
	assert.True(t, outcome.VerifierResults[0].Passed())

	// The repo checkpoint advanced HEAD and last_good follows it.
	head := h.repo.HeadSHA(context.Background())
	assert.NotEqual(t, baseline, head)
	assert.Equal(t, outcome.CommitSHA, head)

	lg, err := h.store.LastGoodCheckpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, head, lg.CommitSHA)
	assert.Equal(t, outcome.Run.ID, lg.RunID)

	types := h.noteTypes(t, outcome.Run.ID)
	assert.Contains(t, types, "note.request.verify")
	assert.Equal(t, 0, h.sink.notified)

	// The sandbox snapshot pointer moved alongside the verified run.
	cp, err := h.store.SandboxCheckpointPointer(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, cp.CheckpointID)
}

func TestVerifierFailureRollsBack(t *testing.T) {
	h := newHarness(t, failingCatalog)
	baseline := h.repo.HeadSHA(context.Background())

	executor := ExecutorFunc(func(ctx context.Context, run *store.Run, handle *sandbox.Handle) error {
		if err := os.WriteFile(filepath.Join(h.root, "README.md"), []byte("clobbered\n"), 0o644); err != nil {
			return err
		}
		return h.touchingExecutor(t, "src/a.txt", "broken").Execute(ctx, run, handle)
	})
	outcome, err := h.orch.Run(context.Background(), "wi-2", executor, mood.Calm)
	require.NoError(t, err)

	assert.Equal(t, store.RunFailed, outcome.Run.Status)
	assert.Equal(t, baseline, outcome.RolledBackTo)
	assert.Equal(t, baseline, h.repo.HeadSHA(context.Background()))

	data, err := os.ReadFile(filepath.Join(h.root, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "seed\n", string(data), "tracked files must be reset to last_good")

	types := h.noteTypes(t, outcome.Run.ID)
	assert.NotContains(t, types, "note.request.verify")
	assert.Equal(t, 1, h.sink.notified)
}

func TestExecutorErrorRecordsHyperthesis(t *testing.T) {
	h := newHarness(t, passingCatalog)

	outcome, err := h.orch.Run(context.Background(), "wi-3",
		ExecutorFunc(func(context.Context, *store.Run, *sandbox.Handle) error {
			return errors.New("agent crashed")
		}), mood.Calm)
	require.NoError(t, err)

	assert.Equal(t, store.RunFailed, outcome.Run.Status)
	assert.Equal(t, mood.Skeptical, outcome.Run.Mood)
	assert.Empty(t, outcome.VerifierResults)

	notes, err := h.store.RunNotes(context.Background(), outcome.Run.ID)
	require.NoError(t, err)
	var foundHyperthesis bool
	for _, n := range notes {
		if n.NoteType == "note.hyperthesis" {
			foundHyperthesis = true
			assert.Contains(t, string(n.Body), "agent crashed")
			assert.Contains(t, string(n.Body), "re-run with isolated executor")
		}
	}
	assert.True(t, foundHyperthesis)
}

func TestUnknownRequiredVerifierStillVerifies(t *testing.T) {
	h := newHarness(t, passingCatalog)

	_, err := h.store.UpsertWorkItem(context.Background(), &store.WorkItem{
		ID:                "wi-4",
		Description:       "needs an unknown verifier",
		RequiredVerifiers: []string{"V-UNKNOWN"},
	})
	require.NoError(t, err)

	outcome, err := h.orch.Run(context.Background(), "wi-4",
		ExecutorFunc(func(context.Context, *store.Run, *sandbox.Handle) error { return nil }),
		mood.Calm)
	require.NoError(t, err)

	assert.Equal(t, store.RunVerified, outcome.Run.Status)
	assert.Empty(t, outcome.Plan.VerifierIDs)
	assert.Equal(t, []string{"V-UNKNOWN"}, outcome.Plan.UnknownRequired)

	item, err := h.store.GetWorkItem(context.Background(), "wi-4")
	require.NoError(t, err)
	assert.Equal(t, store.WorkItemDone, item.Status)
}

func TestTerminalRunsCarryStatusNotes(t *testing.T) {
	h := newHarness(t, failingCatalog)

	outcome, err := h.orch.Run(context.Background(), "wi-5",
		h.touchingExecutor(t, "src/a.txt", "x"), mood.Calm)
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, outcome.Run.Status)

	notes, err := h.store.RunNotes(context.Background(), outcome.Run.ID)
	require.NoError(t, err)
	var terminalNote bool
	for _, n := range notes {
		if n.NoteType != "note.status" {
			continue
		}
		body := string(n.Body)
		if strings.Contains(body, `"failed"`) && strings.Contains(body, "adjudicate") {
			terminalNote = true
		}
	}
	assert.True(t, terminalNote, "terminal run must carry a terminal status note")
}

func TestLastGoodBootstrapsFromHead(t *testing.T) {
	h := newHarness(t, passingCatalog)
	baseline := h.repo.HeadSHA(context.Background())

	_, err := h.store.LastGoodCheckpoint(context.Background())
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = h.orch.Run(context.Background(), "wi-6",
		ExecutorFunc(func(context.Context, *store.Run, *sandbox.Handle) error { return nil }),
		mood.Calm)
	require.NoError(t, err)

	lg, err := h.store.LastGoodCheckpoint(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, lg.CommitSHA)
	_ = baseline
}
