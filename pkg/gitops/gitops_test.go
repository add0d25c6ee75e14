package gitops

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLog struct {
	seq         int64
	checkpoints []string
}

func (f *fakeLog) LatestSeq(context.Context) (int64, error) { return f.seq, nil }

func (f *fakeLog) RecordCheckpoint(_ context.Context, sha, _ string) (int64, error) {
	f.checkpoints = append(f.checkpoints, sha)
	f.seq++
	return f.seq, nil
}

func newTestRepo(t *testing.T) (*Repo, *fakeLog) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	root := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")

	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("# repo\n"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial")

	log := &fakeLog{seq: 7}
	repo := NewRepo(root, log)
	repo.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
	return repo, log
}

func write(t *testing.T, repo *Repo, name, content string) {
	t.Helper()
	path := filepath.Join(repo.Root(), name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestStatusClassifiesChanges(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	write(t, repo, "README.md", "# changed\n")
	write(t, repo, "new.go", "package main\n")

	status, err := repo.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md"}, status.Modified)
	assert.Equal(t, []string{"new.go"}, status.Untracked)
	assert.False(t, status.Clean)
}

func TestFilteredStatusAppliesDefaults(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	write(t, repo, "debug.log", "noise")
	write(t, repo, "node_modules/pkg/index.js", "junk")
	write(t, repo, "keep.go", "package keep\n")

	filtered, err := repo.FilteredStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.go"}, filtered.Untracked)
	assert.Contains(t, filtered.Ignored, "debug.log")
	assert.False(t, filtered.Clean)
}

func TestFilteredStatusCustomChoirignore(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	write(t, repo, ".choirignore", "# comment\n*.secret\nvendor/\n")
	write(t, repo, "api.secret", "key")
	write(t, repo, "debug.log", "now allowed")

	filtered, err := repo.FilteredStatus(ctx)
	require.NoError(t, err)
	assert.Contains(t, filtered.Ignored, "api.secret")
	// The custom file replaces the defaults entirely.
	assert.Contains(t, filtered.Untracked, "debug.log")
}

func TestCheckpointCommitsFilteredChanges(t *testing.T) {
	repo, log := newTestRepo(t)
	ctx := context.Background()

	write(t, repo, "feature.go", "package feature\n")
	write(t, repo, "trace.log", "ignored")

	result, err := repo.Checkpoint(ctx, "")
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "checkpoint: 20260304-050607 (event seq 7)", result.Message)
	assert.NotEmpty(t, result.CommitSHA)
	assert.Equal(t, []string{result.CommitSHA}, log.checkpoints)

	// The ignored file stays untracked.
	status, err := repo.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"trace.log"}, status.Untracked)
}

func TestCheckpointNothingToCommit(t *testing.T) {
	repo, log := newTestRepo(t)
	ctx := context.Background()

	write(t, repo, "only.log", "ignored")

	result, err := repo.Checkpoint(ctx, "manual message")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "Nothing to commit after applying .choirignore", result.Message)
	assert.NotEmpty(t, result.CommitSHA)
	assert.Empty(t, log.checkpoints)
}

func TestRevertDryRunAndReset(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	base := repo.HeadSHA(ctx)

	write(t, repo, "a.go", "package a\n")
	result, err := repo.Checkpoint(ctx, "add a")
	require.NoError(t, err)
	require.True(t, result.Success)

	dry, err := repo.Revert(ctx, base, true)
	require.NoError(t, err)
	assert.True(t, dry.Success)
	assert.True(t, dry.DryRun)
	assert.Contains(t, dry.BackupBranch, "backup-before-revert-")
	assert.Contains(t, dry.Changes, "a.go")
	assert.Equal(t, result.CommitSHA, repo.HeadSHA(ctx))

	real, err := repo.Revert(ctx, base, false)
	require.NoError(t, err)
	assert.True(t, real.Success, real.Error)
	assert.Equal(t, base, repo.HeadSHA(ctx))
	_, err = os.Stat(filepath.Join(repo.Root(), "a.go"))
	assert.True(t, os.IsNotExist(err))
}

func TestRevertRejectsUnreachableCommit(t *testing.T) {
	repo, _ := newTestRepo(t)

	result, err := repo.Revert(context.Background(), "0123456789abcdef0123456789abcdef01234567", false)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not reachable")
}

func TestLogAndDiff(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	write(t, repo, "b.go", "package b\n")
	_, err := repo.Checkpoint(ctx, "add b")
	require.NoError(t, err)

	commits, err := repo.Log(ctx, 5)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, "add b", commits[0].Message)
	assert.Equal(t, "initial", commits[1].Message)

	write(t, repo, "b.go", "package b // changed\n")
	diff, err := repo.Diff(ctx, "HEAD")
	require.NoError(t, err)
	assert.Contains(t, diff, "b.go")
}
