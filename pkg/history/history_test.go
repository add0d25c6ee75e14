package history

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUndoRestoresPreviousContent(t *testing.T) {
	h := New()
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	require.NoError(t, h.SaveState(path))
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))

	restored, err := h.Undo(1)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, restored)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
	assert.Equal(t, 0, h.Size())
}

func TestUndoDeletesCreatedFile(t *testing.T) {
	h := New()
	path := filepath.Join(t.TempDir(), "new.txt")

	require.NoError(t, h.SaveState(path))
	require.NoError(t, os.WriteFile(path, []byte("created"), 0o644))

	_, err := h.Undo(1)
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestUndoNewestFirstAcrossFiles(t *testing.T) {
	h := New()
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(a, []byte("a1"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("b1"), 0o644))

	require.NoError(t, h.SaveState(a))
	require.NoError(t, os.WriteFile(a, []byte("a2"), 0o644))
	require.NoError(t, h.SaveState(b))
	require.NoError(t, os.WriteFile(b, []byte("b2"), 0o644))

	restored, err := h.Undo(1)
	require.NoError(t, err)
	assert.Equal(t, []string{b}, restored)

	data, _ := os.ReadFile(a)
	assert.Equal(t, "a2", string(data), "older snapshot must stay untouched")
	data, _ = os.ReadFile(b)
	assert.Equal(t, "b1", string(data))
}

func TestUndoMultipleStepsOnOneFile(t *testing.T) {
	h := New()
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	require.NoError(t, h.SaveState(path))
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	require.NoError(t, h.SaveState(path))
	require.NoError(t, os.WriteFile(path, []byte("v3"), 0o644))

	restored, err := h.Undo(2)
	require.NoError(t, err)
	assert.Len(t, restored, 2)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}

func TestHistoryCapPerFile(t *testing.T) {
	h := New()
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	for i := 0; i < MaxSnapshotsPerFile+10; i++ {
		require.NoError(t, h.SaveState(path))
	}
	assert.Equal(t, MaxSnapshotsPerFile, h.Size())
}

func TestUndoCountBeyondHistory(t *testing.T) {
	h := New()
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))
	require.NoError(t, h.SaveState(path))

	restored, err := h.Undo(10)
	require.NoError(t, err)
	assert.Len(t, restored, 1)
}

func TestClear(t *testing.T) {
	h := New()
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, h.SaveState(path))
	h.Clear()
	assert.Equal(t, 0, h.Size())
}
