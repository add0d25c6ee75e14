// Package history keeps pre-write snapshots of workspace files so the undo
// tool can restore them. Snapshots are in-memory and capped per file; undo
// restores the newest N across all files.
package history

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// MaxSnapshotsPerFile caps history depth per file; older snapshots are
// discarded silently.
const MaxSnapshotsPerFile = 50

// snapshot is one saved file state. content is nil when the file did not
// exist at save time, so undoing a creation deletes the file.
type snapshot struct {
	path    string
	content []byte
	existed bool
	savedAt time.Time
	ord     int64
}

// FileHistory records and restores file states. Safe for concurrent use.
type FileHistory struct {
	mu      sync.Mutex
	files   map[string][]snapshot
	nextOrd int64

	// now is swappable for deterministic tests.
	now func() time.Time
}

// New returns an empty history.
func New() *FileHistory {
	return &FileHistory{
		files: make(map[string][]snapshot),
		now:   time.Now,
	}
}

// SaveState snapshots the file's current content. Call it before every
// mutation; write tools do this for write_file and edit_file.
func (h *FileHistory) SaveState(path string) error {
	content, err := os.ReadFile(path)
	existed := true
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to snapshot %s: %w", path, err)
		}
		existed = false
		content = nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextOrd++
	snaps := append(h.files[path], snapshot{
		path:    path,
		content: content,
		existed: existed,
		savedAt: h.now(),
		ord:     h.nextOrd,
	})
	if len(snaps) > MaxSnapshotsPerFile {
		snaps = snaps[len(snaps)-MaxSnapshotsPerFile:]
	}
	h.files[path] = snaps
	return nil
}

// Undo restores the newest count snapshots across all files and returns the
// restored paths, newest first. A snapshot of a nonexistent file deletes the
// file on restore.
func (h *FileHistory) Undo(count int) ([]string, error) {
	if count < 1 {
		count = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var all []snapshot
	for _, snaps := range h.files {
		all = append(all, snaps...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ord > all[j].ord })
	if count > len(all) {
		count = len(all)
	}

	var restored []string
	for _, snap := range all[:count] {
		if !snap.existed {
			if err := os.Remove(snap.path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return restored, fmt.Errorf("failed to remove %s: %w", snap.path, err)
			}
		} else {
			if err := os.MkdirAll(filepath.Dir(snap.path), 0o755); err != nil {
				return restored, err
			}
			if err := os.WriteFile(snap.path, snap.content, 0o644); err != nil {
				return restored, fmt.Errorf("failed to restore %s: %w", snap.path, err)
			}
		}
		restored = append(restored, snap.path)

		snaps := h.files[snap.path]
		if len(snaps) > 0 {
			h.files[snap.path] = snaps[:len(snaps)-1]
		}
		if len(h.files[snap.path]) == 0 {
			delete(h.files, snap.path)
		}
	}
	return restored, nil
}

// Size returns the total snapshot count across all files.
func (h *FileHistory) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, snaps := range h.files {
		total += len(snaps)
	}
	return total
}

// Clear drops all history.
func (h *FileHistory) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files = make(map[string][]snapshot)
}
