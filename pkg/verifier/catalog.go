// Package verifier selects and runs deterministic verification commands
// against the workspace. A plan is a pure function of touched paths, mood,
// and the work item's requirements; running a plan produces content-addressed
// artifacts, reports, and attestations.
package verifier

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Spec is one allowlisted verifier from the catalog.
type Spec struct {
	ID      string `yaml:"id"`
	Command string `yaml:"command"`

	// Timeout in seconds; zero falls back to the runner default.
	Timeout int `yaml:"timeout,omitempty"`

	// Moods gates the verifier to specific moods. Empty means any mood.
	Moods []string `yaml:"moods,omitempty"`

	// Scopes limits automatic selection to touched paths matching these
	// patterns. Trailing "/" is a prefix match, anything else a glob.
	Scopes []string `yaml:"scopes,omitempty"`
}

// catalogFile is the on-disk shape of verifiers.yaml.
type catalogFile struct {
	Verifiers    []Spec              `yaml:"verifiers"`
	MoodDefaults map[string][]string `yaml:"mood_defaults"`
}

// Catalog is the loaded verifier allowlist. It hot-reloads when the backing
// file changes, so operators can adjust verifiers without a restart.
type Catalog struct {
	path string

	mu           sync.RWMutex
	specs        map[string]Spec
	order        []string
	moodDefaults map[string][]string

	watcher *fsnotify.Watcher
}

// LoadCatalog reads the catalog file and starts watching it for changes.
func LoadCatalog(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if err := c.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files on save and
	// a file watch dies with the old inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch catalog dir: %w", err)
	}
	c.watcher = watcher
	go c.watch()

	return c, nil
}

func (c *Catalog) watch() {
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(c.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := c.reload(); err != nil {
				slog.Warn("Verifier catalog reload failed, keeping previous catalog",
					"path", c.path, "error", err)
				continue
			}
			slog.Info("Reloaded verifier catalog", "path", c.path, "verifiers", len(c.IDs()))
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Verifier catalog watcher error", "error", err)
		}
	}
}

func (c *Catalog) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read verifier catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse verifier catalog: %w", err)
	}

	specs := make(map[string]Spec, len(file.Verifiers))
	var order []string
	for _, spec := range file.Verifiers {
		if spec.ID == "" {
			continue
		}
		specs[spec.ID] = spec
		order = append(order, spec.ID)
	}

	moodDefaults := make(map[string][]string, len(file.MoodDefaults))
	for m, ids := range file.MoodDefaults {
		moodDefaults[strings.ToUpper(m)] = ids
	}

	c.mu.Lock()
	c.specs = specs
	c.order = order
	c.moodDefaults = moodDefaults
	c.mu.Unlock()
	return nil
}

// Close stops the file watcher.
func (c *Catalog) Close() error {
	if c.watcher == nil {
		return nil
	}
	return c.watcher.Close()
}

// Get returns the spec for id.
func (c *Catalog) Get(id string) (Spec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.specs[id]
	return spec, ok
}

// IDs returns all verifier ids in file order.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// snapshot returns a consistent view for one planning pass.
func (c *Catalog) snapshot() ([]Spec, map[string][]string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	specs := make([]Spec, 0, len(c.order))
	for _, id := range c.order {
		specs = append(specs, c.specs[id])
	}
	defaults := make(map[string][]string, len(c.moodDefaults))
	for m, ids := range c.moodDefaults {
		defaults[m] = ids
	}
	return specs, defaults
}

// SpecTimeout resolves the spec's timeout against the default.
func (s Spec) SpecTimeout(def time.Duration) time.Duration {
	if s.Timeout > 0 {
		return time.Duration(s.Timeout) * time.Second
	}
	return def
}
