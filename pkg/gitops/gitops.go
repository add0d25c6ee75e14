// Package gitops checkpoints and reverts the supervised repository. All
// staging goes through .choirignore filtering, so supervisor state and build
// debris never leak into checkpoint commits.
package gitops

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// defaultIgnorePatterns apply when the repository has no .choirignore.
var defaultIgnorePatterns = []string{
	"*.log",
	"*.tmp",
	"node_modules/",
	"dist/",
	"build/",
	".env*",
	"*.sqlite-journal",
	"__pycache__/",
	".choir/",
}

// EventLog is the slice of the store the repo needs: the latest sequence
// number for checkpoint messages and checkpoint recording.
type EventLog interface {
	LatestSeq(ctx context.Context) (int64, error)
	RecordCheckpoint(ctx context.Context, commitSHA, message string) (int64, error)
}

// Repo runs git operations against one working tree.
type Repo struct {
	root string
	log  EventLog

	// now is swappable for deterministic tests.
	now func() time.Time
}

// NewRepo wires a repo rooted at root. log may be nil for read-only use.
func NewRepo(root string, log EventLog) *Repo {
	return &Repo{root: root, log: log, now: time.Now}
}

// Root returns the working tree path.
func (r *Repo) Root() string {
	return r.root
}

func (r *Repo) git(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.root
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// HeadSHA returns the current HEAD commit, or empty on an unborn branch.
func (r *Repo) HeadSHA(ctx context.Context) string {
	out, _, err := r.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// Status is the porcelain status split by change kind, after .choirignore
// filtering. Ignored collects the paths the filter dropped.
type Status struct {
	Modified  []string `json:"modified"`
	Added     []string `json:"added"`
	Deleted   []string `json:"deleted"`
	Untracked []string `json:"untracked"`
	Ignored   []string `json:"ignored,omitempty"`
	Clean     bool     `json:"clean"`
}

func (s *Status) paths() []string {
	out := make([]string, 0, len(s.Modified)+len(s.Added)+len(s.Deleted)+len(s.Untracked))
	out = append(out, s.Modified...)
	out = append(out, s.Added...)
	out = append(out, s.Deleted...)
	out = append(out, s.Untracked...)
	return out
}

// Status returns the raw porcelain status without ignore filtering.
func (r *Repo) Status(ctx context.Context) (*Status, error) {
	out, stderr, err := r.git(ctx, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status failed: %s", strings.TrimSpace(stderr))
	}

	status := &Status{}
	lines := 0
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 4 {
			continue
		}
		lines++
		code := line[:2]
		path := line[3:]
		switch {
		case code[0] == 'M' || code[1] == 'M':
			status.Modified = append(status.Modified, path)
		case code[0] == 'A':
			status.Added = append(status.Added, path)
		case code[0] == 'D' || code[1] == 'D':
			status.Deleted = append(status.Deleted, path)
		case code[0] == '?':
			status.Untracked = append(status.Untracked, path)
		}
	}
	status.Clean = lines == 0
	return status, nil
}

// FilteredStatus returns the status with .choirignore applied.
func (r *Repo) FilteredStatus(ctx context.Context) (*Status, error) {
	status, err := r.Status(ctx)
	if err != nil {
		return nil, err
	}
	patterns := r.loadIgnorePatterns()

	filtered := &Status{}
	ignored := make(map[string]struct{})
	filter := func(paths []string, dest *[]string) {
		for _, path := range paths {
			if isIgnored(path, patterns) {
				ignored[path] = struct{}{}
			} else {
				*dest = append(*dest, path)
			}
		}
	}
	filter(status.Modified, &filtered.Modified)
	filter(status.Added, &filtered.Added)
	filter(status.Deleted, &filtered.Deleted)
	filter(status.Untracked, &filtered.Untracked)

	for path := range ignored {
		filtered.Ignored = append(filtered.Ignored, path)
	}
	sort.Strings(filtered.Ignored)
	filtered.Clean = len(filtered.paths()) == 0
	return filtered, nil
}

// loadIgnorePatterns reads .choirignore, falling back to the defaults when
// the file is missing or empty.
func (r *Repo) loadIgnorePatterns() []string {
	data, err := os.ReadFile(filepath.Join(r.root, ".choirignore"))
	if err != nil {
		return defaultIgnorePatterns
	}

	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		patterns = append(patterns, trimmed)
	}
	if len(patterns) == 0 {
		return defaultIgnorePatterns
	}
	return patterns
}

// isIgnored reports whether path matches any pattern. A trailing "/" makes
// the pattern a directory prefix; otherwise it is a glob.
func isIgnored(path string, patterns []string) bool {
	normalized := strings.ReplaceAll(path, "\\", "/")
	for _, pattern := range patterns {
		if strings.HasSuffix(pattern, "/") {
			if strings.HasPrefix(normalized, pattern) ||
				strings.HasPrefix(normalized, strings.TrimRight(pattern, "/")) {
				return true
			}
		}
		if ok, err := doublestar.Match(pattern, normalized); err == nil && ok {
			return true
		}
	}
	return false
}

// CheckpointResult reports the outcome of a checkpoint attempt.
type CheckpointResult struct {
	Success   bool    `json:"success"`
	Message   string  `json:"message"`
	CommitSHA string  `json:"commit_sha,omitempty"`
	Changes   *Status `json:"changes,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Checkpoint stages the .choirignore-filtered changes and commits them. A
// clean filtered tree succeeds without a commit. An empty message gets a
// generated one carrying the event seq at commit time.
func (r *Repo) Checkpoint(ctx context.Context, message string) (*CheckpointResult, error) {
	if message == "" {
		var lastSeq int64
		if r.log != nil {
			seq, err := r.log.LatestSeq(ctx)
			if err != nil {
				return nil, err
			}
			lastSeq = seq
		}
		message = fmt.Sprintf("checkpoint: %s (event seq %d)",
			r.now().Format("20060102-150405"), lastSeq)
	}

	filtered, err := r.FilteredStatus(ctx)
	if err != nil {
		return nil, err
	}
	if filtered.Clean {
		return &CheckpointResult{
			Success:   true,
			Message:   "Nothing to commit after applying .choirignore",
			CommitSHA: r.HeadSHA(ctx),
			Changes:   filtered,
		}, nil
	}

	stageArgs := append([]string{"add", "-A", "--"}, filtered.paths()...)
	if _, stderr, err := r.git(ctx, stageArgs...); err != nil {
		return &CheckpointResult{Success: false, Error: "git add failed: " + strings.TrimSpace(stderr)}, nil
	}

	if _, stderr, err := r.git(ctx, "commit", "-m", message); err != nil {
		return &CheckpointResult{Success: false, Error: "git commit failed: " + strings.TrimSpace(stderr)}, nil
	}

	sha := r.HeadSHA(ctx)
	if sha == "" {
		return &CheckpointResult{Success: false, Error: "unable to determine commit SHA"}, nil
	}

	if r.log != nil {
		if _, err := r.log.RecordCheckpoint(ctx, sha, message); err != nil {
			return nil, fmt.Errorf("commit %s succeeded but checkpoint record failed: %w", sha, err)
		}
	}

	return &CheckpointResult{
		Success:   true,
		Message:   message,
		CommitSHA: sha,
		Changes:   filtered,
	}, nil
}

// isReachableCommit reports whether sha names a commit on HEAD's history.
func (r *Repo) isReachableCommit(ctx context.Context, sha string) bool {
	if len(sha) < 7 {
		return false
	}
	if _, _, err := r.git(ctx, "cat-file", "-e", sha+"^{commit}"); err != nil {
		return false
	}
	_, _, err := r.git(ctx, "merge-base", "--is-ancestor", sha, "HEAD")
	return err == nil
}

// DiffPreview summarizes the changes between sha and HEAD.
func (r *Repo) DiffPreview(ctx context.Context, sha string) string {
	out, stderr, err := r.git(ctx, "diff", "--stat", sha+"..HEAD")
	if err != nil {
		return stderr
	}
	return out
}

// RevertResult reports a revert attempt. The backup branch always survives
// a performed revert, so nothing is ever unrecoverable.
type RevertResult struct {
	Success      bool   `json:"success"`
	DryRun       bool   `json:"dry_run,omitempty"`
	RevertedTo   string `json:"reverted_to,omitempty"`
	Message      string `json:"message,omitempty"`
	BackupBranch string `json:"backup_branch,omitempty"`
	Changes      string `json:"changes,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Revert hard-resets the tree to sha. The target must be an ancestor of
// HEAD; a timestamped backup branch is created first; dryRun stops after
// the preview.
func (r *Repo) Revert(ctx context.Context, sha string, dryRun bool) (*RevertResult, error) {
	if !r.isReachableCommit(ctx, sha) {
		return &RevertResult{
			Success: false,
			Error:   fmt.Sprintf("commit %s is not reachable from HEAD", sha),
		}, nil
	}

	backupBranch := fmt.Sprintf("backup-before-revert-%d", r.now().Unix())
	if _, stderr, err := r.git(ctx, "branch", backupBranch); err != nil {
		return &RevertResult{
			Success: false,
			Error:   "failed to create backup branch: " + strings.TrimSpace(stderr),
		}, nil
	}

	preview := r.DiffPreview(ctx, sha)
	if dryRun {
		return &RevertResult{
			Success:      true,
			DryRun:       true,
			BackupBranch: backupBranch,
			Changes:      preview,
		}, nil
	}

	if _, stderr, err := r.git(ctx, "reset", "--hard", sha); err != nil {
		return &RevertResult{
			Success:      false,
			Error:        "git reset failed: " + strings.TrimSpace(stderr),
			BackupBranch: backupBranch,
		}, nil
	}

	return &RevertResult{
		Success:      true,
		RevertedTo:   sha,
		Message:      "Reverted to " + sha,
		BackupBranch: backupBranch,
		Changes:      preview,
	}, nil
}

// Commit is one entry from the repository log.
type Commit struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
	Date    string `json:"date"`
	Author  string `json:"author"`
}

// Log returns the most recent n commits, newest first.
func (r *Repo) Log(ctx context.Context, n int) ([]Commit, error) {
	if n <= 0 {
		n = 10
	}
	out, stderr, err := r.git(ctx, "log", fmt.Sprintf("-%d", n), "--pretty=format:%H|%s|%ai|%an")
	if err != nil {
		// An unborn branch has no log.
		if strings.Contains(stderr, "does not have any commits") {
			return nil, nil
		}
		return nil, fmt.Errorf("git log failed: %s", strings.TrimSpace(stderr))
	}

	var commits []Commit
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.SplitN(line, "|", 4)
		if len(parts) < 4 {
			continue
		}
		commits = append(commits, Commit{SHA: parts[0], Message: parts[1], Date: parts[2], Author: parts[3]})
	}
	return commits, nil
}

// Diff returns the full diff against ref (default HEAD).
func (r *Repo) Diff(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		ref = "HEAD"
	}
	out, stderr, err := r.git(ctx, "diff", ref)
	if err != nil {
		return "", fmt.Errorf("git diff failed: %s", strings.TrimSpace(stderr))
	}
	return out, nil
}
