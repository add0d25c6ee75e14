package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/choiros/choird/pkg/gitops"
	"github.com/choiros/choird/pkg/history"
	"github.com/choiros/choird/pkg/sandbox"
)

// EventSink records file mutations into the event log.
type EventSink interface {
	LogFileWrite(ctx context.Context, path string, content []byte) (int64, error)
}

// Toolkit binds the six tools to a workspace, its git repo, the file
// history, and a sandbox for shell execution.
type Toolkit struct {
	root     string
	logDir   string
	events   EventSink
	history  *history.FileHistory
	repo     *gitops.Repo
	provider sandbox.Provider
	handle   *sandbox.Handle
}

// Options configures a Toolkit. Root is required; everything else
// degrades gracefully when absent (no history snapshots, no events, bash
// and git tools report errors).
type Options struct {
	Root     string
	LogDir   string
	Events   EventSink
	History  *history.FileHistory
	Repo     *gitops.Repo
	Provider sandbox.Provider
	Sandbox  *sandbox.Handle
}

func NewToolkit(opts Options) (*Toolkit, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("toolkit requires a workspace root")
	}
	logDir := opts.LogDir
	if logDir == "" {
		logDir = filepath.Join(opts.Root, ".choir", "logs")
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &Toolkit{
		root:     opts.Root,
		logDir:   logDir,
		events:   opts.Events,
		history:  opts.History,
		repo:     opts.Repo,
		provider: opts.Provider,
		handle:   opts.Sandbox,
	}, nil
}

type ReadFileParams struct {
	Path string `json:"path" jsonschema:"required,description=Path to the file to read"`
	Head int    `json:"head,omitempty" jsonschema:"description=Return only the first N lines"`
	Tail int    `json:"tail,omitempty" jsonschema:"description=Return only the last N lines"`
}

type WriteFileParams struct {
	Path    string `json:"path" jsonschema:"required,description=Path to the file to write"`
	Content string `json:"content" jsonschema:"required,description=Content to write to the file"`
}

type Edit struct {
	OldText string `json:"old_text" jsonschema:"required,description=Exact text to find"`
	NewText string `json:"new_text" jsonschema:"required,description=Replacement text"`
}

type EditFileParams struct {
	Path   string `json:"path" jsonschema:"required,description=Path to the file to edit"`
	Edits  []Edit `json:"edits" jsonschema:"required,description=List of text replacements to make"`
	DryRun bool   `json:"dry_run,omitempty" jsonschema:"description=Show what would change without making changes"`
}

type BashParams struct {
	Command string `json:"command" jsonschema:"required,description=Shell command to execute"`
	Timeout int    `json:"timeout,omitempty" jsonschema:"description=Timeout in seconds,default=300"`
}

type GitCheckpointParams struct {
	Message string `json:"message,omitempty" jsonschema:"description=Commit message describing the checkpoint"`
}

type GitStatusParams struct {
	LogCount int `json:"log_count,omitempty" jsonschema:"description=Number of recent commits to show,default=5"`
}

// Registry returns the toolkit's tools registered in catalog order.
func (t *Toolkit) Registry() (*Registry, error) {
	r := NewRegistry()
	entries := []Tool{
		{
			Definition: Definition{
				Name:        "read_file",
				Description: "Read file contents. Use head/tail for large files.",
				InputSchema: InputSchemaFor[ReadFileParams](),
			},
			Exec: execAs(t.ReadFile),
		},
		{
			Definition: Definition{
				Name:        "write_file",
				Description: "Create or overwrite file with content.",
				InputSchema: InputSchemaFor[WriteFileParams](),
			},
			Exec: execAs(t.WriteFile),
		},
		{
			Definition: Definition{
				Name:        "edit_file",
				Description: "Replace exact text matches in a file. Returns diff.",
				InputSchema: InputSchemaFor[EditFileParams](),
			},
			Exec: execAs(t.EditFile),
		},
		{
			Definition: Definition{
				Name:        "bash",
				Description: "Execute shell command. Output streamed to file.",
				InputSchema: InputSchemaFor[BashParams](),
			},
			Exec: execAs(t.Bash),
		},
		{
			Definition: Definition{
				Name:        "git_checkpoint",
				Description: "Create a git commit as a save point. Use before making risky changes.",
				InputSchema: InputSchemaFor[GitCheckpointParams](),
			},
			Exec: execAs(t.GitCheckpoint),
		},
		{
			Definition: Definition{
				Name:        "git_status",
				Description: "Get git status and recent commit history.",
				InputSchema: InputSchemaFor[GitStatusParams](),
			},
			Exec: execAs(t.GitStatus),
		},
	}
	for _, e := range entries {
		if err := r.Register(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// execAs adapts a typed tool method into an ExecFunc by decoding the
// already-validated argument map into the parameter struct.
func execAs[T any](fn func(ctx context.Context, params T) map[string]any) ExecFunc {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		var params T
		b, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &params); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
		return fn(ctx, params), nil
	}
}

func (t *Toolkit) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(t.root, path)
}

// displayPath prefers workspace-relative paths for event payloads.
func (t *Toolkit) displayPath(path string) string {
	rel, err := filepath.Rel(t.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

func (t *Toolkit) ReadFile(_ context.Context, params ReadFileParams) map[string]any {
	path := t.resolvePath(params.Path)

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return map[string]any{"error": fmt.Sprintf("File not found: %s", params.Path)}
	}
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	if info.IsDir() {
		return map[string]any{"error": fmt.Sprintf("Not a file: %s", params.Path)}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}

	lines := splitLines(string(data))
	total := len(lines)
	if params.Head > 0 && params.Head < len(lines) {
		lines = lines[:params.Head]
	} else if params.Tail > 0 && params.Tail < len(lines) {
		lines = lines[len(lines)-params.Tail:]
	}

	return map[string]any{
		"content":        strings.Join(lines, "\n"),
		"total_lines":    total,
		"returned_lines": len(lines),
	}
}

func (t *Toolkit) WriteFile(ctx context.Context, params WriteFileParams) map[string]any {
	path := t.resolvePath(params.Path)

	if t.history != nil {
		if err := t.history.SaveState(path); err != nil {
			return map[string]any{"error": err.Error()}
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return map[string]any{"error": err.Error()}
	}
	content := []byte(params.Content)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return map[string]any{"error": err.Error()}
	}
	if t.events != nil {
		if _, err := t.events.LogFileWrite(ctx, t.displayPath(path), content); err != nil {
			return map[string]any{"error": err.Error()}
		}
	}

	return map[string]any{
		"success":       true,
		"path":          path,
		"bytes_written": len(content),
	}
}

func (t *Toolkit) EditFile(ctx context.Context, params EditFileParams) map[string]any {
	path := t.resolvePath(params.Path)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]any{"error": fmt.Sprintf("File not found: %s", params.Path)}
	}
	if err != nil {
		return map[string]any{"error": err.Error()}
	}

	original := string(data)
	content := original
	changes := make([]map[string]any, 0, len(params.Edits))

	for _, edit := range params.Edits {
		if !strings.Contains(content, edit.OldText) {
			changes = append(changes, map[string]any{
				"old_text": truncateText(edit.OldText, 50),
				"status":   "not_found",
			})
			continue
		}
		count := strings.Count(content, edit.OldText)
		content = strings.ReplaceAll(content, edit.OldText, edit.NewText)
		changes = append(changes, map[string]any{
			"old_text":    truncateText(edit.OldText, 50),
			"new_text":    truncateText(edit.NewText, 50),
			"occurrences": count,
			"status":      "replaced",
		})
	}

	if params.DryRun {
		return map[string]any{
			"dry_run":      true,
			"changes":      changes,
			"would_modify": content != original,
			"diff":         diffPreview(original, content),
		}
	}

	if content != original {
		if t.history != nil {
			if err := t.history.SaveState(path); err != nil {
				return map[string]any{"error": err.Error()}
			}
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return map[string]any{"error": err.Error()}
		}
		if t.events != nil {
			if _, err := t.events.LogFileWrite(ctx, t.displayPath(path), []byte(content)); err != nil {
				return map[string]any{"error": err.Error()}
			}
		}
	}

	return map[string]any{
		"success":  true,
		"path":     path,
		"changes":  changes,
		"modified": content != original,
	}
}

func (t *Toolkit) Bash(ctx context.Context, params BashParams) map[string]any {
	if t.provider == nil {
		return map[string]any{"error": "no sandbox provider configured"}
	}

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = 300
	}

	cmdID := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	logPath := filepath.Join(t.logDir, "cmd_"+cmdID+".log")

	result, err := t.provider.Run(ctx, sandbox.Command{
		Argv:    []string{"bash", "-c", params.Command},
		Timeout: time.Duration(timeout) * time.Second,
		Cwd:     t.root,
		Sandbox: t.handle,
	})
	if err != nil {
		return map[string]any{"error": err.Error()}
	}

	output := result.Stdout
	if result.Stderr != "" {
		output += result.Stderr
	}
	if err := os.WriteFile(logPath, []byte(output), 0o644); err != nil {
		return map[string]any{"error": err.Error()}
	}

	preview := output
	if len(preview) > 500 {
		preview = preview[:500]
	}

	return map[string]any{
		"exit_code":      result.ReturnCode,
		"output_file":    logPath,
		"output_preview": preview,
		"truncated":      len(output) > 500,
	}
}

func (t *Toolkit) GitCheckpoint(ctx context.Context, params GitCheckpointParams) map[string]any {
	if t.repo == nil {
		return map[string]any{"error": "no git repository configured"}
	}
	result, err := t.repo.Checkpoint(ctx, params.Message)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	return structToMap(result)
}

func (t *Toolkit) GitStatus(ctx context.Context, params GitStatusParams) map[string]any {
	if t.repo == nil {
		return map[string]any{"error": "no git repository configured"}
	}

	logCount := params.LogCount
	if logCount <= 0 {
		logCount = 5
	}

	status, err := t.repo.Status(ctx)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	commits, err := t.repo.Log(ctx, logCount)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}

	recent := make([]map[string]any, 0, len(commits))
	for _, c := range commits {
		recent = append(recent, map[string]any{
			"sha":     shortSHA(c.SHA),
			"message": c.Message,
		})
	}

	var head any
	if sha := t.repo.HeadSHA(ctx); sha != "" {
		head = shortSHA(sha)
	}

	return map[string]any{
		"head":           head,
		"status":         structToMap(status),
		"recent_commits": recent,
	}
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// diffPreview renders a patch-style preview of a pending edit.
func diffPreview(before, after string) string {
	if before == after {
		return ""
	}
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(before, after)
	return dmp.PatchToText(patches)
}

func structToMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{"error": err.Error()}
	}
	return m
}
