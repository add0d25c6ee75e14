package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalProvider runs commands as host subprocesses. Isolation is advisory:
// it gives runs the same lifecycle surface as a real sandbox (checkpoints,
// background processes, proxies) without containment, which is what
// single-user development wants.
type LocalProvider struct {
	root string

	mu        sync.Mutex
	processes map[string]*exec.Cmd
}

// NewLocalProvider stores sandbox metadata and checkpoint tarballs under
// root.
func NewLocalProvider(root string) *LocalProvider {
	return &LocalProvider{root: root, processes: make(map[string]*exec.Cmd)}
}

func hexID(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (p *LocalProvider) sandboxDir(handle *Handle) string {
	return filepath.Join(p.root, handle.SandboxID)
}

func (p *LocalProvider) checkpointsPath(handle *Handle) string {
	return filepath.Join(p.sandboxDir(handle), "checkpoints.json")
}

func (p *LocalProvider) loadCheckpoints(handle *Handle) ([]Checkpoint, error) {
	data, err := os.ReadFile(p.checkpointsPath(handle))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoints: %w", err)
	}
	var out []Checkpoint
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoints: %w", err)
	}
	return out, nil
}

func (p *LocalProvider) saveCheckpoints(handle *Handle, checkpoints []Checkpoint) error {
	data, err := json.MarshalIndent(checkpoints, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p.checkpointsPath(handle), data, 0o644)
}

func (p *LocalProvider) Create(ctx context.Context, cfg Config) (*Handle, error) {
	handle := &Handle{SandboxID: hexID("local"), Config: cfg}
	dir := p.sandboxDir(handle)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox dir: %w", err)
	}

	cfgJSON, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), cfgJSON, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write sandbox config: %w", err)
	}
	if err := p.saveCheckpoints(handle, []Checkpoint{}); err != nil {
		return nil, err
	}
	return handle, nil
}

func (p *LocalProvider) Destroy(ctx context.Context, handle *Handle) error {
	if handle == nil {
		return nil
	}
	if err := os.RemoveAll(p.sandboxDir(handle)); err != nil {
		return fmt.Errorf("failed to remove sandbox dir: %w", err)
	}
	return nil
}

// Checkpoint tars the workspace root into the sandbox's metadata directory
// and records it. Restores untar over the workspace.
func (p *LocalProvider) Checkpoint(ctx context.Context, handle *Handle, label string) (*Checkpoint, error) {
	cp := Checkpoint{
		CheckpointID: hexID("ckpt"),
		CreatedAt:    time.Now().UTC(),
		Label:        label,
	}

	if root := handle.Config.WorkspaceRoot; root != "" {
		archive := filepath.Join(p.sandboxDir(handle), cp.CheckpointID+".tar")
		if err := tarDirectory(root, archive); err != nil {
			return nil, fmt.Errorf("failed to archive workspace: %w", err)
		}
	}

	checkpoints, err := p.loadCheckpoints(handle)
	if err != nil {
		return nil, err
	}
	checkpoints = append(checkpoints, cp)
	if err := p.saveCheckpoints(handle, checkpoints); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (p *LocalProvider) Restore(ctx context.Context, handle *Handle, checkpointID string) error {
	checkpoints, err := p.loadCheckpoints(handle)
	if err != nil {
		return err
	}
	found := false
	for _, cp := range checkpoints {
		if cp.CheckpointID == checkpointID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownCheckpoint, checkpointID)
	}

	if root := handle.Config.WorkspaceRoot; root != "" {
		archive := filepath.Join(p.sandboxDir(handle), checkpointID+".tar")
		if _, err := os.Stat(archive); err == nil {
			if err := untarDirectory(archive, root); err != nil {
				return fmt.Errorf("failed to restore workspace: %w", err)
			}
		}
	}
	return nil
}

func (p *LocalProvider) Run(ctx context.Context, cmd Command) (*Result, error) {
	if len(cmd.Argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if cmd.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(runCtx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = commandCwd(cmd)
	c.Env = mergedEnv(cmd.Env)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return &Result{
			ReturnCode: TimeoutReturnCode,
			Stdout:     stdout.String(),
			Stderr:     stderr.String() + "\nTIMEOUT",
			TimedOut:   true,
		}, nil
	}

	result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ReturnCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("failed to run %s: %w", cmd.Argv[0], err)
		}
	}
	return result, nil
}

func (p *LocalProvider) StartProcess(ctx context.Context, cmd Command) (*Process, error) {
	if len(cmd.Argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	c := exec.Command(cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = commandCwd(cmd)
	c.Env = mergedEnv(cmd.Env)

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Argv[0], err)
	}

	processID := strconv.Itoa(c.Process.Pid)
	p.mu.Lock()
	p.processes[processID] = c
	p.mu.Unlock()

	// Reap in the background so the process table stays clean.
	go func() {
		_ = c.Wait()
		p.mu.Lock()
		delete(p.processes, processID)
		p.mu.Unlock()
	}()

	return &Process{ProcessID: processID, Argv: cmd.Argv, Cwd: c.Dir}, nil
}

func (p *LocalProvider) StopProcess(ctx context.Context, handle *Handle, processID string) error {
	p.mu.Lock()
	c, ok := p.processes[processID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if err := c.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill process %s: %w", processID, err)
	}
	return nil
}

// OpenProxy maps a sandbox port to localhost; local processes already
// listen there.
func (p *LocalProvider) OpenProxy(ctx context.Context, handle *Handle, port int) (*Proxy, error) {
	return &Proxy{URL: fmt.Sprintf("http://127.0.0.1:%d", port), Port: port}, nil
}

func commandCwd(cmd Command) string {
	if cmd.Cwd != "" {
		return cmd.Cwd
	}
	if cmd.Sandbox != nil {
		return cmd.Sandbox.Config.WorkspaceRoot
	}
	return ""
}

func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// tarDirectory archives root into dest, skipping VCS and supervisor state
// directories that restores must never clobber.
func tarDirectory(root, dest string) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	tw := tar.NewWriter(out)
	defer func() { _ = tw.Close() }()

	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if info.IsDir() && (info.Name() == ".git" || info.Name() == ".choir" || info.Name() == "node_modules") {
			return filepath.SkipDir
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		_, err = io.Copy(tw, f)
		return err
	})
}

func untarDirectory(archive, root string) error {
	in, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tr := tar.NewReader(in)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		// Reject entries that would escape the workspace.
		target := filepath.Join(root, filepath.FromSlash(hdr.Name))
		rel, err := filepath.Rel(root, target)
		if err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("archive entry escapes workspace: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}
