// Package devserver manages the frontend dev-server subprocess. It is
// the rollback notification sink: after a failed run rewinds the
// workspace, the server is restarted so it serves the reverted tree.
package devserver

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Manager supervises one dev-server subprocess.
type Manager struct {
	command string
	dir     string

	mu      sync.Mutex
	process *exec.Cmd
	done    chan struct{}

	// startupGrace is how long a fresh process must survive before
	// Start reports success.
	startupGrace time.Duration
}

func New(command, dir string) *Manager {
	return &Manager{
		command:      command,
		dir:          dir,
		startupGrace: 2 * time.Second,
	}
}

// Start launches the dev server if it is not already running.
func (m *Manager) Start(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runningLocked() {
		return true
	}

	argv := strings.Fields(m.command)
	if len(argv) == 0 {
		return false
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = m.dir
	cmd.Env = append(os.Environ(), "FORCE_COLOR=1")
	if err := cmd.Start(); err != nil {
		slog.Error("dev server start failed", "command", m.command, "error", err)
		return false
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	// Give it a moment to fall over on bad config before claiming success.
	select {
	case <-done:
		return false
	case <-time.After(m.startupGrace):
	case <-ctx.Done():
		return false
	}

	m.process = cmd
	m.done = done
	slog.Info("dev server started", "pid", cmd.Process.Pid, "dir", m.dir)
	return true
}

// Stop terminates the dev server, escalating to SIGKILL after a grace
// period. Stopping a stopped server is a no-op.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(ctx)
}

func (m *Manager) stopLocked(ctx context.Context) {
	if m.process == nil {
		return
	}
	_ = m.process.Process.Signal(os.Interrupt)
	select {
	case <-m.done:
	case <-time.After(5 * time.Second):
		_ = m.process.Process.Kill()
		<-m.done
	case <-ctx.Done():
		_ = m.process.Process.Kill()
	}
	m.process = nil
	m.done = nil
}

// Restart stops then starts the server.
func (m *Manager) Restart(ctx context.Context) bool {
	m.mu.Lock()
	m.stopLocked(ctx)
	m.mu.Unlock()
	return m.Start(ctx)
}

// Running reports whether the subprocess is alive.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningLocked()
}

func (m *Manager) runningLocked() bool {
	if m.process == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// NotifyRollback restarts the server so it picks up the reverted
// workspace. Implements the orchestrator's rollback sink.
func (m *Manager) NotifyRollback(ctx context.Context) {
	if !m.Running() {
		return
	}
	slog.Info("restarting dev server after rollback")
	m.Restart(ctx)
}
