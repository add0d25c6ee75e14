package devserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, command string) *Manager {
	t.Helper()
	m := New(command, t.TempDir())
	m.startupGrace = 100 * time.Millisecond
	t.Cleanup(func() { m.Stop(context.Background()) })
	return m
}

func TestStartAndStop(t *testing.T) {
	m := newTestManager(t, "sleep 60")

	require.True(t, m.Start(context.Background()))
	assert.True(t, m.Running())

	m.Stop(context.Background())
	assert.False(t, m.Running())
}

func TestStartWhileRunningIsNoop(t *testing.T) {
	m := newTestManager(t, "sleep 60")

	require.True(t, m.Start(context.Background()))
	pid := m.process.Process.Pid

	require.True(t, m.Start(context.Background()))
	assert.Equal(t, pid, m.process.Process.Pid)
}

func TestStartFailsWhenProcessExitsImmediately(t *testing.T) {
	m := newTestManager(t, "false")

	assert.False(t, m.Start(context.Background()))
	assert.False(t, m.Running())
}

func TestStartFailsOnMissingBinary(t *testing.T) {
	m := newTestManager(t, "definitely-not-a-real-binary-xyz")

	assert.False(t, m.Start(context.Background()))
}

func TestRestartReplacesProcess(t *testing.T) {
	m := newTestManager(t, "sleep 60")

	require.True(t, m.Start(context.Background()))
	pid := m.process.Process.Pid

	require.True(t, m.Restart(context.Background()))
	assert.True(t, m.Running())
	assert.NotEqual(t, pid, m.process.Process.Pid)
}

func TestNotifyRollbackIgnoredWhenStopped(t *testing.T) {
	m := newTestManager(t, "sleep 60")

	m.NotifyRollback(context.Background())
	assert.False(t, m.Running())
}

func TestNotifyRollbackRestartsRunningServer(t *testing.T) {
	m := newTestManager(t, "sleep 60")

	require.True(t, m.Start(context.Background()))
	pid := m.process.Process.Pid

	m.NotifyRollback(context.Background())
	assert.True(t, m.Running())
	assert.NotEqual(t, pid, m.process.Process.Pid)
}

func TestStopOnStoppedManagerIsNoop(t *testing.T) {
	m := newTestManager(t, "sleep 60")
	m.Stop(context.Background())
	assert.False(t, m.Running())
}
