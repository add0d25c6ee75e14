// Package sandbox isolates run execution behind a capability interface.
// Every command the executor, the verifier runner, or the bash tool issues
// goes through a Provider, so swapping local subprocess execution for a
// remote sandbox never touches callers.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownCheckpoint is returned by Restore for a checkpoint id the
// sandbox has never produced.
var ErrUnknownCheckpoint = errors.New("sandbox: unknown checkpoint")

// ErrUnsupported marks capabilities a provider does not implement.
var ErrUnsupported = errors.New("sandbox: operation not supported by provider")

// Resources are advisory limits for a sandbox. Zero values mean unlimited.
type Resources struct {
	CPUCores float64 `json:"cpu_cores,omitempty"`
	MemoryMB int     `json:"memory_mb,omitempty"`
	DiskMB   int     `json:"disk_mb,omitempty"`
}

// NetworkPolicy scopes a sandbox's outbound network access.
type NetworkPolicy struct {
	AllowInternet bool     `json:"allow_internet"`
	AllowedHosts  []string `json:"allowed_hosts,omitempty"`
	DeniedHosts   []string `json:"denied_hosts,omitempty"`
}

// Config describes the sandbox to create.
type Config struct {
	UserID        string            `json:"user_id"`
	WorkspaceID   string            `json:"workspace_id"`
	WorkspaceRoot string            `json:"workspace_root,omitempty"`
	BaseImage     string            `json:"base_image,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Resources     Resources         `json:"resources"`
	Network       NetworkPolicy     `json:"network"`
}

// Handle identifies a live sandbox.
type Handle struct {
	SandboxID string `json:"sandbox_id"`
	Config    Config `json:"config"`
}

// Command is one execution request. Cwd defaults to the sandbox's workspace
// root when empty.
type Command struct {
	Argv    []string
	Timeout time.Duration
	Cwd     string
	Env     map[string]string
	Sandbox *Handle
}

// Result is the outcome of a completed command. A timeout yields return
// code 124 with TimedOut set.
type Result struct {
	ReturnCode int    `json:"return_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	TimedOut   bool   `json:"timed_out"`
}

// TimeoutReturnCode is the conventional exit code for a killed-on-timeout
// command, matching coreutils timeout(1).
const TimeoutReturnCode = 124

// Checkpoint is a restorable snapshot of a sandbox's filesystem state.
type Checkpoint struct {
	CheckpointID string    `json:"checkpoint_id"`
	CreatedAt    time.Time `json:"created_at"`
	Label        string    `json:"label,omitempty"`
}

// Process is a background process started inside a sandbox.
type Process struct {
	ProcessID string   `json:"process_id"`
	Argv      []string `json:"argv"`
	Cwd       string   `json:"cwd,omitempty"`
}

// Proxy exposes a port inside the sandbox as a reachable URL.
type Proxy struct {
	URL  string `json:"url"`
	Port int    `json:"port"`
}

// Provider is the sandbox capability surface.
type Provider interface {
	// Create provisions a sandbox for the config.
	Create(ctx context.Context, cfg Config) (*Handle, error)

	// Destroy tears the sandbox down. Destroying an already-destroyed
	// sandbox is not an error.
	Destroy(ctx context.Context, handle *Handle) error

	// Checkpoint snapshots the sandbox and returns a restorable id.
	Checkpoint(ctx context.Context, handle *Handle, label string) (*Checkpoint, error)

	// Restore rewinds the sandbox to a prior checkpoint. Unknown ids fail
	// with ErrUnknownCheckpoint.
	Restore(ctx context.Context, handle *Handle, checkpointID string) error

	// Run executes a command to completion and captures its output.
	Run(ctx context.Context, cmd Command) (*Result, error)

	// StartProcess launches a long-lived background process.
	StartProcess(ctx context.Context, cmd Command) (*Process, error)

	// StopProcess kills a background process by id.
	StopProcess(ctx context.Context, handle *Handle, processID string) error

	// OpenProxy returns a URL reaching the given port inside the sandbox.
	OpenProxy(ctx context.Context, handle *Handle, port int) (*Proxy, error)
}
