// Package models holds the request and response DTOs of the HTTP control
// surface. Handlers bind these and translate to store/gitops/sandbox types.
package models

// UpsertWorkItemRequest creates or updates a work item. An empty ID
// allocates one.
type UpsertWorkItemRequest struct {
	ID                 string   `json:"id"`
	Description        string   `json:"description" binding:"required"`
	AcceptanceCriteria string   `json:"acceptance_criteria"`
	RequiredVerifiers  []string `json:"required_verifiers"`
	RiskTier           string   `json:"risk_tier"`
	Dependencies       []string `json:"dependencies"`
	Status             string   `json:"status"`
	ParentID           string   `json:"parent_id"`
}

// CreateRunRequest starts a run for a work item.
type CreateRunRequest struct {
	WorkItemID string `json:"work_item_id" binding:"required"`
	Mood       string `json:"mood"`
	Status     string `json:"status"`
}

// PatchRunRequest advances a run's status and/or mood. Empty fields are
// left unchanged.
type PatchRunRequest struct {
	Status string `json:"status"`
	Mood   string `json:"mood"`
}

// AddRunNoteRequest appends a note event to a run.
type AddRunNoteRequest struct {
	NoteType string         `json:"note_type" binding:"required"`
	Body     map[string]any `json:"body" binding:"required"`
}

// AddVerificationRequest records a verifier attestation against a run.
type AddVerificationRequest struct {
	Attestation map[string]any `json:"attestation" binding:"required"`
}

// CommitRequestRequest emits the ready-for-review commit request for a run.
type CommitRequestRequest struct {
	Status  string         `json:"status"`
	Payload map[string]any `json:"payload"`
}

// CheckpointRequest commits the current workspace state.
type CheckpointRequest struct {
	Message string `json:"message"`
}

// SandboxCreateRequest provisions a sandbox.
type SandboxCreateRequest struct {
	WorkspaceID string `json:"workspace_id"`
}

// SandboxExecRequest runs a command in the current sandbox.
type SandboxExecRequest struct {
	Argv     []string          `json:"argv" binding:"required"`
	TimeoutS int               `json:"timeout_s"`
	Cwd      string            `json:"cwd"`
	Env      map[string]string `json:"env"`
}

// SandboxCheckpointRequest snapshots the current sandbox.
type SandboxCheckpointRequest struct {
	Label string `json:"label"`
}

// SandboxRestoreRequest rewinds the current sandbox to a checkpoint.
type SandboxRestoreRequest struct {
	CheckpointID string `json:"checkpoint_id" binding:"required"`
}

// SandboxProxyRequest exposes a sandbox port.
type SandboxProxyRequest struct {
	Port int `json:"port" binding:"required"`
}

// SandboxStopProcessRequest kills a background process in the sandbox.
type SandboxStopProcessRequest struct {
	ProcessID string `json:"process_id" binding:"required"`
}

// PromptFrame is the client-to-server frame on the agent websocket.
type PromptFrame struct {
	Prompt string `json:"prompt"`
}
