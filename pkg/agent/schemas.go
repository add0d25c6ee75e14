package agent

import "github.com/choiros/choird/pkg/tools"

// EgressProfile scopes the network access a task may use.
type EgressProfile struct {
	Mode      string   `json:"mode,omitempty" jsonschema:"description=Egress mode,default=git+pkg"`
	Allowlist []string `json:"allowlist,omitempty" jsonschema:"description=Hosts the task may reach"`
}

// VerifyProfile names the commands a task should run to check itself.
type VerifyProfile struct {
	Mode     string   `json:"mode,omitempty" jsonschema:"description=Verification mode,default=smoke"`
	Commands []string `json:"commands,omitempty" jsonschema:"description=Commands that must succeed"`
}

// DirectorTask is the work order the Director hands to the Associate.
type DirectorTask struct {
	TaskID             string        `json:"task_id,omitempty" jsonschema:"description=Unique task identifier (generated when absent)"`
	Kind               string        `json:"kind" jsonschema:"required,enum=edit_repo|run|git|inspect,description=Task category"`
	Instruction        string        `json:"instruction" jsonschema:"required,description=What the Associate should accomplish"`
	AcceptanceCriteria []string      `json:"acceptance_criteria" jsonschema:"required,description=Conditions that define done"`
	BaseRef            string        `json:"base_ref,omitempty" jsonschema:"description=Git ref the task starts from"`
	AllowedTools       []string      `json:"allowed_tools" jsonschema:"required,description=Tools the Associate may use"`
	EgressProfile      EgressProfile `json:"egress_profile,omitempty"`
	VerifyProfile      VerifyProfile `json:"verify_profile,omitempty"`
	Commands           []string      `json:"commands,omitempty" jsonschema:"description=Commands the task is expected to run"`
	TimeBudgetSeconds  int           `json:"time_budget_s,omitempty" jsonschema:"description=Soft time budget in seconds,default=300"`
}

// CommandRun records one command executed during a task.
type CommandRun struct {
	Command    string `json:"command" jsonschema:"required"`
	ExitCode   int    `json:"exit_code" jsonschema:"required"`
	StdoutPath string `json:"stdout_path,omitempty"`
	StderrPath string `json:"stderr_path,omitempty"`
}

// DiffContent is a unified diff of the task's changes.
type DiffContent struct {
	Format  string `json:"format,omitempty" jsonschema:"default=unified"`
	Content string `json:"content" jsonschema:"required"`
}

// VerificationResult is the Associate's self-check outcome.
type VerificationResult struct {
	Mode     string   `json:"mode,omitempty" jsonschema:"default=smoke"`
	Status   string   `json:"status" jsonschema:"required,enum=pass|fail|unknown"`
	Commands []string `json:"commands,omitempty"`
	LogsPath string   `json:"logs_path,omitempty"`
}

// AssociateResult is the structured outcome the Associate submits back
// to the Director.
type AssociateResult struct {
	TaskID        string              `json:"task_id" jsonschema:"required,description=Identifier of the task this result answers"`
	Status        string              `json:"status" jsonschema:"required,enum=ok|needs_input|failed,description=Task outcome"`
	Summary       string              `json:"summary" jsonschema:"required,description=What was done"`
	Diff          *DiffContent        `json:"diff,omitempty"`
	FilesChanged  []string            `json:"files_changed,omitempty"`
	CommandsRun   []CommandRun        `json:"commands_run,omitempty"`
	Verify        *VerificationResult `json:"verify,omitempty"`
	Questions     []string            `json:"questions,omitempty" jsonschema:"description=Open questions for the Director or user"`
	SuggestedNext string              `json:"suggested_next,omitempty"`
}

// DirectorTaskSchema is the delegate_task input schema document.
func DirectorTaskSchema() map[string]any {
	return tools.InputSchemaFor[DirectorTask]()
}

// AssociateResultSchema is the submit_result input schema document.
func AssociateResultSchema() map[string]any {
	return tools.InputSchemaFor[AssociateResult]()
}
