package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/choiros/choird/pkg/tools"
)

const (
	// defaultTurnBudget bounds both loops; running out of turns is a
	// failed result, not an error.
	defaultTurnBudget = 20

	defaultMaxTokens = 4096

	submitResultTool = "submit_result"
)

const associateSystemPrompt = `You are the Associate, the executing agent of this system.
You carry out deterministic tasks assigned by the Director.

You have tools to read, write, and edit files in the workspace, execute
shell commands, and manage git checkpoints.

For each task:
1. Understand the goal and the acceptance criteria.
2. Use tools to achieve the goal.
3. Verify your work with the provided verification commands or by inspecting state.
4. Submit the outcome with the submit_result tool.

You must submit a result to complete the task. Never ask the user for
input directly; report missing input with the needs_input status.`

// Associate executes DirectorTasks against the tool registry.
type Associate struct {
	llm       LLMClient
	registry  *tools.Registry
	recorder  Recorder
	turnLimit int
	maxTokens int
}

func NewAssociate(llm LLMClient, registry *tools.Registry, recorder Recorder) *Associate {
	return &Associate{
		llm:       llm,
		registry:  registry,
		recorder:  recorder,
		turnLimit: defaultTurnBudget,
		maxTokens: defaultMaxTokens,
	}
}

// catalog is the task's tool surface: the registry definitions plus the
// distinguished submit_result tool.
func (a *Associate) catalog() []tools.Definition {
	defs := a.registry.Definitions()
	defs = append(defs, tools.Definition{
		Name:        submitResultTool,
		Description: "Submit the final result of the task execution.",
		InputSchema: AssociateResultSchema(),
	})
	return defs
}

func taskPrompt(task DirectorTask) string {
	criteria, _ := json.MarshalIndent(task.AcceptanceCriteria, "", "  ")
	verify, _ := json.Marshal(task.VerifyProfile)
	egress, _ := json.Marshal(task.EgressProfile)
	return fmt.Sprintf(`Task ID: %s
Kind: %s
Instruction: %s
Acceptance Criteria:
%s

Base Ref: %s
Allowed Tools: %s
Commands: %s
Verify Profile: %s
Egress Profile: %s`,
		task.TaskID, task.Kind, task.Instruction, criteria,
		task.BaseRef, strings.Join(task.AllowedTools, ", "),
		strings.Join(task.Commands, ", "), verify, egress)
}

// Run drives the Associate loop until a result is submitted or the turn
// budget runs out.
func (a *Associate) Run(ctx context.Context, conversationID int64, task DirectorTask) (*AssociateResult, error) {
	messages := []Message{{Role: "user", Content: taskPrompt(task)}}

	for turnNo := 0; turnNo < a.turnLimit; turnNo++ {
		t, err := collectTurn(ctx, a.llm, &GenerateInput{
			System:    associateSystemPrompt,
			Messages:  messages,
			Tools:     a.catalog(),
			MaxTokens: a.maxTokens,
		})
		if err != nil {
			return nil, err
		}
		if t.err != nil {
			return nil, fmt.Errorf("llm: %s", t.err.Message)
		}

		recordFootprint(ctx, a.recorder, conversationID, "associate", messages)

		assistant := Message{Role: "assistant", Content: strings.Join(t.text, "\n"), ToolCalls: t.toolCalls}
		messages = append(messages, assistant)

		for _, call := range t.toolCalls {
			if call.Name == submitResultTool {
				var result AssociateResult
				if err := json.Unmarshal(call.Input, &result); err != nil || result.Status == "" {
					// Feed the validation failure back so the model can retry.
					messages = append(messages, Message{
						Role:       "tool",
						ToolCallID: call.ID,
						Content:    fmt.Sprintf("Invalid result format: %v", err),
					})
					continue
				}
				if result.TaskID == "" {
					result.TaskID = task.TaskID
				}
				return &result, nil
			}

			var result map[string]any
			if !toolAllowed(task, call.Name) {
				result = map[string]any{
					"error": fmt.Sprintf("Tool %s is not allowed for this task. Allowed: %s",
						call.Name, strings.Join(task.AllowedTools, ", ")),
				}
			} else {
				result = a.registry.Execute(ctx, call.Name, call.Input)
			}

			if a.recorder != nil {
				var input map[string]any
				_ = json.Unmarshal(call.Input, &input)
				if _, err := a.recorder.LogToolCall(ctx, conversationID, call.Name, input, result); err != nil {
					return nil, err
				}
			}

			resultJSON, _ := json.Marshal(result)
			messages = append(messages, Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    string(resultJSON),
			})
		}
	}

	return &AssociateResult{
		TaskID:    task.TaskID,
		Status:    "failed",
		Summary:   "Associate ran out of turns.",
		Questions: []string{"Task timed out."},
	}, nil
}

// toolAllowed enforces the task's allowed-tools set; submit_result is
// always allowed.
func toolAllowed(task DirectorTask, name string) bool {
	if name == submitResultTool {
		return true
	}
	if task.AllowedTools == nil {
		return true
	}
	for _, allowed := range task.AllowedTools {
		if allowed == name {
			return true
		}
	}
	return false
}
