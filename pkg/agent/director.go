package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/choiros/choird/pkg/tools"
)

const delegateTaskTool = "delegate_task"

const directorSystemPrompt = `You are the Director, the planning and supervision agent of this system.
You receive user requests, plan the work, and delegate tasks to the Associate.

You do NOT have direct access to the file system or shell. To affect
change or inspect the system you MUST delegate tasks to the Associate
with the delegate_task tool.

When a user asks for something:
1. Break it down into clear, deterministic tasks.
2. Delegate one task at a time.
3. Review each result against the plan.
4. Delegate the next task if more work is needed.
5. Once the goal is met, inform the user.

Never try to read files or run commands yourself.`

// Director plans and supervises; its only tool is delegating to the
// Associate.
type Director struct {
	llm       LLMClient
	associate *Associate
	recorder  Recorder
	turnLimit int
	maxTokens int
}

func NewDirector(llm LLMClient, associate *Associate, recorder Recorder) *Director {
	return &Director{
		llm:       llm,
		associate: associate,
		recorder:  recorder,
		turnLimit: defaultTurnBudget,
		maxTokens: defaultMaxTokens,
	}
}

func (d *Director) catalog() []tools.Definition {
	return []tools.Definition{{
		Name:        delegateTaskTool,
		Description: "Delegate a task to the Associate agent.",
		InputSchema: DirectorTaskSchema(),
	}}
}

// Run drives the Director loop for one user prompt, emitting frames as
// it goes. The loop ends when the Director answers without delegating.
func (d *Director) Run(ctx context.Context, conversationID int64, prompt string, emit func(Frame)) error {
	messages := []Message{{Role: "user", Content: prompt}}

	for turnNo := 0; turnNo < d.turnLimit; turnNo++ {
		t, err := collectTurn(ctx, d.llm, &GenerateInput{
			System:    directorSystemPrompt,
			Messages:  messages,
			Tools:     d.catalog(),
			MaxTokens: d.maxTokens,
		})
		if err != nil {
			return err
		}
		if t.err != nil {
			return fmt.Errorf("llm: %s", t.err.Message)
		}

		recordFootprint(ctx, d.recorder, conversationID, "director", messages)

		for _, text := range t.text {
			emit(textFrame(text))
		}

		assistant := Message{Role: "assistant", Content: strings.Join(t.text, "\n"), ToolCalls: t.toolCalls}
		messages = append(messages, assistant)

		// Text-only turn: the Director is answering the user.
		if len(t.toolCalls) == 0 {
			if len(t.text) > 0 && d.recorder != nil {
				if _, err := d.recorder.AddMessage(ctx, conversationID, "assistant", strings.Join(t.text, "\n")); err != nil {
					return err
				}
			}
			return nil
		}

		for _, call := range t.toolCalls {
			var input map[string]any
			_ = json.Unmarshal(call.Input, &input)
			emit(toolUseFrame(call.Name, input))

			result := d.delegate(ctx, conversationID, call, input, emit)
			resultJSON, _ := json.Marshal(result)
			messages = append(messages, Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    string(resultJSON),
			})
		}
	}

	emit(errorFrame("Director reached maximum turn limit."))
	return nil
}

// delegate validates a delegate_task call, runs the Associate, and
// reports the outcome. Failures come back as error-valued result maps.
func (d *Director) delegate(ctx context.Context, conversationID int64, call ToolCall, input map[string]any, emit func(Frame)) map[string]any {
	if call.Name != delegateTaskTool {
		result := map[string]any{"error": fmt.Sprintf("Unknown tool: %s", call.Name)}
		emit(toolResultFrame(call.Name, result))
		return result
	}

	var task DirectorTask
	if err := json.Unmarshal(call.Input, &task); err != nil {
		result := map[string]any{"error": fmt.Sprintf("Task delegation failed: %v", err)}
		emit(errorFrame(result["error"].(string)))
		d.logToolCall(ctx, conversationID, call.Name, input, result)
		return result
	}
	if task.Instruction == "" || task.Kind == "" {
		result := map[string]any{"error": "Task delegation failed: kind and instruction are required"}
		emit(errorFrame(result["error"].(string)))
		d.logToolCall(ctx, conversationID, call.Name, input, result)
		return result
	}
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}

	emit(thinkingFrame("Delegating task: " + task.Instruction))

	outcome, err := d.associate.Run(ctx, conversationID, task)
	if err != nil {
		result := map[string]any{"error": fmt.Sprintf("Task delegation failed: %v", err)}
		emit(errorFrame(result["error"].(string)))
		d.logToolCall(ctx, conversationID, call.Name, input, result)
		return result
	}

	result := resultToMap(outcome)
	emit(toolResultFrame(call.Name, result))
	d.logToolCall(ctx, conversationID, call.Name, input, result)
	return result
}

func (d *Director) logToolCall(ctx context.Context, conversationID int64, name string, input, result map[string]any) {
	if d.recorder == nil {
		return
	}
	_, _ = d.recorder.LogToolCall(ctx, conversationID, name, input, result)
}

func resultToMap(r *AssociateResult) map[string]any {
	b, err := json.Marshal(r)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{"error": err.Error()}
	}
	return m
}
