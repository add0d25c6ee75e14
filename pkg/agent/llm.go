// Package agent implements the two-tier supervised agent loop: a
// Harness that fronts a conversation, a Director that plans and
// delegates, and an Associate that executes delegated tasks with the
// tool surface.
package agent

import (
	"context"
	"encoding/json"

	"github.com/choiros/choird/pkg/tools"
)

// LLMClient is the provider-side interface for one model turn. The
// returned channel is closed when the turn completes; provider errors
// are delivered as ErrorChunk values in the channel.
type LLMClient interface {
	Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error)
	Close() error
}

// GenerateInput is one model call: the transcript so far plus the tool
// catalog the model may draw on.
type GenerateInput struct {
	System    string
	Messages  []Message
	Tools     []tools.Definition
	MaxTokens int
}

// Message is one entry of the conversation transcript.
type Message struct {
	Role       string // "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall // for assistant messages
	ToolCallID string     // for tool result messages
}

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeError    ChunkType = "error"
)

// TextChunk is a piece of the model's text response.
type TextChunk struct{ Content string }

// ToolCallChunk signals the model wants to call a tool.
type ToolCallChunk struct{ Call ToolCall }

// UsageChunk reports token consumption for this call.
type UsageChunk struct{ InputTokens, OutputTokens int64 }

// ErrorChunk signals a provider error.
type ErrorChunk struct {
	Message   string
	Retryable bool
}

func (c *TextChunk) chunkType() ChunkType     { return ChunkTypeText }
func (c *ToolCallChunk) chunkType() ChunkType { return ChunkTypeToolCall }
func (c *UsageChunk) chunkType() ChunkType    { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType    { return ChunkTypeError }

// turn is one collected model response: the text blocks and tool calls
// drained from the chunk stream.
type turn struct {
	text      []string
	toolCalls []ToolCall
	usage     *UsageChunk
	err       *ErrorChunk
}

// collectTurn drains one Generate stream into a turn.
func collectTurn(ctx context.Context, client LLMClient, input *GenerateInput) (*turn, error) {
	stream, err := client.Generate(ctx, input)
	if err != nil {
		return nil, err
	}
	t := &turn{}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok := <-stream:
			if !ok {
				return t, nil
			}
			switch c := chunk.(type) {
			case *TextChunk:
				t.text = append(t.text, c.Content)
			case *ToolCallChunk:
				t.toolCalls = append(t.toolCalls, c.Call)
			case *UsageChunk:
				t.usage = c
			case *ErrorChunk:
				t.err = c
			}
		}
	}
}
