package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/choiros/choird/pkg/events"
)

// Recorder is the slice of the event store the agent loop writes
// through: conversation rows, tool call receipts, and raw events.
type Recorder interface {
	GetOrCreateConversation(ctx context.Context) (int64, error)
	AddMessage(ctx context.Context, conversationID int64, role, content string) (int64, error)
	LogToolCall(ctx context.Context, conversationID int64, toolName string, toolInput, toolResult map[string]any) (int64, error)
	Append(ctx context.Context, eventType string, payload map[string]any, source events.Source) (int64, error)
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// estimateTokens counts the token footprint of a transcript. When the
// tokenizer is unavailable (offline BPE fetch) it falls back to a
// chars/4 heuristic.
func estimateTokens(messages []Message) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tokenizer unavailable, using heuristic estimate", "error", err)
			return
		}
		encoding = enc
	})

	total := 0
	for _, m := range messages {
		if encoding != nil {
			total += len(encoding.Encode(m.Content, nil, nil))
		} else {
			total += len(m.Content) / 4
		}
		for _, call := range m.ToolCalls {
			if encoding != nil {
				total += len(encoding.Encode(string(call.Input), nil, nil))
			} else {
				total += len(call.Input) / 4
			}
		}
	}
	return total
}

// recordFootprint appends a context-footprint receipt for the current
// transcript. Failures are logged, never fatal to the loop.
func recordFootprint(ctx context.Context, recorder Recorder, conversationID int64, role string, messages []Message) {
	if recorder == nil {
		return
	}
	payload := map[string]any{
		"conversation_id":  conversationID,
		"role":             role,
		"messages":         len(messages),
		"estimated_tokens": estimateTokens(messages),
	}
	if _, err := recorder.Append(ctx, events.TypeReceiptContextFootprint, payload, events.SourceAgent); err != nil {
		slog.Warn("context footprint receipt failed", "error", err)
	}
}
