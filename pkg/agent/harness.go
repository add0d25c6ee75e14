package agent

import (
	"context"
	"sync"

	"github.com/choiros/choird/pkg/tools"
)

// Harness is the session entry point. It owns the conversation, routes
// user prompts to the Director, and frames everything for the session
// surface.
type Harness struct {
	recorder Recorder
	director *Director

	mu             sync.Mutex
	conversationID int64
}

func NewHarness(llm LLMClient, registry *tools.Registry, recorder Recorder) *Harness {
	associate := NewAssociate(llm, registry, recorder)
	return &Harness{
		recorder: recorder,
		director: NewDirector(llm, associate, recorder),
	}
}

// SetTurnLimit overrides the default turn budget for both tiers.
// Non-positive values are ignored.
func (h *Harness) SetTurnLimit(n int) {
	if n <= 0 {
		return
	}
	h.director.turnLimit = n
	h.director.associate.turnLimit = n
}

// Process handles one user prompt. The returned channel streams frames
// and is closed after the closing done (or error) frame.
func (h *Harness) Process(ctx context.Context, prompt string) <-chan Frame {
	frames := make(chan Frame, 16)

	go func() {
		defer close(frames)

		emit := func(f Frame) {
			select {
			case frames <- f:
			case <-ctx.Done():
			}
		}

		conversationID, err := h.conversation(ctx)
		if err != nil {
			emit(errorFrame(err.Error()))
			return
		}
		if _, err := h.recorder.AddMessage(ctx, conversationID, "user", prompt); err != nil {
			emit(errorFrame(err.Error()))
			return
		}

		emit(thinkingFrame("Director is planning..."))

		if err := h.director.Run(ctx, conversationID, prompt, emit); err != nil {
			emit(errorFrame(err.Error()))
			return
		}

		emit(doneFrame())
	}()

	return frames
}

func (h *Harness) conversation(ctx context.Context) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conversationID != 0 {
		return h.conversationID, nil
	}
	id, err := h.recorder.GetOrCreateConversation(ctx)
	if err != nil {
		return 0, err
	}
	h.conversationID = id
	return id, nil
}
