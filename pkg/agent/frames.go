package agent

// FrameType is the kind of frame streamed to the session surface.
type FrameType string

const (
	FrameThinking     FrameType = "thinking"
	FrameText         FrameType = "text"
	FrameToolUse      FrameType = "tool_use"
	FrameToolResult   FrameType = "tool_result"
	FrameError        FrameType = "error"
	FrameDone         FrameType = "done"
	FrameVerification FrameType = "verification"
)

// Frame is one streamed unit of agent activity. Content is
// frame-type-specific: a string for thinking/text/error, a map for
// tool_use/tool_result/verification, nil for done.
type Frame struct {
	Type    FrameType `json:"type"`
	Content any       `json:"content"`
}

func thinkingFrame(msg string) Frame { return Frame{Type: FrameThinking, Content: msg} }
func textFrame(msg string) Frame     { return Frame{Type: FrameText, Content: msg} }
func errorFrame(msg string) Frame    { return Frame{Type: FrameError, Content: msg} }
func doneFrame() Frame               { return Frame{Type: FrameDone} }

func toolUseFrame(name string, input map[string]any) Frame {
	return Frame{Type: FrameToolUse, Content: map[string]any{"tool": name, "input": input}}
}

func toolResultFrame(name string, result map[string]any) Frame {
	return Frame{Type: FrameToolResult, Content: map[string]any{"tool": name, "result": result}}
}
