package stream

import (
	"context"

	"github.com/dotcommander/agentrun/internal/proto"
)

// FrameType is the event name of a frame.
type FrameType string

// Frame types.
const (
	FrameSession    FrameType = "session"
	FrameText       FrameType = "text"
	FrameToolCall   FrameType = "tool_call"
	FrameToolResult FrameType = "tool_result"
	FrameDone       FrameType = "done"
	FrameError      FrameType = "error"
)

// Frame is one named event of a response stream. Data is JSON encoded by
// the writer.
type Frame struct {
	Type FrameType
	Data any
}

// SessionData is the payload of the session frame.
type SessionData struct {
	SessionID      string `json:"sessionId"`
	ConversationID string `json:"conversationId"`
}

// TextData is the payload of a text frame.
type TextData struct {
	Text string `json:"text"`
}

// ToolCallData is the payload of a tool_call frame.
type ToolCallData struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input string `json:"input"`
}

// DoneData is the payload of the done frame.
type DoneData struct {
	Usage proto.Usage `json:"usage"`
}

// ErrorData is the payload of the error frame.
type ErrorData struct {
	Message string `json:"message"`
}

// SessionFrame returns a session frame.
func SessionFrame(sessionID, conversationID string) Frame {
	return Frame{Type: FrameSession, Data: SessionData{SessionID: sessionID, ConversationID: conversationID}}
}

// TextFrame returns a text frame.
func TextFrame(text string) Frame {
	return Frame{Type: FrameText, Data: TextData{Text: text}}
}

// ToolCallFrame returns a tool_call frame.
func ToolCallFrame(tc ToolCall) Frame {
	return Frame{Type: FrameToolCall, Data: ToolCallData{ID: tc.ID, Name: tc.Name, Input: tc.Input}}
}

// ToolResultFrame returns a tool_result frame.
func ToolResultFrame(tc ToolCall) Frame {
	return Frame{Type: FrameToolResult, Data: tc}
}

// DoneFrame returns a done frame.
func DoneFrame(usage proto.Usage) Frame {
	return Frame{Type: FrameDone, Data: DoneData{Usage: usage}}
}

// ErrorFrame returns an error frame.
func ErrorFrame(message string) Frame {
	return Frame{Type: FrameError, Data: ErrorData{Message: message}}
}

// Send pushes f to out, giving up when ctx is done.
func Send(ctx context.Context, out chan<- Frame, f Frame) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- f:
		return nil
	}
}
