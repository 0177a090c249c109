// Package stream defines the call contract shared by the execution engines
// and the frames they push to a streaming consumer.
package stream

import (
	"context"
	"errors"

	"github.com/dotcommander/agentrun/internal/proto"
)

// Kind tells the two engine implementations apart.
type Kind int

// Engine kinds.
const (
	// Native engines serve one provider with their own tool loop.
	Native Kind = iota
	// Generic engines serve many providers through one call shape.
	Generic
)

func (k Kind) String() string {
	if k == Native {
		return "native"
	}
	return "generic"
}

// ErrNoModel is returned when a call names no model.
var ErrNoModel = errors.New("no model configured for agent")

// Tool is a callable tool as offered to a model.
type Tool struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// Schema returns the JSON schema object of the tool input.
func (t Tool) Schema() map[string]any {
	props := t.Properties
	if props == nil {
		props = map[string]any{}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(t.Required) > 0 {
		schema["required"] = t.Required
	}
	return schema
}

// ToolCaller executes a tool call. The returned error is reported to the
// model as an error result.
type ToolCaller func(ctx context.Context, name string, args []byte) (string, error)

// Call is one turn handed to an engine.
type Call struct {
	Model    string
	System   string
	Messages []proto.Message
	Tools    []Tool
	CallTool ToolCaller

	MaxTokens int64
	// MaxSteps bounds the model calls of one tool loop.
	MaxSteps int
	User     string
}

// ToolCall is an executed tool call.
type ToolCall struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Input   string `json:"input"`
	Output  string `json:"output"`
	IsError bool   `json:"isError"`
}

// Step is the outcome of one model call inside a tool loop.
type Step struct {
	Text      string
	ToolCalls []ToolCall
	Usage     proto.Usage
}

// Result is the outcome of a whole turn.
type Result struct {
	Text      string
	Usage     proto.Usage
	ToolCalls []ToolCall
	Steps     int
}

// Add folds a step into the result.
func (r *Result) Add(s Step) {
	r.Text += s.Text
	r.Usage = r.Usage.Add(s.Usage)
	r.ToolCalls = append(r.ToolCalls, s.ToolCalls...)
	r.Steps++
}

// Engine runs a model call, including the tool loop.
type Engine interface {
	Kind() Kind
	// Stream runs the call and pushes text and tool frames to out in arrival
	// order. It never closes out. On error the partial result is returned.
	Stream(ctx context.Context, call Call, out chan<- Frame) (Result, error)
	// Generate runs the call to completion without streaming. onStep, if
	// set, is invoked after every model call.
	Generate(ctx context.Context, call Call, onStep func(Step)) (Result, error)
}

// RunTools executes the calls in order with caller. A nil caller reports
// every call as failed.
func RunTools(ctx context.Context, caller ToolCaller, calls []ToolCall, out chan<- Frame) ([]ToolCall, error) {
	done := make([]ToolCall, 0, len(calls))
	for _, tc := range calls {
		if out != nil {
			if err := Send(ctx, out, ToolCallFrame(tc)); err != nil {
				return done, err
			}
		}
		if caller == nil {
			tc.Output, tc.IsError = "tool "+tc.Name+" is not available", true
		} else if output, err := caller(ctx, tc.Name, []byte(tc.Input)); err != nil {
			tc.Output, tc.IsError = err.Error(), true
		} else {
			tc.Output = output
		}
		if err := ctx.Err(); err != nil {
			return done, err
		}
		done = append(done, tc)
		if out != nil {
			if err := Send(ctx, out, ToolResultFrame(tc)); err != nil {
				return done, err
			}
		}
	}
	return done, nil
}

// ToolMessages returns the assistant message carrying calls and the tool
// messages answering them.
func ToolMessages(text string, calls []ToolCall) []proto.Message {
	assistant := proto.Message{Role: proto.RoleAssistant, Content: text}
	msgs := make([]proto.Message, 0, len(calls)+1)
	for _, tc := range calls {
		assistant.ToolCalls = append(assistant.ToolCalls, proto.ToolCall{
			ID:       tc.ID,
			Function: proto.Function{Name: tc.Name, Arguments: []byte(tc.Input)},
		})
		msgs = append(msgs, proto.Message{
			Role:    proto.RoleTool,
			Content: tc.Output,
			ToolCalls: []proto.ToolCall{{
				ID:       tc.ID,
				Function: proto.Function{Name: tc.Name},
				IsError:  tc.IsError,
			}},
		})
	}
	return append([]proto.Message{assistant}, msgs...)
}

// MaxSteps returns the step bound of call, defaulting to 10.
func MaxSteps(call Call) int {
	if call.MaxSteps <= 0 {
		return 10
	}
	return call.MaxSteps
}
