// Package anthropicbridge is the native execution engine. It talks to the
// Anthropic Messages API directly and runs its own tool loop.
package anthropicbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/charmbracelet/log"

	"github.com/dotcommander/agentrun/internal/proto"
	"github.com/dotcommander/agentrun/internal/stream"
)

var _ stream.Engine = &Engine{}

// Config configures the native engine.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	// MaxRetries overrides the client retry count when positive.
	MaxRetries int
	Logger     *log.Logger
}

// Engine is a stream.Engine backed by anthropic-sdk-go.
type Engine struct {
	client anthropic.Client
	logger *log.Logger
}

// New returns a native engine.
func New(cfg Config) *Engine {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(cfg.BaseURL, "/v1")))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Engine{client: anthropic.NewClient(opts...), logger: logger}
}

// Kind implements stream.Engine.
func (e *Engine) Kind() stream.Kind { return stream.Native }

// Stream implements stream.Engine.
func (e *Engine) Stream(ctx context.Context, call stream.Call, out chan<- stream.Frame) (stream.Result, error) {
	return e.run(ctx, call, func(params anthropic.MessageNewParams) (*anthropic.Message, error) {
		return e.streamMessage(ctx, params, out)
	}, out, nil)
}

// Generate implements stream.Engine.
func (e *Engine) Generate(ctx context.Context, call stream.Call, onStep func(stream.Step)) (stream.Result, error) {
	return e.run(ctx, call, func(params anthropic.MessageNewParams) (*anthropic.Message, error) {
		msg, err := e.client.Messages.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("anthropic messages: %w", err)
		}
		return msg, nil
	}, nil, onStep)
}

// streamMessage streams one response, pushing text deltas to out, and
// returns the accumulated message. On error the partial message is returned.
func (e *Engine) streamMessage(ctx context.Context, params anthropic.MessageNewParams, out chan<- stream.Frame) (*anthropic.Message, error) {
	s := e.client.Messages.NewStreaming(ctx, params)
	defer s.Close() //nolint:errcheck

	msg := &anthropic.Message{}
	for s.Next() {
		event := s.Current()
		if err := msg.Accumulate(event); err != nil {
			return msg, fmt.Errorf("anthropic stream: %w", err)
		}
		delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		text, ok := delta.Delta.AsAny().(anthropic.TextDelta)
		if !ok || text.Text == "" || out == nil {
			continue
		}
		if err := stream.Send(ctx, out, stream.TextFrame(text.Text)); err != nil {
			return msg, err
		}
	}
	if err := s.Err(); err != nil {
		return msg, fmt.Errorf("anthropic stream: %w", err)
	}
	return msg, ctx.Err()
}

type stepFunc func(params anthropic.MessageNewParams) (*anthropic.Message, error)

func (e *Engine) run(ctx context.Context, call stream.Call, step stepFunc, out chan<- stream.Frame, onStep func(stream.Step)) (stream.Result, error) {
	var result stream.Result
	if call.Model == "" {
		return result, stream.ErrNoModel
	}

	params := newParams(call)
	maxSteps := stream.MaxSteps(call)
	for range maxSteps {
		msg, err := step(params)
		s := fromMessage(msg)
		if err != nil {
			s.ToolCalls = nil
			result.Add(s)
			return result, err
		}

		if len(s.ToolCalls) > 0 {
			done, err := stream.RunTools(ctx, call.CallTool, s.ToolCalls, out)
			s.ToolCalls = done
			if err != nil {
				result.Add(s)
				return result, err
			}
			params.Messages = append(params.Messages, msg.ToParam(), toolResults(done))
		}

		result.Add(s)
		if onStep != nil {
			onStep(s)
		}
		if len(s.ToolCalls) == 0 {
			return result, nil
		}
	}

	e.logger.Debug("tool loop reached step bound", "model", call.Model, "steps", maxSteps)
	return result, nil
}

func newParams(call stream.Call) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(call.Model),
		MaxTokens: call.MaxTokens,
		Messages:  toMessages(call.Messages),
		Tools:     toTools(call.Tools),
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = 4096
	}
	if call.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: call.System}}
	}
	if call.User != "" {
		params.Metadata = anthropic.MetadataParam{UserID: anthropic.String(call.User)}
	}
	return params
}

// toMessages converts history to message params. System messages are
// dropped, consecutive tool messages are answered in one user message.
func toMessages(history []proto.Message) []anthropic.MessageParam {
	var msgs []anthropic.MessageParam
	var results []anthropic.ContentBlockParamUnion
	flush := func() {
		if len(results) > 0 {
			msgs = append(msgs, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, m := range history {
		if m.Role != proto.RoleTool {
			flush()
		}
		switch m.Role {
		case proto.RoleUser:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case proto.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, toolInput(tc.Function.Arguments), tc.Function.Name))
			}
			if len(blocks) > 0 {
				msgs = append(msgs, anthropic.NewAssistantMessage(blocks...))
			}
		case proto.RoleTool:
			for _, tc := range m.ToolCalls {
				results = append(results, anthropic.NewToolResultBlock(tc.ID, m.Content, tc.IsError))
			}
		}
	}
	flush()
	return msgs
}

func toolInput(args []byte) any {
	if len(args) == 0 || !json.Valid(args) {
		return map[string]any{}
	}
	return json.RawMessage(args)
}

func toTools(tools []stream.Tool) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{
			Properties: t.Schema()["properties"],
			Required:   t.Required,
		}
		tool := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if t.Description != "" && tool.OfTool != nil {
			tool.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, tool)
	}
	return out
}

func toolResults(calls []stream.ToolCall) anthropic.MessageParam {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(calls))
	for _, tc := range calls {
		blocks = append(blocks, anthropic.NewToolResultBlock(tc.ID, tc.Output, tc.IsError))
	}
	return anthropic.NewUserMessage(blocks...)
}

func fromMessage(msg *anthropic.Message) stream.Step {
	var step stream.Step
	if msg == nil {
		return step
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			input := string(b.Input)
			if input == "" {
				input = "{}"
			}
			step.ToolCalls = append(step.ToolCalls, stream.ToolCall{ID: b.ID, Name: b.Name, Input: input})
		}
	}
	step.Text = text.String()
	step.Usage = proto.Usage{InputTokens: msg.Usage.InputTokens, OutputTokens: msg.Usage.OutputTokens}
	return step
}
