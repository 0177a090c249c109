// Package fantasybridge is the generic execution engine. It serves every
// provider charm.land/fantasy supports through one call shape.
package fantasybridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"charm.land/fantasy"
	"github.com/charmbracelet/log"

	"github.com/dotcommander/agentrun/internal/proto"
	"github.com/dotcommander/agentrun/internal/stream"
)

var _ stream.Engine = &Engine{}

const (
	apiAnthropic = "anthropic"
	apiGoogle    = "google"
	apiOpenAI    = "openai"
	apiAzure     = "azure"
	apiAzureAD   = "azure-ad"
)

// Config represents provider configuration used by the fantasy bridge.
type Config struct {
	API            string
	BaseURL        string
	APIKey         string
	HTTPClient     *http.Client
	ThinkingBudget int
	Logger         *log.Logger
}

// Engine is a stream.Engine backed by charm.land/fantasy.
type Engine struct {
	provider fantasy.Provider
	config   Config
	logger   *log.Logger
}

// New creates a fantasy-backed engine for cfg.API.
func New(cfg Config) (*Engine, error) {
	provider, err := newProvider(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Engine{provider: provider, config: cfg, logger: logger}, nil
}

// Kind implements stream.Engine.
func (e *Engine) Kind() stream.Kind { return stream.Generic }

// Stream implements stream.Engine.
func (e *Engine) Stream(ctx context.Context, call stream.Call, out chan<- stream.Frame) (stream.Result, error) {
	model, err := e.languageModel(ctx, call)
	if err != nil {
		return stream.Result{}, err
	}
	warnings := newWarningSet()
	defer e.logWarnings(call, warnings)

	return e.run(ctx, call, func(fc fantasy.Call) (stream.Step, error) {
		seq, err := model.Stream(ctx, fc)
		if err != nil {
			return stream.Step{}, fmt.Errorf("fantasy stream: %w", err)
		}
		return consumeParts(ctx, seq, out, warnings)
	}, out, nil)
}

// Generate implements stream.Engine.
func (e *Engine) Generate(ctx context.Context, call stream.Call, onStep func(stream.Step)) (stream.Result, error) {
	model, err := e.languageModel(ctx, call)
	if err != nil {
		return stream.Result{}, err
	}
	warnings := newWarningSet()
	defer e.logWarnings(call, warnings)

	return e.run(ctx, call, func(fc fantasy.Call) (stream.Step, error) {
		resp, err := model.Generate(ctx, fc)
		if err != nil {
			return stream.Step{}, fmt.Errorf("fantasy generate: %w", err)
		}
		warnings.add(resp.Warnings)
		return fromResponse(resp), nil
	}, nil, onStep)
}

func (e *Engine) languageModel(ctx context.Context, call stream.Call) (fantasy.LanguageModel, error) {
	if call.Model == "" {
		return nil, stream.ErrNoModel
	}
	model, err := e.provider.LanguageModel(ctx, call.Model)
	if err != nil {
		return nil, fmt.Errorf("fantasy language model: %w", err)
	}
	return model, nil
}

func (e *Engine) logWarnings(call stream.Call, warnings *warningSet) {
	for _, w := range warnings.drain() {
		e.logger.Warn("provider warning", "api", e.config.API, "model", call.Model, "warning", w)
	}
}

// run calls the model until it answers without tool calls or the step bound
// is reached. Tool results are fed back as tool messages.
func (e *Engine) run(ctx context.Context, call stream.Call, step func(fantasy.Call) (stream.Step, error), out chan<- stream.Frame, onStep func(stream.Step)) (stream.Result, error) {
	var result stream.Result
	messages := slices.Clone(call.Messages)
	maxSteps := stream.MaxSteps(call)
	for range maxSteps {
		s, err := step(e.buildCall(call, messages))
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
			messages = append(messages, stream.ToolMessages(s.Text, done)...)
		}

		result.Add(s)
		if onStep != nil {
			onStep(s)
		}
		if len(s.ToolCalls) == 0 {
			return result, nil
		}
	}

	e.logger.Debug("tool loop reached step bound", "api", e.config.API, "model", call.Model, "steps", maxSteps)
	return result, nil
}

func (e *Engine) buildCall(call stream.Call, messages []proto.Message) fantasy.Call {
	fc := fantasy.Call{
		Prompt:          toFantasyPrompt(call.System, messages),
		Tools:           fromStreamTools(call.Tools),
		ToolChoice:      toolChoiceFor(call.Tools),
		ProviderOptions: fantasy.ProviderOptions{},
	}
	if call.MaxTokens > 0 {
		maxTokens := call.MaxTokens
		fc.MaxOutputTokens = &maxTokens
	}
	applyProviderOptions(&fc, e.config, call)
	return fc
}

// consumeParts reads one streamed model response. Text deltas are pushed to
// out, tool calls are collected once each, and provider executed calls are
// skipped.
func consumeParts(ctx context.Context, seq func(yield func(fantasy.StreamPart) bool), out chan<- stream.Frame, warnings *warningSet) (stream.Step, error) {
	var step stream.Step
	var text strings.Builder
	seen := map[string]struct{}{}

	for part := range seq {
		switch part.Type {
		case fantasy.StreamPartTypeTextDelta:
			if part.Delta == "" {
				continue
			}
			text.WriteString(part.Delta)
			if out != nil {
				if err := stream.Send(ctx, out, stream.TextFrame(part.Delta)); err != nil {
					step.Text = text.String()
					return step, err
				}
			}
		case fantasy.StreamPartTypeToolCall:
			if part.ProviderExecuted {
				continue
			}
			if _, ok := seen[part.ID]; ok {
				continue
			}
			seen[part.ID] = struct{}{}
			step.ToolCalls = append(step.ToolCalls, stream.ToolCall{
				ID:    part.ID,
				Name:  part.ToolCallName,
				Input: part.ToolCallInput,
			})
		case fantasy.StreamPartTypeFinish:
			step.Usage = fromUsage(part.Usage)
		case fantasy.StreamPartTypeWarnings:
			warnings.add(part.Warnings)
		case fantasy.StreamPartTypeError:
			step.Text = text.String()
			if part.Error == nil {
				return step, fmt.Errorf("fantasy stream: unknown provider error")
			}
			return step, part.Error
		}
	}

	step.Text = text.String()
	if err := ctx.Err(); err != nil {
		return step, err
	}
	return step, nil
}

func fromResponse(resp *fantasy.Response) stream.Step {
	step := stream.Step{
		Text:  resp.Content.Text(),
		Usage: fromUsage(resp.Usage),
	}
	for _, tc := range resp.Content.ToolCalls() {
		if tc.ProviderExecuted {
			continue
		}
		step.ToolCalls = append(step.ToolCalls, stream.ToolCall{
			ID:    tc.ToolCallID,
			Name:  tc.ToolName,
			Input: tc.Input,
		})
	}
	return step
}

func fromUsage(u fantasy.Usage) proto.Usage {
	return proto.Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
}

// warningSet collects provider warnings once each.
type warningSet struct {
	seen    map[string]struct{}
	pending []string
}

func newWarningSet() *warningSet {
	return &warningSet{seen: map[string]struct{}{}}
}

func (w *warningSet) add(warnings []fantasy.CallWarning) {
	for _, warning := range warnings {
		text := strings.TrimSpace(warning.Message)
		if text == "" {
			text = strings.TrimSpace(warning.Details)
		}
		if text == "" && warning.Setting != "" {
			text = fmt.Sprintf("unsupported setting: %s", warning.Setting)
		}
		if text == "" {
			text = "provider warning"
		}
		key := string(warning.Type) + ":" + text
		if _, exists := w.seen[key]; exists {
			continue
		}
		w.seen[key] = struct{}{}
		w.pending = append(w.pending, text)
	}
}

func (w *warningSet) drain() []string {
	warnings := w.pending
	w.pending = nil
	return warnings
}
