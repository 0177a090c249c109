package agent

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dotcommander/agentrun/internal/config"
	"github.com/dotcommander/agentrun/internal/errs"
	"github.com/dotcommander/agentrun/internal/mcp"
	"github.com/dotcommander/agentrun/internal/metrics"
	"github.com/dotcommander/agentrun/internal/prompt"
	"github.com/dotcommander/agentrun/internal/proto"
	"github.com/dotcommander/agentrun/internal/resolve"
	"github.com/dotcommander/agentrun/internal/session"
	"github.com/dotcommander/agentrun/internal/storage"
	"github.com/dotcommander/agentrun/internal/stream"
)

// frameBuffer is the capacity of a chat turn's frame channel.
const frameBuffer = 64

// Options wires a Service.
type Options struct {
	Config  *config.Config
	Store   storage.Store
	Router  *Router
	Broker  *mcp.Broker
	Metrics *metrics.Metrics
	Logger  *log.Logger
}

// Service is the execution engine of chat turns and scheduled runs.
type Service struct {
	cfg      *config.Config
	store    storage.Store
	resolver *resolve.Resolver
	sessions *session.Manager
	router   *Router
	broker   *mcp.Broker
	metrics  *metrics.Metrics
	logger   *log.Logger

	now   func() time.Time
	newID func() string
}

// New creates an agent service.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	broker := opts.Broker
	if broker == nil {
		broker = mcp.NewBroker(nil, logger)
	}
	return &Service{
		cfg:      opts.Config,
		store:    opts.Store,
		resolver: resolve.New(opts.Store),
		sessions: session.New(opts.Store, opts.Config),
		router:   opts.Router,
		broker:   broker,
		metrics:  opts.Metrics,
		logger:   logger,
		now:      time.Now,
		newID:    storage.NewID,
	}
}

// ChatRequest is one interactive chat turn.
type ChatRequest struct {
	Message        string `json:"message"`
	WorkspaceID    string `json:"workspaceId"`
	ConversationID string `json:"conversationId,omitempty"`
	AgentID        string `json:"agentId,omitempty"`
}

// Validate checks the required fields.
func (r ChatRequest) Validate() error {
	switch {
	case r.Message == "":
		return errs.New(errs.KindValidation, "Invalid request: message is required")
	case r.WorkspaceID == "":
		return errs.New(errs.KindValidation, "Invalid request: workspaceId is required")
	}
	return nil
}

// Chat starts a chat turn. Request, resolution and conversation errors are
// returned before any frame is produced. Afterwards the turn runs in the
// background: the session frame comes first and the channel is closed when
// the turn ends. Cancelling ctx stops the turn without a terminal frame.
func (s *Service) Chat(ctx context.Context, user config.Identity, req ChatRequest) (<-chan stream.Frame, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	res, err := s.resolver.Resolve(ctx, req.WorkspaceID, req.AgentID)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Open(ctx, session.OpenParams{
		ConversationID: req.ConversationID,
		WorkspaceID:    req.WorkspaceID,
		UserID:         user.ID,
		AgentID:        res.Agent.ID,
		FirstMessage:   req.Message,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan stream.Frame, frameBuffer)
	go s.chatTurn(ctx, user, req, res, sess, out)
	return out, nil
}

func (s *Service) chatTurn(ctx context.Context, user config.Identity, req ChatRequest, res resolve.Resolution, sess session.Session, out chan<- stream.Frame) {
	defer close(out)

	convID := sess.Conversation.ID
	logger := s.logger.With("conversation", convID, "workspace", req.WorkspaceID, "agent", res.Agent.ID)
	if err := stream.Send(ctx, out, stream.SessionFrame(s.newID(), convID)); err != nil {
		return
	}
	logger.Debug("chat turn started", "resolved", res)

	usage, err := s.runChat(ctx, user, req, res, sess, out)
	switch {
	case ctx.Err() != nil:
		logger.Info("chat turn cancelled by client")
		s.metrics.ChatTurn(context.WithoutCancel(ctx), "cancelled")
	case err != nil:
		logger.Error("chat turn failed", "err", err)
		s.metrics.ChatTurn(ctx, "error")
		_ = stream.Send(ctx, out, stream.ErrorFrame(errs.Message(err)))
	default:
		s.metrics.ChatTurn(ctx, "ok")
		_ = stream.Send(ctx, out, stream.DoneFrame(usage))
	}
}

func (s *Service) runChat(ctx context.Context, user config.Identity, req ChatRequest, res resolve.Resolution, sess session.Session, out chan<- stream.Frame) (proto.Usage, error) {
	convID := sess.Conversation.ID
	if err := s.sessions.AppendUser(ctx, convID, req.Message); err != nil {
		return proto.Usage{}, err
	}

	system := prompt.Assemble(prompt.Input{
		Agent:       res.Agent,
		Team:        res.Team,
		Mode:        prompt.Interactive,
		WorkspaceID: req.WorkspaceID,
		UserID:      user.ID,
		Now:         s.now(),
	})

	lease := s.broker.Tools(ctx, res.Agent, req.WorkspaceID, "chat")
	defer lease.Release()

	engine, target, err := s.router.Engine(ctx, res.Agent.Provider, res.Agent.Model, false)
	if err != nil {
		return proto.Usage{}, err
	}

	messages := append(sess.History, proto.Message{Role: proto.RoleUser, Content: req.Message})
	result, err := engine.Stream(ctx, s.call(target, system, messages, lease, user.ID), out)

	// the reply so far is kept even when the client went away.
	pctx := context.WithoutCancel(ctx)
	if perr := s.sessions.AppendAssistant(pctx, convID, result.Text); perr != nil {
		s.logger.Warn("could not save assistant reply", "conversation", convID, "err", perr)
	}
	if err != nil {
		return result.Usage, providerError(err, target.Provider)
	}

	if _, err := s.sessions.RecordUsage(pctx, convID, target.Provider, target.Model, result.Usage); err != nil {
		return result.Usage, err
	}
	s.metrics.Tokens(pctx, result.Usage)
	s.logger.Debug("chat turn done", "conversation", convID, "engine", engine.Kind(),
		"model", target.Model, "steps", result.Steps, "tools", len(result.ToolCalls))
	return result.Usage, nil
}

func (s *Service) call(target Target, system string, messages []proto.Message, lease *mcp.Lease, user string) stream.Call {
	return stream.Call{
		Model:     target.Model,
		System:    system,
		Messages:  messages,
		Tools:     lease.Tools(),
		CallTool:  lease.Caller(),
		MaxTokens: s.cfg.MaxTokens,
		MaxSteps:  s.cfg.MaxSteps,
		User:      user,
	}
}

// ExecuteRequest is one scheduled agent run.
type ExecuteRequest struct {
	ExecutionID  string               `json:"executionId"`
	AgentID      string               `json:"agentId"`
	TaskPrompt   string               `json:"taskPrompt"`
	WorkspaceID  string               `json:"workspaceId,omitempty"`
	OutputConfig *prompt.OutputConfig `json:"outputConfig,omitempty"`
}

// Validate checks the required fields and identifier formats.
func (r ExecuteRequest) Validate() error {
	switch {
	case !storage.IsID(r.ExecutionID):
		return errs.New(errs.KindValidation, "Invalid request: executionId must be a UUID")
	case !storage.IsID(r.AgentID):
		return errs.New(errs.KindValidation, "Invalid request: agentId must be a UUID")
	case r.TaskPrompt == "":
		return errs.New(errs.KindValidation, "Invalid request: taskPrompt is required")
	case r.WorkspaceID != "" && !storage.IsID(r.WorkspaceID):
		return errs.New(errs.KindValidation, "Invalid request: workspaceId must be a UUID")
	}
	return nil
}

// ExecuteResult is the outcome of a completed run.
type ExecuteResult struct {
	Success     bool        `json:"success"`
	ExecutionID string      `json:"executionId"`
	Duration    int64       `json:"duration"`
	Usage       proto.Usage `json:"usage"`

	Text      string                   `json:"-"`
	ToolCalls []storage.ToolCallRecord `json:"-"`
}

// ErrExecutionFinished is returned when a run is replayed after it reached
// a terminal status.
var ErrExecutionFinished = errs.New(errs.KindConflict, "Execution already finished")

// Execute runs a scheduled execution to completion. The record is written
// running before the model is called and finished exactly once.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if err := req.Validate(); err != nil {
		return ExecuteResult{}, err
	}
	agent, err := s.resolver.LoadEnabledAgent(ctx, req.AgentID)
	if err != nil {
		return ExecuteResult{}, err
	}

	rec := storage.ExecutionRecord{
		ExecutionID: req.ExecutionID,
		AgentID:     req.AgentID,
		WorkspaceID: req.WorkspaceID,
		Status:      storage.StatusRunning,
	}
	start := s.now()
	rec.StartedAt = start.UTC()
	if err := s.store.StartExecution(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrTerminalExecution) {
			return ExecuteResult{}, errs.Error{Kind: errs.KindConflict, Err: err, Reason: ErrExecutionFinished.Reason}
		}
		return ExecuteResult{}, errs.As(errs.KindPersistence, err, "Could not record execution")
	}
	logger := s.logger.With("execution", rec.ExecutionID, "agent", rec.AgentID)
	logger.Info("execution started")

	res, err := s.runExecution(ctx, agent, req)
	elapsed := s.now().Sub(start)
	completed := rec.StartedAt.Add(elapsed)
	rec.CompletedAt = &completed
	rec.DurationMs = elapsed.Milliseconds()
	pctx := context.WithoutCancel(ctx)
	if err != nil {
		return ExecuteResult{}, s.failExecution(pctx, logger, rec, err)
	}

	rec.Status = storage.StatusCompleted
	rec.TokensInput = res.Usage.InputTokens
	rec.TokensOutput = res.Usage.OutputTokens
	rec.ToolCalls = res.ToolCalls
	rec.ResultText = res.Text
	if err := s.store.FinishExecution(pctx, rec); err != nil {
		return ExecuteResult{}, s.failExecution(pctx, logger, rec, errs.As(errs.KindPersistence, err, "Could not record execution result"))
	}

	s.metrics.Execution(pctx, string(storage.StatusCompleted))
	s.metrics.Tokens(pctx, res.Usage)
	logger.Info("execution completed", "duration_ms", rec.DurationMs, "tools", len(rec.ToolCalls))

	res.Success = true
	res.ExecutionID = rec.ExecutionID
	res.Duration = rec.DurationMs
	return res, nil
}

// failExecution records the failure and returns err as a server error.
func (s *Service) failExecution(ctx context.Context, logger *log.Logger, rec storage.ExecutionRecord, err error) error {
	msg := errs.Message(err)
	if msg == "" {
		msg = "Execution failed"
	}
	rec.Status = storage.StatusFailed
	rec.ErrorMessage = msg
	rec.TokensInput, rec.TokensOutput, rec.ResultText, rec.ToolCalls = 0, 0, "", nil
	if werr := s.store.FinishExecution(ctx, rec); werr != nil {
		logger.Error("could not record execution failure", "err", werr)
	}
	s.metrics.Execution(ctx, string(storage.StatusFailed))
	logger.Error("execution failed", "err", err)

	if errs.Status(err) != 500 {
		return errs.As(errs.KindInternal, err, msg)
	}
	return err
}

func (s *Service) runExecution(ctx context.Context, agent storage.Agent, req ExecuteRequest) (ExecuteResult, error) {
	var ws *storage.Workspace
	if req.WorkspaceID != "" {
		w, err := s.store.Workspace(ctx, req.WorkspaceID)
		switch {
		case err == nil:
			ws = w
		case !errors.Is(err, storage.ErrNotFound):
			s.logger.Warn("could not load workspace context", "workspace", req.WorkspaceID, "err", err)
		}
	}

	system := prompt.Assemble(prompt.Input{
		Agent:       agent,
		Mode:        prompt.Batch,
		WorkspaceID: req.WorkspaceID,
		Workspace:   ws,
		Output:      req.OutputConfig,
		Now:         s.now(),
	})

	lease := s.broker.Tools(ctx, agent, req.WorkspaceID, "execute")
	defer lease.Release()

	engine, target, err := s.router.Engine(ctx, agent.Provider, agent.Model, true)
	if err != nil {
		return ExecuteResult{}, err
	}

	task := prompt.TaskMessage(req.TaskPrompt, req.OutputConfig)
	call := s.call(target, system, []proto.Message{{Role: proto.RoleUser, Content: task}}, lease, "")

	var toolCalls []storage.ToolCallRecord
	result, err := engine.Generate(ctx, call, func(step stream.Step) {
		for _, tc := range step.ToolCalls {
			toolCalls = append(toolCalls, storage.ToolCallRecord(tc))
		}
	})
	if err != nil {
		return ExecuteResult{}, providerError(err, target.Provider)
	}
	return ExecuteResult{Usage: result.Usage, Text: result.Text, ToolCalls: toolCalls}, nil
}
