// Package server is the HTTP surface of the agent engine.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dotcommander/agentrun/internal/agent"
	"github.com/dotcommander/agentrun/internal/config"
	"github.com/dotcommander/agentrun/internal/errs"
	"github.com/dotcommander/agentrun/internal/metrics"
	"github.com/dotcommander/agentrun/internal/stream"
)

// maxBodyBytes limits request bodies to 1 MiB.
const maxBodyBytes = 1 << 20

// ErrUnauthorized is returned for a missing or unknown caller credential.
var ErrUnauthorized = errs.New(errs.KindAuth, "Unauthorized")

// Agents runs chat turns and scheduled executions.
type Agents interface {
	Chat(ctx context.Context, user config.Identity, req agent.ChatRequest) (<-chan stream.Frame, error)
	Execute(ctx context.Context, req agent.ExecuteRequest) (agent.ExecuteResult, error)
}

// Options wires a Server.
type Options struct {
	Config  *config.Config
	Agents  Agents
	Metrics *metrics.Metrics
	Logger  *log.Logger
}

// Server serves the chat and execution endpoints.
type Server struct {
	cfg     *config.Config
	agents  Agents
	metrics *metrics.Metrics
	logger  *log.Logger
}

// New returns a server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Server{cfg: opts.Config, agents: opts.Agents, metrics: opts.Metrics, logger: logger}
}

// Handler returns the instrumented route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/agents/execute", s.handleExecute)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.Handle("GET /metrics", s.metrics.Handler())

	var opts []otelhttp.Option
	if mp := s.metrics.MeterProvider(); mp != nil {
		opts = append(opts, otelhttp.WithMeterProvider(mp))
	}
	return otelhttp.NewHandler(s.logRequests(bodyLimit(maxBodyBytes, mux)), "agentrun", opts...)
}

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	user, ok := s.identity(r)
	if !ok {
		s.metrics.ChatTurn(r.Context(), "rejected")
		writeError(w, ErrUnauthorized)
		return
	}
	var req agent.ChatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	frames, err := s.agents.Chat(r.Context(), user, req)
	if err != nil {
		s.metrics.ChatTurn(r.Context(), "rejected")
		s.logger.Debug("chat rejected", "workspace", req.WorkspaceID, "err", err)
		writeError(w, err)
		return
	}
	writeEvents(w, frames)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if secret := s.cfg.CronSecret; secret != "" {
		token, _ := bearer(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			writeError(w, ErrUnauthorized)
			return
		}
	}
	var req agent.ExecuteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.agents.Execute(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// identity resolves the bearer token of r against the configured API tokens.
func (s *Server) identity(r *http.Request) (config.Identity, bool) {
	token, ok := bearer(r)
	if !ok {
		return config.Identity{}, false
	}
	id, ok := s.cfg.APITokens[token]
	if !ok {
		return config.Identity{}, false
	}
	if id.ID == "" {
		id.ID = id.Email
	}
	return id, id.ID != ""
}

func bearer(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errs.As(errs.KindValidation, err, "Invalid request: body too large")
		}
		return errs.As(errs.KindValidation, err, "Invalid request: body must be a JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errs.Status(err), map[string]string{"error": errs.Message(err)})
}

func bodyLimit(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "took", time.Since(start))
	})
}
