package agent

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/caarlos0/go-shellwords"
	"github.com/charmbracelet/log"

	"github.com/dotcommander/agentrun/internal/anthropicbridge"
	"github.com/dotcommander/agentrun/internal/config"
	"github.com/dotcommander/agentrun/internal/errs"
	"github.com/dotcommander/agentrun/internal/fantasybridge"
	"github.com/dotcommander/agentrun/internal/stream"
)

// credentialEnvs are the key variables of known providers.
var credentialEnvs = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"google":     "GOOGLE_API_KEY",
	"xai":        "XAI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"vercel":     "VERCEL_API_KEY",
	"azure":      "AZURE_OPENAI_KEY",
	"azure-ad":   "AZURE_OPENAI_KEY",
	"groq":       "GROQ_API_KEY",
	"mistral":    "MISTRAL_API_KEY",
	"deepseek":   "DEEPSEEK_API_KEY",
	"cohere":     "COHERE_API_KEY",
}

// keyless providers authenticate without an API key.
var keyless = map[string]bool{
	"ollama":  true,
	"bedrock": true,
}

// CredentialEnv returns the environment variable holding the API key of
// provider, or "" when the provider needs none.
func CredentialEnv(p config.Provider) string {
	if p.APIKeyEnv != "" {
		return p.APIKeyEnv
	}
	name := strings.ToLower(p.Name)
	if keyless[name] {
		return ""
	}
	if env, ok := credentialEnvs[name]; ok {
		return env
	}
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name)) + "_API_KEY"
}

// Target is a resolved engine request.
type Target struct {
	Kind           stream.Kind
	Provider       string
	Model          string
	APIKey         string
	BaseURL        string
	ThinkingBudget int
}

// EngineFactory builds the engine serving a target.
type EngineFactory func(t Target) (stream.Engine, error)

// Router picks and builds the engine of a call.
type Router struct {
	cfg     *config.Config
	factory EngineFactory
	logger  *log.Logger
}

// NewRouter returns a router. A nil factory builds the real engines.
func NewRouter(cfg *config.Config, factory EngineFactory, logger *log.Logger) (*Router, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if factory == nil {
		client, err := proxyClient(cfg.HTTPProxy)
		if err != nil {
			return nil, err
		}
		factory = DefaultEngineFactory(client, logger)
	}
	return &Router{cfg: cfg, factory: factory, logger: logger}, nil
}

// UsesGenericEngine reports whether provider is served by the generic
// engine.
func (r *Router) UsesGenericEngine(provider string) bool {
	return !strings.EqualFold(r.provider(provider), r.cfg.NativeProvider)
}

func (r *Router) provider(name string) string {
	if name == "" {
		return r.cfg.NativeProvider
	}
	return name
}

// Resolve checks the credential of provider and names the engine that
// serves it. Scheduled runs always get the generic engine. No engine is
// built and no network call is made.
func (r *Router) Resolve(ctx context.Context, provider, model string, generic bool) (Target, error) {
	provider = r.provider(provider)
	if model == "" {
		model = r.cfg.DefaultModel
	}
	if model == "" {
		return Target{}, errs.As(errs.KindConfiguration, stream.ErrNoModel, "No model configured for agent")
	}

	p, ok := r.cfg.Provider(provider)
	if !ok {
		p = config.Provider{Name: provider}
	}
	t := Target{Kind: stream.Native, Provider: strings.ToLower(provider), Model: model, BaseURL: p.BaseURL}
	if generic || r.UsesGenericEngine(provider) {
		t.Kind = stream.Generic
	}
	if m, ok := r.cfg.Model(provider, model); ok {
		t.Model = m.Name
		t.ThinkingBudget = m.ThinkingBudget
	}

	key, err := apiKey(ctx, p)
	if err != nil {
		return Target{}, err
	}
	t.APIKey = key
	return t, nil
}

// Engine resolves the target and builds its engine.
func (r *Router) Engine(ctx context.Context, provider, model string, generic bool) (stream.Engine, Target, error) {
	t, err := r.Resolve(ctx, provider, model, generic)
	if err != nil {
		return nil, t, err
	}
	engine, err := r.factory(t)
	if err != nil {
		return nil, t, errs.As(errs.KindConfiguration, err, fmt.Sprintf("Could not set up the %s provider", t.Provider))
	}
	r.logger.Debug("engine selected", "provider", t.Provider, "model", t.Model, "engine", engine.Kind())
	return engine, t, nil
}

// DefaultEngineFactory builds the anthropic native engine and the fantasy
// generic engine.
func DefaultEngineFactory(client *http.Client, logger *log.Logger) EngineFactory {
	return func(t Target) (stream.Engine, error) {
		if t.Kind == stream.Native {
			if t.Provider != "anthropic" {
				return nil, fmt.Errorf("native engine does not support provider %q", t.Provider)
			}
			return anthropicbridge.New(anthropicbridge.Config{
				APIKey:     t.APIKey,
				BaseURL:    t.BaseURL,
				HTTPClient: client,
				Logger:     logger,
			}), nil
		}
		api := t.Provider
		if api == "azure-ad" {
			api = "azure"
		}
		engine, err := fantasybridge.New(fantasybridge.Config{
			API:            api,
			APIKey:         t.APIKey,
			BaseURL:        t.BaseURL,
			HTTPClient:     client,
			ThinkingBudget: t.ThinkingBudget,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("new fantasy bridge engine: %w", err)
		}
		return engine, nil
	}
}

// apiKey resolves the key of p from its literal key, its key command or its
// environment variable, in that order.
func apiKey(ctx context.Context, p config.Provider) (string, error) {
	if p.APIKey != "" {
		return p.APIKey, nil
	}
	if p.APIKeyCmd != "" {
		args, err := shellwords.Parse(p.APIKeyCmd)
		if err != nil || len(args) == 0 {
			return "", errs.As(errs.KindCredential, err, "Failed to parse api-key-cmd")
		}
		// #nosec G204 -- api-key-cmd is configured by the operator.
		out, err := exec.CommandContext(ctx, args[0], args[1:]...).Output()
		if err != nil {
			return "", errs.As(errs.KindCredential, err, "Cannot exec api-key-cmd")
		}
		if key := strings.TrimSpace(string(out)); key != "" {
			return key, nil
		}
	}
	env := CredentialEnv(p)
	if env == "" {
		return "", nil
	}
	if key := os.Getenv(env); key != "" {
		return key, nil
	}
	return "", errs.Newf(errs.KindCredential, "API key not configured: %s", env)
}

// proxyClient returns the HTTP client of provider requests, or nil for the
// SDK defaults.
func proxyClient(httpProxy string) (*http.Client, error) {
	if httpProxy == "" {
		return nil, nil
	}
	proxyURL, err := url.Parse(httpProxy)
	if err != nil {
		return nil, errs.As(errs.KindConfiguration, err, "There was an error parsing your proxy URL.")
	}
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, errs.New(errs.KindConfiguration, "Could not configure proxy.")
	}
	tr := base.Clone()
	tr.Proxy = http.ProxyURL(proxyURL)
	tr.DialContext = (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	tr.TLSHandshakeTimeout = 10 * time.Second
	tr.ResponseHeaderTimeout = 30 * time.Second
	tr.IdleConnTimeout = 90 * time.Second
	tr.ExpectContinueTimeout = 1 * time.Second
	return &http.Client{Transport: tr}, nil
}
