//go:build !agentrun_small

package fantasybridge

import (
	"net/http"
	"strings"

	"charm.land/fantasy"
	"charm.land/fantasy/providers/anthropic"
	"charm.land/fantasy/providers/azure"
	"charm.land/fantasy/providers/bedrock"
	fgoogle "charm.land/fantasy/providers/google"
	fopenai "charm.land/fantasy/providers/openai"
	fopenaicompat "charm.land/fantasy/providers/openaicompat"
	"charm.land/fantasy/providers/openrouter"
	"charm.land/fantasy/providers/vercel"

	"github.com/dotcommander/agentrun/internal/stream"
)

var providerFactories = map[string]providerFactory{
	apiOpenAI: func(cfg Config) (fantasy.Provider, error) {
		return fopenai.New(options(cfg, fopenai.WithAPIKey, fopenai.WithBaseURL,
			func(c *http.Client) fopenai.Option { return fopenai.WithHTTPClient(c) })...)
	},
	apiAnthropic: func(cfg Config) (fantasy.Provider, error) {
		cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/v1")
		return anthropic.New(options(cfg, anthropic.WithAPIKey, anthropic.WithBaseURL,
			func(c *http.Client) anthropic.Option { return anthropic.WithHTTPClient(c) })...)
	},
	apiGoogle: func(cfg Config) (fantasy.Provider, error) {
		return fgoogle.New(options(cfg, fgoogle.WithGeminiAPIKey, fgoogle.WithBaseURL,
			func(c *http.Client) fgoogle.Option { return fgoogle.WithHTTPClient(c) })...)
	},
	apiAzure:   newAzureProvider,
	apiAzureAD: newAzureProvider,
	"openrouter": func(cfg Config) (fantasy.Provider, error) {
		return openrouter.New(options(cfg, openrouter.WithAPIKey, nil,
			func(c *http.Client) openrouter.Option { return openrouter.WithHTTPClient(c) })...)
	},
	"vercel": func(cfg Config) (fantasy.Provider, error) {
		return vercel.New(options(cfg, vercel.WithAPIKey, vercel.WithBaseURL,
			func(c *http.Client) vercel.Option { return vercel.WithHTTPClient(c) })...)
	},
	// bedrock falls back to the AWS credential chain without a key.
	"bedrock": func(cfg Config) (fantasy.Provider, error) {
		return bedrock.New(options(cfg, bedrock.WithAPIKey, nil,
			func(c *http.Client) bedrock.Option { return bedrock.WithHTTPClient(c) })...)
	},
}

// azure always needs its resource endpoint, even when empty.
func newAzureProvider(cfg Config) (fantasy.Provider, error) {
	opts := []azure.Option{azure.WithBaseURL(cfg.BaseURL)}
	opts = append(opts, options(cfg, azure.WithAPIKey, nil,
		func(c *http.Client) azure.Option { return azure.WithHTTPClient(c) })...)
	return azure.New(opts...)
}

func applyProviderOptions(fc *fantasy.Call, cfg Config, call stream.Call) {
	if user := call.User; user != "" {
		switch cfg.API {
		case apiOpenAI, apiAzure, apiAzureAD:
			fc.ProviderOptions[fopenai.Name] = &fopenai.ProviderOptions{User: &user}
		case apiAnthropic, apiGoogle, "openrouter", "vercel", "bedrock":
		default:
			fc.ProviderOptions[fopenaicompat.Name] = &fopenaicompat.ProviderOptions{User: &user}
		}
	}
	if cfg.API == apiGoogle && cfg.ThinkingBudget > 0 {
		fc.ProviderOptions[fgoogle.Name] = &fgoogle.ProviderOptions{
			ThinkingConfig: &fgoogle.ThinkingConfig{ThinkingBudget: fantasy.Opt(int64(cfg.ThinkingBudget))},
		}
	}
}
