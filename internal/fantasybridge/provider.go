package fantasybridge

import (
	"fmt"
	"net/http"

	"charm.land/fantasy"
	fopenaicompat "charm.land/fantasy/providers/openaicompat"
)

type providerFactory func(cfg Config) (fantasy.Provider, error)

// compatBaseURLs are the OpenAI-compatible endpoints of known providers.
var compatBaseURLs = map[string]string{
	"xai":      "https://api.x.ai/v1",
	"groq":     "https://api.groq.com/openai/v1",
	"mistral":  "https://api.mistral.ai/v1",
	"deepseek": "https://api.deepseek.com/v1",
	"ollama":   "http://localhost:11434/v1",
}

func compatBaseURL(cfg Config) string {
	if cfg.BaseURL != "" {
		return cfg.BaseURL
	}
	return compatBaseURLs[cfg.API]
}

// newProvider builds the fantasy provider of cfg.API. APIs without a
// dedicated factory are served as OpenAI-compatible endpoints.
func newProvider(cfg Config) (fantasy.Provider, error) {
	build, ok := providerFactories[cfg.API]
	if !ok {
		build = newCompatProvider
	}
	provider, err := build(cfg)
	if err != nil {
		return nil, fmt.Errorf("new fantasy %s provider: %w", cfg.API, err)
	}
	return provider, nil
}

func newCompatProvider(cfg Config) (fantasy.Provider, error) {
	opts := []fopenaicompat.Option{fopenaicompat.WithName(cfg.API)}
	opts = append(opts, options(
		Config{APIKey: cfg.APIKey, BaseURL: compatBaseURL(cfg), HTTPClient: cfg.HTTPClient},
		fopenaicompat.WithAPIKey,
		fopenaicompat.WithBaseURL,
		func(c *http.Client) fopenaicompat.Option { return fopenaicompat.WithHTTPClient(c) },
	)...)
	return fopenaicompat.New(opts...)
}

// options collects the key, endpoint and client options of one provider
// package. Empty values and nil setters are skipped.
func options[O any](cfg Config, apiKey, baseURL func(string) O, client func(*http.Client) O) []O {
	var opts []O
	if apiKey != nil && cfg.APIKey != "" {
		opts = append(opts, apiKey(cfg.APIKey))
	}
	if baseURL != nil && cfg.BaseURL != "" {
		opts = append(opts, baseURL(cfg.BaseURL))
	}
	if client != nil && cfg.HTTPClient != nil {
		opts = append(opts, client(cfg.HTTPClient))
	}
	return opts
}
