package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/template"
	"time"

	_ "embed"

	"github.com/caarlos0/env/v9"
	"gopkg.in/yaml.v3"

	"github.com/dotcommander/agentrun/internal/errs"
)

//go:embed config_template.yml
var configTemplate string

// Pricing is the cost of a model in USD per million tokens.
type Pricing struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// Cost returns the estimated cost of the given token counts.
func (p Pricing) Cost(inputTokens, outputTokens int64) float64 {
	return (float64(inputTokens)*p.Input + float64(outputTokens)*p.Output) / 1_000_000
}

// Model represents a model offered by a provider.
type Model struct {
	Name           string
	Aliases        []string `yaml:"aliases"`
	Pricing        Pricing  `yaml:"pricing"`
	ThinkingBudget int      `yaml:"thinking-budget,omitempty"`
}

// Provider holds the credentials and endpoint of a model provider.
type Provider struct {
	Name      string
	APIKey    string           `yaml:"api-key"`
	APIKeyEnv string           `yaml:"api-key-env"`
	APIKeyCmd string           `yaml:"api-key-cmd"`
	BaseURL   string           `yaml:"base-url"`
	Models    map[string]Model `yaml:"models"`
}

// Providers is a type alias to allow custom YAML decoding.
type Providers []Provider

// UnmarshalYAML implements ordered provider YAML decoding.
func (ps *Providers) UnmarshalYAML(node *yaml.Node) error {
	for i := 0; i+1 < len(node.Content); i += 2 {
		var p Provider
		if err := node.Content[i+1].Decode(&p); err != nil {
			return fmt.Errorf("error decoding provider %q: %w", node.Content[i].Value, err)
		}
		p.Name = node.Content[i].Value
		for name, m := range p.Models {
			m.Name = name
			p.Models[name] = m
		}
		*ps = append(*ps, p)
	}
	return nil
}

// Identity is the caller an API token authenticates.
type Identity struct {
	ID    string `yaml:"id"`
	Email string `yaml:"email"`
	Name  string `yaml:"name"`
}

// ToolServerConfig holds configuration for the tool server.
type ToolServerConfig struct {
	Type    string            `yaml:"type"`
	Command string            `yaml:"command"`
	Env     []string          `yaml:"env"`
	Args    []string          `yaml:"args"`
	URL     string            `yaml:"url" env:"TOOL_SERVER_URL"`
	Headers map[string]string `yaml:"headers"`
}

// Configured reports whether a tool server is set up.
func (t ToolServerConfig) Configured() bool {
	return t.Command != "" || t.URL != ""
}

// Settings holds configuration loaded from the YAML settings file and
// environment variables.
type Settings struct {
	Listen         string              `yaml:"listen" env:"LISTEN"`
	DBDriver       string              `yaml:"db-driver" env:"DB_DRIVER"`
	DBDSN          string              `yaml:"db-dsn" env:"DB_DSN"`
	CronSecret     string              `yaml:"cron-secret" env:"CRON_SECRET"`
	APITokens      map[string]Identity `yaml:"api-tokens"`
	NativeProvider string              `yaml:"native-provider" env:"NATIVE_PROVIDER"`
	DefaultModel   string              `yaml:"default-model" env:"DEFAULT_MODEL"`
	MaxTokens      int64               `yaml:"max-tokens" env:"MAX_TOKENS"`
	MaxSteps       int                 `yaml:"max-steps" env:"MAX_STEPS"`
	Providers      Providers           `yaml:"providers"`
	HTTPProxy      string              `yaml:"http-proxy" env:"HTTP_PROXY"`

	ToolServer      ToolServerConfig `yaml:"tool-server"`
	ToolIdleTimeout time.Duration    `yaml:"tool-idle-timeout" env:"TOOL_IDLE_TIMEOUT"`
	ToolTimeout     time.Duration    `yaml:"tool-timeout" env:"TOOL_TIMEOUT"`

	LogLevel  string `yaml:"log-level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log-format" env:"LOG_FORMAT"`
}

// Runtime holds options that are not loaded from the settings file.
type Runtime struct {
	SettingsPath string
}

// Config is the application configuration (settings + runtime-only options).
type Config struct {
	Settings `yaml:",inline"`
	Runtime  `yaml:"-" env:"-"`
}

// Provider returns the configured provider with the given name.
func (s Settings) Provider(name string) (Provider, bool) {
	for _, p := range s.Providers {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Provider{}, false
}

// Model returns a provider model by name or alias.
func (s Settings) Model(provider, model string) (Model, bool) {
	p, ok := s.Provider(provider)
	if !ok {
		return Model{}, false
	}
	if m, ok := p.Models[model]; ok {
		return m, true
	}
	for _, m := range p.Models {
		if slices.Contains(m.Aliases, model) {
			return m, true
		}
	}
	return Model{}, false
}

// Pricing returns the pricing of a provider model.
func (s Settings) Pricing(provider, model string) (Pricing, bool) {
	m, ok := s.Model(provider, model)
	return m.Pricing, ok
}

// DefaultPath returns the default settings file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errs.Error{Kind: errs.KindConfiguration, Err: err, Reason: "Could not determine config directory."}
	}
	return filepath.Join(dir, "agentrun", "agentrun.yml"), nil
}

// Load reads settings from path and the environment and applies defaults.
//
// An empty path means the default location, which may not exist.
func Load(path string) (Config, error) {
	c := Default()
	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return c, err
		}
		path = p
	}
	c.SettingsPath = path

	content, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case err != nil:
		return c, errs.Error{Kind: errs.KindConfiguration, Err: err, Reason: "Could not read settings file."}
	default:
		if err := yaml.Unmarshal(content, &c); err != nil {
			return c, errs.Error{Kind: errs.KindConfiguration, Err: err, Reason: "Could not parse settings file."}
		}
	}

	if err := env.ParseWithOptions(&c, env.Options{Prefix: "AGENTRUN_"}); err != nil {
		return c, errs.Error{Kind: errs.KindConfiguration, Err: err, Reason: "Could not parse environment into settings."}
	}
	if c.CronSecret == "" {
		c.CronSecret = os.Getenv("CRON_SECRET")
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.DBDriver == "" {
		c.DBDriver = d.DBDriver
	}
	if c.NativeProvider == "" {
		c.NativeProvider = d.NativeProvider
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = d.MaxSteps
	}
	if c.ToolIdleTimeout <= 0 {
		c.ToolIdleTimeout = d.ToolIdleTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = d.ToolTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
	if c.ToolServer.Type == "" && c.ToolServer.Configured() {
		if c.ToolServer.Command != "" {
			c.ToolServer.Type = "stdio"
		} else {
			c.ToolServer.Type = "http"
		}
	}
}

// Validate checks enumerated settings.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "memory", "sqlite", "postgres":
	default:
		return errs.Newf(errs.KindConfiguration, "Unsupported db-driver %q, expected memory, sqlite or postgres.", c.DBDriver)
	}
	switch c.LogFormat {
	case "text", "json", "logfmt":
	default:
		return errs.Newf(errs.KindConfiguration, "Unsupported log-format %q, expected text, json or logfmt.", c.LogFormat)
	}
	switch c.ToolServer.Type {
	case "", "stdio", "sse", "http":
	default:
		return errs.Newf(errs.KindConfiguration, "Unsupported tool-server type %q, expected stdio, sse or http.", c.ToolServer.Type)
	}
	return nil
}

// WriteConfigFile creates the config file at path if it does not exist.
func WriteConfigFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return createConfigFile(path)
	} else if err != nil {
		return errs.Error{Kind: errs.KindConfiguration, Err: err, Reason: "Could not stat path."}
	}
	return nil
}

func createConfigFile(path string) error {
	tmpl := template.Must(template.New("config").Parse(configTemplate))

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errs.Error{Kind: errs.KindConfiguration, Err: err, Reason: "Could not create config directory."}
	}
	f, err := os.Create(path)
	if err != nil {
		return errs.Error{Kind: errs.KindConfiguration, Err: err, Reason: "Could not create configuration file."}
	}
	defer func() { _ = f.Close() }()

	m := struct{ Config Config }{Config: Default()}
	if err := tmpl.Execute(f, m); err != nil {
		return errs.Error{Kind: errs.KindConfiguration, Err: err, Reason: "Could not render template."}
	}
	return nil
}

// Default returns the default configuration values.
func Default() Config {
	return Config{
		Settings: Settings{
			Listen:          ":8080",
			DBDriver:        "sqlite",
			DBDSN:           "agentrun.db",
			NativeProvider:  "anthropic",
			MaxTokens:       4096,
			MaxSteps:        10,
			ToolIdleTimeout: 5 * time.Minute,
			ToolTimeout:     30 * time.Second,
			LogLevel:        "info",
			LogFormat:       "text",
		},
	}
}
