package provider

import (
	"log/slog"
	"time"
)

// RateLimit overrides the default token bucket for one provider.
type RateLimit struct {
	Capacity        int     `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

// Config describes one configured backend. It is immutable once the registry
// has been built.
type Config struct {
	Name string `yaml:"name"`
	// Kind selects the binding: openai, huggingface or echo.
	Kind string `yaml:"kind"`
	// CredentialRef points at the API token, e.g. "ssm:/chat/openai-token" or
	// "env:OPENAI_API_KEY". It is never logged.
	CredentialRef string        `yaml:"credential_ref"`
	Model         string        `yaml:"model"`
	BaseURL       string        `yaml:"base_url"`
	MaxTokens     int           `yaml:"max_tokens"`
	Temperature   *float64      `yaml:"temperature"`
	Timeout       time.Duration `yaml:"timeout"`
	SystemPrompt  string        `yaml:"system_prompt"`
	RateLimit     *RateLimit    `yaml:"rate_limit"`
}

// Options returns the per-call defaults derived from c.
func (c Config) Options() Options {
	return Options{
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
		Timeout:     c.Timeout,
	}
}

// LogValue implements slog.LogValuer and omits the credential reference.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", c.Name),
		slog.String("kind", c.Kind),
		slog.String("model", c.Model),
		slog.Duration("timeout", c.Timeout),
	)
}
