// Package config loads the provider file named by CONFIG_PATH.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"llm-chat-gateway/internal/provider"
	"llm-chat-gateway/internal/ratelimit"
)

const (
	defaultProviderTimeout  = 30 * time.Second
	defaultCapacity         = 10
	defaultRefillPerSecond  = 1.0
	defaultKeepLast         = 20
	defaultTokenBudget      = 4000
	defaultMaxAttempts      = 3
	defaultBaseDelay        = 500 * time.Millisecond
	defaultMultiplier       = 2.0
	defaultMaxDelay         = 10 * time.Second
	defaultMaxContentLength = 8000
)

// KnownKinds lists the provider bindings the gateway can construct.
var KnownKinds = []string{"openai", "huggingface", "echo"}

// Context bounds the history sent to a provider.
type Context struct {
	KeepLast    int `yaml:"keep_last"`
	TokenBudget int `yaml:"token_budget"`
}

// Retry configures backoff for transient provider errors.
type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// File models the YAML provider file.
type File struct {
	DefaultProvider  string            `yaml:"default_provider"`
	Providers        []provider.Config `yaml:"providers"`
	RateLimit        ratelimit.Bucket  `yaml:"rate_limit"`
	Context          Context           `yaml:"context"`
	Retry            Retry             `yaml:"retry"`
	MaxContentLength int               `yaml:"max_content_length"`
}

// Load reads, defaults and validates the file at path.
func Load(path string) (File, error) {
	if strings.TrimSpace(path) == "" {
		return File{}, errors.New("config: path must not be empty")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(content)
}

// Parse decodes raw YAML, then applies defaults and validates.
func Parse(content []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(content, &f); err != nil {
		return File{}, fmt.Errorf("config: parse: %w", err)
	}
	f.applyDefaults()
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

func (f *File) applyDefaults() {
	for i := range f.Providers {
		p := &f.Providers[i]
		p.Name = strings.TrimSpace(p.Name)
		p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
		if p.Timeout <= 0 {
			p.Timeout = defaultProviderTimeout
		}
	}
	if strings.TrimSpace(f.DefaultProvider) == "" && len(f.Providers) > 0 {
		f.DefaultProvider = f.Providers[0].Name
	}
	if f.RateLimit.Capacity == 0 {
		f.RateLimit.Capacity = defaultCapacity
	}
	if f.RateLimit.RefillPerSecond == 0 {
		f.RateLimit.RefillPerSecond = defaultRefillPerSecond
	}
	if f.Context.KeepLast == 0 {
		f.Context.KeepLast = defaultKeepLast
	}
	if f.Context.TokenBudget == 0 {
		f.Context.TokenBudget = defaultTokenBudget
	}
	if f.Retry.MaxAttempts == 0 {
		f.Retry.MaxAttempts = defaultMaxAttempts
	}
	if f.Retry.BaseDelay == 0 {
		f.Retry.BaseDelay = defaultBaseDelay
	}
	if f.Retry.Multiplier == 0 {
		f.Retry.Multiplier = defaultMultiplier
	}
	if f.Retry.MaxDelay == 0 {
		f.Retry.MaxDelay = defaultMaxDelay
	}
	if f.MaxContentLength == 0 {
		f.MaxContentLength = defaultMaxContentLength
	}
}

// Validate reports the first problem found in f.
func (f File) Validate() error {
	if len(f.Providers) == 0 {
		return errors.New("config: at least one provider is required")
	}
	seen := make(map[string]bool, len(f.Providers))
	for i, p := range f.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider %d has no name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		if !knownKind(p.Kind) {
			return fmt.Errorf("config: provider %q has unknown kind %q", p.Name, p.Kind)
		}
		if p.Kind != "echo" && strings.TrimSpace(p.CredentialRef) == "" {
			return fmt.Errorf("config: provider %q needs a credential_ref", p.Name)
		}
	}
	if !seen[f.DefaultProvider] {
		return fmt.Errorf("config: default provider %q is not configured", f.DefaultProvider)
	}
	if err := f.RateLimitPolicy().Validate(); err != nil {
		return fmt.Errorf("config: rate_limit: %w", err)
	}
	if f.Context.KeepLast < 0 || f.Context.TokenBudget < 0 {
		return errors.New("config: context limits must not be negative")
	}
	if f.Retry.MaxAttempts < 1 {
		return errors.New("config: retry.max_attempts must be at least 1")
	}
	if f.Retry.Multiplier < 1 {
		return errors.New("config: retry.multiplier must be at least 1")
	}
	if f.Retry.BaseDelay < 0 || f.Retry.MaxDelay < f.Retry.BaseDelay {
		return errors.New("config: retry.max_delay must not be below base_delay")
	}
	if f.MaxContentLength < 1 {
		return errors.New("config: max_content_length must be positive")
	}
	return nil
}

// RateLimitPolicy combines the default bucket with per-provider overrides.
func (f File) RateLimitPolicy() ratelimit.Policy {
	policy := ratelimit.Policy{Default: f.RateLimit, PerProvider: map[string]ratelimit.Bucket{}}
	for _, p := range f.Providers {
		if p.RateLimit != nil {
			policy.PerProvider[p.Name] = ratelimit.Bucket{
				Capacity:        p.RateLimit.Capacity,
				RefillPerSecond: p.RateLimit.RefillPerSecond,
			}
		}
	}
	return policy
}

func knownKind(kind string) bool {
	for _, k := range KnownKinds {
		if k == kind {
			return true
		}
	}
	return false
}
