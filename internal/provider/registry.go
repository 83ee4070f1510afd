package provider

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownProvider is returned by Resolve for names that were not configured.
var ErrUnknownProvider = errors.New("provider: unknown provider")

// Factory constructs the Client for one Config.
type Factory func(cfg Config) (Client, error)

// Binding pairs a constructed Client with the Config it was built from.
type Binding struct {
	Config Config
	Client Client
}

// Registry maps provider names to clients. It is built once at startup and
// never mutated afterwards, so it is safe for concurrent use.
type Registry struct {
	defaultName string
	bindings    map[string]Binding
}

// NewRegistry builds every configured provider using the factory registered
// for its Kind.
func NewRegistry(defaultName string, cfgs []Config, factories map[string]Factory) (*Registry, error) {
	if len(cfgs) == 0 {
		return nil, errors.New("provider: at least one provider must be configured")
	}
	bindings := make(map[string]Binding, len(cfgs))
	for _, cfg := range cfgs {
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			return nil, errors.New("provider: provider name must not be empty")
		}
		if _, dup := bindings[name]; dup {
			return nil, fmt.Errorf("provider: duplicate provider %q", name)
		}
		factory, ok := factories[cfg.Kind]
		if !ok {
			return nil, fmt.Errorf("provider: %q has unsupported kind %q", name, cfg.Kind)
		}
		client, err := factory(cfg)
		if err != nil {
			return nil, fmt.Errorf("provider: build %q: %w", name, err)
		}
		if client == nil {
			return nil, fmt.Errorf("provider: factory for %q returned nil client", name)
		}
		cfg.Name = name
		bindings[name] = Binding{Config: cfg, Client: client}
	}

	defaultName = strings.TrimSpace(defaultName)
	if defaultName == "" {
		if len(cfgs) > 1 {
			return nil, errors.New("provider: default provider must be set when more than one is configured")
		}
		defaultName = strings.TrimSpace(cfgs[0].Name)
	}
	if _, ok := bindings[defaultName]; !ok {
		return nil, fmt.Errorf("provider: default provider %q is not configured", defaultName)
	}
	return &Registry{defaultName: defaultName, bindings: bindings}, nil
}

// Resolve returns the binding for name; an empty name selects the default.
func (r *Registry) Resolve(name string) (Binding, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = r.defaultName
	}
	b, ok := r.bindings[name]
	if !ok {
		return Binding{}, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return b, nil
}

// Default returns the name used when a request does not pick a provider.
func (r *Registry) Default() string {
	return r.defaultName
}

// Names lists the configured providers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.bindings))
	for name := range r.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
