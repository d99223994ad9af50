package provider

import (
	"sort"
	"sync"

	"orgcrm/internal/config"
)

// Registry holds the configured providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// FromConfig registers every provider that has an API key.
func FromConfig(cfg config.LLMConfig) *Registry {
	r := NewRegistry()
	if cfg.OpenAIAPIKey != "" {
		r.Register(NewOpenAI(OpenAIConfig{APIKey: cfg.OpenAIAPIKey, Model: modelFor(cfg, OpenAIName)}))
	}
	if cfg.AnthropicAPIKey != "" {
		r.Register(NewAnthropic(AnthropicConfig{APIKey: cfg.AnthropicAPIKey, Model: modelFor(cfg, AnthropicName)}))
	}
	return r
}

// modelFor applies LLM_MODEL only to the selected provider.
func modelFor(cfg config.LLMConfig, name string) string {
	if cfg.Provider == name {
		return cfg.Model
	}
	return ""
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return p, nil
}

// Names returns the names of all registered providers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
