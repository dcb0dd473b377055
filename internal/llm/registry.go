package llm

import (
	"fmt"

	"github.com/tenex-run/tenex/internal/config"
	"github.com/tenex-run/tenex/internal/registry"
)

// Registry indexes configured LLM Providers by the name agents reference
// via Agent.LLMConfigRef, grounded on pkg/llms.LLMRegistry's wrap of the
// generic BaseRegistry plus a from-config constructor.
type Registry struct {
	*registry.Registry[Provider]
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{Registry: registry.New[Provider]()}
}

// LoadFromConfig instantiates and registers a Provider for every entry in
// providers, keyed by its config name.
func (r *Registry) LoadFromConfig(providers map[string]config.LLMProvider) error {
	for name, p := range providers {
		provider, err := newFromConfig(p)
		if err != nil {
			return fmt.Errorf("llm provider %q: %w", name, err)
		}
		if err := r.Register(name, provider); err != nil {
			return err
		}
	}
	return nil
}

func newFromConfig(p config.LLMProvider) (Provider, error) {
	switch p.Kind {
	case "anthropic":
		return NewAnthropicProvider(p.APIKey, p.Model), nil
	case "openai", "openai-compatible":
		return NewOpenAIProvider(p.APIKey, p.Model, p.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider kind %q (supported: anthropic, openai, openai-compatible)", p.Kind)
	}
}

// Resolve returns the Provider registered under ref.
func (r *Registry) Resolve(ref string) (Provider, error) {
	p, ok := r.Get(ref)
	if !ok {
		return nil, fmt.Errorf("llm config %q not found", ref)
	}
	return p, nil
}
