package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/wordsmith/pkg/provider/llm"
)

// ErrProviderNotRegistered means a providers entry names a backend no
// factory was registered for.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LLMFactory builds a backend from its providers entry.
type LLMFactory func(ProviderEntry) (llm.Provider, error)

// Registry resolves the name field of a [ProviderEntry] to a factory. Names
// are matched case-insensitively, so "OpenAI" in YAML finds "openai".
type Registry struct {
	mu        sync.RWMutex
	factories map[string]LLMFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]LLMFactory{}}
}

// RegisterLLM binds name to factory, replacing an earlier binding.
func (r *Registry) RegisterLLM(name string, factory LLMFactory) {
	r.mu.Lock()
	r.factories[strings.ToLower(name)] = factory
	r.mu.Unlock()
}

// LLMNames lists the registered names, sorted.
func (r *Registry) LLMNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// CreateLLM runs the factory registered for entry.Name. An unknown name
// wraps [ErrProviderNotRegistered] and lists what is available.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory := r.factories[strings.ToLower(entry.Name)]
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("%w: %q (available: %s)",
			ErrProviderNotRegistered, entry.Name, strings.Join(r.LLMNames(), ", "))
	}

	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create %s/%s: %w", entry.Name, entry.Model, err)
	}
	return p, nil
}
