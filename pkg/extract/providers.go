package extract

import (
	"context"
	"sort"
	"sync"

	"github.com/robomem/robomem/pkg/core"
)

// The engine never talks to a vendor API directly. Each deployment supplies
// a set of callables — usually thin adapters over a language-model client —
// and the services here add validation, caching, and breaker protection on
// top of them.

// EmbedFunc turns text into a vector of length 1..maxDimension.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// TagExtractFunc proposes hierarchical tag paths for a text, optionally
// steered by the existing ontology.
type TagExtractFunc func(ctx context.Context, text string, ontology []string) ([]string, error)

// PropositionFunc extracts standalone factual statements from a text.
type PropositionFunc func(ctx context.Context, text string) ([]string, error)

// Callables bundles the externally supplied extractor functions for one
// provider/model pair.
type Callables struct {
	Embed               EmbedFunc
	ExtractTags         TagExtractFunc
	ExtractPropositions PropositionFunc
	CountTokens         core.TokenCounter
}

// Factory builds the callables for a given model tag.
type Factory func(model string) (Callables, error)

// Registry maps provider names to callable factories. Deployments register
// their vendor adapters at startup; the configured provider name selects
// among them.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs a factory under the provider name, replacing any
// previous registration.
func (r *Registry) Register(provider string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = f
}

// New resolves provider+model into callables. Unknown providers are a
// VALIDATION error.
func (r *Registry) New(provider, model string) (Callables, error) {
	r.mu.RLock()
	f, ok := r.factories[provider]
	r.mu.RUnlock()
	if !ok {
		return Callables{}, core.E(core.KindValidation, "extract.Registry.New",
			"no factory registered for provider %q", provider)
	}
	return f(model)
}

// Providers lists the registered provider names, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
