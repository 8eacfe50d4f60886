package providers

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrProviderNotFound is returned when no builder is registered for a backend
	ErrProviderNotFound = errors.New("provider not found")

	// ErrProviderAlreadyRegistered is returned when trying to register a duplicate builder
	ErrProviderAlreadyRegistered = errors.New("provider already registered")
)

// Deps are the shared collaborators every backend needs
type Deps struct {
	Models  *ModelMap
	Pricing *PricingTable
	Logger  *zap.Logger
}

// ProviderBuilder constructs a provider from configuration
type ProviderBuilder func(cfg ProviderConfig, deps Deps) (Provider, error)

// Registry maps backends to their builders
type Registry struct {
	mu       sync.RWMutex
	builders map[Backend]ProviderBuilder
	deps     Deps
}

// NewRegistry creates a new builder registry sharing deps across all built providers
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Registry{
		builders: make(map[Backend]ProviderBuilder),
		deps:     deps,
	}
}

// Register adds a builder for a backend
func (r *Registry) Register(backend Backend, builder ProviderBuilder) error {
	if builder == nil {
		return errors.New("builder cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.builders[backend]; exists {
		return ErrProviderAlreadyRegistered
	}
	r.builders[backend] = builder
	return nil
}

// Build constructs a provider for backend
func (r *Registry) Build(backend Backend, cfg ProviderConfig) (Provider, error) {
	r.mu.RLock()
	builder, ok := r.builders[backend]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, backend)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", backend, err)
	}

	p, err := builder(cfg.Clone(), r.deps)
	if err != nil {
		return nil, fmt.Errorf("build %s provider: %w", backend, err)
	}
	return p, nil
}

// Backends returns all registered backends, sorted
func (r *Registry) Backends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Backend, 0, len(r.builders))
	for b := range r.builders {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Deps returns the shared collaborators
func (r *Registry) Deps() Deps {
	return r.deps
}
