package providers

import (
	"fmt"
	"sort"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// LogicalModel is a capability tier independent of any backend's model ids
type LogicalModel string

const (
	TierHaiku  LogicalModel = "haiku-tier"
	TierSonnet LogicalModel = "sonnet-tier"
	TierOpus   LogicalModel = "opus-tier"
)

// ModelMap translates logical tiers into backend model ids.
// The table is immutable after construction; lookups may be served from a TTL
// read-through cache.
type ModelMap struct {
	table     map[LogicalModel]map[Backend]string
	fallbacks map[LogicalModel][]LogicalModel
	reverse   map[Backend]map[string]LogicalModel
	cache     *cache.Cache
}

// NewModelMap builds a map from a tier → backend → model id table and per-tier fallback chains.
// A zero cacheTTL disables the read-through cache.
func NewModelMap(table map[LogicalModel]map[Backend]string, fallbacks map[LogicalModel][]LogicalModel, cacheTTL time.Duration) *ModelMap {
	m := &ModelMap{
		table:     make(map[LogicalModel]map[Backend]string, len(table)),
		fallbacks: make(map[LogicalModel][]LogicalModel, len(fallbacks)),
		reverse:   make(map[Backend]map[string]LogicalModel),
	}
	for tier, byBackend := range table {
		row := make(map[Backend]string, len(byBackend))
		for backend, id := range byBackend {
			if id == "" {
				continue
			}
			row[backend] = id
			if m.reverse[backend] == nil {
				m.reverse[backend] = make(map[string]LogicalModel)
			}
			// first tier wins when two tiers share an id
			if _, exists := m.reverse[backend][id]; !exists {
				m.reverse[backend][id] = tier
			}
		}
		m.table[tier] = row
	}
	for tier, chain := range fallbacks {
		m.fallbacks[tier] = append([]LogicalModel(nil), chain...)
	}
	if cacheTTL > 0 {
		m.cache = cache.New(cacheTTL, 2*cacheTTL)
	}
	return m
}

func cacheKey(model LogicalModel, backend Backend) string {
	return string(backend) + "|" + string(model)
}

// Resolve returns the concrete model id for a tier on a backend, walking the
// tier's fallback chain when there is no direct mapping.
func (m *ModelMap) Resolve(model LogicalModel, backend Backend) (string, error) {
	if m.cache != nil {
		if id, ok := m.cache.Get(cacheKey(model, backend)); ok {
			return id.(string), nil
		}
	}

	id, err := m.resolve(model, backend)
	if err != nil {
		return "", err
	}

	if m.cache != nil {
		m.cache.SetDefault(cacheKey(model, backend), id)
	}
	return id, nil
}

func (m *ModelMap) resolve(model LogicalModel, backend Backend) (string, error) {
	if id, ok := m.table[model][backend]; ok {
		return id, nil
	}
	for _, next := range m.fallbacks[model] {
		if id, ok := m.table[next][backend]; ok {
			return id, nil
		}
	}
	return "", &ModelNotFoundError{Model: string(model), Backend: backend}
}

// Lookup returns the direct mapping of a tier on a backend, ignoring fallbacks
func (m *ModelMap) Lookup(model LogicalModel, backend Backend) (string, bool) {
	id, ok := m.table[model][backend]
	return id, ok
}

// Backends returns every backend that appears in the table, sorted
func (m *ModelMap) Backends() []Backend {
	out := make([]Backend, 0, len(m.reverse))
	for b := range m.reverse {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MapModelID resolves logical names and passes every other name through unchanged
func (m *ModelMap) MapModelID(name string, backend Backend) string {
	if !m.IsLogical(name) {
		return name
	}
	id, err := m.Resolve(LogicalModel(name), backend)
	if err != nil {
		return name
	}
	return id
}

// IsLogical reports whether name is a tier, either declared or present in the table.
// Declared tiers the table lacks still resolve to ModelNotFoundError rather than
// reaching a backend as a model id.
func (m *ModelMap) IsLogical(name string) bool {
	switch LogicalModel(name) {
	case TierHaiku, TierSonnet, TierOpus:
		return true
	}
	_, ok := m.table[LogicalModel(name)]
	return ok
}

// LogicalFor returns the tier a concrete model id belongs to on a backend
func (m *ModelMap) LogicalFor(backend Backend, modelID string) (LogicalModel, bool) {
	tier, ok := m.reverse[backend][modelID]
	return tier, ok
}

// Tiers returns all known tiers in sorted order
func (m *ModelMap) Tiers() []LogicalModel {
	tiers := make([]LogicalModel, 0, len(m.table))
	for tier := range m.table {
		tiers = append(tiers, tier)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
	return tiers
}

// Fallbacks returns a copy of a tier's fallback chain
func (m *ModelMap) Fallbacks(model LogicalModel) []LogicalModel {
	return append([]LogicalModel(nil), m.fallbacks[model]...)
}

// Validate checks that every tier resolves on every given backend
func (m *ModelMap) Validate(backends ...Backend) error {
	for _, tier := range m.Tiers() {
		for _, backend := range backends {
			if _, err := m.resolve(tier, backend); err != nil {
				return &ModelAvailabilityError{
					Logical: string(tier),
					Backend: backend,
					Reason:  fmt.Sprintf("no mapping or fallback for tier: %v", err),
				}
			}
		}
	}
	return nil
}

// Flush drops all cached resolutions
func (m *ModelMap) Flush() {
	if m.cache != nil {
		m.cache.Flush()
	}
}
