package providers

import (
	"fmt"
	"sort"
)

// Price is the USD cost per million tokens for a model
type Price struct {
	InputPerMTok  float64 `json:"input_per_mtok" yaml:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok" yaml:"output_per_mtok"`
}

// Cost returns the USD cost for a token usage tuple. Negative counts are treated as zero.
func (p Price) Cost(inputTokens, outputTokens int) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	return float64(inputTokens)/1_000_000*p.InputPerMTok + float64(outputTokens)/1_000_000*p.OutputPerMTok
}

// PricingTable holds per-backend model prices. It is read-only once built.
type PricingTable struct {
	prices   map[Backend]map[string]Price
	defaults map[Backend]string
}

// NewPricingTable creates an empty table
func NewPricingTable() *PricingTable {
	return &PricingTable{
		prices:   make(map[Backend]map[string]Price),
		defaults: make(map[Backend]string),
	}
}

// Set stores a model price. Only used while building the table.
func (t *PricingTable) Set(backend Backend, modelID string, price Price) {
	if t.prices[backend] == nil {
		t.prices[backend] = make(map[string]Price)
	}
	t.prices[backend][modelID] = price
}

// SetDefault designates the model whose price applies to unknown ids
func (t *PricingTable) SetDefault(backend Backend, modelID string) error {
	if _, ok := t.prices[backend][modelID]; !ok {
		return fmt.Errorf("default model %q has no price on %s", modelID, backend)
	}
	t.defaults[backend] = modelID
	return nil
}

// Lookup returns the exact price of a model, if known
func (t *PricingTable) Lookup(backend Backend, modelID string) (Price, bool) {
	p, ok := t.prices[backend][modelID]
	return p, ok
}

// PriceFor returns the model's price or the backend default when the id is unknown
func (t *PricingTable) PriceFor(backend Backend, modelID string) Price {
	if p, ok := t.prices[backend][modelID]; ok {
		return p
	}
	if def, ok := t.defaults[backend]; ok {
		return t.prices[backend][def]
	}
	return Price{}
}

// Cost prices a usage tuple on a backend
func (t *PricingTable) Cost(backend Backend, modelID string, inputTokens, outputTokens int) float64 {
	return t.PriceFor(backend, modelID).Cost(inputTokens, outputTokens)
}

// DefaultModel returns the backend's default pricing model
func (t *PricingTable) DefaultModel(backend Backend) string {
	return t.defaults[backend]
}

// Models returns the priced model ids of a backend, sorted
func (t *PricingTable) Models(backend Backend) []string {
	ids := make([]string, 0, len(t.prices[backend]))
	for id := range t.prices[backend] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Backends returns all priced backends, sorted
func (t *PricingTable) Backends() []Backend {
	out := make([]Backend, 0, len(t.prices))
	for b := range t.prices {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DerivePricing prices every model of `from` onto `to` with a markup multiplier.
// idMap translates a source model id into the target backend's id; returning ""
// skips the model. The source default carries over.
func (t *PricingTable) DerivePricing(from, to Backend, markup float64, idMap func(string) string) error {
	if markup <= 0 {
		return fmt.Errorf("markup must be positive, got %v", markup)
	}
	src := t.prices[from]
	if len(src) == 0 {
		return fmt.Errorf("no pricing for source backend %s", from)
	}
	for id, p := range src {
		target := idMap(id)
		if target == "" {
			continue
		}
		t.Set(to, target, Price{
			InputPerMTok:  p.InputPerMTok * markup,
			OutputPerMTok: p.OutputPerMTok * markup,
		})
	}
	if def := t.defaults[from]; def != "" {
		if target := idMap(def); target != "" {
			t.defaults[to] = target
		}
	}
	return nil
}
