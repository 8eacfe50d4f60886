package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Catalog is the model map, fallback chains and pricing loaded at startup
type Catalog struct {
	// Models maps tier -> backend -> backend model id
	Models map[string]map[string]string `yaml:"models"`

	// Fallbacks maps tier -> ordered tiers to try when a backend lacks a direct mapping
	Fallbacks map[string][]string `yaml:"fallbacks"`

	// Pricing maps backend -> priced models
	Pricing map[string]BackendPricing `yaml:"pricing"`
}

// BackendPricing is the price list of one backend
type BackendPricing struct {
	Default string                `yaml:"default"`
	Models  map[string]ModelPrice `yaml:"models"`
}

// ModelPrice is USD per million tokens
type ModelPrice struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// LoadCatalog reads the catalog at path, or the embedded default when path is empty
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog: %w", err)
		}
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates catalog YAML
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks internal consistency of the catalog
func (c *Catalog) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("catalog defines no model tiers")
	}
	for tier, chain := range c.Fallbacks {
		if _, ok := c.Models[tier]; !ok {
			return fmt.Errorf("fallback chain for unknown tier %q", tier)
		}
		for _, next := range chain {
			if _, ok := c.Models[next]; !ok {
				return fmt.Errorf("tier %q falls back to unknown tier %q", tier, next)
			}
			if next == tier {
				return fmt.Errorf("tier %q falls back to itself", tier)
			}
		}
	}
	for backend, p := range c.Pricing {
		for id, price := range p.Models {
			if price.InputPerMTok < 0 || price.OutputPerMTok < 0 {
				return fmt.Errorf("negative price for %s/%s", backend, id)
			}
		}
		if p.Default != "" {
			if _, ok := p.Models[p.Default]; !ok {
				return fmt.Errorf("default model %q of %s has no price", p.Default, backend)
			}
		}
	}
	return nil
}
