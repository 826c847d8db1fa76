package oracle

import (
	_ "embed"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed catalog.toml
var defaultCatalog string

// Catalog is the static model, tier and canary definition
type Catalog struct {
	Models []CatalogModel           `toml:"models"`
	Tiers  map[string][]ChainEntry `toml:"tiers"`
	Canary Canary                  `toml:"canary"`
}

// CatalogModel is one priced model. Prices are USD per 1M tokens.
type CatalogModel struct {
	ID               string  `toml:"id"`
	Provider         string  `toml:"provider"`
	InputPerMillion  float64 `toml:"input_per_million"`
	OutputPerMillion float64 `toml:"output_per_million"`
	ContextWindow    int     `toml:"context_window"`
}

// ChainEntry is one fallback step of a tier
type ChainEntry struct {
	Provider string        `toml:"provider"`
	Model    string        `toml:"model"`
	Timeout  time.Duration `toml:"timeout"`
}

// Canary diverts a small share of a tier's traffic to an experimental model
type Canary struct {
	Provider string        `toml:"provider"`
	Model    string        `toml:"model"`
	Percent  float64       `toml:"percent"`
	Tiers    []string      `toml:"tiers"`
	Timeout  time.Duration `toml:"timeout"`
}

// Enabled reports whether the canary applies to tier
func (c Canary) Enabled(tier string) bool {
	if c.Model == "" || c.Percent <= 0 {
		return false
	}
	for _, t := range c.Tiers {
		if t == tier {
			return true
		}
	}
	return false
}

// Entry returns the canary as a chain entry
func (c Canary) Entry() ChainEntry {
	return ChainEntry{Provider: c.Provider, Model: c.Model, Timeout: c.Timeout}
}

// DefaultCatalog returns the built-in catalog
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// ParseCatalog decodes a TOML catalog
func ParseCatalog(data string) (*Catalog, error) {
	var c Catalog
	if _, err := toml.Decode(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode model catalog: %w", err)
	}
	return &c, c.validate()
}

// LoadCatalog reads a catalog file, falling back to the built-in one when path is empty
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	var c Catalog
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("failed to decode model catalog %s: %w", path, err)
	}
	return &c, c.validate()
}

func (c *Catalog) validate() error {
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("catalog model without id")
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate catalog model %q", m.ID)
		}
		seen[m.ID] = true
	}
	for tier, chain := range c.Tiers {
		if len(chain) == 0 {
			return fmt.Errorf("tier %q has an empty chain", tier)
		}
		for _, e := range chain {
			if e.Provider == "" || e.Model == "" {
				return fmt.Errorf("tier %q has an incomplete entry", tier)
			}
		}
	}
	if c.Canary.Percent < 0 || c.Canary.Percent > 100 {
		return fmt.Errorf("canary percent must be in [0,100]: %v", c.Canary.Percent)
	}
	return nil
}
