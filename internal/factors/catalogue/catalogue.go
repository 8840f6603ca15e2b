// Package catalogue reads factor definitions from YAML for seeding the registry.
package catalogue

import (
	_ "embed"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"afiss_backend/internal/factors/repository"
	"afiss_backend/internal/factors/rules"
)

//go:embed factors.yaml
var defaultCatalogue []byte

type document struct {
	Factors []entry `yaml:"factors"`
}

type entry struct {
	Code           string       `yaml:"code"`
	Name           string       `yaml:"name"`
	Description    string       `yaml:"description"`
	Domain         string       `yaml:"domain"`
	BasePercentage float64      `yaml:"basePercentage"`
	Weight         float64      `yaml:"weight"`
	MinWeight      float64      `yaml:"minWeight"`
	MaxWeight      float64      `yaml:"maxWeight"`
	Rules          []rules.Spec `yaml:"rules"`
}

// Default returns the built-in catalogue.
func Default() ([]repository.FactorDefinition, error) {
	return Parse(defaultCatalogue)
}

// Read parses a catalogue from r.
func Read(r io.Reader) ([]repository.FactorDefinition, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read catalogue: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML catalogue and checks each entry. Duplicate codes and
// inverted weight ranges are rejected.
func Parse(raw []byte) ([]repository.FactorDefinition, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode catalogue: %w", err)
	}

	seen := make(map[string]struct{}, len(doc.Factors))
	defs := make([]repository.FactorDefinition, 0, len(doc.Factors))
	for i, e := range doc.Factors {
		if e.Code == "" {
			return nil, fmt.Errorf("catalogue entry %d: code is required", i)
		}
		if _, dup := seen[e.Code]; dup {
			return nil, fmt.Errorf("catalogue entry %d: duplicate code %s", i, e.Code)
		}
		seen[e.Code] = struct{}{}

		domain, err := repository.ParseDomain(e.Domain)
		if err != nil {
			return nil, fmt.Errorf("factor %s: %w", e.Code, err)
		}
		if e.MinWeight > e.MaxWeight {
			return nil, fmt.Errorf("factor %s: min weight %.4f above max weight %.4f", e.Code, e.MinWeight, e.MaxWeight)
		}
		set, err := rules.FromSpecs(e.Rules)
		if err != nil {
			return nil, fmt.Errorf("factor %s: %w", e.Code, err)
		}

		defs = append(defs, repository.FactorDefinition{
			Code:           e.Code,
			Name:           e.Name,
			Description:    e.Description,
			Domain:         domain,
			BasePercentage: e.BasePercentage,
			Weight:         e.Weight,
			MinWeight:      e.MinWeight,
			MaxWeight:      e.MaxWeight,
			TriggerRules:   set,
		})
	}
	return defs, nil
}
