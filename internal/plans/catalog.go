// Package plans describes the subscription plans and the inference limits each grants.
package plans

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

//go:embed plans.yaml
var defaultPlans []byte

// ErrUnknownPlan is returned when a plan name is not in the catalog.
var ErrUnknownPlan = errors.New("unknown plan")

// Plan is the set of limits applied to a downstream key.
type Plan struct {
	Name   string   `yaml:"-"`
	Models []string `yaml:"models"`
	RPM    int      `yaml:"rpm"`
	TPM    int      `yaml:"tpm"`
}

type catalogFile struct {
	Plans map[string]Plan `yaml:"plans"`
}

// Catalog is an immutable set of plans keyed by name.
type Catalog struct {
	plans map[string]Plan
}

// Default returns the built in catalog.
func Default() (*Catalog, error) {
	return Parse(defaultPlans)
}

// Load reads a catalog from a YAML file, falling back to the built in catalog when
// path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plans file: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse plans: %w", err)
	}

	if len(file.Plans) == 0 {
		return nil, fmt.Errorf("plans catalog is empty")
	}

	c := &Catalog{plans: make(map[string]Plan, len(file.Plans))}
	for name, p := range file.Plans {
		if len(p.Models) == 0 {
			return nil, fmt.Errorf("plan %q has no models", name)
		}
		if p.RPM <= 0 || p.TPM <= 0 {
			return nil, fmt.Errorf("plan %q must have positive rpm and tpm", name)
		}
		p.Name = name
		p.Models = slices.Clone(p.Models)
		c.plans[name] = p
	}

	return c, nil
}

// Get returns the named plan.
func (c *Catalog) Get(name string) (Plan, error) {
	p, ok := c.plans[name]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s", ErrUnknownPlan, name)
	}
	p.Models = slices.Clone(p.Models)
	return p, nil
}

// Names returns the plan names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.plans))
	for name := range c.plans {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
