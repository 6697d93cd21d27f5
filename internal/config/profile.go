// Package config resolves a soak run's effective parameter set from
// five precedence layers — built-in defaults, a named profile file,
// environment variables, CLI flags, and runtime overrides — and tracks
// which layer won each leaf so every resolved value is auditable.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is a named starting point for a soak run: a partial set of
// nested config values layered on top of the built-in defaults before
// any runtime tuning happens.
type Profile struct {
	Name   string         `yaml:"name"`
	Quote  map[string]any `yaml:"quote"`
	Risk   map[string]any `yaml:"risk"`
	Window map[string]any `yaml:"window"`
}

// LoadProfile reads and validates a profile YAML file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profile %s: %w", path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid profile %s: %w", path, err)
	}
	return &p, nil
}

// Validate ensures a profile carries a name and at least one section;
// an empty profile is almost always a typo'd path, not an intentional
// no-op.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name cannot be empty")
	}
	if len(p.Quote) == 0 && len(p.Risk) == 0 && len(p.Window) == 0 {
		return fmt.Errorf("profile %s defines no sections", p.Name)
	}
	return nil
}

// AsDoc renders the profile as the same map[string]any tree shape used
// throughout Resolve, so it merges with the other layers uniformly.
func (p *Profile) AsDoc() map[string]any {
	doc := map[string]any{}
	if len(p.Quote) > 0 {
		doc["quote"] = p.Quote
	}
	if len(p.Risk) > 0 {
		doc["risk"] = p.Risk
	}
	if len(p.Window) > 0 {
		doc["window"] = p.Window
	}
	return doc
}
