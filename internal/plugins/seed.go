package plugins

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// SeedConfig is the on-disk format of the built-in plugin list. Both JSON
// and YAML encodings are accepted.
type SeedConfig struct {
	Plugins []Descriptor `json:"plugins"`
}

// ParseSeed decodes a seed document and checks that every entry is usable.
func ParseSeed(data []byte) ([]Descriptor, error) {
	var cfg SeedConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}

	seen := make(map[string]bool, len(cfg.Plugins))
	for i, d := range cfg.Plugins {
		if d.ID == "" {
			return nil, fmt.Errorf("%w: entry %d has no id", ErrInvalidSeed, i)
		}
		if d.EntryPath == "" {
			return nil, fmt.Errorf("%w: plugin %s has no entryPath", ErrInvalidSeed, d.ID)
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidSeed, d.ID)
		}
		seen[d.ID] = true
		if d.Name == "" {
			cfg.Plugins[i].Name = d.ID
		}
		if d.Origin == "" {
			cfg.Plugins[i].Origin = OriginLocal
		}
	}
	return cfg.Plugins, nil
}

// SeedFromFile registers the built-in plugins listed in path and returns the
// registered descriptors.
func (r *Registry) SeedFromFile(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	ds, err := ParseSeed(data)
	if err != nil {
		return nil, err
	}
	return r.RegisterAll(ds), nil
}
