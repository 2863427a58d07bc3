package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PlatformSpec describes one brokerage venue the engine can route to.
type PlatformSpec struct {
	Name          string             `yaml:"name"`
	RatePerMinute int                `yaml:"rate_per_minute"`
	Burst         int                `yaml:"burst"`
	MinIncrement  float64            `yaml:"min_increment"`
	Increments    map[string]float64 `yaml:"increments"` // per-symbol overrides
}

// Platforms is the parsed platform registry file.
type Platforms struct {
	Platforms []PlatformSpec `yaml:"platforms"`
	// Symbols in the same group count against each other's correlation limit.
	CorrelationGroups map[string][]string `yaml:"correlation_groups"`
}

// LoadPlatforms parses the yaml registry at path. A missing file yields an
// empty registry so the engine can run with the simulator defaults.
func LoadPlatforms(path string) (*Platforms, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Platforms{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read platforms file: %w", err)
	}
	var p Platforms
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse platforms file: %w", err)
	}
	for i := range p.Platforms {
		if p.Platforms[i].Name == "" {
			return nil, fmt.Errorf("platforms[%d]: name is required", i)
		}
		if p.Platforms[i].RatePerMinute <= 0 {
			p.Platforms[i].RatePerMinute = 60
		}
		if p.Platforms[i].Burst <= 0 {
			p.Platforms[i].Burst = 10
		}
	}
	return &p, nil
}

// Spec returns the entry for a platform name, or ok=false.
func (p *Platforms) Spec(name string) (PlatformSpec, bool) {
	for _, s := range p.Platforms {
		if s.Name == name {
			return s, true
		}
	}
	return PlatformSpec{}, false
}

// Increment returns the minimum tradable increment for a symbol on a platform.
// Falls back to the platform-wide default, then to zero (no rounding).
func (p *Platforms) Increment(platform, symbol string) float64 {
	s, ok := p.Spec(platform)
	if !ok {
		return 0
	}
	if inc, ok := s.Increments[symbol]; ok {
		return inc
	}
	return s.MinIncrement
}

// GroupOf returns the correlation group containing symbol, or nil.
func (p *Platforms) GroupOf(symbol string) []string {
	for _, members := range p.CorrelationGroups {
		for _, m := range members {
			if m == symbol {
				return members
			}
		}
	}
	return nil
}
