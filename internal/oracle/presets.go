package oracle

import (
	_ "embed"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed presets.yaml
var presetsYAML []byte

// Preset names.
const (
	PresetFast     = "fast"
	PresetBalanced = "balanced"
	PresetThorough = "thorough"
)

// Preset tunes one extraction call.
type Preset struct {
	Name            string        `yaml:"-"`
	Temperature     float32       `yaml:"temperature"`
	MaxOutputTokens int32         `yaml:"max_output_tokens"`
	Timeout         time.Duration `yaml:"timeout"`
	IncludeText     bool          `yaml:"include_text"`
	Detail          string        `yaml:"detail"`
}

// Presets is the preset table keyed by name.
type Presets map[string]Preset

// Get returns the named preset.
func (p Presets) Get(name string) (Preset, bool) {
	preset, ok := p[name]
	return preset, ok
}

// Names returns the preset names in sorted order.
func (p Presets) Names() []string {
	names := make([]string, 0, len(p))
	for n := range p {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ParsePresets decodes a preset table.
func ParsePresets(data []byte) (Presets, error) {
	var doc struct {
		Presets map[string]Preset `yaml:"presets"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("ParsePresets: decoding yaml: %w", err)
	}
	if len(doc.Presets) == 0 {
		return nil, fmt.Errorf("ParsePresets: no presets defined")
	}

	out := make(Presets, len(doc.Presets))
	for name, p := range doc.Presets {
		if p.MaxOutputTokens < 0 || p.Timeout < 0 {
			return nil, fmt.Errorf("ParsePresets: preset %q has a negative limit", name)
		}
		p.Name = name
		out[name] = p
	}
	return out, nil
}

// DefaultPresets returns the embedded preset table.
func DefaultPresets() Presets {
	p, err := ParsePresets(presetsYAML)
	if err != nil {
		panic(err)
	}
	return p
}
