package decode

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Material is a parsed material definition.
//
// Example YAML:
//
//	name: brick
//	shader: shaders/lit.frag
//	textures:
//	  albedo: textures/brick.png
//	  normal: textures/brick_n.png
//	params:
//	  roughness: 0.8
type Material struct {
	Name     string             `yaml:"name" json:"name"`
	Shader   string             `yaml:"shader" json:"shader,omitempty"`
	Textures map[string]string  `yaml:"textures" json:"textures,omitempty"`
	Params   map[string]float64 `yaml:"params" json:"params,omitempty"`
}

// References returns the shader followed by texture paths sorted by slot.
func (m *Material) References() []string {
	var refs []string
	if m.Shader != "" {
		refs = append(refs, m.Shader)
	}
	slots := make([]string, 0, len(m.Textures))
	for slot := range m.Textures {
		slots = append(slots, slot)
	}
	sort.Strings(slots)
	for _, slot := range slots {
		if p := m.Textures[slot]; p != "" {
			refs = append(refs, p)
		}
	}
	return refs
}

// MaterialDecoder parses YAML material definitions.
type MaterialDecoder struct{}

// Decode implements Decoder.
func (MaterialDecoder) Decode(_ context.Context, path string, data []byte) (*Payload, error) {
	var m Material
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode material %s: %w", path, err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("decode material %s: missing name", path)
	}
	return &Payload{
		Bytes:    data,
		Format:   "material",
		Material: &m,
		Deps:     m.References(),
	}, nil
}
