// Package manifest reads declarative asset lists.
//
// A manifest names every asset a game or tool wants registered, with its
// type, load priority and dependencies. Two formats are accepted, chosen by
// file extension.
//
// YAML (.yaml, .yml):
//
//	assets:
//	  - path: shaders/lit.frag
//	    priority: critical
//	  - path: textures/brick.png
//	    type: texture
//	    priority: high
//	  - path: materials/brick.mat
//	    depends_on: [shaders/lit.frag, textures/brick.png]
//
// HCL (.hcl):
//
//	asset "shaders/lit.frag" {
//	  priority = "critical"
//	}
//	asset "textures/brick.png" {
//	  type     = "texture"
//	  priority = "high"
//	}
//	asset "materials/brick.mat" {
//	  depends_on = ["shaders/lit.frag", "textures/brick.png"]
//	}
//
// An omitted type is inferred from the extension. An omitted priority is
// normal.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/assetcore/pkg/asset"
)

// Errors
var (
	ErrUnknownFormat     = errors.New("manifest: unknown format")
	ErrDuplicatePath     = errors.New("manifest: duplicate asset path")
	ErrUnknownDependency = errors.New("manifest: dependency not declared")
	ErrUnknownType       = errors.New("manifest: cannot infer asset type")
)

// Entry declares one asset.
type Entry struct {
	Path      string   `yaml:"path" json:"path"`
	Type      string   `yaml:"type,omitempty" json:"type,omitempty"`
	Priority  string   `yaml:"priority,omitempty" json:"priority,omitempty"`
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

// AssetType returns the declared type, or the type implied by the path.
func (e Entry) AssetType() (asset.Type, error) {
	if e.Type != "" {
		return asset.ParseType(e.Type)
	}
	t, ok := asset.TypeForPath(e.Path)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownType, e.Path)
	}
	return t, nil
}

// AssetPriority returns the declared priority (normal when empty).
func (e Entry) AssetPriority() (asset.Priority, error) {
	return asset.ParsePriority(e.Priority)
}

// Manifest is a parsed asset list in declaration order.
type Manifest struct {
	Assets []Entry `yaml:"assets" json:"assets"`
}

type hclFile struct {
	Assets []*hclAsset `hcl:"asset,block"`
}

type hclAsset struct {
	Path      string   `hcl:"path,label"`
	Type      string   `hcl:"type,optional"`
	Priority  string   `hcl:"priority,optional"`
	DependsOn []string `hcl:"depends_on,optional"`
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	return Parse(path, data)
}

// Parse parses data in the format implied by the extension of name and
// validates the result.
func Parse(name string, data []byte) (*Manifest, error) {
	var m *Manifest
	var err error
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		m, err = parseYAML(data)
	case ".hcl":
		m, err = parseHCL(name, data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, name)
	}
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", name, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", name, err)
	}
	return m, nil
}

func parseYAML(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func parseHCL(name string, data []byte) (*Manifest, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, name)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL: %w", diags)
	}

	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL: %w", diags)
	}

	m := &Manifest{Assets: make([]Entry, 0, len(parsed.Assets))}
	for _, a := range parsed.Assets {
		m.Assets = append(m.Assets, Entry{
			Path:      a.Path,
			Type:      a.Type,
			Priority:  a.Priority,
			DependsOn: a.DependsOn,
		})
	}
	return m, nil
}

// Validate checks paths, types, priorities and dependency references.
func (m *Manifest) Validate() error {
	seen := make(map[string]struct{}, len(m.Assets))
	for _, e := range m.Assets {
		if e.Path == "" {
			return fmt.Errorf("%w: empty path", asset.ErrInvalidAsset)
		}
		if _, dup := seen[e.Path]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicatePath, e.Path)
		}
		seen[e.Path] = struct{}{}
		if _, err := e.AssetType(); err != nil {
			return err
		}
		if _, err := e.AssetPriority(); err != nil {
			return err
		}
	}
	for _, e := range m.Assets {
		for _, dep := range e.DependsOn {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("%w: %s needs %s", ErrUnknownDependency, e.Path, dep)
			}
		}
	}
	return nil
}

// Registrar is what Apply registers assets with. The asset manager
// implements it.
type Registrar interface {
	Register(path string, typ asset.Type) (asset.ID, error)
	AddDependency(a, b asset.ID) error
}

// Apply registers every asset, then every dependency edge, and returns
// the ID of each path.
func (m *Manifest) Apply(ctx context.Context, r Registrar) (map[string]asset.ID, error) {
	ids := make(map[string]asset.ID, len(m.Assets))
	for _, e := range m.Assets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		typ, err := e.AssetType()
		if err != nil {
			return nil, err
		}
		id, err := r.Register(e.Path, typ)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", e.Path, err)
		}
		ids[e.Path] = id
	}

	for _, e := range m.Assets {
		for _, dep := range e.DependsOn {
			depID, ok := ids[dep]
			if !ok {
				return nil, fmt.Errorf("%w: %s needs %s", ErrUnknownDependency, e.Path, dep)
			}
			if err := r.AddDependency(ids[e.Path], depID); err != nil {
				return nil, fmt.Errorf("dependency %s -> %s: %w", e.Path, dep, err)
			}
		}
	}
	return ids, nil
}
