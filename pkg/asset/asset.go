// Package asset defines the identity, metadata and shared types for assets
// tracked by assetcore.
//
// An asset is any externally authored resource (texture, mesh, shader,
// audio clip, scene, animation or material) referenced by a path on disk.
// Every asset gets an opaque ID at registration time; all other packages
// refer to assets by ID and never by pointer.
//
// Lifecycle:
//
//	unloaded ──▶ loading ──▶ staged ──▶ loaded
//	    ▲           │                    │
//	    │           └────────▶ failed ◀──┘ (GPU stage failure)
//	    └───────────────────────┘ (retry / force unload)
//
// Only unloaded and failed are valid entry points for a new load attempt.
package asset

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ID uniquely identifies a registered asset.
type ID uuid.UUID

// NilID is the zero ID. It never identifies a registered asset.
var NilID ID

// NewID returns a fresh random ID.
func NewID() ID {
	return ID(uuid.New())
}

// ParseID parses the canonical string form produced by ID.String.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilID, fmt.Errorf("asset: invalid id %q: %w", s, err)
	}
	return ID(u), nil
}

// String returns the canonical textual form of the ID.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// IsNil reports whether id is the zero ID.
func (id ID) IsNil() bool {
	return id == NilID
}

// Type classifies an asset by its content.
type Type int

const (
	TypeTexture Type = iota
	TypeMesh
	TypeMaterial
	TypeShader
	TypeAudio
	TypeScene
	TypeAnimation
)

var typeNames = [...]string{
	TypeTexture:   "texture",
	TypeMesh:      "mesh",
	TypeMaterial:  "material",
	TypeShader:    "shader",
	TypeAudio:     "audio",
	TypeScene:     "scene",
	TypeAnimation: "animation",
}

// AllTypes lists every asset type in declaration order.
func AllTypes() []Type {
	return []Type{TypeTexture, TypeMesh, TypeMaterial, TypeShader, TypeAudio, TypeScene, TypeAnimation}
}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("type(%d)", int(t))
	}
	return typeNames[t]
}

// Valid reports whether t is one of the declared types.
func (t Type) Valid() bool {
	return t >= 0 && int(t) < len(typeNames)
}

// NeedsGPU reports whether assets of this type go through the GPU stage.
func (t Type) NeedsGPU() bool {
	return t == TypeTexture || t == TypeMesh || t == TypeShader
}

// ParseType converts a type name ("texture", "mesh", ...) to a Type.
// Matching is case-insensitive and accepts "model" as an alias for mesh.
func ParseType(s string) (Type, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "model" {
		return TypeMesh, nil
	}
	for i, n := range typeNames {
		if n == name {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("asset: unknown type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// State is the load state of an asset.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateStaged
	StateLoaded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateStaged:
		return "staged"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CanStartLoad reports whether a new load attempt may begin from s.
func (s State) CanStartLoad() bool {
	return s == StateUnloaded || s == StateFailed
}

// InFlight reports whether a load is currently in progress.
func (s State) InFlight() bool {
	return s == StateLoading || s == StateStaged
}

// Terminal reports whether s ends a load attempt.
func (s State) Terminal() bool {
	return s == StateLoaded || s == StateFailed
}

// Metadata is the per-asset record kept by the registry.
//
// Values handed out by the registry are deep copies; mutating them has no
// effect on the registry.
type Metadata struct {
	ID       ID
	Path     string
	Type     Type
	State    State
	FileSize int64

	// LoadTime is when the asset last reached StateLoaded.
	LoadTime time.Time
	// LoadSeq is a registry-wide, strictly increasing completion sequence
	// number assigned on every transition to StateLoaded.
	LoadSeq uint64

	RefCount int

	// Dependencies preserves insertion order.
	Dependencies []ID
	Dependents   []ID

	LastError string
}

// CanUnload reports whether nothing holds the asset and no load is running.
func (m *Metadata) CanUnload() bool {
	return m.RefCount == 0 && m.State != StateLoading
}

// HasDependency reports whether dep is a direct dependency of m.
func (m *Metadata) HasDependency(dep ID) bool {
	for _, d := range m.Dependencies {
		if d == dep {
			return true
		}
	}
	return false
}

// HasDependent reports whether dep directly depends on m.
func (m *Metadata) HasDependent(dep ID) bool {
	for _, d := range m.Dependents {
		if d == dep {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of m.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	c := *m
	c.Dependencies = append([]ID(nil), m.Dependencies...)
	c.Dependents = append([]ID(nil), m.Dependents...)
	return &c
}
