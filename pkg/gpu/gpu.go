// Package gpu owns the graphics context and is the single path through which
// GPU resources are created and released.
//
// The graphics API itself is an external collaborator reached through the
// Device interface. Manager wraps a Device with:
//   - One mutex around every device call (graphics contexts are not
//     thread-safe, so resource creation is serialized)
//   - Memory budget enforcement (ErrOutOfMemory)
//   - Usage statistics
//
// The mutex is independent of the asset registry lock. Callers must never
// hold the registry lock while calling into the Manager.
//
// Example Usage:
//
//	config := gpu.DefaultConfig()
//	config.MaxMemoryMB = 512
//
//	manager, err := gpu.NewManager(config, nil) // nil = pick device from config
//	if err != nil {
//		return err
//	}
//
//	tex, err := manager.CreateTexture(gpu.TextureDesc{
//		Width: 256, Height: 256, Format: "rgba8",
//	}, pixels)
//	if errors.Is(err, gpu.ErrOutOfMemory) {
//		// over budget
//	}
//	defer manager.Release(tex.Handle)
//
//	stats := manager.Stats()
//	fmt.Printf("textures: %d, uploaded: %d bytes\n",
//		stats.TexturesCreated, stats.BytesUploaded)
//
// Supported Backends:
//
// Only the software backend ships in this module. It allocates handles and
// tracks sizes without touching real hardware, which is what tooling and
// tests need. Vulkan, Metal and OpenGL devices are supplied by the embedding
// renderer through NewManager.
package gpu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Errors
var (
	ErrGPUNotAvailable  = errors.New("gpu: no compatible device found")
	ErrGPUDisabled      = errors.New("gpu: disabled")
	ErrOutOfMemory      = errors.New("gpu: out of GPU memory")
	ErrUnknownResource  = errors.New("gpu: unknown resource handle")
	ErrInvalidResource  = errors.New("gpu: invalid resource description")
	ErrResourceCreation = errors.New("gpu: resource creation failed")
)

// Backend identifies the graphics API behind a Device.
type Backend string

const (
	BackendNone     Backend = "none"
	BackendSoftware Backend = "software" // handle bookkeeping only
	BackendVulkan   Backend = "vulkan"
	BackendMetal    Backend = "metal"
	BackendOpenGL   Backend = "opengl"
)

// ParseBackend maps a configuration string to a Backend.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(s); b {
	case "":
		return BackendSoftware, nil
	case BackendNone, BackendSoftware, BackendVulkan, BackendMetal, BackendOpenGL:
		return b, nil
	default:
		return BackendNone, fmt.Errorf("gpu: unknown backend %q", s)
	}
}

// Config holds graphics context options.
type Config struct {
	// Enabled toggles GPU resource creation. When false every Create call
	// returns ErrGPUDisabled.
	Enabled bool

	// PreferredBackend selects the device when none is supplied.
	PreferredBackend Backend

	// MaxMemoryMB limits total resource bytes (0 = unlimited)
	MaxMemoryMB int

	// FallbackOnError falls back to the software device when the preferred
	// backend is unavailable.
	FallbackOnError bool
}

// DefaultConfig returns a software-backed configuration with no memory
// limit and fallback enabled.
func DefaultConfig() *Config {
	return &Config{
		Enabled:          true,
		PreferredBackend: BackendSoftware,
		MaxMemoryMB:      0,
		FallbackOnError:  true,
	}
}

// DeviceInfo contains information about a graphics device.
type DeviceInfo struct {
	Name      string
	Vendor    string
	Backend   Backend
	MemoryMB  int
	Available bool
}

// Handle identifies a resource owned by a Device.
type Handle uint64

// Kind classifies GPU resources.
type Kind int

const (
	KindTexture Kind = iota
	KindMesh
	KindShader
)

func (k Kind) String() string {
	switch k {
	case KindTexture:
		return "texture"
	case KindMesh:
		return "mesh"
	case KindShader:
		return "shader"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// TextureDesc describes a 2D texture upload.
type TextureDesc struct {
	Width  int
	Height int
	Format string
}

// MeshDesc describes a vertex/index buffer upload.
type MeshDesc struct {
	VertexCount int
	IndexCount  int
}

// ShaderDesc describes a shader module.
type ShaderDesc struct {
	Stage      string
	EntryPoint string
}

// Device is the external graphics API. Implementations need not be
// thread-safe; Manager serializes all calls.
type Device interface {
	Info() DeviceInfo
	CreateTexture(desc TextureDesc, pixels []byte) (Handle, error)
	CreateMesh(desc MeshDesc, data []byte) (Handle, error)
	CreateShader(desc ShaderDesc, bytecode []byte) (Handle, error)
	Release(h Handle) error
}

// Texture is a created texture resource.
type Texture struct {
	Handle Handle
	Desc   TextureDesc
	Size   int64
}

// Mesh is a created mesh resource.
type Mesh struct {
	Handle Handle
	Desc   MeshDesc
	Size   int64
}

// Shader is a created shader resource.
type Shader struct {
	Handle Handle
	Desc   ShaderDesc
	Size   int64
}

// Manager serializes resource creation against one Device.
//
// Thread Safety:
//
//	All methods are thread-safe. Device calls never overlap.
type Manager struct {
	config  *Config
	device  Device
	info    DeviceInfo
	enabled atomic.Bool

	mu        sync.Mutex
	allocated int64
	resources map[Handle]resource

	stats Stats
}

type resource struct {
	kind Kind
	size int64
}

// Stats tracks resource creation. Fields are updated atomically.
type Stats struct {
	TexturesCreated int64 `json:"textures_created"`
	MeshesCreated   int64 `json:"meshes_created"`
	ShadersCreated  int64 `json:"shaders_created"`
	Released        int64 `json:"released"`
	BytesUploaded   int64 `json:"bytes_uploaded"`
	Failures        int64 `json:"failures"`
}

// NewManager creates a manager around device. When device is nil one is
// chosen from config.PreferredBackend. Only the software backend can be
// constructed here; other backends fall back to software when
// FallbackOnError is set and fail with ErrGPUNotAvailable otherwise.
func NewManager(config *Config, device Device) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}

	m := &Manager{
		config:    config,
		resources: make(map[Handle]resource),
	}
	if !config.Enabled {
		return m, nil
	}

	if device == nil {
		d, err := detectDevice(config)
		if err != nil {
			return nil, err
		}
		device = d
	}
	m.device = device
	m.info = device.Info()
	m.enabled.Store(true)
	return m, nil
}

func detectDevice(config *Config) (Device, error) {
	switch config.PreferredBackend {
	case BackendSoftware, "":
		return NewSoftwareDevice(), nil
	default:
		if config.FallbackOnError {
			return NewSoftwareDevice(), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrGPUNotAvailable, config.PreferredBackend)
	}
}

// IsEnabled returns whether resources can be created.
func (m *Manager) IsEnabled() bool {
	return m.enabled.Load()
}

// Device returns information about the active device.
func (m *Manager) Device() DeviceInfo {
	return m.info
}

// CreateTexture uploads pixels as a texture.
func (m *Manager) CreateTexture(desc TextureDesc, pixels []byte) (*Texture, error) {
	if desc.Width <= 0 || desc.Height <= 0 {
		atomic.AddInt64(&m.stats.Failures, 1)
		return nil, fmt.Errorf("%w: texture %dx%d", ErrInvalidResource, desc.Width, desc.Height)
	}
	h, size, err := m.create(KindTexture, int64(len(pixels)), func(d Device) (Handle, error) {
		return d.CreateTexture(desc, pixels)
	})
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&m.stats.TexturesCreated, 1)
	return &Texture{Handle: h, Desc: desc, Size: size}, nil
}

// CreateMesh uploads vertex and index data as a mesh.
func (m *Manager) CreateMesh(desc MeshDesc, data []byte) (*Mesh, error) {
	h, size, err := m.create(KindMesh, int64(len(data)), func(d Device) (Handle, error) {
		return d.CreateMesh(desc, data)
	})
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&m.stats.MeshesCreated, 1)
	return &Mesh{Handle: h, Desc: desc, Size: size}, nil
}

// CreateShader creates a shader module from compiled bytecode.
func (m *Manager) CreateShader(desc ShaderDesc, bytecode []byte) (*Shader, error) {
	if len(bytecode) == 0 {
		atomic.AddInt64(&m.stats.Failures, 1)
		return nil, fmt.Errorf("%w: empty shader bytecode", ErrInvalidResource)
	}
	h, size, err := m.create(KindShader, int64(len(bytecode)), func(d Device) (Handle, error) {
		return d.CreateShader(desc, bytecode)
	})
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&m.stats.ShadersCreated, 1)
	return &Shader{Handle: h, Desc: desc, Size: size}, nil
}

func (m *Manager) create(kind Kind, size int64, call func(Device) (Handle, error)) (Handle, int64, error) {
	if !m.enabled.Load() {
		atomic.AddInt64(&m.stats.Failures, 1)
		return 0, 0, ErrGPUDisabled
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if limit := int64(m.config.MaxMemoryMB) << 20; limit > 0 && m.allocated+size > limit {
		atomic.AddInt64(&m.stats.Failures, 1)
		return 0, 0, fmt.Errorf("%w: %s of %d bytes exceeds budget (%d/%d allocated)",
			ErrOutOfMemory, kind, size, m.allocated, limit)
	}

	h, err := call(m.device)
	if err != nil {
		atomic.AddInt64(&m.stats.Failures, 1)
		return 0, 0, fmt.Errorf("%w: %s: %v", ErrResourceCreation, kind, err)
	}

	m.allocated += size
	m.resources[h] = resource{kind: kind, size: size}
	atomic.AddInt64(&m.stats.BytesUploaded, size)
	return h, size, nil
}

// Release destroys the resource behind h and returns its bytes to the
// budget.
func (m *Manager) Release(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.resources[h]
	if !ok {
		return ErrUnknownResource
	}
	if err := m.device.Release(h); err != nil {
		return fmt.Errorf("gpu: release %s %d: %w", r.kind, h, err)
	}
	delete(m.resources, h)
	m.allocated -= r.size
	atomic.AddInt64(&m.stats.Released, 1)
	return nil
}

// AllocatedBytes returns bytes held by live resources.
func (m *Manager) AllocatedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocated
}

// LiveResources returns the number of live resources.
func (m *Manager) LiveResources() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resources)
}

// Stats returns a snapshot of usage statistics.
func (m *Manager) Stats() Stats {
	return Stats{
		TexturesCreated: atomic.LoadInt64(&m.stats.TexturesCreated),
		MeshesCreated:   atomic.LoadInt64(&m.stats.MeshesCreated),
		ShadersCreated:  atomic.LoadInt64(&m.stats.ShadersCreated),
		Released:        atomic.LoadInt64(&m.stats.Released),
		BytesUploaded:   atomic.LoadInt64(&m.stats.BytesUploaded),
		Failures:        atomic.LoadInt64(&m.stats.Failures),
	}
}

// Close releases every live resource.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for h, r := range m.resources {
		if err := m.device.Release(h); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(m.resources, h)
		m.allocated -= r.size
	}
	m.enabled.Store(false)
	return errors.Join(errs...)
}
