package manager

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/orneryd/assetcore/pkg/asset"
	"github.com/orneryd/assetcore/pkg/decode"
	"github.com/orneryd/assetcore/pkg/gpu"
	"github.com/orneryd/assetcore/pkg/loader"
)

// tables are the render-facing views of loaded assets.
type tables struct {
	resMu     sync.RWMutex
	textures  map[asset.ID]*gpu.Texture
	models    map[asset.ID]*gpu.Mesh
	shaders   map[asset.ID]*gpu.Shader
	materials map[asset.ID]*decode.Material
	payloads  map[asset.ID]*decode.Payload
}

func (t *tables) reset() {
	t.textures = make(map[asset.ID]*gpu.Texture)
	t.models = make(map[asset.ID]*gpu.Mesh)
	t.shaders = make(map[asset.ID]*gpu.Shader)
	t.materials = make(map[asset.ID]*decode.Material)
	t.payloads = make(map[asset.ID]*decode.Payload)
}

// Texture returns the published texture for id.
func (m *Manager) Texture(id asset.ID) (*gpu.Texture, bool) {
	m.resMu.RLock()
	defer m.resMu.RUnlock()
	t, ok := m.textures[id]
	return t, ok
}

// Model returns the published mesh for id.
func (m *Manager) Model(id asset.ID) (*gpu.Mesh, bool) {
	m.resMu.RLock()
	defer m.resMu.RUnlock()
	mesh, ok := m.models[id]
	return mesh, ok
}

// Shader returns the published shader for id.
func (m *Manager) Shader(id asset.ID) (*gpu.Shader, bool) {
	m.resMu.RLock()
	defer m.resMu.RUnlock()
	s, ok := m.shaders[id]
	return s, ok
}

// Material returns the published material for id.
func (m *Manager) Material(id asset.ID) (*decode.Material, bool) {
	m.resMu.RLock()
	defer m.resMu.RUnlock()
	mat, ok := m.materials[id]
	return mat, ok
}

// Payload returns the decoded bytes of a non-GPU asset (audio, scenes,
// animations).
func (m *Manager) Payload(id asset.ID) (*decode.Payload, bool) {
	m.resMu.RLock()
	defer m.resMu.RUnlock()
	p, ok := m.payloads[id]
	return p, ok
}

// AddLoadedTexture publishes tex for id, releasing any texture it replaces.
func (m *Manager) AddLoadedTexture(id asset.ID, tex *gpu.Texture) {
	m.resMu.Lock()
	old := m.textures[id]
	m.textures[id] = tex
	m.resMu.Unlock()
	if old != nil && old.Handle != tex.Handle {
		m.releaseHandle(id, old.Handle)
	}
}

// AddLoadedModel publishes mesh for id, releasing any mesh it replaces.
func (m *Manager) AddLoadedModel(id asset.ID, mesh *gpu.Mesh) {
	m.resMu.Lock()
	old := m.models[id]
	m.models[id] = mesh
	m.resMu.Unlock()
	if old != nil && old.Handle != mesh.Handle {
		m.releaseHandle(id, old.Handle)
	}
}

// AddLoadedShader publishes sh for id, releasing any shader it replaces.
func (m *Manager) AddLoadedShader(id asset.ID, sh *gpu.Shader) {
	m.resMu.Lock()
	old := m.shaders[id]
	m.shaders[id] = sh
	m.resMu.Unlock()
	if old != nil && old.Handle != sh.Handle {
		m.releaseHandle(id, old.Handle)
	}
}

// AddLoadedMaterial publishes mat for id.
func (m *Manager) AddLoadedMaterial(id asset.ID, mat *decode.Material) {
	m.resMu.Lock()
	m.materials[id] = mat
	m.resMu.Unlock()
}

// OnLoaded registers fn to run after every successful load or reload.
func (m *Manager) OnLoaded(fn func(meta *asset.Metadata)) {
	m.lisMu.Lock()
	m.onLoaded = append(m.onLoaded, fn)
	m.lisMu.Unlock()
}

// OnFailed registers fn to run after every failed load.
func (m *Manager) OnFailed(fn func(meta *asset.Metadata, err error)) {
	m.lisMu.Lock()
	m.onFailed = append(m.onFailed, fn)
	m.lisMu.Unlock()
}

// OnUnloaded registers fn to run after an asset is unloaded.
func (m *Manager) OnUnloaded(fn func(meta *asset.Metadata)) {
	m.lisMu.Lock()
	m.onUnloaded = append(m.onUnloaded, fn)
	m.lisMu.Unlock()
}

// AssetLoaded implements loader.Sink.
func (m *Manager) AssetLoaded(meta *asset.Metadata, res *loader.Resource) {
	switch {
	case res.Texture != nil:
		m.AddLoadedTexture(meta.ID, res.Texture)
	case res.Mesh != nil:
		m.AddLoadedModel(meta.ID, res.Mesh)
	case res.Shader != nil:
		m.AddLoadedShader(meta.ID, res.Shader)
	case res.Payload != nil && res.Payload.Material != nil:
		m.AddLoadedMaterial(meta.ID, res.Payload.Material)
	case res.Payload != nil:
		m.resMu.Lock()
		m.payloads[meta.ID] = res.Payload
		m.resMu.Unlock()
	}

	m.lisMu.RLock()
	fns := append(([]func(*asset.Metadata))(nil), m.onLoaded...)
	m.lisMu.RUnlock()
	for _, fn := range fns {
		fn(meta)
	}
}

// AssetFailed implements loader.Sink. A failed reload drops the resource
// published by the previous load.
func (m *Manager) AssetFailed(meta *asset.Metadata, err error) {
	m.unpublish(meta.ID)

	m.lisMu.RLock()
	fns := append(([]func(*asset.Metadata, error))(nil), m.onFailed...)
	m.lisMu.RUnlock()
	for _, fn := range fns {
		fn(meta, err)
	}
}

// AssetUnloaded notifies unload listeners.
func (m *Manager) AssetUnloaded(meta *asset.Metadata) {
	m.lisMu.RLock()
	fns := append(([]func(*asset.Metadata))(nil), m.onUnloaded...)
	m.lisMu.RUnlock()
	for _, fn := range fns {
		fn(meta)
	}
}

// unpublish removes id from every table and releases its GPU resource.
func (m *Manager) unpublish(id asset.ID) {
	if handle, held := m.detach(id); held {
		m.releaseHandle(id, handle)
	}
}

// detach removes id from every table and returns its GPU handle, if any,
// for the caller to release.
func (m *Manager) detach(id asset.ID) (handle gpu.Handle, held bool) {
	m.resMu.Lock()
	if t, ok := m.textures[id]; ok {
		handle, held = t.Handle, true
		delete(m.textures, id)
	}
	if mesh, ok := m.models[id]; ok {
		handle, held = mesh.Handle, true
		delete(m.models, id)
	}
	if sh, ok := m.shaders[id]; ok {
		handle, held = sh.Handle, true
		delete(m.shaders, id)
	}
	delete(m.materials, id)
	delete(m.payloads, id)
	m.resMu.Unlock()
	return handle, held
}

func (m *Manager) releaseHandle(id asset.ID, h gpu.Handle) {
	if err := m.gpu.Release(h); err != nil && !errors.Is(err, gpu.ErrUnknownResource) {
		m.logger.Warn("release gpu resource",
			zap.Stringer("asset", id),
			zap.Uint64("handle", uint64(h)),
			zap.Error(err),
		)
	}
}

func (m *Manager) clearTables() {
	m.resMu.Lock()
	defer m.resMu.Unlock()
	m.reset()
}

func (m *Manager) published() int {
	m.resMu.RLock()
	defer m.resMu.RUnlock()
	return len(m.textures) + len(m.models) + len(m.shaders) + len(m.materials) + len(m.payloads)
}
