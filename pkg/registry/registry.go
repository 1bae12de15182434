// Package registry provides the thread-safe asset registry: the single
// source of truth for asset metadata, the path index, the dependency graph
// and the load state machine.
//
// All metadata is guarded by one coarse lock. Operations on unknown IDs
// never change state; they report asset.ErrNotRegistered so callers that
// may race with teardown can simply ignore the error.
//
// Example Usage:
//
//	reg := registry.New()
//	tex, _ := reg.Register("textures/brick.png", asset.TypeTexture)
//	mat, _ := reg.Register("materials/brick.yaml", asset.TypeMaterial)
//	if err := reg.AddDependency(mat, tex); err != nil {
//		return err
//	}
//
//	if won, _ := reg.MarkLoadingAtomic(tex); won {
//		// this goroutine owns the load of tex
//	}
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/orneryd/assetcore/pkg/asset"
)

// ErrInUse is returned by Unregister for assets that are still referenced.
var ErrInUse = errors.New("registry: asset in use")

// Stats is a point-in-time snapshot of the registry counters.
type Stats struct {
	Total    int `json:"total_assets"`
	Unloaded int `json:"unloaded_assets"`
	Loading  int `json:"loading_assets"`
	Staged   int `json:"staged_assets"`
	Loaded   int `json:"loaded_assets"`
	Failed   int `json:"failed_assets"`
	// LoadedBytes sums FileSize over loaded assets.
	LoadedBytes int64 `json:"loaded_bytes"`
}

// Registry stores asset metadata. The zero value is not usable; use New.
type Registry struct {
	mu sync.RWMutex

	assets map[asset.ID]*asset.Metadata
	byPath map[string]asset.ID
	byType map[asset.Type]map[asset.ID]struct{}

	// counts is indexed by asset.State and kept in step with every
	// transition, so loaded/failed totals stay consistent when an asset
	// moves between them.
	counts      [asset.StateFailed + 1]int
	loadedBytes int64
	loadSeq     uint64

	now    func() time.Time
	closed bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		assets: make(map[asset.ID]*asset.Metadata),
		byPath: make(map[string]asset.ID),
		byType: make(map[asset.Type]map[asset.ID]struct{}),
		now:    time.Now,
	}
}

// Register records an asset and returns its ID. Registering a path that is
// already known returns the existing ID; the type of the existing record
// is not changed.
func (r *Registry) Register(path string, typ asset.Type) (asset.ID, error) {
	if path == "" {
		return asset.NilID, fmt.Errorf("%w: empty path", asset.ErrInvalidAsset)
	}
	if !typ.Valid() {
		return asset.NilID, fmt.Errorf("%w: type %s", asset.ErrInvalidAsset, typ)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return asset.NilID, asset.ErrClosed
	}

	if id, exists := r.byPath[path]; exists {
		return id, nil
	}

	id := asset.NewID()
	for r.assets[id] != nil {
		id = asset.NewID()
	}
	r.assets[id] = &asset.Metadata{
		ID:    id,
		Path:  path,
		Type:  typ,
		State: asset.StateUnloaded,
	}
	r.byPath[path] = id
	if r.byType[typ] == nil {
		r.byType[typ] = make(map[asset.ID]struct{})
	}
	r.byType[typ][id] = struct{}{}
	r.counts[asset.StateUnloaded]++

	return id, nil
}

// Unregister removes an asset that nothing holds and nothing depends on.
func (r *Registry) Unregister(id asset.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return asset.ErrClosed
	}
	m, ok := r.assets[id]
	if !ok {
		return asset.ErrNotRegistered
	}
	if !m.CanUnload() || m.State == asset.StateStaged || len(m.Dependents) > 0 {
		return ErrInUse
	}

	for _, dep := range m.Dependencies {
		if d := r.assets[dep]; d != nil {
			d.Dependents = removeID(d.Dependents, id)
		}
	}
	r.counts[m.State]--
	if m.State == asset.StateLoaded {
		r.loadedBytes -= m.FileSize
	}
	delete(r.byType[m.Type], id)
	delete(r.byPath, m.Path)
	delete(r.assets, id)
	return nil
}

// Get returns a copy of the metadata for id.
func (r *Registry) Get(id asset.ID) (*asset.Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.assets[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// GetByPath returns a copy of the metadata registered under path.
func (r *Registry) GetByPath(path string) (*asset.Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byPath[path]
	if !ok {
		return nil, false
	}
	return r.assets[id].Clone(), true
}

// Lookup returns the ID registered under path.
func (r *Registry) Lookup(path string) (asset.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byPath[path]
	return id, ok
}

// State returns the current state of id.
func (r *Registry) State(id asset.ID) (asset.State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.assets[id]
	if !ok {
		return asset.StateUnloaded, false
	}
	return m.State, true
}

// Contains reports whether id is registered.
func (r *Registry) Contains(id asset.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.assets[id]
	return ok
}

// All returns copies of every record, ordered by path.
func (r *Registry) All() []*asset.Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*asset.Metadata, 0, len(r.assets))
	for _, m := range r.assets {
		out = append(out, m.Clone())
	}
	sortByPath(out)
	return out
}

// ByType returns copies of every record of the given type, ordered by path.
func (r *Registry) ByType(typ asset.Type) []*asset.Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byType[typ]
	out := make([]*asset.Metadata, 0, len(ids))
	for id := range ids {
		out = append(out, r.assets[id].Clone())
	}
	sortByPath(out)
	return out
}

// Unloadable returns copies of every record whose reference count is zero
// and which is not currently loading.
func (r *Registry) Unloadable() []*asset.Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*asset.Metadata
	for _, m := range r.assets {
		if m.CanUnload() {
			out = append(out, m.Clone())
		}
	}
	sortByPath(out)
	return out
}

// IncrementRef adds a holder to id. It returns false for unknown IDs.
func (r *Registry) IncrementRef(id asset.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.assets[id]
	if !ok || r.closed {
		return false
	}
	m.RefCount++
	return true
}

// DecrementRef removes a holder from id. It returns false for unknown IDs
// and when the count is already zero; the count never goes negative.
func (r *Registry) DecrementRef(id asset.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.assets[id]
	if !ok || r.closed || m.RefCount == 0 {
		return false
	}
	m.RefCount--
	return true
}

// Stats returns the aggregate counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		Total:       len(r.assets),
		Unloaded:    r.counts[asset.StateUnloaded],
		Loading:     r.counts[asset.StateLoading],
		Staged:      r.counts[asset.StateStaged],
		Loaded:      r.counts[asset.StateLoaded],
		Failed:      r.counts[asset.StateFailed],
		LoadedBytes: r.loadedBytes,
	}
}

// Close tears the registry down. All records are dropped; later mutations
// return asset.ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.assets = make(map[asset.ID]*asset.Metadata)
	r.byPath = make(map[string]asset.ID)
	r.byType = make(map[asset.Type]map[asset.ID]struct{})
	r.counts = [asset.StateFailed + 1]int{}
	r.loadedBytes = 0
}

func sortByPath(ms []*asset.Metadata) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].Path < ms[j].Path })
}

func removeID(ids []asset.ID, id asset.ID) []asset.ID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
