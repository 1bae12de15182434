package registry

import (
	"fmt"

	"github.com/orneryd/assetcore/pkg/asset"
)

// MarkLoadingAtomic claims the right to load id. Exactly one caller racing
// on an unloaded or failed asset receives true; everyone else gets false
// while the asset is loading, staged or loaded.
func (r *Registry) MarkLoadingAtomic(id asset.ID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false, asset.ErrClosed
	}
	m, ok := r.assets[id]
	if !ok {
		return false, asset.ErrNotRegistered
	}
	if !m.State.CanStartLoad() {
		return false, nil
	}
	r.setState(m, asset.StateLoading)
	m.LastError = ""
	return true, nil
}

// MarkReloading claims a reload of id. Unlike MarkLoadingAtomic it also
// accepts a loaded asset. It returns false while a load is in flight.
func (r *Registry) MarkReloading(id asset.ID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false, asset.ErrClosed
	}
	m, ok := r.assets[id]
	if !ok {
		return false, asset.ErrNotRegistered
	}
	if m.State.InFlight() {
		return false, nil
	}
	r.setState(m, asset.StateLoading)
	m.LastError = ""
	return true, nil
}

// UnloadIdle returns id to unloaded when nothing references it and no load
// is in flight. detach, if non-nil, runs under the registry lock with the
// pre-unload metadata, so no new load of id can start before it returns.
// It must not call back into the registry.
func (r *Registry) UnloadIdle(id asset.ID, detach func(m *asset.Metadata)) (*asset.Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, asset.ErrClosed
	}
	m, ok := r.assets[id]
	if !ok {
		return nil, asset.ErrNotRegistered
	}
	if m.RefCount > 0 {
		return nil, ErrInUse
	}
	if m.State.InFlight() {
		return nil, asset.ErrAlreadyInProgress
	}
	prev := m.Clone()
	if detach != nil {
		detach(prev)
	}
	r.setState(m, asset.StateUnloaded)
	return prev, nil
}

// MarkLoading moves id to loading. Only unloaded and failed assets may
// start a load; otherwise asset.ErrAlreadyInProgress is returned.
func (r *Registry) MarkLoading(id asset.ID) error {
	won, err := r.MarkLoadingAtomic(id)
	if err != nil {
		return err
	}
	if !won {
		return asset.ErrAlreadyInProgress
	}
	return nil
}

// MarkStaged records that CPU work for id is done and the decoded payload
// awaits GPU resource creation.
func (r *Registry) MarkStaged(id asset.ID) error {
	return r.transition(id, func(m *asset.Metadata) error {
		if m.State != asset.StateLoading {
			return fmt.Errorf("%w: %s -> staged", asset.ErrInvalidTransition, m.State)
		}
		r.setState(m, asset.StateStaged)
		return nil
	})
}

// MarkLoaded records a completed load of size bytes.
func (r *Registry) MarkLoaded(id asset.ID, size int64) error {
	return r.transition(id, func(m *asset.Metadata) error {
		if !m.State.InFlight() {
			return fmt.Errorf("%w: %s -> loaded", asset.ErrInvalidTransition, m.State)
		}
		m.FileSize = size
		m.LoadTime = r.now()
		r.loadSeq++
		m.LoadSeq = r.loadSeq
		m.LastError = ""
		r.setState(m, asset.StateLoaded)
		return nil
	})
}

// MarkFailed records a failed load. Any state may fail, including loaded
// (a GPU-side failure discovered after publication).
func (r *Registry) MarkFailed(id asset.ID, msg string) error {
	return r.transition(id, func(m *asset.Metadata) error {
		m.LastError = msg
		r.setState(m, asset.StateFailed)
		return nil
	})
}

// ForceUnloaded returns id to unloaded regardless of its current state.
func (r *Registry) ForceUnloaded(id asset.ID) error {
	return r.transition(id, func(m *asset.Metadata) error {
		r.setState(m, asset.StateUnloaded)
		return nil
	})
}

func (r *Registry) transition(id asset.ID, fn func(m *asset.Metadata) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return asset.ErrClosed
	}
	m, ok := r.assets[id]
	if !ok {
		return asset.ErrNotRegistered
	}
	return fn(m)
}

// setState must be called with r.mu held.
func (r *Registry) setState(m *asset.Metadata, next asset.State) {
	if m.State == asset.StateLoaded {
		r.loadedBytes -= m.FileSize
	}
	r.counts[m.State]--
	m.State = next
	r.counts[next]++
	if next == asset.StateLoaded {
		r.loadedBytes += m.FileSize
	}
}
