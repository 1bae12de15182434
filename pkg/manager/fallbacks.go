package manager

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/orneryd/assetcore/pkg/asset"
	"github.com/orneryd/assetcore/pkg/config"
)

// Fallbacks are substitute assets rendered in place of assets that are not
// loaded. A nil ID means no fallback for that case.
type Fallbacks struct {
	// Missing stands in for unknown assets.
	Missing asset.ID
	// Loading stands in for assets that are not loaded yet.
	Loading asset.ID
	// Error stands in for assets whose load failed.
	Error asset.ID
	// Default is the last resort for every case.
	Default asset.ID
}

func (f Fallbacks) ids() []asset.ID {
	return []asset.ID{f.Missing, f.Loading, f.Error, f.Default}
}

// SetFallbacks installs f. Every non-nil ID must already be loaded.
func (m *Manager) SetFallbacks(f Fallbacks) error {
	for _, id := range f.ids() {
		if id.IsNil() {
			continue
		}
		st, ok := m.reg.State(id)
		if !ok {
			return fmt.Errorf("%w: %s", asset.ErrNotRegistered, id)
		}
		if st != asset.StateLoaded {
			return fmt.Errorf("%w: %s is %s", ErrFallbackNotLoaded, id, st)
		}
	}
	m.fbMu.Lock()
	m.fallbacks = f
	m.fbMu.Unlock()
	return nil
}

// Fallbacks returns the installed fallbacks.
func (m *Manager) Fallbacks() Fallbacks {
	m.fbMu.RLock()
	defer m.fbMu.RUnlock()
	return m.fallbacks
}

// SetFallbackPaths registers, loads and retains the fallback assets named
// by cfg, then installs them. Empty paths are skipped. Types are inferred
// from the extension and default to texture.
func (m *Manager) SetFallbackPaths(ctx context.Context, cfg config.FallbacksConfig) error {
	var f Fallbacks
	slots := []struct {
		path string
		dst  *asset.ID
	}{
		{cfg.Missing, &f.Missing},
		{cfg.Loading, &f.Loading},
		{cfg.Error, &f.Error},
		{cfg.Default, &f.Default},
	}
	for _, s := range slots {
		if s.path == "" {
			continue
		}
		typ, ok := asset.TypeForPath(s.path)
		if !ok {
			typ = asset.TypeTexture
		}
		id, err := m.Register(s.path, typ)
		if err != nil {
			return fmt.Errorf("fallback %s: %w", s.path, err)
		}
		if err := m.Load(ctx, id); err != nil {
			return fmt.Errorf("fallback %s: %w", s.path, err)
		}
		if err := m.Retain(id); err != nil {
			return fmt.Errorf("fallback %s: %w", s.path, err)
		}
		*s.dst = id
	}
	return m.SetFallbacks(f)
}

// ResolveForRendering returns the asset the renderer should draw in place
// of id:
//
//	loaded          → id
//	loading, staged → Loading, else Missing, else Default
//	unloaded        → as loading; a load is requested as a side effect
//	failed          → Error, else Missing, else Default
//	unknown         → Missing, else Default
//
// Fallbacks that are not themselves loaded are skipped. If nothing is
// renderable asset.NilID is returned.
func (m *Manager) ResolveForRendering(id asset.ID) asset.ID {
	f := m.Fallbacks()

	meta, ok := m.reg.Get(id)
	if !ok {
		return m.firstLoaded(f.Missing, f.Default)
	}

	switch meta.State {
	case asset.StateLoaded:
		return id
	case asset.StateFailed:
		return m.firstLoaded(f.Error, f.Missing, f.Default)
	case asset.StateUnloaded:
		m.requestForRendering(id)
	}
	return m.firstLoaded(f.Loading, f.Missing, f.Default)
}

func (m *Manager) requestForRendering(id asset.ID) {
	if m.closed.Load() {
		return
	}
	request := func() {
		err := m.Request(context.Background(), id, asset.PriorityNormal)
		if err != nil && !errors.Is(err, asset.ErrAlreadyInProgress) {
			m.logger.Debug("render-triggered load failed", zap.Stringer("asset", id), zap.Error(err))
		}
	}
	if m.loader.Running() {
		request()
		return
	}
	// A stopped loader would run the load on the render goroutine.
	go request()
}

func (m *Manager) firstLoaded(ids ...asset.ID) asset.ID {
	for _, id := range ids {
		if id.IsNil() {
			continue
		}
		if st, ok := m.reg.State(id); ok && st == asset.StateLoaded {
			return id
		}
	}
	return asset.NilID
}
