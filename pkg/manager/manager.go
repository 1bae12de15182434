// Package manager is the owning asset manager a renderer talks to.
//
// A Manager composes the asset registry, the GPU context, the decoders
// (with the shader compile cache in front of the shader compiler), the
// loader and the hot reload manager, all built from one config.Config. It
// is also the loader's Sink: finished loads are published into typed,
// render-facing tables that the renderer reads every frame.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	m, err := manager.New(cfg, manager.Options{Logger: logger})
//	if err != nil {
//		return err
//	}
//	defer m.Close()
//
//	if err := m.Start(ctx); err != nil {
//		return err
//	}
//
//	brick, _ := m.Register("textures/brick.png", asset.TypeTexture)
//	if err := m.Request(ctx, brick, asset.PriorityHigh); err != nil &&
//		!errors.Is(err, asset.ErrAlreadyInProgress) {
//		return err
//	}
//
//	// Every frame:
//	id := m.ResolveForRendering(brick) // brick, or a fallback while loading
//	if tex, ok := m.Texture(id); ok {
//		draw(tex.Handle)
//	}
//
// Lock Ordering:
//
// The manager's table lock is never held while calling into the registry,
// the loader or the GPU context.
package manager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/assetcore/pkg/asset"
	"github.com/orneryd/assetcore/pkg/config"
	"github.com/orneryd/assetcore/pkg/decode"
	"github.com/orneryd/assetcore/pkg/gpu"
	"github.com/orneryd/assetcore/pkg/hotreload"
	"github.com/orneryd/assetcore/pkg/loader"
	"github.com/orneryd/assetcore/pkg/logging"
	"github.com/orneryd/assetcore/pkg/registry"
	"github.com/orneryd/assetcore/pkg/shadercache"
)

// Errors
var (
	ErrClosed            = errors.New("manager: closed")
	ErrUnknownType       = errors.New("manager: cannot infer asset type from path")
	ErrFallbackNotLoaded = errors.New("manager: fallback asset is not loaded")
	ErrHotReloadDisabled = errors.New("manager: hot reload disabled")
)

// Options supplies collaborators that are not described by config.Config.
// Every field is optional.
type Options struct {
	Logger *zap.Logger

	// Source overrides the default loader.FileSource rooted at
	// Config.Assets.Root.
	Source loader.Source

	// Device overrides the GPU device chosen from Config.GPU.Backend.
	Device gpu.Device

	// Compiler compiles shaders (default decode.PassthroughCompiler).
	Compiler decode.Compiler

	// Decoders are registered after the built-in ones and replace them
	// for the same type.
	Decoders map[asset.Type]decode.Decoder

	Tracer trace.Tracer

	// Now overrides the hot reload clock.
	Now func() time.Time
}

// Stats is an aggregate snapshot.
type Stats struct {
	Registry    registry.Stats     `json:"registry"`
	Loader      loader.Stats       `json:"loader"`
	GPU         gpu.Stats          `json:"gpu"`
	GPUBytes    int64              `json:"gpu_allocated_bytes"`
	GPULive     int                `json:"gpu_live_resources"`
	HotReload   *hotreload.Stats   `json:"hot_reload,omitempty"`
	ShaderCache *shadercache.Stats `json:"shader_cache,omitempty"`
	Published   int                `json:"published"`
}

// Manager owns every asset subsystem.
//
// Thread Safety:
//
//	All methods are thread-safe. Getters used by the render loop take a
//	read lock only.
type Manager struct {
	config *config.Config
	logger *zap.Logger

	reg      *registry.Registry
	gpu      *gpu.Manager
	cache    *shadercache.Cache
	decoders *decode.Registry
	source   loader.Source
	loader   *loader.Loader

	hot       *hotreload.Manager
	hotConfig *hotreload.Config
	fsw       *hotreload.FSWatcher

	tables

	fbMu      sync.RWMutex
	fallbacks Fallbacks

	lisMu      sync.RWMutex
	onLoaded   []func(meta *asset.Metadata)
	onFailed   []func(meta *asset.Metadata, err error)
	onUnloaded []func(meta *asset.Metadata)

	lifeMu  sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	closed  atomic.Bool
}

// New builds a stopped manager from cfg. Loads requested before Start run
// on the calling goroutine.
func New(cfg *config.Config, opts Options) (*Manager, error) {
	if cfg == nil {
		cfg = config.LoadDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.OrNop(opts.Logger)

	m := &Manager{
		config: cfg,
		logger: logger.Named("manager"),
		reg:    registry.New(),
	}
	m.reset()

	backend, err := gpu.ParseBackend(cfg.GPU.Backend)
	if err != nil {
		return nil, err
	}
	m.gpu, err = gpu.NewManager(&gpu.Config{
		Enabled:          backend != gpu.BackendNone,
		PreferredBackend: backend,
		MaxMemoryMB:      cfg.GPU.MaxMemoryMB,
		FallbackOnError:  true,
	}, opts.Device)
	if err != nil {
		return nil, fmt.Errorf("manager: gpu: %w", err)
	}

	compiler := opts.Compiler
	if compiler == nil {
		compiler = decode.PassthroughCompiler{}
	}
	if cfg.ShaderCache.Enabled {
		m.cache, err = shadercache.Open(shadercache.Options{
			Dir:      cfg.ShaderCache.Dir,
			Compiler: compiler,
			Logger:   logger,
		})
		if err != nil {
			_ = m.gpu.Close()
			return nil, fmt.Errorf("manager: %w", err)
		}
	}

	m.decoders = decode.NewRegistry()
	m.decoders.Register(asset.TypeTexture, decode.ImageDecoder{})
	m.decoders.Register(asset.TypeMaterial, decode.MaterialDecoder{})
	shaders := &decode.ShaderDecoder{Compiler: compiler}
	if m.cache != nil {
		shaders.Cache = m.cache
	}
	m.decoders.Register(asset.TypeShader, shaders)
	for typ, d := range opts.Decoders {
		m.decoders.Register(typ, d)
	}

	m.source = opts.Source
	if m.source == nil {
		m.source = loader.FileSource{Root: cfg.Assets.Root}
	}
	m.loader = loader.New(m.reg, m.gpu, m.source, m.decoders, &loader.Config{
		Workers:       cfg.Loader.Workers,
		QueueCapacity: cfg.Loader.QueueCapacity,
		Logger:        logger,
		Tracer:        opts.Tracer,
	})
	m.loader.SetSink(m)

	if cfg.HotReload.Enabled {
		m.hotConfig = &hotreload.Config{
			Debounce:       cfg.HotReload.Debounce,
			Tick:           cfg.HotReload.Tick,
			MaxRetries:     cfg.HotReload.MaxRetries,
			UIPathPrefixes: cfg.HotReload.UIPathPrefixes,
			Logger:         logger,
			Now:            opts.Now,
		}
		if cfg.HotReload.UsePoller {
			m.hotConfig.PollInterval = cfg.HotReload.PollInterval
		}
		m.hot = hotreload.New(m.reg, m.loader, m.hotConfig)
	}

	return m, nil
}

// Start launches the loader workers and, when enabled, the file watcher
// and reload dispatcher. If fsnotify cannot be initialized the manager
// falls back to polling.
func (m *Manager) Start(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if err := m.loader.Start(ctx); err != nil {
		return err
	}
	m.started = true
	if m.hot == nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	if !m.config.HotReload.UsePoller {
		fw, err := hotreload.NewFSWatcher(m.hot, m.logger)
		if err != nil {
			m.logger.Warn("fsnotify unavailable, polling instead", zap.Error(err))
			m.hotConfig.PollInterval = m.config.HotReload.PollInterval
		} else {
			m.fsw = fw
			g.Go(func() error { return fw.Run(gctx) })
		}
	}
	g.Go(func() error { return m.hot.Run(gctx) })
	m.cancel = cancel
	m.group = g

	m.logger.Info("asset manager started",
		zap.String("root", m.config.Assets.Root),
		zap.Bool("hot_reload", true),
		zap.Bool("fsnotify", m.fsw != nil),
	)
	return nil
}

// Close stops background work, drains queued loads and releases every
// resource. It is safe to call more than once.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	var errs []error
	if m.cancel != nil {
		m.cancel()
		if err := m.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.fsw != nil {
		if err := m.fsw.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.started {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := m.loader.Stop(ctx); err != nil && !errors.Is(err, loader.ErrNotRunning) {
			errs = append(errs, err)
		}
		cancel()
	}

	m.clearTables()
	if err := m.gpu.Close(); err != nil {
		errs = append(errs, err)
	}
	if m.cache != nil {
		if err := m.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.reg.Close()

	m.logger.Info("asset manager closed")
	return errors.Join(errs...)
}

// Register records an asset and, with hot reload enabled, starts watching
// its file. Registering a known path returns the existing ID.
func (m *Manager) Register(path string, typ asset.Type) (asset.ID, error) {
	if m.closed.Load() {
		return asset.NilID, ErrClosed
	}
	id, err := m.reg.Register(path, typ)
	if err != nil {
		return asset.NilID, err
	}
	if m.hot != nil {
		if err := m.hot.Watch(m.diskPath(path), id); err != nil {
			m.logger.Warn("cannot watch asset", zap.String("path", path), zap.Error(err))
		}
	}
	return id, nil
}

// RegisterPath registers path with a type inferred from its extension.
func (m *Manager) RegisterPath(path string) (asset.ID, error) {
	typ, ok := asset.TypeForPath(path)
	if !ok {
		return asset.NilID, fmt.Errorf("%w: %s", ErrUnknownType, path)
	}
	return m.Register(path, typ)
}

// AddDependency records that a needs b loaded first.
func (m *Manager) AddDependency(a, b asset.ID) error {
	return m.reg.AddDependency(a, b)
}

// Load loads id and its dependencies and blocks until they resolve.
func (m *Manager) Load(ctx context.Context, id asset.ID) error {
	return m.loader.LoadSync(ctx, id)
}

// Request schedules an asynchronous load. See loader.RequestLoad.
func (m *Manager) Request(ctx context.Context, id asset.ID, priority asset.Priority) error {
	return m.loader.RequestLoad(ctx, id, priority)
}

// Reload loads id again. The current resource stays visible until the new
// one replaces it.
func (m *Manager) Reload(ctx context.Context, id asset.ID) error {
	return m.loader.Reload(ctx, id)
}

// Wait blocks until a loading asset resolves.
func (m *Manager) Wait(ctx context.Context, id asset.ID) error {
	return m.loader.Wait(ctx, id)
}

// Retain adds a holder to id. Retained assets are never unloaded.
func (m *Manager) Retain(id asset.ID) error {
	if !m.reg.IncrementRef(id) {
		return asset.ErrNotRegistered
	}
	return nil
}

// Release drops a holder from id.
func (m *Manager) Release(id asset.ID) error {
	if !m.reg.DecrementRef(id) {
		return asset.ErrNotRegistered
	}
	return nil
}

// Unload returns id to unloaded and releases its resources. Assets that
// are still held return registry.ErrInUse; assets being loaded return
// asset.ErrAlreadyInProgress.
func (m *Manager) Unload(id asset.ID) error {
	var handle gpu.Handle
	var held bool
	meta, err := m.reg.UnloadIdle(id, func(*asset.Metadata) {
		handle, held = m.detach(id)
	})
	if err != nil {
		return err
	}
	if held {
		m.releaseHandle(id, handle)
	}
	m.AssetUnloaded(meta)
	return nil
}

// UnloadUnused unloads every loaded asset nothing holds and returns how
// many were unloaded.
func (m *Manager) UnloadUnused() int {
	n := 0
	for _, meta := range m.reg.Unloadable() {
		if meta.State != asset.StateLoaded {
			continue
		}
		if err := m.Unload(meta.ID); err != nil {
			m.logger.Debug("skip unload", zap.Stringer("asset", meta.ID), zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		m.logger.Info("unloaded unused assets", zap.Int("count", n))
	}
	return n
}

// Asset returns a copy of the metadata for id.
func (m *Manager) Asset(id asset.ID) (*asset.Metadata, bool) {
	return m.reg.Get(id)
}

// Lookup returns the ID registered for path.
func (m *Manager) Lookup(path string) (asset.ID, bool) {
	return m.reg.Lookup(path)
}

// Assets returns every registered asset sorted by path.
func (m *Manager) Assets() []*asset.Metadata {
	return m.reg.All()
}

// AssetsByType returns registered assets of typ sorted by path.
func (m *Manager) AssetsByType(typ asset.Type) []*asset.Metadata {
	return m.reg.ByType(typ)
}

// OnReload registers a hot reload callback.
func (m *Manager) OnReload(cb hotreload.Callback) error {
	if m.hot == nil {
		return ErrHotReloadDisabled
	}
	m.hot.OnReload(cb)
	return nil
}

// HotReload returns the hot reload manager, or nil when disabled.
func (m *Manager) HotReload() *hotreload.Manager {
	return m.hot
}

// ShaderCache returns the shader cache, or nil when disabled.
func (m *Manager) ShaderCache() *shadercache.Cache {
	return m.cache
}

// Stats returns an aggregate snapshot.
func (m *Manager) Stats() Stats {
	s := Stats{
		Registry:  m.reg.Stats(),
		Loader:    m.loader.Stats(),
		GPU:       m.gpu.Stats(),
		GPUBytes:  m.gpu.AllocatedBytes(),
		GPULive:   m.gpu.LiveResources(),
		Published: m.published(),
	}
	if m.hot != nil {
		hs := m.hot.Stats()
		s.HotReload = &hs
	}
	if m.cache != nil {
		cs := m.cache.Stats()
		s.ShaderCache = &cs
	}
	return s
}

func (m *Manager) diskPath(path string) string {
	if fs, ok := m.source.(loader.FileSource); ok {
		return fs.Resolve(path)
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(m.config.Assets.Root, filepath.FromSlash(path))
}
