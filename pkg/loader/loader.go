// Package loader turns load requests into scheduled work that honors
// priority and dependency order, and serializes GPU resource creation.
//
// A load runs in two phases:
//
//	read + decode  (any worker, or the calling goroutine)
//	      │
//	      ▼  GPU types only: texture, mesh, shader
//	staging queue  (one per type, own lock)
//	      │
//	      ▼
//	GPU stage      (one goroutine, or the caller under the GPU lock)
//	      │
//	      ▼
//	registry: loaded, sink: published
//
// Every asset a loader claims gets a completion signal that is closed when
// the asset reaches loaded or failed. Anything that needs the asset (a
// LoadSync caller, a worker resolving a dependency) waits on that signal.
// A worker that needs a dependency which is still sitting in the request
// queue takes it out and loads it itself.
//
// Example Usage:
//
//	l := loader.New(reg, gpuManager, loader.FileSource{Root: "./assets"}, decoders, &loader.Config{
//		Workers:       4,
//		QueueCapacity: 1024,
//		Logger:        logger,
//	})
//	l.SetSink(manager)
//	if err := l.Start(ctx); err != nil {
//		return err
//	}
//	defer l.Stop(context.Background())
//
//	// Blocks until the asset and its dependency subtree are loaded.
//	if err := l.LoadSync(ctx, id); err != nil {
//		log.Printf("load failed: %v", err)
//	}
//
//	// Queued; a worker picks it up.
//	err := l.RequestLoad(ctx, other, asset.PriorityHigh)
//	if errors.Is(err, asset.ErrAlreadyInProgress) {
//		// someone else is loading it
//	}
//
// There is no cancellation of in-flight loads. A cancelled context stops a
// caller from waiting, not the load it waits for.
package loader

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/assetcore/pkg/asset"
	"github.com/orneryd/assetcore/pkg/decode"
	"github.com/orneryd/assetcore/pkg/gpu"
	"github.com/orneryd/assetcore/pkg/logging"
	"github.com/orneryd/assetcore/pkg/registry"
)

// Errors
var (
	ErrRunning    = errors.New("loader: already running")
	ErrNotRunning = errors.New("loader: not running")
	ErrNotLoading = errors.New("loader: asset is not loading")
)

const tracerName = "github.com/orneryd/assetcore/pkg/loader"

// Resource is what a finished load publishes. Exactly one field is set for
// GPU types; Payload is set for everything else.
type Resource struct {
	Texture *gpu.Texture
	Mesh    *gpu.Mesh
	Shader  *gpu.Shader
	Payload *decode.Payload
}

// Sink receives load outcomes. The owning manager implements it to publish
// resources into its render-facing tables.
//
// AssetLoaded runs before the registry records the asset as loaded, so a
// loaded asset always has its resource published.
type Sink interface {
	AssetLoaded(meta *asset.Metadata, res *Resource)
	AssetFailed(meta *asset.Metadata, err error)
}

// Config holds loader settings.
type Config struct {
	// Workers is the number of pool goroutines (0 = GOMAXPROCS).
	Workers int

	// QueueCapacity bounds queued requests (0 = unbounded). Requests that
	// do not fit run in-line on the caller.
	QueueCapacity int

	Logger *zap.Logger

	// Tracer overrides the global OpenTelemetry tracer.
	Tracer trace.Tracer
}

// DefaultConfig returns GOMAXPROCS workers and a 1024-entry queue.
func DefaultConfig() *Config {
	return &Config{
		Workers:       runtime.GOMAXPROCS(0),
		QueueCapacity: 1024,
	}
}

// Stats is a snapshot of loader counters.
type Stats struct {
	Requested       int64 `json:"requested"`
	Completed       int64 `json:"completed"`
	Failed          int64 `json:"failed"`
	InlineFallbacks int64 `json:"inline_fallbacks"`
	Stolen          int64 `json:"stolen"`

	QueuedHigh   int `json:"queued_high"`
	QueuedNormal int `json:"queued_normal"`
	QueuedLow    int `json:"queued_low"`

	StagedTextures int   `json:"staged_textures"`
	StagedMeshes   int   `json:"staged_meshes"`
	StagedShaders  int   `json:"staged_shaders"`
	StagedBytes    int64 `json:"staged_bytes"`
}

// Loader schedules and executes asset loads.
//
// Thread Safety:
//
//	All methods are thread-safe.
type Loader struct {
	reg      *registry.Registry
	gpu      *gpu.Manager
	source   Source
	decoders *decode.Registry
	config   *Config
	logger   *zap.Logger
	tracer   trace.Tracer

	sinkMu sync.RWMutex
	sink   Sink

	queue   *RequestQueue
	staging map[asset.Type]*StagingQueue

	// sigMu guards signals and is held across the registry claim so that
	// every in-flight asset claimed here has a signal.
	sigMu   sync.Mutex
	signals map[asset.ID]*signal
	// lastErr keeps the error of each asset's most recent failed load.
	lastErr map[asset.ID]error

	// lifeMu orders RequestLoad enqueues against Stop.
	lifeMu  sync.RWMutex
	running bool
	cancel  context.CancelFunc
	workers *errgroup.Group

	gpuMu      sync.Mutex
	gpuRunning atomic.Bool
	gpuWake    chan struct{}
	gpuStop    chan struct{}
	gpuDone    chan struct{}

	requested       atomic.Int64
	completed       atomic.Int64
	failed          atomic.Int64
	inlineFallbacks atomic.Int64
	stolen          atomic.Int64
}

// signal is closed when its asset reaches loaded or failed.
type signal struct {
	done chan struct{}
	err  error
}

// New creates a stopped loader. Until Start is called every request runs
// in-line on the caller.
func New(reg *registry.Registry, gpuManager *gpu.Manager, source Source, decoders *decode.Registry, config *Config) *Loader {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Workers <= 0 {
		config.Workers = runtime.GOMAXPROCS(0)
	}
	if decoders == nil {
		decoders = decode.NewRegistry()
	}
	tracer := config.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	return &Loader{
		reg:      reg,
		gpu:      gpuManager,
		source:   source,
		decoders: decoders,
		config:   config,
		logger:   logging.OrNop(config.Logger).Named("loader"),
		tracer:   tracer,
		queue:    NewRequestQueue(config.QueueCapacity),
		staging: map[asset.Type]*StagingQueue{
			asset.TypeTexture: NewStagingQueue(asset.TypeTexture),
			asset.TypeMesh:    NewStagingQueue(asset.TypeMesh),
			asset.TypeShader:  NewStagingQueue(asset.TypeShader),
		},
		signals: make(map[asset.ID]*signal),
		lastErr: make(map[asset.ID]error),
		gpuWake: make(chan struct{}, 1),
	}
}

// SetSink sets the receiver of load outcomes.
func (l *Loader) SetSink(s Sink) {
	l.sinkMu.Lock()
	l.sink = s
	l.sinkMu.Unlock()
}

func (l *Loader) currentSink() Sink {
	l.sinkMu.RLock()
	defer l.sinkMu.RUnlock()
	return l.sink
}

// Start launches the worker pool and the GPU stage goroutine.
func (l *Loader) Start(ctx context.Context) error {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()
	if l.running {
		return ErrRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < l.config.Workers; i++ {
		g.Go(func() error { return l.worker(gctx) })
	}
	l.cancel = cancel
	l.workers = g

	l.gpuStop = make(chan struct{})
	l.gpuDone = make(chan struct{})
	l.gpuRunning.Store(true)
	go l.gpuLoop(l.gpuStop, l.gpuDone)

	l.running = true
	l.logger.Info("loader started", zap.Int("workers", l.config.Workers))
	return nil
}

// Stop stops accepting queued work, lets workers finish their current
// asset, loads whatever is still queued on the calling goroutine and shuts
// down the GPU stage. If ctx expires first, unfinished queued assets are
// returned to unloaded.
func (l *Loader) Stop(ctx context.Context) error {
	l.lifeMu.Lock()
	if !l.running {
		l.lifeMu.Unlock()
		return ErrNotRunning
	}
	l.running = false
	cancel, workers := l.cancel, l.workers
	l.lifeMu.Unlock()

	cancel()
	err := workers.Wait()

	for {
		r, ok := l.queue.Pop()
		if !ok {
			break
		}
		if ctx.Err() != nil {
			l.abandon(r.id, ctx.Err())
			continue
		}
		l.runClaimed(ctx, r.id)
	}

	l.gpuRunning.Store(false)
	close(l.gpuStop)
	<-l.gpuDone
	l.pumpGPU()

	l.logger.Info("loader stopped")
	return err
}

// Running reports whether the worker pool is active.
func (l *Loader) Running() bool {
	l.lifeMu.RLock()
	defer l.lifeMu.RUnlock()
	return l.running
}

func (l *Loader) worker(ctx context.Context) error {
	for {
		r, ok := l.queue.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-l.queue.Ready():
				continue
			}
		}
		l.runClaimed(ctx, r.id)
	}
}

// LoadSync loads id and every not-yet-loaded dependency, depth first, and
// blocks until the whole subtree has resolved. Dependencies already being
// loaded elsewhere are waited for.
func (l *Loader) LoadSync(ctx context.Context, id asset.ID) error {
	return l.ensureLoaded(ctx, id)
}

// RequestLoad schedules an asynchronous load of id. The asset is marked
// loading before it is queued, so a second request returns
// asset.ErrAlreadyInProgress. When the pool is stopped or the queue is
// full the load runs in-line and its result is returned.
func (l *Loader) RequestLoad(ctx context.Context, id asset.ID, priority asset.Priority) error {
	meta, ok := l.reg.Get(id)
	if !ok {
		return &asset.LoadError{ID: id, Op: "request", Err: asset.ErrNotRegistered}
	}

	won, sig, err := l.claim(id)
	if err != nil {
		return &asset.LoadError{ID: id, Path: meta.Path, Op: "request", Err: err}
	}
	if !won {
		return asset.ErrAlreadyInProgress
	}

	l.lifeMu.RLock()
	queued := l.running && l.queue.Push(request{id: id, priority: priority, queued: time.Now()})
	l.lifeMu.RUnlock()
	if queued {
		l.logger.Debug("load queued",
			zap.Stringer("asset", id),
			zap.String("path", meta.Path),
			zap.Stringer("priority", priority),
		)
		return nil
	}

	l.inlineFallbacks.Add(1)
	l.runClaimed(ctx, id)
	return l.waitSignal(ctx, sig)
}

// Reload discards the loaded state of id and loads it again. The previous
// resource stays published until the sink receives the new one. The claim
// moves id straight from loaded to loading, so concurrent reloads of one
// asset resolve to a single load.
func (l *Loader) Reload(ctx context.Context, id asset.ID) error {
	meta, ok := l.reg.Get(id)
	if !ok {
		return &asset.LoadError{ID: id, Op: "reload", Err: asset.ErrNotRegistered}
	}
	won, sig, err := l.claimWith(id, l.reg.MarkReloading)
	if err != nil {
		return &asset.LoadError{ID: id, Path: meta.Path, Op: "reload", Err: err}
	}
	if !won {
		return asset.ErrAlreadyInProgress
	}
	l.runClaimed(ctx, id)
	return l.waitSignal(ctx, sig)
}

// Wait blocks until id, which must be loading, reaches loaded or failed.
// It returns nil for loaded, the load error for failed and ErrNotLoading
// for an unloaded asset.
func (l *Loader) Wait(ctx context.Context, id asset.ID) error {
	for {
		meta, ok := l.reg.Get(id)
		if !ok {
			return &asset.LoadError{ID: id, Op: "wait", Err: asset.ErrNotRegistered}
		}
		switch meta.State {
		case asset.StateLoaded:
			return nil
		case asset.StateFailed:
			if err := l.lastError(id); err != nil {
				return err
			}
			return &asset.LoadError{ID: id, Path: meta.Path, Op: "wait", Err: errors.New(meta.LastError)}
		case asset.StateUnloaded:
			return ErrNotLoading
		}
		if sig := l.signalFor(id); sig != nil {
			return l.waitSignal(ctx, sig)
		}
		if err := pause(ctx); err != nil {
			return err
		}
	}
}

// ensureLoaded returns once id is loaded, loading it on the calling
// goroutine when nobody else is.
func (l *Loader) ensureLoaded(ctx context.Context, id asset.ID) error {
	for {
		meta, ok := l.reg.Get(id)
		if !ok {
			return &asset.LoadError{ID: id, Op: "load", Err: asset.ErrNotRegistered}
		}

		switch {
		case meta.State == asset.StateLoaded:
			return nil

		case meta.State.CanStartLoad():
			won, sig, err := l.claim(id)
			if err != nil {
				return &asset.LoadError{ID: id, Path: meta.Path, Op: "load", Err: err}
			}
			if !won {
				continue
			}
			l.runClaimed(ctx, id)
			return l.waitSignal(ctx, sig)

		default:
			if l.queue.Remove(id) {
				l.stolen.Add(1)
				sig := l.signalFor(id)
				l.runClaimed(ctx, id)
				if sig != nil {
					return l.waitSignal(ctx, sig)
				}
				continue
			}
			if sig := l.signalFor(id); sig != nil {
				return l.waitSignal(ctx, sig)
			}
			// Claimed outside this loader, or finished between the two
			// lookups above.
			if err := pause(ctx); err != nil {
				return err
			}
		}
	}
}

// claim marks id loading and installs its completion signal.
func (l *Loader) claim(id asset.ID) (bool, *signal, error) {
	return l.claimWith(id, l.reg.MarkLoadingAtomic)
}

func (l *Loader) claimWith(id asset.ID, mark func(asset.ID) (bool, error)) (bool, *signal, error) {
	l.sigMu.Lock()
	defer l.sigMu.Unlock()

	won, err := mark(id)
	if err != nil || !won {
		return false, nil, err
	}
	sig := &signal{done: make(chan struct{})}
	l.signals[id] = sig
	delete(l.lastErr, id)
	l.requested.Add(1)
	return true, sig, nil
}

func (l *Loader) lastError(id asset.ID) error {
	l.sigMu.Lock()
	defer l.sigMu.Unlock()
	return l.lastErr[id]
}

func (l *Loader) signalFor(id asset.ID) *signal {
	l.sigMu.Lock()
	defer l.sigMu.Unlock()
	return l.signals[id]
}

func (l *Loader) complete(id asset.ID, err error) {
	l.sigMu.Lock()
	sig := l.signals[id]
	delete(l.signals, id)
	if err != nil {
		l.lastErr[id] = err
	} else {
		delete(l.lastErr, id)
	}
	l.sigMu.Unlock()

	if sig != nil {
		sig.err = err
		close(sig.done)
	}
}

func (l *Loader) waitSignal(ctx context.Context, sig *signal) error {
	select {
	case <-sig.done:
		return sig.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runClaimed performs the CPU phase of a claimed load. On return the asset
// is loaded, failed, or staged for the GPU stage. The load runs to
// completion even if ctx is cancelled; only the caller's wait observes it.
func (l *Loader) runClaimed(ctx context.Context, id asset.ID) {
	ctx = context.WithoutCancel(ctx)
	meta, ok := l.reg.Get(id)
	if !ok {
		l.complete(id, asset.ErrNotRegistered)
		return
	}

	ctx, span := l.tracer.Start(ctx, "loader.load", trace.WithAttributes(
		attribute.String("asset.id", id.String()),
		attribute.String("asset.path", meta.Path),
		attribute.String("asset.type", meta.Type.String()),
	))
	defer span.End()

	for _, dep := range meta.Dependencies {
		if err := l.ensureLoaded(ctx, dep); err != nil {
			depPath := dep.String()
			if dm, ok := l.reg.Get(dep); ok {
				depPath = dm.Path
			}
			l.fail(meta, "dependency", fmt.Errorf("%w: %s: %w", asset.ErrDependencyFailed, depPath, err), span)
			return
		}
	}

	data, err := l.source.ReadFile(ctx, meta.Path)
	if err != nil {
		l.fail(meta, "read", err, span)
		return
	}

	payload, err := l.decoders.Decode(ctx, meta.Path, meta.Type, data)
	if err != nil {
		l.fail(meta, "decode", fmt.Errorf("%w: %w", asset.ErrDecodeFailed, err), span)
		return
	}
	fileSize := int64(len(data))

	if !meta.Type.NeedsGPU() {
		l.finish(meta, fileSize, &Resource{Payload: payload}, span)
		return
	}

	if err := l.reg.MarkStaged(id); err != nil {
		payload.Release()
		l.fail(meta, "stage", err, span)
		return
	}
	l.staging[meta.Type].push(stagedItem{
		id:       id,
		path:     meta.Path,
		typ:      meta.Type,
		fileSize: fileSize,
		payload:  payload,
		staged:   time.Now(),
	})
	span.AddEvent("staged")

	if l.gpuRunning.Load() {
		select {
		case l.gpuWake <- struct{}{}:
		default:
		}
		return
	}
	l.pumpGPU()
}

func (l *Loader) finish(meta *asset.Metadata, fileSize int64, res *Resource, span trace.Span) {
	if sink := l.currentSink(); sink != nil {
		sink.AssetLoaded(meta, res)
	}
	if err := l.reg.MarkLoaded(meta.ID, fileSize); err != nil {
		l.fail(meta, "publish", err, span)
		return
	}
	l.completed.Add(1)
	l.complete(meta.ID, nil)
	l.logger.Debug("asset loaded",
		zap.Stringer("asset", meta.ID),
		zap.String("path", meta.Path),
		zap.Stringer("type", meta.Type),
		zap.Int64("bytes", fileSize),
	)
}

func (l *Loader) fail(meta *asset.Metadata, op string, cause error, span trace.Span) {
	err := &asset.LoadError{ID: meta.ID, Path: meta.Path, Op: op, Err: cause}
	if span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op)
	}

	_ = l.reg.MarkFailed(meta.ID, err.Error())
	l.failed.Add(1)
	if sink := l.currentSink(); sink != nil {
		sink.AssetFailed(meta, err)
	}
	l.complete(meta.ID, err)
	l.logger.Warn("asset load failed",
		zap.Stringer("asset", meta.ID),
		zap.String("path", meta.Path),
		zap.String("op", op),
		zap.Error(cause),
	)
}

// abandon returns a queued asset to unloaded without loading it.
func (l *Loader) abandon(id asset.ID, cause error) {
	_ = l.reg.ForceUnloaded(id)
	l.complete(id, cause)
}

// Stats returns a snapshot of loader counters.
func (l *Loader) Stats() Stats {
	h, n, lo := l.queue.Lens()
	s := Stats{
		Requested:       l.requested.Load(),
		Completed:       l.completed.Load(),
		Failed:          l.failed.Load(),
		InlineFallbacks: l.inlineFallbacks.Load(),
		Stolen:          l.stolen.Load(),
		QueuedHigh:      h,
		QueuedNormal:    n,
		QueuedLow:       lo,
		StagedTextures:  l.staging[asset.TypeTexture].Len(),
		StagedMeshes:    l.staging[asset.TypeMesh].Len(),
		StagedShaders:   l.staging[asset.TypeShader].Len(),
	}
	for _, q := range l.staging {
		s.StagedBytes += q.Bytes()
	}
	return s
}

// pause waits one millisecond. It is only reached for assets claimed
// without a signal.
func pause(ctx context.Context) error {
	t := time.NewTimer(time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
