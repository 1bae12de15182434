// Package hotreload reloads assets when their files change on disk.
//
// Change events arrive from a watcher (see FSWatcher) or from polling.
// Each event is verified against the last seen (mtime, size) of the file
// and then queued. A rapid burst of writes to one file collapses into one
// queue entry: a new event for an already queued asset refreshes that
// entry's timestamp instead of adding a second one.
//
// A periodic sweep (ProcessQueue, every Tick) dispatches entries that have
// been quiet for at least the debounce window, highest priority first:
//
//	shader or UI path → critical
//	texture           → high
//	mesh              → normal
//	everything else   → low
//
// A failed reload is queued again one debounce window later, up to
// MaxRetries times, and then dropped.
//
// Example Usage:
//
//	hr := hotreload.New(reg, assetLoader, &hotreload.Config{
//		Debounce: 300 * time.Millisecond,
//		Tick:     50 * time.Millisecond,
//	})
//	hr.OnReload(func(path string, id asset.ID, typ asset.Type) {
//		log.Printf("reloaded %s", path)
//	})
//	if err := hr.Watch("/game/assets/textures/brick.png", brickID); err != nil {
//		return err
//	}
//	go hr.Run(ctx)
//
// No content hashing is done. A touch that leaves the bytes unchanged still
// triggers a reload.
package hotreload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/assetcore/pkg/asset"
	"github.com/orneryd/assetcore/pkg/logging"
	"github.com/orneryd/assetcore/pkg/registry"
)

// Errors
var (
	ErrNotWatched = errors.New("hotreload: path not watched")
	ErrNoWatcher  = errors.New("hotreload: no directory watcher attached")
)

// EventKind classifies a file system event.
type EventKind int

const (
	EventWrite EventKind = iota
	EventCreate
	EventRemove
	EventRename
	EventChmod
)

func (k EventKind) String() string {
	switch k {
	case EventWrite:
		return "write"
	case EventCreate:
		return "create"
	case EventRemove:
		return "remove"
	case EventRename:
		return "rename"
	case EventChmod:
		return "chmod"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one change notification for a file.
type Event struct {
	Path string
	Kind EventKind
}

// Reloader reloads one asset. The loader implements it.
type Reloader interface {
	Reload(ctx context.Context, id asset.ID) error
}

// Callback is invoked after a successful reload.
type Callback func(path string, id asset.ID, typ asset.Type)

// DirWatcher is a directory-level watch registration. FSWatcher implements
// it.
type DirWatcher interface {
	Add(dir string) error
	Remove(dir string) error
}

// Config holds hot reload settings.
type Config struct {
	// Debounce is the quiet period before a change is acted on.
	Debounce time.Duration
	// Tick is the dispatch sweep interval used by Run.
	Tick time.Duration
	// PollInterval is the stat sweep interval used by Run (0 = no polling).
	PollInterval time.Duration
	// MaxRetries bounds retries after the first failed attempt.
	MaxRetries int
	// UIPathPrefixes mark asset paths whose reloads are critical.
	UIPathPrefixes []string

	Logger *zap.Logger

	// Now overrides the clock.
	Now func() time.Time
}

// DefaultConfig returns a 300ms debounce, 50ms tick, 500ms poll interval
// and 3 retries.
func DefaultConfig() *Config {
	return &Config{
		Debounce:       300 * time.Millisecond,
		Tick:           50 * time.Millisecond,
		PollInterval:   500 * time.Millisecond,
		MaxRetries:     3,
		UIPathPrefixes: []string{"ui/"},
	}
}

// Stats counts hot reload activity.
type Stats struct {
	Events    int64 `json:"events"`
	Ignored   int64 `json:"ignored"`
	Queued    int64 `json:"queued"`
	Collapsed int64 `json:"collapsed"`
	Reloads   int64 `json:"reloads"`
	Failures  int64 `json:"failures"`
	Dropped   int64 `json:"dropped"`
	Skipped   int64 `json:"skipped"`
	Pending   int   `json:"pending"`
}

type fileState struct {
	modTime time.Time
	size    int64
	exists  bool
}

func (f fileState) same(o fileState) bool {
	return f.exists == o.exists && f.size == o.size && f.modTime.Equal(o.modTime)
}

// Manager watches asset files and reloads them on change.
//
// Thread Safety:
//
//	All methods are thread-safe. Callbacks run on the goroutine calling
//	ProcessQueue and must not block.
type Manager struct {
	reg      *registry.Registry
	reloader Reloader
	config   *Config
	logger   *zap.Logger
	now      func() time.Time
	stat     func(string) (fs.FileInfo, error)

	mu        sync.Mutex
	watched   map[string]asset.ID
	snapshots map[string]fileState
	queue     *reloadQueue
	watcher   DirWatcher
	dirs      map[string]int

	cbMu      sync.RWMutex
	callbacks []Callback

	events    atomic.Int64
	ignored   atomic.Int64
	queued    atomic.Int64
	collapsed atomic.Int64
	reloads   atomic.Int64
	failures  atomic.Int64
	dropped   atomic.Int64
	skipped   atomic.Int64
}

// New creates a manager that reloads through reloader.
func New(reg *registry.Registry, reloader Reloader, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		reg:       reg,
		reloader:  reloader,
		config:    config,
		logger:    logging.OrNop(config.Logger).Named("hotreload"),
		now:       now,
		stat:      os.Stat,
		watched:   make(map[string]asset.ID),
		snapshots: make(map[string]fileState),
		queue:     newReloadQueue(),
		dirs:      make(map[string]int),
	}
}

// SetWatcher attaches a directory watcher. Directories of paths already
// watched are registered with it.
func (m *Manager) SetWatcher(w DirWatcher) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watcher = w
	for dir := range m.dirs {
		if err := w.Add(dir); err != nil {
			return err
		}
	}
	return nil
}

// Watch starts tracking path for asset id. The current (mtime, size) of
// the file becomes the baseline; a missing file is tracked until it
// appears.
func (m *Manager) Watch(path string, id asset.ID) error {
	if !m.reg.Contains(id) {
		return asset.ErrNotRegistered
	}
	path = filepath.Clean(path)
	st := m.statFile(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.watched[path]; !ok {
		dir := filepath.Dir(path)
		if m.dirs[dir] == 0 && m.watcher != nil {
			if err := m.watcher.Add(dir); err != nil {
				return fmt.Errorf("hotreload: watch %s: %w", dir, err)
			}
		}
		m.dirs[dir]++
	}
	m.watched[path] = id
	m.snapshots[path] = st
	return nil
}

// WatchDir registers dir with the attached directory watcher. Events for
// files in dir that were never passed to Watch are ignored.
func (m *Manager) WatchDir(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher == nil {
		return ErrNoWatcher
	}
	dir = filepath.Clean(dir)
	if m.dirs[dir] == 0 {
		if err := m.watcher.Add(dir); err != nil {
			return err
		}
	}
	m.dirs[dir]++
	return nil
}

// Unwatch stops tracking path and drops any queued reload for it.
func (m *Manager) Unwatch(path string) error {
	path = filepath.Clean(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.watched[path]
	if !ok {
		return ErrNotWatched
	}
	delete(m.watched, path)
	delete(m.snapshots, path)
	m.queue.remove(id)

	dir := filepath.Dir(path)
	m.dirs[dir]--
	if m.dirs[dir] <= 0 {
		delete(m.dirs, dir)
		if m.watcher != nil {
			if err := m.watcher.Remove(dir); err != nil {
				m.logger.Debug("remove dir watch", zap.String("dir", dir), zap.Error(err))
			}
		}
	}
	return nil
}

// Watched returns the number of watched paths.
func (m *Manager) Watched() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watched)
}

// OnReload registers cb. Callbacks run in registration order.
func (m *Manager) OnReload(cb Callback) {
	m.cbMu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.cbMu.Unlock()
}

// HandleEvent is the single entry point for watcher events. The event is
// queued only if the file's (mtime, size) differs from the last snapshot.
// Removals are recorded and otherwise ignored until the file reappears.
func (m *Manager) HandleEvent(ev Event) {
	m.events.Add(1)
	path := filepath.Clean(ev.Path)

	m.mu.Lock()
	_, ok := m.watched[path]
	m.mu.Unlock()
	if !ok {
		m.ignored.Add(1)
		return
	}

	if ev.Kind == EventRemove || ev.Kind == EventRename {
		m.mu.Lock()
		if _, still := m.watched[path]; still {
			m.snapshots[path] = fileState{}
		}
		m.mu.Unlock()
		m.ignored.Add(1)
		return
	}

	if !m.checkChanged(path, m.statFile(path)) {
		m.ignored.Add(1)
	}
}

// Poll stats every watched path and queues the ones that changed. It
// returns the number of paths queued.
func (m *Manager) Poll() int {
	m.mu.Lock()
	paths := make([]string, 0, len(m.watched))
	for p := range m.watched {
		paths = append(paths, p)
	}
	m.mu.Unlock()

	n := 0
	for _, p := range paths {
		if m.checkChanged(p, m.statFile(p)) {
			n++
		}
	}
	return n
}

// checkChanged records cur for path and queues a reload when it differs
// from the snapshot and the file exists.
func (m *Manager) checkChanged(path string, cur fileState) bool {
	m.mu.Lock()
	id, ok := m.watched[path]
	if !ok {
		m.mu.Unlock()
		return false
	}
	prev := m.snapshots[path]
	if prev.same(cur) {
		m.mu.Unlock()
		return false
	}
	m.snapshots[path] = cur
	if !cur.exists {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	m.enqueue(path, id)
	return true
}

func (m *Manager) enqueue(path string, id asset.ID) {
	prio := m.classify(path, id)

	m.mu.Lock()
	replaced := m.queue.upsert(id, path, prio, m.now())
	m.mu.Unlock()

	if replaced {
		m.collapsed.Add(1)
	} else {
		m.queued.Add(1)
	}
	m.logger.Debug("change queued",
		zap.String("path", path),
		zap.Stringer("asset", id),
		zap.Stringer("priority", prio),
		zap.Bool("collapsed", replaced),
	)
}

// classify assigns the static reload priority of an asset.
func (m *Manager) classify(path string, id asset.ID) asset.Priority {
	meta, ok := m.reg.Get(id)
	if !ok {
		return asset.PriorityLow
	}
	if meta.Type == asset.TypeShader || m.isUIPath(meta.Path) || m.isUIPath(path) {
		return asset.PriorityCritical
	}
	switch meta.Type {
	case asset.TypeTexture:
		return asset.PriorityHigh
	case asset.TypeMesh:
		return asset.PriorityNormal
	default:
		return asset.PriorityLow
	}
}

func (m *Manager) isUIPath(p string) bool {
	p = filepath.ToSlash(p)
	for _, prefix := range m.config.UIPathPrefixes {
		if prefix == "" {
			continue
		}
		if strings.HasPrefix(p, prefix) || strings.Contains(p, "/"+prefix) {
			return true
		}
	}
	return false
}

// ProcessQueue dispatches every entry that has been quiet for at least the
// debounce window, highest priority first. It returns the number of reload
// attempts made.
func (m *Manager) ProcessQueue(ctx context.Context) int {
	now := m.now()

	m.mu.Lock()
	due := m.queue.popDue(now.Add(-m.config.Debounce))
	m.mu.Unlock()
	if len(due) == 0 {
		return 0
	}

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].priority > due[j].priority
	})

	attempts := 0
	for _, e := range due {
		if m.dispatch(ctx, e) {
			attempts++
		}
	}
	return attempts
}

// dispatch reloads one entry. It reports whether a reload was attempted.
func (m *Manager) dispatch(ctx context.Context, e *entry) bool {
	meta, ok := m.reg.Get(e.id)
	if !ok {
		m.skipped.Add(1)
		return false
	}
	if meta.State == asset.StateUnloaded {
		// Nothing resident to refresh; the next load reads the new file.
		m.skipped.Add(1)
		return false
	}

	err := m.reloader.Reload(ctx, e.id)
	if err == nil {
		m.reloads.Add(1)
		m.logger.Info("asset reloaded",
			zap.String("path", e.path),
			zap.Stringer("asset", e.id),
			zap.Stringer("type", meta.Type),
			zap.Int("retries", e.retries),
		)
		m.notify(e.path, e.id, meta.Type)
		return true
	}

	if !errors.Is(err, asset.ErrAlreadyInProgress) {
		m.failures.Add(1)
	}
	if e.retries >= m.config.MaxRetries {
		m.dropped.Add(1)
		m.logger.Error("reload dropped",
			zap.String("path", e.path),
			zap.Stringer("asset", e.id),
			zap.Int("attempts", e.retries+1),
			zap.Error(fmt.Errorf("%w: %w", asset.ErrRetriesExhausted, err)),
		)
		return true
	}

	e.retries++
	m.mu.Lock()
	if _, still := m.watched[e.path]; still {
		m.queue.requeue(e, m.now())
	}
	m.mu.Unlock()
	m.logger.Warn("reload failed, retrying",
		zap.String("path", e.path),
		zap.Stringer("asset", e.id),
		zap.Int("retry", e.retries),
		zap.Error(err),
	)
	return true
}

func (m *Manager) notify(path string, id asset.ID, typ asset.Type) {
	m.cbMu.RLock()
	cbs := append([]Callback(nil), m.callbacks...)
	m.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(path, id, typ)
	}
}

// Pending returns the number of queued reloads.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.len()
}

// Stats returns a snapshot of counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Events:    m.events.Load(),
		Ignored:   m.ignored.Load(),
		Queued:    m.queued.Load(),
		Collapsed: m.collapsed.Load(),
		Reloads:   m.reloads.Load(),
		Failures:  m.failures.Load(),
		Dropped:   m.dropped.Load(),
		Skipped:   m.skipped.Load(),
		Pending:   m.Pending(),
	}
}

// Run drives polling and dispatch until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if m.config.PollInterval > 0 {
		g.Go(func() error {
			t := time.NewTicker(m.config.PollInterval)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					m.Poll()
				}
			}
		})
	}

	tick := m.config.Tick
	if tick <= 0 {
		tick = DefaultConfig().Tick
	}
	g.Go(func() error {
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				m.ProcessQueue(gctx)
			}
		}
	})

	return g.Wait()
}

func (m *Manager) statFile(path string) fileState {
	fi, err := m.stat(path)
	if err != nil {
		return fileState{}
	}
	return fileState{modTime: fi.ModTime(), size: fi.Size(), exists: true}
}
