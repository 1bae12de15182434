package hotreload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/assetcore/pkg/asset"
	"github.com/orneryd/assetcore/pkg/registry"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeReloader struct {
	mu    sync.Mutex
	calls []asset.ID
	fail  map[asset.ID]error
}

func (f *fakeReloader) Reload(_ context.Context, id asset.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	return f.fail[id]
}

func (f *fakeReloader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	dir   string
	reg   *registry.Registry
	rl    *fakeReloader
	clock *fakeClock
	m     *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dir:   t.TempDir(),
		reg:   registry.New(),
		rl:    &fakeReloader{fail: map[asset.ID]error{}},
		clock: newFakeClock(),
	}
	cfg := DefaultConfig()
	cfg.Now = f.clock.Now
	f.m = New(f.reg, f.rl, cfg)
	return f
}

// add creates a loaded asset backed by a real file and watches it.
func (f *fixture) add(t *testing.T, rel string, typ asset.Type) (asset.ID, string) {
	t.Helper()
	id, err := f.reg.Register(rel, typ)
	require.NoError(t, err)
	require.NoError(t, f.reg.MarkLoading(id))
	require.NoError(t, f.reg.MarkLoaded(id, 1))

	path := filepath.Join(f.dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	writeAt(t, path, "v0", time.Unix(1000, 0))
	require.NoError(t, f.m.Watch(path, id))
	return id, path
}

func writeAt(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestDebounceCollapse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, path := f.add(t, "textures/a.png", asset.TypeTexture)

	for i := 1; i <= 3; i++ {
		writeAt(t, path, "v", time.Unix(1000+int64(i), 0))
		f.m.HandleEvent(Event{Path: path, Kind: EventWrite})
		f.clock.Advance(100 * time.Millisecond)
		assert.Zero(t, f.m.ProcessQueue(ctx))
	}
	assert.Equal(t, 1, f.m.Pending())

	// 100ms since the last event; the window is 300ms.
	f.clock.Advance(150 * time.Millisecond)
	assert.Zero(t, f.m.ProcessQueue(ctx))

	f.clock.Advance(50 * time.Millisecond)
	assert.Equal(t, 1, f.m.ProcessQueue(ctx))
	assert.Equal(t, []asset.ID{id}, f.rl.calls)

	stats := f.m.Stats()
	assert.Equal(t, int64(1), stats.Queued)
	assert.Equal(t, int64(2), stats.Collapsed)
	assert.Equal(t, int64(1), stats.Reloads)
	assert.Zero(t, stats.Pending)
}

func TestRetryBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, path := f.add(t, "meshes/m.obj", asset.TypeMesh)
	f.rl.fail[id] = errors.New("corrupt file")

	writeAt(t, path, "v1", time.Unix(2000, 0))
	f.m.HandleEvent(Event{Path: path, Kind: EventWrite})

	for i := 0; i < 20; i++ {
		f.clock.Advance(300 * time.Millisecond)
		f.m.ProcessQueue(ctx)
	}

	assert.Equal(t, 4, f.rl.count())
	stats := f.m.Stats()
	assert.Equal(t, int64(4), stats.Failures)
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Zero(t, stats.Pending)
}

func TestRetrySucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, path := f.add(t, "a.ogg", asset.TypeAudio)
	f.rl.fail[id] = errors.New("locked")

	var got []string
	f.m.OnReload(func(p string, _ asset.ID, _ asset.Type) { got = append(got, p) })

	writeAt(t, path, "v1", time.Unix(3000, 0))
	f.m.HandleEvent(Event{Path: path, Kind: EventWrite})
	f.clock.Advance(300 * time.Millisecond)
	assert.Equal(t, 1, f.m.ProcessQueue(ctx))
	assert.Equal(t, 1, f.m.Pending())

	// The retry waits a full window after the failure.
	delete(f.rl.fail, id)
	f.clock.Advance(299 * time.Millisecond)
	assert.Zero(t, f.m.ProcessQueue(ctx))
	f.clock.Advance(time.Millisecond)
	assert.Equal(t, 1, f.m.ProcessQueue(ctx))
	assert.Equal(t, []string{path}, got)
}

func TestPriorityDispatchOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.m.config.UIPathPrefixes = []string{"ui/"}

	audio, audioPath := f.add(t, "sfx/a.ogg", asset.TypeAudio)
	mesh, meshPath := f.add(t, "meshes/m.obj", asset.TypeMesh)
	tex, texPath := f.add(t, "textures/t.png", asset.TypeTexture)
	ui, uiPath := f.add(t, "ui/button.png", asset.TypeTexture)
	shader, shaderPath := f.add(t, "shaders/s.frag", asset.TypeShader)

	for i, p := range []string{audioPath, meshPath, texPath, uiPath, shaderPath} {
		writeAt(t, p, "changed", time.Unix(5000+int64(i), 0))
		f.m.HandleEvent(Event{Path: p, Kind: EventWrite})
		f.clock.Advance(time.Millisecond)
	}
	f.clock.Advance(time.Second)
	assert.Equal(t, 5, f.m.ProcessQueue(ctx))

	// Critical entries keep queue order: the UI texture changed before the
	// shader.
	assert.Equal(t, []asset.ID{ui, shader, tex, mesh, audio}, f.rl.calls)
}

func TestChangeVerification(t *testing.T) {
	f := newFixture(t)
	_, path := f.add(t, "a.png", asset.TypeTexture)

	t.Run("unchanged file is ignored", func(t *testing.T) {
		f.m.HandleEvent(Event{Path: path, Kind: EventChmod})
		f.m.HandleEvent(Event{Path: path, Kind: EventWrite})
		assert.Zero(t, f.m.Pending())
	})

	t.Run("touch with identical content is a change", func(t *testing.T) {
		writeAt(t, path, "v0", time.Unix(1001, 0))
		f.m.HandleEvent(Event{Path: path, Kind: EventWrite})
		assert.Equal(t, 1, f.m.Pending())
	})

	t.Run("removal is ignored until the file reappears", func(t *testing.T) {
		f.clock.Advance(time.Second)
		f.m.ProcessQueue(context.Background())
		require.Zero(t, f.m.Pending())

		require.NoError(t, os.Remove(path))
		f.m.HandleEvent(Event{Path: path, Kind: EventRemove})
		f.m.HandleEvent(Event{Path: path, Kind: EventWrite})
		assert.Zero(t, f.m.Pending())

		writeAt(t, path, "v0", time.Unix(1001, 0))
		f.m.HandleEvent(Event{Path: path, Kind: EventCreate})
		assert.Equal(t, 1, f.m.Pending())
	})

	t.Run("unwatched paths are ignored", func(t *testing.T) {
		other := filepath.Join(f.dir, "other.png")
		writeAt(t, other, "x", time.Unix(1, 0))
		f.m.HandleEvent(Event{Path: other, Kind: EventWrite})
		assert.Equal(t, 1, f.m.Pending())
	})
}

func TestPoll(t *testing.T) {
	f := newFixture(t)
	_, a := f.add(t, "a.png", asset.TypeTexture)
	f.add(t, "b.png", asset.TypeTexture)

	assert.Zero(t, f.m.Poll())
	writeAt(t, a, "bigger content", time.Unix(1000, 0))
	assert.Equal(t, 1, f.m.Poll())
	assert.Zero(t, f.m.Poll())
	assert.Equal(t, 1, f.m.Pending())
}

func TestCallbacksInRegistrationOrder(t *testing.T) {
	f := newFixture(t)
	id, path := f.add(t, "shaders/s.vert", asset.TypeShader)

	var order []int
	for i := 0; i < 3; i++ {
		f.m.OnReload(func(p string, got asset.ID, typ asset.Type) {
			assert.Equal(t, path, p)
			assert.Equal(t, id, got)
			assert.Equal(t, asset.TypeShader, typ)
			order = append(order, i)
		})
	}

	writeAt(t, path, "v1", time.Unix(7000, 0))
	f.m.HandleEvent(Event{Path: path, Kind: EventWrite})
	f.clock.Advance(time.Second)
	f.m.ProcessQueue(context.Background())
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestUnloadedAssetSkipped(t *testing.T) {
	f := newFixture(t)
	id, path := f.add(t, "a.png", asset.TypeTexture)
	require.NoError(t, f.reg.ForceUnloaded(id))

	writeAt(t, path, "v1", time.Unix(8000, 0))
	f.m.HandleEvent(Event{Path: path, Kind: EventWrite})
	f.clock.Advance(time.Second)
	assert.Zero(t, f.m.ProcessQueue(context.Background()))
	assert.Zero(t, f.rl.count())
	assert.Equal(t, int64(1), f.m.Stats().Skipped)
}

func TestWatchAndUnwatch(t *testing.T) {
	f := newFixture(t)
	_, path := f.add(t, "a.png", asset.TypeTexture)
	assert.ErrorIs(t, f.m.Watch(path, asset.NewID()), asset.ErrNotRegistered)
	assert.ErrorIs(t, f.m.WatchDir(f.dir), ErrNoWatcher)

	writeAt(t, path, "v1", time.Unix(9000, 0))
	f.m.HandleEvent(Event{Path: path, Kind: EventWrite})
	require.Equal(t, 1, f.m.Pending())

	require.NoError(t, f.m.Unwatch(path))
	assert.Zero(t, f.m.Pending())
	assert.Zero(t, f.m.Watched())
	assert.ErrorIs(t, f.m.Unwatch(path), ErrNotWatched)
}

func TestFSWatcher(t *testing.T) {
	reg := registry.New()
	rl := &fakeReloader{fail: map[asset.ID]error{}}
	cfg := DefaultConfig()
	cfg.Debounce = 20 * time.Millisecond
	cfg.Tick = 5 * time.Millisecond
	cfg.PollInterval = 0
	m := New(reg, rl, cfg)

	dir := t.TempDir()
	path := filepath.Join(dir, "tex.png")
	writeAt(t, path, "v0", time.Unix(1000, 0))
	id, err := reg.Register("tex.png", asset.TypeTexture)
	require.NoError(t, err)
	require.NoError(t, reg.MarkLoading(id))
	require.NoError(t, reg.MarkLoaded(id, 2))
	require.NoError(t, m.Watch(path, id))

	fw, err := NewFSWatcher(m, nil)
	require.NoError(t, err)
	defer fw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fw.Run(ctx)
	go m.Run(ctx)

	reloaded := make(chan struct{}, 1)
	m.OnReload(func(string, asset.ID, asset.Type) {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})

	require.NoError(t, os.WriteFile(path, []byte("v1 with more bytes"), 0o644))

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after file write")
	}
	assert.GreaterOrEqual(t, rl.count(), 1)
}

func TestRunPolls(t *testing.T) {
	reg := registry.New()
	rl := &fakeReloader{fail: map[asset.ID]error{}}
	cfg := DefaultConfig()
	cfg.Debounce = 10 * time.Millisecond
	cfg.Tick = 5 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	m := New(reg, rl, cfg)

	path := filepath.Join(t.TempDir(), "a.ogg")
	writeAt(t, path, "v0", time.Unix(1000, 0))
	id, err := reg.Register("a.ogg", asset.TypeAudio)
	require.NoError(t, err)
	require.NoError(t, reg.MarkLoading(id))
	require.NoError(t, reg.MarkLoaded(id, 2))
	require.NoError(t, m.Watch(path, id))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	writeAt(t, path, "v1", time.Unix(1001, 0))
	require.Eventually(t, func() bool { return rl.count() == 1 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
