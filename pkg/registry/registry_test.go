package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/assetcore/pkg/asset"
)

func TestRegistry_Register(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		reg := New()
		a, err := reg.Register("textures/a.png", asset.TypeTexture)
		require.NoError(t, err)
		b, err := reg.Register("textures/a.png", asset.TypeTexture)
		require.NoError(t, err)

		assert.Equal(t, a, b)
		assert.Equal(t, 1, reg.Stats().Total)
		assert.Equal(t, 1, reg.Stats().Unloaded)
	})

	t.Run("path index", func(t *testing.T) {
		reg := New()
		id, err := reg.Register("meshes/m.obj", asset.TypeMesh)
		require.NoError(t, err)

		got, ok := reg.Lookup("meshes/m.obj")
		require.True(t, ok)
		assert.Equal(t, id, got)

		m, ok := reg.GetByPath("meshes/m.obj")
		require.True(t, ok)
		assert.Equal(t, asset.TypeMesh, m.Type)
		assert.Equal(t, asset.StateUnloaded, m.State)
	})

	t.Run("invalid input", func(t *testing.T) {
		reg := New()
		_, err := reg.Register("", asset.TypeTexture)
		assert.ErrorIs(t, err, asset.ErrInvalidAsset)
		_, err = reg.Register("x", asset.Type(99))
		assert.ErrorIs(t, err, asset.ErrInvalidAsset)
	})

	t.Run("closed", func(t *testing.T) {
		reg := New()
		reg.Close()
		_, err := reg.Register("a", asset.TypeAudio)
		assert.ErrorIs(t, err, asset.ErrClosed)
	})

	t.Run("returned metadata is a copy", func(t *testing.T) {
		reg := New()
		id, _ := reg.Register("a", asset.TypeAudio)
		m, _ := reg.Get(id)
		m.RefCount = 42
		m.Path = "mutated"

		stored, _ := reg.Get(id)
		assert.Equal(t, 0, stored.RefCount)
		assert.Equal(t, "a", stored.Path)
	})
}

func TestRegistry_RefCounting(t *testing.T) {
	tests := []struct {
		inc, dec int
	}{
		{0, 0}, {1, 0}, {1, 1}, {3, 2}, {5, 5},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_inc_%d_dec", tt.inc, tt.dec), func(t *testing.T) {
			reg := New()
			id, _ := reg.Register("a", asset.TypeTexture)
			for i := 0; i < tt.inc; i++ {
				require.True(t, reg.IncrementRef(id))
			}
			for i := 0; i < tt.dec; i++ {
				require.True(t, reg.DecrementRef(id))
			}
			m, _ := reg.Get(id)
			assert.Equal(t, tt.inc == tt.dec, m.CanUnload())
			assert.Equal(t, tt.inc-tt.dec, m.RefCount)
		})
	}

	t.Run("never underflows", func(t *testing.T) {
		reg := New()
		id, _ := reg.Register("a", asset.TypeTexture)
		assert.False(t, reg.DecrementRef(id))
		m, _ := reg.Get(id)
		assert.Equal(t, 0, m.RefCount)
	})

	t.Run("unknown id", func(t *testing.T) {
		reg := New()
		assert.False(t, reg.IncrementRef(asset.NewID()))
		assert.False(t, reg.DecrementRef(asset.NewID()))
	})

	t.Run("loading is never unloadable", func(t *testing.T) {
		reg := New()
		id, _ := reg.Register("a", asset.TypeTexture)
		require.NoError(t, reg.MarkLoading(id))
		assert.Empty(t, reg.Unloadable())
		require.NoError(t, reg.MarkLoaded(id, 10))
		assert.Len(t, reg.Unloadable(), 1)
	})
}

func TestRegistry_Dependencies(t *testing.T) {
	t.Run("edges are bidirectional", func(t *testing.T) {
		reg := New()
		a, _ := reg.Register("a", asset.TypeMaterial)
		b, _ := reg.Register("b", asset.TypeTexture)

		require.NoError(t, reg.AddDependency(a, b))
		ma, _ := reg.Get(a)
		mb, _ := reg.Get(b)
		assert.True(t, ma.HasDependency(b))
		assert.True(t, mb.HasDependent(a))

		require.NoError(t, reg.RemoveDependency(a, b))
		ma, _ = reg.Get(a)
		mb, _ = reg.Get(b)
		assert.False(t, ma.HasDependency(b))
		assert.False(t, mb.HasDependent(a))
	})

	t.Run("duplicate edge is a no-op", func(t *testing.T) {
		reg := New()
		a, _ := reg.Register("a", asset.TypeMaterial)
		b, _ := reg.Register("b", asset.TypeTexture)
		require.NoError(t, reg.AddDependency(a, b))
		require.NoError(t, reg.AddDependency(a, b))
		assert.Len(t, reg.Dependencies(a), 1)
		assert.Len(t, reg.Dependents(b), 1)
	})

	t.Run("insertion order preserved", func(t *testing.T) {
		reg := New()
		a, _ := reg.Register("a", asset.TypeScene)
		var deps []asset.ID
		for i := 0; i < 5; i++ {
			d, _ := reg.Register(fmt.Sprintf("d%d", i), asset.TypeMesh)
			require.NoError(t, reg.AddDependency(a, d))
			deps = append(deps, d)
		}
		assert.Equal(t, deps, reg.Dependencies(a))
	})

	t.Run("unknown id leaves state unchanged", func(t *testing.T) {
		reg := New()
		a, _ := reg.Register("a", asset.TypeMaterial)
		err := reg.AddDependency(a, asset.NewID())
		assert.ErrorIs(t, err, asset.ErrNotRegistered)
		assert.Empty(t, reg.Dependencies(a))

		err = reg.RemoveDependency(asset.NewID(), a)
		assert.ErrorIs(t, err, asset.ErrNotRegistered)
	})

	t.Run("cycles are rejected", func(t *testing.T) {
		reg := New()
		a, _ := reg.Register("a", asset.TypeScene)
		b, _ := reg.Register("b", asset.TypeMaterial)
		c, _ := reg.Register("c", asset.TypeTexture)
		require.NoError(t, reg.AddDependency(a, b))
		require.NoError(t, reg.AddDependency(b, c))

		assert.ErrorIs(t, reg.AddDependency(c, a), asset.ErrDependencyCycle)
		assert.ErrorIs(t, reg.AddDependency(a, a), asset.ErrDependencyCycle)
		assert.Empty(t, reg.Dependencies(c))
	})

	t.Run("chain is dependency-first", func(t *testing.T) {
		reg := New()
		a, _ := reg.Register("a", asset.TypeScene)
		b, _ := reg.Register("b", asset.TypeMaterial)
		c, _ := reg.Register("c", asset.TypeTexture)
		d, _ := reg.Register("d", asset.TypeShader)
		require.NoError(t, reg.AddDependency(a, b))
		require.NoError(t, reg.AddDependency(b, c))
		require.NoError(t, reg.AddDependency(a, d))
		require.NoError(t, reg.AddDependency(b, d))

		chain := reg.DependencyChain(a)
		require.Len(t, chain, 4)
		pos := make(map[asset.ID]int)
		for i, id := range chain {
			pos[id] = i
		}
		assert.Less(t, pos[c], pos[b])
		assert.Less(t, pos[d], pos[b])
		assert.Less(t, pos[b], pos[a])
		assert.Equal(t, a, chain[len(chain)-1])

		assert.Nil(t, reg.DependencyChain(asset.NewID()))
	})
}

func TestRegistry_StateMachine(t *testing.T) {
	t.Run("happy path through staging", func(t *testing.T) {
		reg := New()
		id, _ := reg.Register("a", asset.TypeTexture)

		require.NoError(t, reg.MarkLoading(id))
		require.NoError(t, reg.MarkStaged(id))
		assert.Equal(t, 1, reg.Stats().Staged)
		require.NoError(t, reg.MarkLoaded(id, 128))

		m, _ := reg.Get(id)
		assert.Equal(t, asset.StateLoaded, m.State)
		assert.Equal(t, int64(128), m.FileSize)
		assert.False(t, m.LoadTime.IsZero())
		assert.Equal(t, uint64(1), m.LoadSeq)
		assert.Equal(t, int64(128), reg.Stats().LoadedBytes)
	})

	t.Run("loading states are not entry points", func(t *testing.T) {
		reg := New()
		id, _ := reg.Register("a", asset.TypeTexture)
		require.NoError(t, reg.MarkLoading(id))
		assert.ErrorIs(t, reg.MarkLoading(id), asset.ErrAlreadyInProgress)
		require.NoError(t, reg.MarkStaged(id))
		assert.ErrorIs(t, reg.MarkLoading(id), asset.ErrAlreadyInProgress)
		require.NoError(t, reg.MarkLoaded(id, 1))
		assert.ErrorIs(t, reg.MarkLoading(id), asset.ErrAlreadyInProgress)
	})

	t.Run("invalid transitions", func(t *testing.T) {
		reg := New()
		id, _ := reg.Register("a", asset.TypeTexture)
		assert.ErrorIs(t, reg.MarkStaged(id), asset.ErrInvalidTransition)
		assert.ErrorIs(t, reg.MarkLoaded(id, 1), asset.ErrInvalidTransition)
	})

	t.Run("counters stay consistent across re-transitions", func(t *testing.T) {
		reg := New()
		id, _ := reg.Register("a", asset.TypeTexture)
		require.NoError(t, reg.MarkLoading(id))
		require.NoError(t, reg.MarkLoaded(id, 64))
		assert.Equal(t, 1, reg.Stats().Loaded)

		require.NoError(t, reg.MarkFailed(id, "device lost"))
		s := reg.Stats()
		assert.Equal(t, 0, s.Loaded)
		assert.Equal(t, 1, s.Failed)
		assert.Equal(t, int64(0), s.LoadedBytes)

		// failed is re-enterable
		require.NoError(t, reg.MarkLoading(id))
		s = reg.Stats()
		assert.Equal(t, 0, s.Failed)
		assert.Equal(t, 1, s.Loading)

		m, _ := reg.Get(id)
		assert.Empty(t, m.LastError)

		require.NoError(t, reg.ForceUnloaded(id))
		s = reg.Stats()
		assert.Equal(t, 1, s.Unloaded)
		assert.Equal(t, 0, s.Loading)
	})

	t.Run("failure message recorded", func(t *testing.T) {
		reg := New()
		id, _ := reg.Register("a", asset.TypeTexture)
		require.NoError(t, reg.MarkLoading(id))
		require.NoError(t, reg.MarkFailed(id, "bad header"))
		m, _ := reg.Get(id)
		assert.Equal(t, "bad header", m.LastError)
	})

	t.Run("unknown id", func(t *testing.T) {
		reg := New()
		unknown := asset.NewID()
		assert.ErrorIs(t, reg.MarkLoading(unknown), asset.ErrNotRegistered)
		assert.ErrorIs(t, reg.MarkFailed(unknown, "x"), asset.ErrNotRegistered)
		assert.ErrorIs(t, reg.ForceUnloaded(unknown), asset.ErrNotRegistered)
		won, err := reg.MarkLoadingAtomic(unknown)
		assert.False(t, won)
		assert.ErrorIs(t, err, asset.ErrNotRegistered)
	})
}

func TestRegistry_MarkLoadingAtomicRace(t *testing.T) {
	reg := New()
	id, _ := reg.Register("contended.png", asset.TypeTexture)

	const racers = 64
	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			won, err := reg.MarkLoadingAtomic(id)
			if err == nil && won {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	state, _ := reg.State(id)
	assert.Equal(t, asset.StateLoading, state)
}

func TestRegistry_QueriesAndUnregister(t *testing.T) {
	reg := New()
	t1, _ := reg.Register("t1", asset.TypeTexture)
	t2, _ := reg.Register("t2", asset.TypeTexture)
	m1, _ := reg.Register("m1", asset.TypeMesh)
	require.NoError(t, reg.AddDependency(m1, t1))

	assert.Len(t, reg.ByType(asset.TypeTexture), 2)
	assert.Len(t, reg.ByType(asset.TypeMesh), 1)
	assert.Empty(t, reg.ByType(asset.TypeAudio))
	assert.Len(t, reg.All(), 3)

	assert.ErrorIs(t, reg.Unregister(t1), ErrInUse)

	reg.IncrementRef(t2)
	assert.ErrorIs(t, reg.Unregister(t2), ErrInUse)
	reg.DecrementRef(t2)
	require.NoError(t, reg.Unregister(t2))
	assert.False(t, reg.Contains(t2))
	_, ok := reg.Lookup("t2")
	assert.False(t, ok)

	require.NoError(t, reg.Unregister(m1))
	assert.Empty(t, reg.Dependents(t1))
	require.NoError(t, reg.Unregister(t1))
	assert.Equal(t, 0, reg.Stats().Total)

	assert.ErrorIs(t, reg.Unregister(asset.NewID()), asset.ErrNotRegistered)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				path := fmt.Sprintf("asset-%d", i%25)
				id, err := reg.Register(path, asset.TypeTexture)
				if err != nil {
					t.Error(err)
					return
				}
				reg.IncrementRef(id)
				_, _ = reg.Get(id)
				reg.DecrementRef(id)
				_ = reg.Stats()
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 25, reg.Stats().Total)
	for _, m := range reg.All() {
		assert.Equal(t, 0, m.RefCount)
	}
}

func TestRegistry_MarkReloading(t *testing.T) {
	reg := New()
	id, _ := reg.Register("r.png", asset.TypeTexture)
	require.NoError(t, reg.MarkLoading(id))
	require.NoError(t, reg.MarkLoaded(id, 10))

	won, err := reg.MarkReloading(id)
	require.NoError(t, err)
	assert.True(t, won)
	state, _ := reg.State(id)
	assert.Equal(t, asset.StateLoading, state)
	assert.Equal(t, 0, reg.Stats().Loaded)
	assert.Zero(t, reg.Stats().LoadedBytes)

	won, err = reg.MarkReloading(id)
	require.NoError(t, err)
	assert.False(t, won, "in-flight asset must not be claimed twice")

	_, err = reg.MarkReloading(asset.NewID())
	assert.ErrorIs(t, err, asset.ErrNotRegistered)
}

func TestRegistry_UnloadIdle(t *testing.T) {
	reg := New()
	id, _ := reg.Register("u.png", asset.TypeTexture)
	require.NoError(t, reg.MarkLoading(id))

	_, err := reg.UnloadIdle(id, nil)
	assert.ErrorIs(t, err, asset.ErrAlreadyInProgress)

	require.NoError(t, reg.MarkLoaded(id, 4))
	require.True(t, reg.IncrementRef(id))
	_, err = reg.UnloadIdle(id, nil)
	assert.ErrorIs(t, err, ErrInUse)
	require.True(t, reg.DecrementRef(id))

	var seen asset.State
	prev, err := reg.UnloadIdle(id, func(m *asset.Metadata) { seen = m.State })
	require.NoError(t, err)
	assert.Equal(t, asset.StateLoaded, seen)
	assert.Equal(t, asset.StateLoaded, prev.State)
	state, _ := reg.State(id)
	assert.Equal(t, asset.StateUnloaded, state)

	_, err = reg.UnloadIdle(asset.NewID(), nil)
	assert.ErrorIs(t, err, asset.ErrNotRegistered)
}

func TestRegistry_ReloadUnloadRace(t *testing.T) {
	reg := New()
	id, _ := reg.Register("contended.png", asset.TypeTexture)
	require.NoError(t, reg.MarkLoading(id))
	require.NoError(t, reg.MarkLoaded(id, 1))

	for round := 0; round < 200; round++ {
		var claims atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 8; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				<-start
				if won, _ := reg.MarkReloading(id); won {
					claims.Add(1)
				}
			}()
			go func() {
				defer wg.Done()
				<-start
				_, _ = reg.UnloadIdle(id, nil)
			}()
		}
		close(start)
		wg.Wait()

		// Once claimed, nothing may move the asset out of loading, so at
		// most one claim wins per round.
		require.LessOrEqual(t, claims.Load(), int32(1))
		if claims.Load() == 1 {
			state, _ := reg.State(id)
			require.Equal(t, asset.StateLoading, state)
			require.NoError(t, reg.MarkLoaded(id, 1))
		}
	}
}
