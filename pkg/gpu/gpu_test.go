package gpu

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager(t *testing.T) {
	t.Run("nil config uses software device", func(t *testing.T) {
		m, err := NewManager(nil, nil)
		require.NoError(t, err)
		assert.True(t, m.IsEnabled())
		assert.Equal(t, BackendSoftware, m.Device().Backend)
	})

	t.Run("disabled", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Enabled = false
		m, err := NewManager(cfg, nil)
		require.NoError(t, err)
		assert.False(t, m.IsEnabled())

		_, err = m.CreateMesh(MeshDesc{}, []byte{1})
		assert.ErrorIs(t, err, ErrGPUDisabled)
	})

	t.Run("unavailable backend without fallback", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.PreferredBackend = BackendVulkan
		cfg.FallbackOnError = false
		_, err := NewManager(cfg, nil)
		assert.ErrorIs(t, err, ErrGPUNotAvailable)
	})

	t.Run("unavailable backend with fallback", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.PreferredBackend = BackendMetal
		m, err := NewManager(cfg, nil)
		require.NoError(t, err)
		assert.Equal(t, BackendSoftware, m.Device().Backend)
	})
}

func TestParseBackend(t *testing.T) {
	b, err := ParseBackend("")
	require.NoError(t, err)
	assert.Equal(t, BackendSoftware, b)

	b, err = ParseBackend("vulkan")
	require.NoError(t, err)
	assert.Equal(t, BackendVulkan, b)

	_, err = ParseBackend("directx")
	assert.Error(t, err)
}

func TestCreateAndRelease(t *testing.T) {
	dev := NewSoftwareDevice()
	m, err := NewManager(DefaultConfig(), dev)
	require.NoError(t, err)

	tex, err := m.CreateTexture(TextureDesc{Width: 2, Height: 2, Format: "rgba8"}, make([]byte, 16))
	require.NoError(t, err)
	mesh, err := m.CreateMesh(MeshDesc{VertexCount: 3}, make([]byte, 36))
	require.NoError(t, err)
	sh, err := m.CreateShader(ShaderDesc{Stage: "fragment"}, []byte("spirv"))
	require.NoError(t, err)

	assert.Equal(t, int64(5), sh.Size)
	assert.Equal(t, int64(16+36+5), m.AllocatedBytes())
	assert.Equal(t, 3, dev.Live())

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.TexturesCreated)
	assert.Equal(t, int64(1), stats.MeshesCreated)
	assert.Equal(t, int64(1), stats.ShadersCreated)
	assert.Equal(t, int64(57), stats.BytesUploaded)

	require.NoError(t, m.Release(tex.Handle))
	require.NoError(t, m.Release(mesh.Handle))
	assert.Equal(t, int64(5), m.AllocatedBytes())
	assert.ErrorIs(t, m.Release(tex.Handle), ErrUnknownResource)

	require.NoError(t, m.Close())
	assert.Equal(t, 0, dev.Live())
	assert.Zero(t, m.AllocatedBytes())
}

func TestInvalidResources(t *testing.T) {
	m, err := NewManager(nil, nil)
	require.NoError(t, err)

	_, err = m.CreateTexture(TextureDesc{Width: 0, Height: 4}, nil)
	assert.ErrorIs(t, err, ErrInvalidResource)
	_, err = m.CreateShader(ShaderDesc{}, nil)
	assert.ErrorIs(t, err, ErrInvalidResource)
	assert.Equal(t, int64(2), m.Stats().Failures)
}

func TestMemoryBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMemoryMB = 1
	m, err := NewManager(cfg, nil)
	require.NoError(t, err)

	_, err = m.CreateMesh(MeshDesc{}, make([]byte, 1<<19))
	require.NoError(t, err)
	_, err = m.CreateMesh(MeshDesc{}, make([]byte, 1<<19+1))
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, int64(1<<19), m.AllocatedBytes())
}

func TestDeviceFailure(t *testing.T) {
	dev := NewSoftwareDevice()
	dev.FailFunc = func(kind Kind, _ int) error {
		if kind == KindShader {
			return errors.New("driver rejected module")
		}
		return nil
	}
	m, err := NewManager(DefaultConfig(), dev)
	require.NoError(t, err)

	_, err = m.CreateShader(ShaderDesc{}, []byte{1, 2})
	assert.ErrorIs(t, err, ErrResourceCreation)
	assert.Zero(t, m.AllocatedBytes())
	assert.Equal(t, int64(1), m.Stats().Failures)
}

// serialDevice fails the test if two calls ever overlap.
type serialDevice struct {
	*SoftwareDevice
	inside  atomic.Int32
	overlap atomic.Bool
}

func (d *serialDevice) CreateTexture(desc TextureDesc, px []byte) (Handle, error) {
	if d.inside.Add(1) > 1 {
		d.overlap.Store(true)
	}
	defer d.inside.Add(-1)
	return d.SoftwareDevice.CreateTexture(desc, px)
}

func TestCreationIsSerialized(t *testing.T) {
	dev := &serialDevice{SoftwareDevice: NewSoftwareDevice()}
	m, err := NewManager(DefaultConfig(), dev)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.CreateTexture(TextureDesc{Width: 1, Height: 1}, make([]byte, 4))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, dev.overlap.Load())
	assert.Equal(t, 32, m.LiveResources())
	assert.Equal(t, int64(32), m.Stats().TexturesCreated)
}
