package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"ASSETCORE_ASSET_ROOT", "ASSETCORE_MANIFEST", "ASSETCORE_WORKERS", "ASSETCORE_QUEUE_CAPACITY",
	"ASSETCORE_HOT_RELOAD", "ASSETCORE_RELOAD_DEBOUNCE", "ASSETCORE_RELOAD_TICK",
	"ASSETCORE_RELOAD_POLL_INTERVAL", "ASSETCORE_RELOAD_MAX_RETRIES", "ASSETCORE_RELOAD_POLL_ONLY",
	"ASSETCORE_UI_PATH_PREFIXES", "ASSETCORE_GPU_BACKEND", "ASSETCORE_GPU_MAX_MEMORY_MB",
	"ASSETCORE_SHADER_CACHE", "ASSETCORE_SHADER_CACHE_DIR", "ASSETCORE_FALLBACK_MISSING",
	"ASSETCORE_FALLBACK_LOADING", "ASSETCORE_FALLBACK_ERROR", "ASSETCORE_FALLBACK_DEFAULT",
	"ASSETCORE_SERVER", "ASSETCORE_SERVER_ADDRESS", "ASSETCORE_SERVER_PORT",
	"ASSETCORE_LOG_LEVEL", "ASSETCORE_LOG_FORMAT",
}

func clearEnvVars(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg := LoadDefaults()

	assert.Equal(t, "./assets", cfg.Assets.Root)
	assert.Equal(t, runtime.GOMAXPROCS(0), cfg.Loader.Workers)
	assert.Equal(t, 1024, cfg.Loader.QueueCapacity)

	assert.True(t, cfg.HotReload.Enabled)
	assert.Equal(t, 300*time.Millisecond, cfg.HotReload.Debounce)
	assert.Equal(t, 50*time.Millisecond, cfg.HotReload.Tick)
	assert.Equal(t, 3, cfg.HotReload.MaxRetries)
	assert.Equal(t, []string{"ui/"}, cfg.HotReload.UIPathPrefixes)

	assert.Equal(t, "software", cfg.GPU.Backend)
	assert.True(t, cfg.ShaderCache.Enabled)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	clearEnvVars(t)
	t.Setenv("ASSETCORE_WORKERS", "7")
	t.Setenv("ASSETCORE_RELOAD_DEBOUNCE", "1s")
	t.Setenv("ASSETCORE_RELOAD_TICK", "25")
	t.Setenv("ASSETCORE_HOT_RELOAD", "off")
	t.Setenv("ASSETCORE_UI_PATH_PREFIXES", "ui/, hud/ ,")
	t.Setenv("ASSETCORE_FALLBACK_MISSING", "fallback/missing.png")

	cfg := LoadFromEnv()
	assert.Equal(t, 7, cfg.Loader.Workers)
	assert.Equal(t, time.Second, cfg.HotReload.Debounce)
	assert.Equal(t, 25*time.Millisecond, cfg.HotReload.Tick)
	assert.False(t, cfg.HotReload.Enabled)
	assert.Equal(t, []string{"ui/", "hud/"}, cfg.HotReload.UIPathPrefixes)
	assert.Equal(t, "fallback/missing.png", cfg.Fallbacks.Missing)
}

func TestLoadFromFile(t *testing.T) {
	t.Run("yaml overrides defaults and env overrides yaml", func(t *testing.T) {
		clearEnvVars(t)
		dir := t.TempDir()
		path := filepath.Join(dir, "assetcore.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
assets:
  root: /srv/game/assets
  manifest: /srv/game/assets/manifest.hcl
loader:
  workers: 12
  queue_capacity: 64
hot_reload:
  enabled: false
  debounce: 150ms
  max_retries: 0
gpu:
  backend: vulkan
  max_memory_mb: 2048
fallbacks:
  error: fallback/error.png
logging:
  level: debug
  format: text
`), 0o644))
		t.Setenv("ASSETCORE_WORKERS", "2")

		cfg, err := LoadFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, "/srv/game/assets", cfg.Assets.Root)
		assert.Equal(t, "/srv/game/assets/manifest.hcl", cfg.Assets.Manifest)
		assert.Equal(t, 2, cfg.Loader.Workers)
		assert.Equal(t, 64, cfg.Loader.QueueCapacity)
		assert.False(t, cfg.HotReload.Enabled)
		assert.Equal(t, 150*time.Millisecond, cfg.HotReload.Debounce)
		assert.Equal(t, 0, cfg.HotReload.MaxRetries)
		assert.Equal(t, "vulkan", cfg.GPU.Backend)
		assert.Equal(t, 2048, cfg.GPU.MaxMemoryMB)
		assert.Equal(t, "fallback/error.png", cfg.Fallbacks.Error)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("missing file yields defaults", func(t *testing.T) {
		clearEnvVars(t)
		cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "./assets", cfg.Assets.Root)
	})

	t.Run("bad duration", func(t *testing.T) {
		clearEnvVars(t)
		path := filepath.Join(t.TempDir(), "c.yaml")
		require.NoError(t, os.WriteFile(path, []byte("hot_reload:\n  debounce: soon\n"), 0o644))
		_, err := LoadFromFile(path)
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		clearEnvVars(t)
		path := filepath.Join(t.TempDir(), "c.yaml")
		require.NoError(t, os.WriteFile(path, []byte("assets: [unclosed"), 0o644))
		_, err := LoadFromFile(path)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty root", func(c *Config) { c.Assets.Root = "" }},
		{"negative workers", func(c *Config) { c.Loader.Workers = -1 }},
		{"zero queue", func(c *Config) { c.Loader.QueueCapacity = 0 }},
		{"zero tick", func(c *Config) { c.HotReload.Tick = 0 }},
		{"negative retries", func(c *Config) { c.HotReload.MaxRetries = -1 }},
		{"cache without dir", func(c *Config) { c.ShaderCache.Dir = "" }},
		{"bad server port", func(c *Config) { c.Server.Enabled = true; c.Server.Port = 70000 }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadDefaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestString(t *testing.T) {
	s := LoadDefaults().String()
	assert.Contains(t, s, "Root: ./assets")
	assert.Contains(t, s, "GPU: software")
}
