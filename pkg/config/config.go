// Package config handles assetcore configuration via YAML files and
// environment variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--workers, --asset-root, etc.)
//  2. Environment variables (ASSETCORE_*)
//  3. Config file (assetcore.yaml)
//  4. Built-in defaults
//
// Example Usage:
//
//	cfg, err := config.LoadFromFile(config.FindConfigFile())
//	if err != nil {
//		return fmt.Errorf("invalid config: %w", err)
//	}
//	if err := cfg.Validate(); err != nil {
//		return err
//	}
//
// Environment Variables (all use ASSETCORE_ prefix):
//
// Assets:
//   - ASSETCORE_ASSET_ROOT="./assets"
//   - ASSETCORE_MANIFEST="./assets/manifest.yaml"
//
// Loader:
//   - ASSETCORE_WORKERS=4
//   - ASSETCORE_QUEUE_CAPACITY=1024
//
// Hot reload:
//   - ASSETCORE_HOT_RELOAD=true
//   - ASSETCORE_RELOAD_DEBOUNCE=300ms
//   - ASSETCORE_RELOAD_TICK=50ms
//   - ASSETCORE_RELOAD_MAX_RETRIES=3
//
// GPU:
//   - ASSETCORE_GPU_BACKEND="software"
//   - ASSETCORE_GPU_MAX_MEMORY_MB=0
//
// Logging:
//   - ASSETCORE_LOG_LEVEL="info"
//   - ASSETCORE_LOG_FORMAT="json"
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all assetcore configuration.
//
// Configuration is organized into logical sections:
//   - Assets: where asset files and the manifest live
//   - Loader: worker pool and queue sizing
//   - HotReload: change detection, debounce and retry policy
//   - GPU: graphics backend and memory budget
//   - ShaderCache: compiled shader cache location
//   - Fallbacks: substitute assets shown while real ones are unavailable
//   - Server: optional status API
//   - Logging: log level and format
type Config struct {
	Assets      AssetsConfig
	Loader      LoaderConfig
	HotReload   HotReloadConfig
	GPU         GPUConfig
	ShaderCache ShaderCacheConfig
	Fallbacks   FallbacksConfig
	Server      ServerConfig
	Logging     LoggingConfig
}

// AssetsConfig locates asset files on disk.
type AssetsConfig struct {
	// Root is the directory asset paths are relative to.
	Root string
	// Manifest is an optional YAML or HCL asset manifest.
	Manifest string
}

// LoaderConfig sizes the load worker pool.
type LoaderConfig struct {
	// Workers is the number of general load workers (0 = GOMAXPROCS).
	Workers int
	// QueueCapacity bounds queued async requests across all tiers. When the
	// queue is full, requests run in-line on the caller.
	QueueCapacity int
}

// HotReloadConfig controls file change detection.
type HotReloadConfig struct {
	Enabled bool
	// Debounce is the quiet period required before a change is acted on.
	Debounce time.Duration
	// Tick is the dispatch sweep interval.
	Tick time.Duration
	// PollInterval is how often watched files are stat'ed.
	PollInterval time.Duration
	// MaxRetries bounds reload retries after the first failed attempt.
	MaxRetries int
	// UsePoller disables fsnotify and relies on polling only.
	UsePoller bool
	// UIPathPrefixes mark paths whose reloads are critical.
	UIPathPrefixes []string
}

// GPUConfig selects the graphics backend.
type GPUConfig struct {
	Backend     string
	MaxMemoryMB int
}

// ShaderCacheConfig locates the compiled shader cache.
type ShaderCacheConfig struct {
	Enabled bool
	Dir     string
}

// FallbacksConfig names the substitute assets by path.
type FallbacksConfig struct {
	Missing string
	Loading string
	Error   string
	Default string
}

// ServerConfig controls the optional status API.
type ServerConfig struct {
	Enabled bool
	Address string
	Port    int
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadDefaults returns a Config populated with built-in defaults.
func LoadDefaults() *Config {
	config := &Config{}

	config.Assets.Root = "./assets"

	config.Loader.Workers = runtime.GOMAXPROCS(0)
	config.Loader.QueueCapacity = 1024

	config.HotReload.Enabled = true
	config.HotReload.Debounce = 300 * time.Millisecond
	config.HotReload.Tick = 50 * time.Millisecond
	config.HotReload.PollInterval = 500 * time.Millisecond
	config.HotReload.MaxRetries = 3
	config.HotReload.UIPathPrefixes = []string{"ui/"}

	config.GPU.Backend = "software"

	config.ShaderCache.Enabled = true
	config.ShaderCache.Dir = "./.assetcore/shadercache"

	config.Server.Address = "127.0.0.1"
	config.Server.Port = 7480

	config.Logging.Level = "info"
	config.Logging.Format = "json"

	return config
}

// LoadFromEnv returns defaults overridden by ASSETCORE_* variables.
func LoadFromEnv() *Config {
	config := LoadDefaults()
	applyEnvVars(config)
	return config
}

// ApplyEnvVars applies environment variable overrides to an existing config.
func ApplyEnvVars(config *Config) {
	applyEnvVars(config)
}

func applyEnvVars(config *Config) {
	config.Assets.Root = getEnv("ASSETCORE_ASSET_ROOT", config.Assets.Root)
	config.Assets.Manifest = getEnv("ASSETCORE_MANIFEST", config.Assets.Manifest)

	config.Loader.Workers = getEnvInt("ASSETCORE_WORKERS", config.Loader.Workers)
	config.Loader.QueueCapacity = getEnvInt("ASSETCORE_QUEUE_CAPACITY", config.Loader.QueueCapacity)

	config.HotReload.Enabled = getEnvBool("ASSETCORE_HOT_RELOAD", config.HotReload.Enabled)
	config.HotReload.Debounce = getEnvDuration("ASSETCORE_RELOAD_DEBOUNCE", config.HotReload.Debounce)
	config.HotReload.Tick = getEnvDuration("ASSETCORE_RELOAD_TICK", config.HotReload.Tick)
	config.HotReload.PollInterval = getEnvDuration("ASSETCORE_RELOAD_POLL_INTERVAL", config.HotReload.PollInterval)
	config.HotReload.MaxRetries = getEnvInt("ASSETCORE_RELOAD_MAX_RETRIES", config.HotReload.MaxRetries)
	config.HotReload.UsePoller = getEnvBool("ASSETCORE_RELOAD_POLL_ONLY", config.HotReload.UsePoller)
	config.HotReload.UIPathPrefixes = getEnvStringSlice("ASSETCORE_UI_PATH_PREFIXES", config.HotReload.UIPathPrefixes)

	config.GPU.Backend = getEnv("ASSETCORE_GPU_BACKEND", config.GPU.Backend)
	config.GPU.MaxMemoryMB = getEnvInt("ASSETCORE_GPU_MAX_MEMORY_MB", config.GPU.MaxMemoryMB)

	config.ShaderCache.Enabled = getEnvBool("ASSETCORE_SHADER_CACHE", config.ShaderCache.Enabled)
	config.ShaderCache.Dir = getEnv("ASSETCORE_SHADER_CACHE_DIR", config.ShaderCache.Dir)

	config.Fallbacks.Missing = getEnv("ASSETCORE_FALLBACK_MISSING", config.Fallbacks.Missing)
	config.Fallbacks.Loading = getEnv("ASSETCORE_FALLBACK_LOADING", config.Fallbacks.Loading)
	config.Fallbacks.Error = getEnv("ASSETCORE_FALLBACK_ERROR", config.Fallbacks.Error)
	config.Fallbacks.Default = getEnv("ASSETCORE_FALLBACK_DEFAULT", config.Fallbacks.Default)

	config.Server.Enabled = getEnvBool("ASSETCORE_SERVER", config.Server.Enabled)
	config.Server.Address = getEnv("ASSETCORE_SERVER_ADDRESS", config.Server.Address)
	config.Server.Port = getEnvInt("ASSETCORE_SERVER_PORT", config.Server.Port)

	config.Logging.Level = getEnv("ASSETCORE_LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = getEnv("ASSETCORE_LOG_FORMAT", config.Logging.Format)
}

// YAMLConfig mirrors the configuration file layout. Durations are strings
// parsed with time.ParseDuration.
type YAMLConfig struct {
	Assets struct {
		Root     string `yaml:"root"`
		Manifest string `yaml:"manifest"`
	} `yaml:"assets"`

	Loader struct {
		Workers       int `yaml:"workers"`
		QueueCapacity int `yaml:"queue_capacity"`
	} `yaml:"loader"`

	HotReload struct {
		Enabled        *bool    `yaml:"enabled"`
		Debounce       string   `yaml:"debounce"`
		Tick           string   `yaml:"tick"`
		PollInterval   string   `yaml:"poll_interval"`
		MaxRetries     *int     `yaml:"max_retries"`
		PollOnly       bool     `yaml:"poll_only"`
		UIPathPrefixes []string `yaml:"ui_path_prefixes"`
	} `yaml:"hot_reload"`

	GPU struct {
		Backend     string `yaml:"backend"`
		MaxMemoryMB int    `yaml:"max_memory_mb"`
	} `yaml:"gpu"`

	ShaderCache struct {
		Enabled *bool  `yaml:"enabled"`
		Dir     string `yaml:"dir"`
	} `yaml:"shader_cache"`

	Fallbacks struct {
		Missing string `yaml:"missing"`
		Loading string `yaml:"loading"`
		Error   string `yaml:"error"`
		Default string `yaml:"default"`
	} `yaml:"fallbacks"`

	Server struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// LoadFromFile loads configuration with proper precedence:
//  1. Built-in defaults (lowest priority)
//  2. YAML config file
//  3. Environment variables (highest priority before CLI args)
//
// A missing file is not an error; defaults and environment still apply.
//
// Example YAML:
//
//	assets:
//	  root: ./assets
//	  manifest: ./assets/manifest.yaml
//	loader:
//	  workers: 8
//	hot_reload:
//	  debounce: 250ms
//	  max_retries: 5
func LoadFromFile(configPath string) (*Config, error) {
	config := LoadDefaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := applyYAML(config, data); err != nil {
				return nil, err
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	applyEnvVars(config)
	return config, nil
}

func applyYAML(config *Config, data []byte) error {
	var y YAMLConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	// === Assets ===
	if y.Assets.Root != "" {
		config.Assets.Root = y.Assets.Root
	}
	if y.Assets.Manifest != "" {
		config.Assets.Manifest = y.Assets.Manifest
	}

	// === Loader ===
	if y.Loader.Workers > 0 {
		config.Loader.Workers = y.Loader.Workers
	}
	if y.Loader.QueueCapacity > 0 {
		config.Loader.QueueCapacity = y.Loader.QueueCapacity
	}

	// === Hot reload ===
	if y.HotReload.Enabled != nil {
		config.HotReload.Enabled = *y.HotReload.Enabled
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{y.HotReload.Debounce, &config.HotReload.Debounce, "hot_reload.debounce"},
		{y.HotReload.Tick, &config.HotReload.Tick, "hot_reload.tick"},
		{y.HotReload.PollInterval, &config.HotReload.PollInterval, "hot_reload.poll_interval"},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.key, d.raw, err)
		}
		*d.dst = parsed
	}
	if y.HotReload.MaxRetries != nil {
		config.HotReload.MaxRetries = *y.HotReload.MaxRetries
	}
	if y.HotReload.PollOnly {
		config.HotReload.UsePoller = true
	}
	if len(y.HotReload.UIPathPrefixes) > 0 {
		config.HotReload.UIPathPrefixes = y.HotReload.UIPathPrefixes
	}

	// === GPU ===
	if y.GPU.Backend != "" {
		config.GPU.Backend = y.GPU.Backend
	}
	if y.GPU.MaxMemoryMB > 0 {
		config.GPU.MaxMemoryMB = y.GPU.MaxMemoryMB
	}

	// === Shader cache ===
	if y.ShaderCache.Enabled != nil {
		config.ShaderCache.Enabled = *y.ShaderCache.Enabled
	}
	if y.ShaderCache.Dir != "" {
		config.ShaderCache.Dir = y.ShaderCache.Dir
	}

	// === Fallbacks ===
	if y.Fallbacks.Missing != "" {
		config.Fallbacks.Missing = y.Fallbacks.Missing
	}
	if y.Fallbacks.Loading != "" {
		config.Fallbacks.Loading = y.Fallbacks.Loading
	}
	if y.Fallbacks.Error != "" {
		config.Fallbacks.Error = y.Fallbacks.Error
	}
	if y.Fallbacks.Default != "" {
		config.Fallbacks.Default = y.Fallbacks.Default
	}

	// === Server ===
	if y.Server.Enabled {
		config.Server.Enabled = true
	}
	if y.Server.Address != "" {
		config.Server.Address = y.Server.Address
	}
	if y.Server.Port > 0 {
		config.Server.Port = y.Server.Port
	}

	// === Logging ===
	if y.Logging.Level != "" {
		config.Logging.Level = y.Logging.Level
	}
	if y.Logging.Format != "" {
		config.Logging.Format = y.Logging.Format
	}

	return nil
}

// Validate checks the configuration for values the runtime cannot work with.
func (c *Config) Validate() error {
	if c.Assets.Root == "" {
		return fmt.Errorf("asset root must not be empty")
	}
	if c.Loader.Workers < 0 {
		return fmt.Errorf("invalid worker count: %d", c.Loader.Workers)
	}
	if c.Loader.QueueCapacity <= 0 {
		return fmt.Errorf("invalid queue capacity: %d", c.Loader.QueueCapacity)
	}
	if c.HotReload.Enabled {
		if c.HotReload.Debounce < 0 {
			return fmt.Errorf("invalid reload debounce: %v", c.HotReload.Debounce)
		}
		if c.HotReload.Tick <= 0 {
			return fmt.Errorf("invalid reload tick: %v", c.HotReload.Tick)
		}
		if c.HotReload.PollInterval <= 0 {
			return fmt.Errorf("invalid reload poll interval: %v", c.HotReload.PollInterval)
		}
		if c.HotReload.MaxRetries < 0 {
			return fmt.Errorf("invalid reload max retries: %d", c.HotReload.MaxRetries)
		}
	}
	if c.GPU.MaxMemoryMB < 0 {
		return fmt.Errorf("invalid gpu memory budget: %d", c.GPU.MaxMemoryMB)
	}
	if c.ShaderCache.Enabled && c.ShaderCache.Dir == "" {
		return fmt.Errorf("shader cache enabled but no directory provided")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text", "console":
	default:
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}
	return nil
}

// String returns a compact representation suitable for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Root: %s, Workers: %d, HotReload: %v (debounce %v, retries %d), GPU: %s, ShaderCache: %s}",
		c.Assets.Root,
		c.Loader.Workers,
		c.HotReload.Enabled, c.HotReload.Debounce, c.HotReload.MaxRetries,
		c.GPU.Backend,
		c.ShaderCache.Dir,
	)
}

// FindConfigFile searches for a config file in standard locations and
// returns the first one found, or "" if none exists.
// Search order:
//  1. Current working directory (assetcore.yaml, config.yaml)
//  2. Same directory as the binary
//  3. ~/.config/assetcore/config.yaml (XDG)
func FindConfigFile() string {
	candidates := []string{"assetcore.yaml", "config.yaml"}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(exeDir, "assetcore.yaml"),
			filepath.Join(exeDir, "config.yaml"),
		)
	}

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "assetcore", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Bare integers are milliseconds.
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return defaultVal
}
