// Package main provides the assetcore CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/assetcore/pkg/asset"
	"github.com/orneryd/assetcore/pkg/config"
	"github.com/orneryd/assetcore/pkg/decode"
	"github.com/orneryd/assetcore/pkg/logging"
	"github.com/orneryd/assetcore/pkg/manager"
	"github.com/orneryd/assetcore/pkg/manifest"
	"github.com/orneryd/assetcore/pkg/server"
	"github.com/orneryd/assetcore/pkg/shadercache"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "assetcore",
		Short: "assetcore - asset loading and hot reload for real-time renderers",
		Long: `assetcore registers, loads and hot-reloads the assets of a real-time
renderer: textures, meshes, shaders, materials, audio and scenes.

Features:
  • Priority-ordered, dependency-aware background loading
  • Serialized GPU resource creation behind per-type staging queues
  • Debounced hot reload with bounded retries
  • Persistent shader compile cache
  • Fallback assets while real ones load or after they fail`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Config file (default: search assetcore.yaml)")
	rootCmd.PersistentFlags().String("asset-root", "", "Directory asset paths are relative to")
	rootCmd.PersistentFlags().Int("workers", 0, "Load workers (0 = config value)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: json, text")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "assetcore v%s (%s) built %s\n", version, commit, buildTime)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	})

	loadCmd := &cobra.Command{
		Use:   "load [manifest]",
		Short: "Register and load every asset in a manifest, then print stats",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLoad,
	}
	loadCmd.Flags().Duration("timeout", 5*time.Minute, "Give up waiting after this long")
	rootCmd.AddCommand(loadCmd)

	watchCmd := &cobra.Command{
		Use:   "watch [manifest]",
		Short: "Load a manifest and hot-reload changed files until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runWatch,
	}
	watchCmd.Flags().Bool("serve", false, "Serve the status API while watching")
	watchCmd.Flags().Int("port", 0, "Status API port (0 = config value)")
	watchCmd.Flags().Bool("poll", false, "Poll files instead of using fsnotify")
	rootCmd.AddCommand(watchCmd)

	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the shader compile cache",
	}
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "List cached shaders",
		RunE:  runCacheStats,
	})
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every cached shader",
		RunE:  runCacheClear,
	})
	rootCmd.AddCommand(cacheCmd)

	return rootCmd
}

// loadConfig applies, in increasing precedence, defaults, the config
// file, ASSETCORE_* variables and command-line flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("asset-root") {
		cfg.Assets.Root, _ = flags.GetString("asset-root")
	}
	if flags.Changed("workers") {
		cfg.Loader.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openManager builds a manager and registers the manifest named by args
// or the config.
func openManager(cmd *cobra.Command, args []string, cfg *config.Config) (*manager.Manager, *manifest.Manifest, map[string]asset.ID, *zap.Logger, error) {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	manifestPath := cfg.Assets.Manifest
	if len(args) == 1 {
		manifestPath = args[0]
	}
	if manifestPath == "" {
		return nil, nil, nil, nil, errors.New("no manifest given (argument or ASSETCORE_MANIFEST)")
	}
	mf, err := manifest.Load(manifestPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	m, err := manager.New(cfg, manager.Options{Logger: logger})
	if err != nil {
		return nil, nil, nil, nil, err
	}
	ids, err := mf.Apply(cmd.Context(), m)
	if err != nil {
		m.Close()
		return nil, nil, nil, nil, err
	}
	if err := m.SetFallbackPaths(cmd.Context(), cfg.Fallbacks); err != nil {
		logger.Warn("fallbacks unavailable", zap.Error(err))
	}
	return m, mf, ids, logger, nil
}

// requestAll queues every manifest entry at its declared priority and
// waits for all of them.
func requestAll(ctx context.Context, m *manager.Manager, mf *manifest.Manifest, ids map[string]asset.ID) error {
	for _, e := range mf.Assets {
		prio, _ := e.AssetPriority()
		// In-line fallback failures are reported again by Wait.
		_ = m.Request(ctx, ids[e.Path], prio)
	}

	var failed []string
	for _, e := range mf.Assets {
		if err := m.Wait(ctx, ids[e.Path]); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed = append(failed, fmt.Sprintf("%s: %v", e.Path, err))
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return fmt.Errorf("%d asset(s) failed to load:\n  %s", len(failed), strings.Join(failed, "\n  "))
	}
	return nil
}

func runLoad(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.HotReload.Enabled = false

	m, mf, ids, logger, err := openManager(cmd, args, cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer m.Close()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if err := m.Start(ctx); err != nil {
		return err
	}
	start := time.Now()
	loadErr := requestAll(ctx, m, mf, ids)
	logger.Info("manifest loaded",
		zap.Int("assets", len(mf.Assets)),
		zap.Duration("elapsed", time.Since(start)),
	)

	if err := printJSON(cmd, m.Stats()); err != nil {
		return err
	}
	return loadErr
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.HotReload.Enabled = true
	if poll, _ := cmd.Flags().GetBool("poll"); poll {
		cfg.HotReload.UsePoller = true
	}
	if serve, _ := cmd.Flags().GetBool("serve"); serve {
		cfg.Server.Enabled = true
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}

	m, mf, ids, logger, err := openManager(cmd, args, cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer m.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := m.Start(ctx); err != nil {
		return err
	}
	if err := requestAll(ctx, m, mf, ids); err != nil {
		// Broken assets are expected while iterating; keep watching.
		logger.Warn("initial load incomplete", zap.Error(err))
	}
	if err := m.OnReload(func(path string, id asset.ID, typ asset.Type) {
		fmt.Fprintf(cmd.OutOrStdout(), "reloaded %s %s\n", typ, path)
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Server.Enabled {
		srvCfg := server.DefaultConfig()
		srvCfg.Address = cfg.Server.Address
		srvCfg.Port = cfg.Server.Port
		srv, err := server.New(m, srvCfg, logger)
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "status API on http://%s\n", srv.Addr())
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Stop(shutdownCtx)
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "watching %d assets under %s (Ctrl+C to stop)\n", len(ids), cfg.Assets.Root)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

func openCache(cmd *cobra.Command) (*shadercache.Cache, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return shadercache.Open(shadercache.Options{
		Dir:      cfg.ShaderCache.Dir,
		Compiler: decode.PassthroughCompiler{},
		Logger:   logger,
	})
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	c, err := openCache(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	entries, err := c.Entries()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, e := range entries {
		fmt.Fprintf(out, "%-40s %s  %s\n", e.Key, e.ContentHash[:12], e.Timestamp.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "%d cached shader(s)\n", len(entries))
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	c, err := openCache(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Clear(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "shader cache cleared")
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
