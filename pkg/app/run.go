// Package app provides the shared entry point for the lanlink binary.
package app

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/flemzord/lanlink/internal/config"
	"github.com/flemzord/lanlink/internal/core"
)

// RunParams configures the main application loop.
type RunParams struct {
	// ConfigPath is an explicit path to the YAML configuration file.
	// If empty, the standard locations are searched.
	ConfigPath string

	// Version, Commit, and Date are injected at build time via ldflags.
	Version string
	Commit  string
	Date    string

	// DataDir overrides the default persistent data directory.
	DataDir string

	// LogLevel sets the minimum log level. Defaults to slog.LevelInfo.
	LogLevel slog.Level
}

// Run loads configuration, starts all modules, and blocks until a
// shutdown signal is received.
func Run(params RunParams) error {
	cfgPath := params.ConfigPath
	if cfgPath == "" {
		resolved, err := config.ResolvePath()
		if err != nil {
			return err
		}
		cfgPath = resolved
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: params.LogLevel,
	}))

	dataDir := params.DataDir
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("app: create data dir %s: %w", dataDir, err)
	}

	appCtx := core.NewAppContext(logger, dataDir)
	appCtx = appCtx.WithModuleConfigs(cfg.Modules)
	appCtx.RegisterService("config.path", cfgPath)

	application := core.NewApp(appCtx)
	ids := config.Resolve(cfg)
	if err := application.LoadModules(ids); err != nil {
		return err
	}

	// Wire the packet router between LoadModules and Start: collect the
	// loaded plugins, build the dispatch table, and publish the announced
	// capability sets before the first discovery broadcast carries them.
	if err := wireRouter(application, appCtx, ids, logger); err != nil {
		return err
	}

	if err := application.Start(); err != nil {
		return err
	}
	logger.Info("lanlink started", "version", params.Version, "modules", len(ids))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	logger.Info("shutdown signal received", "signal", sig.String())
	application.Stop()
	logger.Info("shutdown complete")
	return nil
}

// DefaultDataDir returns the default persistent data directory.
func DefaultDataDir() string {
	if dir, ok := os.LookupEnv("XDG_DATA_HOME"); ok {
		return filepath.Join(dir, "lanlink")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "lanlink")
}
