// Package main implements the entry point for the BitFlow settlement
// daemon: continuous payment streams with escrow custody, cross-chain
// bridging and yield on idle funds.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/bitflowhq/bitflow-core/component"
	"github.com/bitflowhq/bitflow-core/config"
	"github.com/bitflowhq/bitflow-core/engine"
	"github.com/bitflowhq/bitflow-core/metric"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "bitflowd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	registry := metric.NewRegistry()
	eng, err := engine.New(cfg, component.Dependencies{
		Logger:  logger,
		Metrics: registry,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	return runWithSignalHandling(cliCfg, cfg, eng, registry, logger)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting BitFlow settlement engine",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// loadConfiguration loads the config file, or defaults when none is given
func loadConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	if cliCfg.ConfigPath == "" {
		slog.Info("No config file given, using built-in defaults")
		return config.DefaultConfig(), nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// runWithSignalHandling starts the engine and blocks until a shutdown
// signal or a fatal HTTP server error.
func runWithSignalHandling(
	cliCfg *CLIConfig,
	cfg *config.Config,
	eng *engine.Engine,
	registry *metric.Registry,
	logger *slog.Logger,
) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := eng.Start(signalCtx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	ops := newOpsServer(cfg.HTTP.Addr, eng, registry, logger)
	httpErr := ops.start()

	slog.Info("BitFlow started", "http_addr", cfg.HTTP.Addr)

	var runErr error
	select {
	case <-signalCtx.Done():
		slog.Info("Shutdown signal received")
	case err := <-httpErr:
		slog.Error("Operational HTTP server failed", "error", err)
		runErr = err
	}

	ops.stop(cliCfg.ShutdownTimeout)
	if err := eng.Stop(cliCfg.ShutdownTimeout); err != nil {
		slog.Warn("Engine shutdown reported errors", "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	slog.Info("Shutdown complete")
	return runErr
}
