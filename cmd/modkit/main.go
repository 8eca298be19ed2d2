// Package main implements the modkit host binary. It loads a layered
// configuration, composes the configured entry modules with the bundled
// service adapters and serves metrics and health until it is signalled.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/c360/modkit/config"
	"github.com/c360/modkit/engine"
	"github.com/c360/modkit/errors"
	"github.com/c360/modkit/health"
	"github.com/c360/modkit/metric"
	"github.com/c360/modkit/moduleregistry"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "modkit"
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

	if err := run(os.Args[1:]); err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, shouldExit, err := initializeCLI(args)
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	logger := setupLogger(os.Stdout,
		firstNonEmpty(cliCfg.LogLevel, cfg.Runtime.LogLevel),
		firstNonEmpty(cliCfg.LogFormat, cfg.Runtime.LogFormat))
	slog.SetDefault(logger)

	if cliCfg.DumpConfig != "" {
		return dumpConfig(os.Stdout, cfg, cliCfg.DumpConfig)
	}

	modules, adapters, err := setupRegistries()
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		if err := validateComposition(cfg, modules); err != nil {
			return err
		}
		logger.Info("Configuration is valid", "load", cfg.Load)
		return nil
	}

	logger.Info("Starting modkit",
		"name", cfg.Runtime.Name,
		"build_time", BuildTime,
		"config_paths", cliCfg.ConfigPaths,
		"load", cfg.Load)

	metricsRegistry := metric.NewMetricsRegistry()
	eng, err := engine.New(engine.Options{
		Modules:         modules,
		Adapters:        adapters,
		Services:        cfg.Services,
		ModuleConfigs:   cfg.Modules,
		Logger:          logger,
		MetricsRegistry: metricsRegistry,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := runEngine(ctx, eng, cfg, metricsRegistry, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	defer cancel()
	if err := eng.Close(shutdownCtx); err != nil {
		logger.Error("Engine shutdown incomplete", "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	if snap, err := metricsRegistry.Snapshot("modkit_"); err == nil {
		logger.Debug("Final metrics", "metrics", snap)
	}
	if runErr == nil {
		logger.Info("modkit shutdown complete")
	}
	return runErr
}

// initializeCLI parses and validates flags
func initializeCLI(args []string) (*CLIConfig, bool, error) {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return nil, true, err
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}
	if cliCfg.ShowHelp {
		cliCfg.usage()
		return nil, true, nil
	}
	return cliCfg, false, nil
}

// initializeConfiguration reads the dotenv file and loads the configuration layers
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	if cliCfg.EnvFile != "" {
		if err := godotenv.Load(cliCfg.EnvFile); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", cliCfg.EnvFile, err)
		}
	}

	loader := config.NewLoader()
	for _, path := range cliCfg.ConfigPaths {
		loader.AddLayer(path)
	}
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if len(cfg.Load) == 0 {
		return nil, errors.NewConfigurationError("load", "no entry modules configured", nil)
	}
	return cfg, nil
}

// dumpConfig writes the effective configuration to path, or to w when path is "-"
func dumpConfig(w io.Writer, cfg *config.Config, path string) error {
	if path == "-" {
		_, err := fmt.Fprintln(w, cfg.String())
		return err
	}
	if err := cfg.SaveToFile(path); err != nil {
		return fmt.Errorf("dump config: %w", err)
	}
	slog.Info("Configuration written", "path", path)
	return nil
}

// setupRegistries builds the module and adapter registries
func setupRegistries() (*engine.ModuleRegistry, *engine.AdapterRegistry, error) {
	modules := engine.NewModuleRegistry()
	if err := moduleregistry.Register(modules); err != nil {
		return nil, nil, fmt.Errorf("register modules: %w", err)
	}

	adapters := engine.NewAdapterRegistry()
	if err := engine.RegisterBuiltins(adapters); err != nil {
		return nil, nil, fmt.Errorf("register adapters: %w", err)
	}

	slog.Debug("Registries ready", "modules", modules.Names())
	return modules, adapters, nil
}

// validateComposition checks that every entry module is registered. Service
// and module settings are checked again by the engine when it loads.
func validateComposition(cfg *config.Config, modules *engine.ModuleRegistry) error {
	for _, name := range cfg.Load {
		if _, ok := modules.Registration(name); !ok {
			return errors.NewConfigurationError("load", "unknown module "+name, nil)
		}
	}
	return nil
}

// runEngine loads the composition and serves metrics and health until ctx is
// done or a server fails
func runEngine(
	ctx context.Context,
	eng *engine.Engine,
	cfg *config.Config,
	metricsRegistry *metric.MetricsRegistry,
	logger *slog.Logger,
) error {
	if err := eng.Load(ctx, cfg.Load...); err != nil {
		return fmt.Errorf("load composition: %w", err)
	}
	logger.Info("modkit started", "modules", eng.Order())

	g, gctx := errgroup.WithContext(ctx)

	if port := cfg.Runtime.MetricsPort; port > 0 {
		server := metric.NewServer(port, "/metrics", metricsRegistry, healthFunc(eng))
		logger.Info("Serving metrics", "address", server.Address())
		g.Go(func() error { return server.Start(gctx) })
	}

	if port := cfg.Runtime.HealthPort; port > 0 {
		logger.Info("Serving health", "port", port)
		g.Go(func() error { return serveHealth(gctx, port, eng, logger) })
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Received shutdown signal")
	return nil
}

func healthFunc(eng *engine.Engine) metric.HealthFunc {
	return func() (bool, string) {
		status := eng.Health()
		return status.State != health.StateUnhealthy, string(status.State) + ": " + status.Message
	}
}

func serveHealth(ctx context.Context, port int, eng *engine.Engine, logger *slog.Logger) error {
	mux := http.NewServeMux()
	handler := health.Handler(eng.Health, logger)
	mux.Handle("/health", handler)
	mux.Handle("/readyz", handler)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.WrapFatal(err, "main", "serveHealth", fmt.Sprintf("listen on port %d", port))
	}
	return nil
}
