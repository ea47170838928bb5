// Package main is the entry point for the tunnel control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/vyrodovalexey/avtunnel/internal/config"
	"github.com/vyrodovalexey/avtunnel/internal/control"
	"github.com/vyrodovalexey/avtunnel/internal/observability"
	"github.com/vyrodovalexey/avtunnel/internal/reload"
	"github.com/vyrodovalexey/avtunnel/internal/server"
	"github.com/vyrodovalexey/avtunnel/internal/status"
	"github.com/vyrodovalexey/avtunnel/internal/supervisor"
	"github.com/vyrodovalexey/avtunnel/internal/tunnel"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	showVersion bool
}

// application bundles the wired components.
type application struct {
	cfg     *config.Config
	manager *control.Manager
	watcher *reload.Watcher
	server  *server.Server
	logger  observability.Logger
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg)
	defer func() { _ = logger.Sync() }()

	app := initApplication(cfg, logger)

	run(app)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", os.Getenv("AVTUNNEL_CONFIG"),
		"Path to control-plane configuration file (optional)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("avtunnel version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(cfg *config.Config) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		Output:     cfg.LogOutput,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadInitialDocument reads and parses the tunnel configuration file. A
// malformed file is fatal at startup; a missing file starts the control
// plane with an empty document.
func loadInitialDocument(cfg *config.Config, logger observability.Logger) *tunnel.Document {
	data, err := os.ReadFile(cfg.ConfPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("tunnel configuration file does not exist, starting empty",
				observability.String("path", cfg.ConfPath),
			)
			return &tunnel.Document{}
		}
		logger.Fatal("failed to read tunnel configuration file",
			observability.String("path", cfg.ConfPath),
			observability.Error(err),
		)
	}

	doc, err := tunnel.Parse(string(data))
	if err != nil {
		logger.Fatal("tunnel configuration file is malformed",
			observability.String("path", cfg.ConfPath),
			observability.Error(err),
		)
	}

	if err := tunnel.ValidateDocument(doc, cfg.PortRange()); err != nil {
		logger.Fatal("tunnel configuration file is invalid",
			observability.String("path", cfg.ConfPath),
			observability.Error(err),
		)
	}

	return doc
}

// initApplication wires all components together.
func initApplication(cfg *config.Config, logger observability.Logger) *application {
	logger.Info("starting avtunnel",
		observability.String("version", version),
		observability.String("confPath", cfg.ConfPath),
		observability.String("pidFilePath", cfg.PIDFilePath),
	)

	initial := loadInitialDocument(cfg, logger)

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics("")
	}

	sup := supervisor.New(cfg.PIDFilePath,
		supervisor.WithLogger(logger.With(observability.String("component", "supervisor"))),
	)

	coordOpts := []reload.Option{
		reload.WithLogger(logger.With(observability.String("component", "reload"))),
		reload.WithConfirmTimeout(cfg.ConfirmTimeout),
		reload.WithConfirmInterval(cfg.ConfirmInterval),
	}
	if metrics != nil {
		coordOpts = append(coordOpts, reload.WithMetrics(metrics))
	}
	coord := reload.NewCoordinator(cfg.ConfPath, initial, cfg.PortRange(), sup, coordOpts...)

	collectorOpts := []status.Option{
		status.WithLogger(logger.With(observability.String("component", "status"))),
	}
	if metrics != nil {
		collectorOpts = append(collectorOpts, status.WithMetrics(metrics))
	}
	collector := status.NewCollector(coord, sup, collectorOpts...)

	managerOpts := []control.Option{
		control.WithLogger(logger.With(observability.String("component", "control"))),
		control.WithTLSDefaults(cfg.DefaultCert, cfg.DefaultCAFile),
	}
	if metrics != nil {
		managerOpts = append(managerOpts, control.WithMetrics(metrics))
	}
	manager := control.NewManager(cfg.ConfPath, coord, collector, managerOpts...)

	var watcher *reload.Watcher
	if cfg.WatchEnabled {
		w, err := reload.NewWatcher(cfg.ConfPath, coord,
			func(doc *tunnel.Document) {
				if _, err := coord.Apply(context.Background(), doc); err != nil {
					logger.Error("failed to apply drifted configuration",
						observability.Error(err),
					)
				}
			},
			reload.WithWatcherLogger(logger.With(observability.String("component", "watcher"))),
		)
		if err != nil {
			logger.Fatal("failed to create configuration watcher", observability.Error(err))
		}
		watcher = w
	}

	serverOpts := []server.Option{
		server.WithLogger(logger.With(observability.String("component", "server"))),
	}
	if metrics != nil {
		serverOpts = append(serverOpts, server.WithMetrics(metrics))
	}
	srv := server.New(&server.Config{
		Address:        cfg.APIAddr(),
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    2 * cfg.ReadTimeout,
		MetricsEnabled: cfg.MetricsEnabled,
		MetricsPath:    cfg.MetricsPath,
	}, manager, serverOpts...)

	return &application{
		cfg:     cfg,
		manager: manager,
		watcher: watcher,
		server:  srv,
		logger:  logger,
	}
}

// run starts the application and blocks until shutdown.
func run(app *application) {
	ctx := context.Background()

	if app.watcher != nil {
		if err := app.watcher.Start(ctx); err != nil {
			app.logger.Fatal("failed to start configuration watcher",
				observability.Error(err),
			)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.server.Start(ctx)
	}()

	waitForShutdown(app, errCh)
}

// waitForShutdown waits for a shutdown signal and stops everything
// gracefully.
func waitForShutdown(app *application, errCh <-chan error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		app.logger.Info("received shutdown signal",
			observability.String("signal", sig.String()),
		)
	case err := <-errCh:
		if err != nil {
			app.logger.Error("API server failed", observability.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownTimeout)
	defer cancel()

	if app.watcher != nil {
		if err := app.watcher.Stop(); err != nil {
			app.logger.Error("failed to stop configuration watcher",
				observability.Error(err),
			)
		}
	}

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.Error("failed to stop API server gracefully",
			observability.Error(err),
		)
	}

	app.logger.Info("avtunnel stopped")
}
