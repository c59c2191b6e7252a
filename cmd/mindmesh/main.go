package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/mindmesh/internal/agent"
	"github.com/basket/mindmesh/internal/bus"
	"github.com/basket/mindmesh/internal/config"
	"github.com/basket/mindmesh/internal/delegate"
	"github.com/basket/mindmesh/internal/engine"
	"github.com/basket/mindmesh/internal/maintenance"
	otelPkg "github.com/basket/mindmesh/internal/otel"
	"github.com/basket/mindmesh/internal/persistence"
	"github.com/basket/mindmesh/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s run                      Start the orchestrator daemon

SUBCOMMANDS:
  %s status                   Show queue depth, worker stats and sessions
  %s jobs [options]           List jobs
                              Options: -tool <name>, -status <STATE>,
                                       -limit <n>, -json
  %s cancel <job-id>          Request cancellation of a job
  %s backup <dest-path>       Write a consistent database snapshot
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  MINDMESH_HOME           Data directory (default: ~/.mindmesh)
  MINDMESH_LOG_LEVEL      Log level override (debug, info, warn, error)
  ANTHROPIC_MODEL         Model override for the claude backend

EXAMPLES:
  Start the daemon:       %s run
  Inspect the queue:      %s jobs -status QUEUED
  Cancel a job:           %s cancel 3f1c...
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "run"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}

	switch cmd {
	case "help", "-h", "--help":
		printUsage()
	case "run":
		os.Exit(runDaemon(ctx))
	case "status":
		os.Exit(runStatusCommand(ctx, args))
	case "jobs":
		os.Exit(runJobsCommand(ctx, args))
	case "cancel":
		os.Exit(runCancelCommand(ctx, args))
	case "backup":
		os.Exit(runBackupCommand(ctx, args))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func runDaemon(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Quiet logs (file-only) when stdout is not a terminal consumer's; the
	// daemon always logs to both unless piped into another tool.
	quiet := !isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("MINDMESH_LOG_STDOUT") == ""
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	eventBus := bus.New()

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}
	if err := otelPkg.RegisterQueueDepth(otelProvider.Meter, func(ctx context.Context) (int64, error) {
		depth, err := store.QueueDepth(ctx)
		return int64(depth), err
	}); err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}
	go otelPkg.NewRecorder(metrics, eventBus).Run(ctx)

	registry, err := agent.NewRegistry(&cfg)
	if err != nil {
		fatalStartup(logger, "E_REGISTRY_INIT", err)
	}
	logger.Info("startup phase", "phase", "backends_registered", "tools", registry.ToolNames())

	invoker := delegate.New(registry, store, eventBus, logger, cfg.MaxResponseChars)

	eng := engine.New(store, invoker, registry, engine.Config{
		WorkerCount:     cfg.WorkerCount,
		PollInterval:    cfg.PollInterval(),
		DefaultDeadline: time.Duration(cfg.DefaultDeadlineSeconds) * time.Second,
		MaxDeadline:     time.Duration(cfg.MaxDeadlineSeconds) * time.Second,
		MaxQueueDepth:   cfg.MaxQueueDepth,
		Bus:             eventBus,
	})
	eng.Start(ctx)
	logger.Info("startup phase", "phase", "engine_started", "workers", cfg.WorkerCount)

	sweeper := maintenance.NewSweeper(maintenance.Config{
		Store:                  store,
		Logger:                 logger,
		CronExpr:               cfg.MaintenanceCron,
		RetentionJobEventsDays: cfg.RetentionJobEventsDays,
	})
	if err := sweeper.Start(ctx); err != nil {
		fatalStartup(logger, "E_MAINTENANCE_START", err)
	}
	defer sweeper.Stop()

	// Config changes need a restart to take effect; the watcher only
	// surfaces them so operators notice stale daemons.
	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	fingerprint := cfg.Fingerprint()
	go func() {
		for ev := range confWatcher.Events() {
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config change rejected; retaining previous config", "path", ev.Path, "error", err)
				continue
			}
			if newCfg.Fingerprint() != fingerprint {
				logger.Warn("config.yaml changed; restart to apply", "path", ev.Path)
			}
		}
	}()

	logger.Info("mindmesh ready", "tools", registry.ToolNames())
	<-ctx.Done()
	logger.Info("shutdown signal received")

	eng.Drain(5 * time.Second)
	logger.Info("shutdown complete")
	return 0
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure (%s): %s\n", reasonCode, message)
	}
	os.Exit(1)
}

// openStore resolves config and opens the store for read-mostly CLI
// subcommands that inspect a daemon's database directly.
func openStore() (*persistence.Store, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("config load: %w", err)
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("open store: %w", err)
	}
	return store, cfg, nil
}
