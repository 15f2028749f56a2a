package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/narvanalabs/botpanel/internal/api"
	"github.com/narvanalabs/botpanel/internal/archive"
	"github.com/narvanalabs/botpanel/internal/auth"
	"github.com/narvanalabs/botpanel/internal/deploy"
	"github.com/narvanalabs/botpanel/internal/events"
	"github.com/narvanalabs/botpanel/internal/files"
	"github.com/narvanalabs/botpanel/internal/install"
	"github.com/narvanalabs/botpanel/internal/logs"
	"github.com/narvanalabs/botpanel/internal/models"
	"github.com/narvanalabs/botpanel/internal/monitor"
	"github.com/narvanalabs/botpanel/internal/registry"
	"github.com/narvanalabs/botpanel/internal/shutdown"
	"github.com/narvanalabs/botpanel/internal/store"
	pgstore "github.com/narvanalabs/botpanel/internal/store/postgres"
	"github.com/narvanalabs/botpanel/internal/supervisor"
	"github.com/narvanalabs/botpanel/pkg/config"
	"github.com/narvanalabs/botpanel/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the panel HTTP server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	log, err := logger.FromConfig(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(log.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.WithComponent("shutdown").Logger),
	)

	// Durable store (optional)
	var (
		ws      store.WorkloadStore
		storeDB *pgstore.WorkloadStore
	)
	if cfg.DatabaseDSN != "" {
		pgCfg := pgstore.DefaultConfig(cfg.DatabaseDSN)
		pgCfg.Driver = cfg.DatabaseDriver
		storeDB, err = pgstore.New(ctx, pgCfg, log.WithComponent("store").Logger)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		ws = storeDB
		coordinator.Register(shutdown.NewCloserComponent("store", storeDB))
	} else {
		log.Warn("DATABASE_URL not set, workload registry is memory only")
	}

	reg := registry.New(ws, log.WithComponent("registry").Logger)

	daemon := supervisor.NewPM2Daemon(supervisor.PM2Config{
		Bin:            cfg.PM2.Bin,
		Home:           cfg.PM2.Home,
		MaxConnections: cfg.PM2.MaxConnections,
	}, log.WithComponent("pm2").Logger)
	sup := supervisor.NewClient(daemon, cfg.PM2.Timeout, log.WithComponent("supervisor").Logger)

	extractor := archive.NewExtractor(archive.Limits{
		MaxEntries:    cfg.Limits.ArchiveMaxEntries,
		MaxTotalBytes: cfg.Limits.ArchiveMaxBytes,
	}, log.WithComponent("archive").Logger)

	interpreters := make(map[models.RuntimeKind]string, len(cfg.Interpreters))
	for kind, bin := range cfg.Interpreters {
		interpreters[models.RuntimeKind(kind)] = bin
	}
	orch := deploy.NewOrchestrator(deploy.Config{
		ProjectsDir:  cfg.ProjectsDir,
		LogsDir:      cfg.LogsDir,
		DefaultEnv:   cfg.DefaultEnv,
		Interpreters: interpreters,
	}, reg, sup, extractor, log.WithComponent("deploy").Logger)

	hub := events.NewHub(log.WithComponent("events").Logger)
	orch.OnChange(func() { hub.PublishWorkloads(reg.List()) })

	report, err := orch.Recover(ctx)
	if err != nil {
		log.Warn("startup recovery incomplete", "error", err)
	}
	if report != nil {
		log.Info("registry recovered",
			"loaded", report.Loaded,
			"adopted", len(report.Adopted),
			"dropped", len(report.Dropped),
			"orphans", len(report.Orphans),
		)
	}

	mon := monitor.New(reg, sup,
		monitor.NewHostCollector(cfg.Monitor.ProcRoot, cfg.Monitor.DiskPath),
		hub,
		monitor.NewMetrics(prometheus.DefaultRegisterer),
		cfg.Monitor.Interval,
		log.WithComponent("monitor").Logger,
	)
	monCtx, monCancel := context.WithCancel(context.Background())
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		if err := mon.Run(monCtx); err != nil {
			log.Error("monitor stopped", "error", err)
		}
	}()
	coordinator.Register(shutdown.NewLoopComponent("monitor", monCancel, monDone))

	streamer := logs.NewStreamer(reg, logs.Config{ReplayLines: cfg.Limits.LogReplayLines}, log.WithComponent("logs").Logger)

	installCfg := install.DefaultConfig()
	installCfg.Timeout = cfg.Limits.InstallTimeout
	installer := install.NewInstaller(reg, hub, installCfg, log.WithComponent("install").Logger)
	installer.SetLocker(orch)
	orch.SetInstaller(installer)
	coordinator.Register(shutdown.NewFuncComponent("installer", installer.Close))

	fileManager := files.NewManager(reg, extractor, files.Config{
		MaxReadBytes:   cfg.Limits.MaxFileReadBytes,
		MaxUploadBytes: cfg.Limits.MaxUploadBytes,
	}, log.WithComponent("files").Logger)

	sessions := events.NewService(hub, orch, reg, streamer, log.WithComponent("push").Logger)
	coordinator.Register(shutdown.NewFuncComponent("push-sessions", func(context.Context) error {
		sessions.Close()
		return nil
	}))

	var authSvc *auth.Service
	if cfg.AuthEnabled() {
		authSvc, err = auth.NewService(&auth.Config{
			JWTSecret:   []byte(cfg.JWTSecret),
			TokenExpiry: cfg.JWTExpiry,
		}, log.WithComponent("auth").Logger)
		if err != nil {
			return err
		}
	} else {
		log.Warn("PANEL_JWT_SECRET not set, API is unauthenticated")
	}

	deps := api.Dependencies{
		Deployer:   orch,
		Controller: orch,
		Workloads:  reg,
		Status:     mon,
		Logs:       streamer,
		Files:      fileManager,
		Installer:  installer,
		Publisher:  hub,
		Sessions:   sessions,
		Auth:       authSvc,
		Daemon:     sup,
	}
	if storeDB != nil {
		deps.Store = storeDB
	}
	server := api.NewServer(cfg, deps, log.WithComponent("api").Logger)
	coordinator.Register(shutdown.NewServerComponent("http", server))

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			log.Error("server failed", "error", err)
		}
	}

	coordinator.Shutdown()
	coordinator.Wait()
	if code := coordinator.ExitCode(); code != 0 {
		os.Exit(code)
	}
	return nil
}
