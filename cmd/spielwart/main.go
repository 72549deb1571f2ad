package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/p-arndt/spielwart/internal/api"
	"github.com/p-arndt/spielwart/internal/backup"
	"github.com/p-arndt/spielwart/internal/config"
	"github.com/p-arndt/spielwart/internal/docker"
	"github.com/p-arndt/spielwart/internal/install"
	"github.com/p-arndt/spielwart/internal/limits"
	"github.com/p-arndt/spielwart/internal/metrics"
	"github.com/p-arndt/spielwart/internal/reconcile"
	"github.com/p-arndt/spielwart/internal/server"
	"github.com/p-arndt/spielwart/internal/store"
	"github.com/p-arndt/spielwart/internal/transfer"
)

func main() {
	cfgPath := flag.String("config", "", "path to spielwart.yaml")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	if cfg.APIKey == "" {
		logger.Warn("no API key configured, running in open access mode")
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	dc, err := docker.New(cfg.Timeouts.RuntimeCall())
	if err != nil {
		logger.Error("docker client", "error", err)
		os.Exit(1)
	}
	defer dc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := dc.Ping(ctx); err != nil {
		logger.Error("docker ping failed, is the daemon running?", "error", err)
		os.Exit(1)
	}
	logger.Info("docker connection OK")

	backups, err := backup.NewLocalDriver(cfg.BackupDir)
	if err != nil {
		logger.Error("backup driver", "error", err)
		os.Exit(1)
	}

	deps := server.Deps{
		Cfg:       cfg,
		Driver:    dc,
		Backups:   backups,
		Quota:     limits.NewQuotaBackend(cfg.Quota.Backend, logger),
		Installer: install.NewPipeline(dc, logger),
		Transfers: transfer.NewCoordinator(logger, cfg.Timeouts.TransferDial()),
		Metrics:   metrics.Default(),
		Logger:    logger,
	}
	mgr := server.NewManager(deps, st)
	if err := mgr.Boot(ctx); err != nil {
		logger.Error("boot registry", "error", err)
		os.Exit(1)
	}

	rec := reconcile.New(mgr, dc, 30*time.Second, logger)
	go rec.Run(ctx)

	srv := api.NewServer(cfg, mgr, backups, logger)

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // console streams and transfer uploads run long
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()

		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Timeouts.StopGrace()+10*time.Second)
		defer stopCancel()
		mgr.Shutdown(stopCtx)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.Listen)
	fmt.Fprintf(os.Stderr, "\n  spielwart daemon ready at http://%s\n\n", cfg.Listen)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
