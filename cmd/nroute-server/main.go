// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Route License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/n-route/internal/api"
	"github.com/nishisan-dev/n-route/internal/config"
	"github.com/nishisan-dev/n-route/internal/engine"
	"github.com/nishisan-dev/n-route/internal/logging"
	"github.com/nishisan-dev/n-route/internal/monitor"
	"github.com/nishisan-dev/n-route/internal/store"
)

// version é sobrescrita no build via -ldflags.
var version = "dev"

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to nroute config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	ring := logging.NewRing(logging.DefaultRingCapacity)
	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File, ring)
	defer closer.Close()

	logger.Info("nroute-server starting", "version", version, "environment", cfg.Server.Environment)

	st, err := store.OpenSQLite(cfg.Database.URL)
	if err != nil {
		logger.Error("failed to open store", "url", cfg.Database.URL, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	manager := engine.NewManager(engine.ManagerOptions{
		Messages:    st,
		Dedup:       st,
		Channels:    st.Channels(),
		Metrics:     engine.NewMetricsBus(),
		Ring:        ring,
		Logger:      logger,
		BindAddress: cfg.Listeners.BindAddress,
		Development: !cfg.IsProduction(),
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Bootstrap(ctx, manager, st.Channels(), cfg.ChannelDir); err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}

	var archiver *store.Archiver
	if cfg.Retention.Archive.Enabled {
		archiver = store.NewArchiver(st, cfg.Retention.Archive.Dir, cfg.Retention.Archive.Compression)
	}
	workers, err := engine.NewWorkers(engine.WorkersOptions{
		Manager:        manager,
		Messages:       st,
		Dedup:          st,
		Channels:       st.Channels(),
		Logger:         logger,
		Archiver:       archiver,
		PruneAfterDays: cfg.Retention.PruneAfterDays,
	})
	if err != nil {
		logger.Error("failed to build workers", "error", err)
		os.Exit(1)
	}
	workers.Start()

	sysMonitor := monitor.NewSystemMonitor(logger)
	sysMonitor.Start()

	admin := api.NewServer(api.Options{
		Config:   cfg,
		Manager:  manager,
		Monitor:  sysMonitor,
		Messages: st,
		Channels: st.Channels(),
		Logger:   logger,
		Version:  version,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := admin.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("admin api failed", "error", err)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin api shutdown error", "error", err)
	}
	workers.Stop(shutdownCtx)
	manager.ShutdownAll()
	sysMonitor.Stop()

	logger.Info("nroute-server stopped")
}
