package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"transferengine/internal/analytics"
	"transferengine/internal/config"
	"transferengine/internal/filesystem"
	"transferengine/internal/ipc"
	"transferengine/internal/logger"
	"transferengine/internal/notify"
	"transferengine/internal/scheduler"
	"transferengine/internal/security"
	"transferengine/internal/taskstore"
	"transferengine/internal/transfer"
)

// stateDir holds the service's database, logs, and IPC socket; overridable
// for development so the service doesn't need root to run out of
// /var/lib/transferengine.
func stateDir() string {
	if v := os.Getenv("TRANSFERENGINE_STATE_DIR"); v != "" {
		return v
	}
	return "/var/lib/transferengine"
}

func main() {
	dir := stateDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		println("failed to create state dir:", err.Error())
		os.Exit(1)
	}

	log, eventHandler, err := logger.New(os.Stdout, dir)
	if err != nil {
		println("failed to initialize logger:", err.Error())
		os.Exit(1)
	}

	storage, err := taskstore.NewStorage(filepath.Join(dir, "transferengine.db"), log)
	if err != nil {
		log.Error("failed to open storage", "error", err)
		os.Exit(1)
	}

	cfg := config.NewServiceConfig(storage)
	resolver := filesystem.NewPathResolver(cfg.BaseDir())

	registry, err := taskstore.NewRegistry(storage, resolver, cfg.BundleQuota())
	if err != nil {
		log.Error("failed to initialize task registry", "error", err)
		os.Exit(1)
	}
	if err := registry.Rehydrate(); err != nil {
		log.Error("failed to rehydrate task registry", "error", err)
		os.Exit(1)
	}

	netMon := scheduler.NewNetworkMonitor(log)
	sched := scheduler.NewScheduler(log, registry, netMon, cfg.KTotal(), cfg.KBundle())

	bus := notify.NewBus(log, storage)
	eventHandler.SetSink(bus.EventSink)

	engine := transfer.NewEngine(log, registry, sched, bus, cfg, resolver)

	stats := analytics.NewStatsManager(storage, resolver)
	engine.SetStats(stats)
	engine.SetScanner(security.NewScanner(log))

	audit := security.NewAuditLogger(log, dir)
	defer audit.Close()

	dispatcher := ipc.NewDispatcher(log, registry, sched, engine, bus, cfg, audit)
	debugServer := ipc.NewDebugServer(log, registry, stats, cfg.DebugHTTPPort())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sched.WatchNetwork(ctx)

	if err := debugServer.Start(); err != nil {
		log.Warn("debug server failed to start", "error", err)
	}

	go func() {
		if err := dispatcher.Listen(ctx); err != nil && ctx.Err() == nil {
			log.Error("ipc dispatcher stopped unexpectedly", "error", err)
		}
	}()

	log.Info("transfer engine started", "socket", cfg.SocketPath(), "debug_port", cfg.DebugHTTPPort())

	waitForSignals(func() {
		log.Info("shutdown signal received, stopping")
		cancel()
	})

	<-ctx.Done()
}

// waitForSignals blocks the calling goroutine until SIGINT or SIGTERM
// arrives, then runs onSignal.
func waitForSignals(onSignal func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	if onSignal != nil {
		onSignal()
	}
}
