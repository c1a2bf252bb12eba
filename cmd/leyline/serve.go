// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Leyline Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/leyline-rpg/leyline/internal/config"
	"github.com/leyline-rpg/leyline/internal/event"
	"github.com/leyline-rpg/leyline/internal/logging"
	"github.com/leyline-rpg/leyline/internal/observability"
	"github.com/leyline-rpg/leyline/internal/reconcile"
	"github.com/leyline-rpg/leyline/internal/state"
	"github.com/leyline-rpg/leyline/internal/xdg"
	"github.com/leyline-rpg/leyline/pkg/errutil"
)

// snapshotPollInterval is how often serve checks the browser snapshot file
// for changes. The frontend overwrites the whole file, so mtime is enough.
const snapshotPollInterval = 2 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the core process",
		Long: `Run the core process: the event bus, the state store with auto-save,
the browser snapshot reconciler, and the metrics/health server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd)
		},
	}

	defaults := config.Default()
	cmd.Flags().String("logging.level", defaults.Logging.Level, "log level (debug, info, warn, error)")
	cmd.Flags().String("logging.format", defaults.Logging.Format, "log format (json or text)")
	cmd.Flags().String("observability.addr", defaults.Observability.Addr, "metrics/health HTTP address")
	cmd.Flags().String("sync.snapshot_file", defaults.Sync.SnapshotFile, "browser snapshot file to reconcile")

	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger := logging.Setup("leyline", version, cfg.Logging.Format,
		logging.ParseLevel(cfg.Logging.Level), os.Stderr)
	slog.SetDefault(logger)

	for _, dir := range []string{cfg.State.SavesDir, cfg.State.BackupsDir, xdg.BridgeDir()} {
		if err := xdg.EnsureDir(dir); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Observability server first so the bus and store can record metrics.
	var metrics *observability.Metrics
	var obsServer *observability.Server
	if cfg.Observability.Enabled {
		obsServer = observability.NewServer(cfg.Observability.Addr, func() bool { return true })
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return err
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		metrics = obsServer.Metrics()
	}

	bus, err := event.NewBus(event.Config{
		MaxQueueSize:  cfg.Events.MaxQueueSize,
		MaxLogSize:    cfg.Events.MaxEventLogSize,
		Retention:     time.Duration(cfg.Events.RetentionDays) * 24 * time.Hour,
		DedupWindow:   cfg.Events.DedupWindow(),
		DedupeEnabled: cfg.Events.EnableDeduplication,
		FlushEvery:    cfg.Events.FlushEvery,
		QueueFile:     cfg.Events.QueueFile,
		LogFile:       cfg.Events.LogFile,
	}, logger, metrics)
	if err != nil {
		return err
	}

	store := state.NewStore(state.Config{
		SavesDir:    cfg.State.SavesDir,
		BackupsDir:  cfg.State.BackupsDir,
		MaxBackups:  cfg.State.MaxBackups,
		Compression: cfg.State.CompressionEnabled,
		Validation:  cfg.State.Validation,
		GameVersion: cfg.State.GameVersion,
	}, bus, logger, metrics)

	coordinator, err := reconcile.NewCoordinator(reconcile.Config{
		Policy:     reconcile.Policy(cfg.Sync.ConflictResolution),
		Validation: cfg.State.Validation,
	}, store, bus, logger, metrics)
	if err != nil {
		return err
	}

	autoSaver := state.NewAutoSaver(store, cfg.State.AutoSaveInterval(), logger)
	autoSaver.Start(ctx)

	if cfg.Sync.SnapshotFile != "" {
		go pollSnapshot(ctx, coordinator, cfg.Sync.SnapshotFile, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("Leyline core started")
	logger.Info("core ready",
		"saves_dir", cfg.State.SavesDir,
		"snapshot_file", cfg.Sync.SnapshotFile,
		"conflict_resolution", cfg.Sync.ConflictResolution)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	logger.Info("shutting down...")

	// Final best-effort save before flushing the bus files.
	autoSaver.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := bus.Close(shutdownCtx); err != nil {
		errutil.LogError(logger, "failed to flush event files", err)
	}
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			errutil.LogError(logger, "error stopping observability server", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// pollSnapshot merges the browser snapshot file whenever its mtime changes.
// Reconciliation failures are logged and the poll continues; the frontend may
// be mid-write and the next tick will pick up the finished file.
func pollSnapshot(ctx context.Context, coordinator *reconcile.Coordinator, path string, logger *slog.Logger) {
	ticker := time.NewTicker(snapshotPollInterval)
	defer ticker.Stop()

	var lastMod time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				continue // no snapshot yet
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			lastMod = info.ModTime()

			if _, err := coordinator.ApplyFile(ctx, path, reconcile.ModeMerge); err != nil {
				errutil.LogError(logger, "snapshot reconciliation failed", err)
			}
		}
	}
}

// monitorServerErrors cancels the context when a background server fails so
// the whole process shuts down instead of limping on.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}
