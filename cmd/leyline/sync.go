// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Leyline Contributors

package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/leyline-rpg/leyline/internal/config"
	"github.com/leyline-rpg/leyline/internal/event"
	"github.com/leyline-rpg/leyline/internal/logging"
	"github.com/leyline-rpg/leyline/internal/reconcile"
	"github.com/leyline-rpg/leyline/internal/state"
)

// syncConfig holds flags for the sync subcommand.
type syncConfig struct {
	mode     string
	snapshot string
	save     string
}

// NewSyncCmd creates the sync subcommand.
func NewSyncCmd() *cobra.Command {
	flags := &syncConfig{}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile a browser snapshot once",
		Long: `Reconcile a browser snapshot file against a save in one shot.
The save is loaded first (when it exists), the snapshot is applied in the
chosen mode, and the result is written back under the same save name unless
the mode was validate. The reconciliation result is printed as JSON.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd.Context(), cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.mode, "mode", string(reconcile.ModeMerge), "reconciliation mode (merge, overwrite, validate)")
	cmd.Flags().StringVar(&flags.snapshot, "snapshot", "", "snapshot file (default: sync.snapshot_file from config)")
	cmd.Flags().StringVar(&flags.save, "save", "", "save name to load before and write after reconciling")

	return cmd
}

func runSync(ctx context.Context, cmd *cobra.Command, flags *syncConfig) error {
	cfg, err := config.Load(configFile, nil)
	if err != nil {
		return err
	}

	mode, err := reconcile.ParseMode(flags.mode)
	if err != nil {
		return err
	}
	snapshot := flags.snapshot
	if snapshot == "" {
		snapshot = cfg.Sync.SnapshotFile
	}

	logger := logging.Setup("leyline", version, cfg.Logging.Format,
		logging.ParseLevel(cfg.Logging.Level), os.Stderr)
	slog.SetDefault(logger)

	bus, err := event.NewBus(event.Config{
		MaxQueueSize:  cfg.Events.MaxQueueSize,
		MaxLogSize:    cfg.Events.MaxEventLogSize,
		DedupWindow:   cfg.Events.DedupWindow(),
		DedupeEnabled: cfg.Events.EnableDeduplication,
		FlushEvery:    cfg.Events.FlushEvery,
		QueueFile:     cfg.Events.QueueFile,
		LogFile:       cfg.Events.LogFile,
	}, logger, nil)
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
	}, bus, logger, nil)

	if flags.save != "" {
		if _, err := store.Load(ctx, flags.save); err != nil {
			var oopsErr oops.OopsError
			if !errors.As(err, &oopsErr) || oopsErr.Code() != "SAVE_NOT_FOUND" {
				return err
			}
			logger.Info("save does not exist yet, starting empty", "save", flags.save)
		}
	}

	coordinator, err := reconcile.NewCoordinator(reconcile.Config{
		Policy:     reconcile.Policy(cfg.Sync.ConflictResolution),
		Validation: cfg.State.Validation,
	}, store, bus, logger, nil)
	if err != nil {
		return err
	}

	res, err := coordinator.ApplyFile(ctx, snapshot, mode)
	if err != nil {
		return err
	}

	if flags.save != "" && mode != reconcile.ModeValidate {
		if _, err := store.Save(ctx, flags.save, nil); err != nil {
			return err
		}
	}
	if err := bus.Close(ctx); err != nil {
		return err
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(out))
	return nil
}
