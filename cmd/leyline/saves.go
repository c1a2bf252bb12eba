// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Leyline Contributors

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/leyline-rpg/leyline/internal/config"
	"github.com/leyline-rpg/leyline/internal/logging"
	"github.com/leyline-rpg/leyline/internal/state"
)

// NewSavesCmd creates the saves subcommand.
func NewSavesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "saves",
		Short: "Inspect and restore save files",
	}
	cmd.AddCommand(newSavesListCmd())
	cmd.AddCommand(newSavesRestoreCmd())
	return cmd
}

func newSavesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List save files, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}

			infos, err := store.ListSaves()
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				cmd.Println("no saves found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSAVED AT\tENTITIES\tVERSION\tCOMPRESSED")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%v\n",
					info.Name,
					info.SavedAt.Format("2006-01-02 15:04:05"),
					info.EntityCount,
					info.Version,
					info.Compressed)
			}
			return w.Flush()
		},
	}
}

func newSavesRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup-file> <save-name>",
		Short: "Restore a backup over a save",
		Long: `Restore a backup file over the named save. The current save is backed
up first, so a restore can itself be undone.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}

			backup := args[0]
			if !filepath.IsAbs(backup) {
				if abs, absErr := filepath.Abs(backup); absErr == nil {
					backup = abs
				}
			}
			if err := store.RestoreBackup(backup, args[1]); err != nil {
				return err
			}
			cmd.Printf("restored %s from %s\n", args[1], args[0])
			return nil
		},
	}
}

// openStore builds a store from config for one-shot file operations.
// No bus: inspection commands should not enqueue lifecycle events.
func openStore() (*state.Store, error) {
	cfg, err := config.Load(configFile, nil)
	if err != nil {
		return nil, err
	}

	logger := logging.Setup("leyline", version, cfg.Logging.Format,
		logging.ParseLevel(cfg.Logging.Level), os.Stderr)
	slog.SetDefault(logger)

	return state.NewStore(state.Config{
		SavesDir:    cfg.State.SavesDir,
		BackupsDir:  cfg.State.BackupsDir,
		MaxBackups:  cfg.State.MaxBackups,
		Compression: cfg.State.CompressionEnabled,
		Validation:  cfg.State.Validation,
		GameVersion: cfg.State.GameVersion,
	}, nil, logger, nil), nil
}
