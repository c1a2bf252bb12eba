// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Leyline Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the Leyline CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leyline",
		Short: "Leyline - browser-map RPG core",
		Long: `Leyline runs the core process of a browser-map RPG: it tracks game
entities, persists versioned saves, and exchanges events with the browser
frontend through JSON files on disk.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	// Add subcommands
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewSyncCmd())
	cmd.AddCommand(NewSavesCmd())

	return cmd
}
