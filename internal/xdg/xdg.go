// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Leyline Contributors

// Package xdg provides XDG Base Directory paths for Leyline.
package xdg

import (
	"fmt"
	"os"
	"path/filepath"
)

const appName = "leyline"

// ConfigDir returns the XDG config directory for leyline.
// Checks XDG_CONFIG_HOME first, falls back to ~/.config.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		base = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(base, appName)
}

// DataDir returns the XDG data directory for leyline.
// Checks XDG_DATA_HOME first, falls back to ~/.local/share.
func DataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		base = filepath.Join(os.Getenv("HOME"), ".local", "share")
	}
	return filepath.Join(base, appName)
}

// StateDir returns the XDG state directory for leyline.
// Checks XDG_STATE_HOME first, falls back to ~/.local/state.
func StateDir() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		base = filepath.Join(os.Getenv("HOME"), ".local", "state")
	}
	return filepath.Join(base, appName)
}

// SavesDir returns the default directory for save files.
func SavesDir() string {
	return filepath.Join(DataDir(), "saves")
}

// BackupsDir returns the default directory for save file backups.
func BackupsDir() string {
	return filepath.Join(DataDir(), "backups")
}

// BridgeDir returns the default directory for the files shared with the
// frontend transport (event queue, event log, command file).
func BridgeDir() string {
	return filepath.Join(StateDir(), "bridge")
}

// EnsureDir creates a directory and all parent directories if they don't exist.
// Directories are created with 0700 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}
