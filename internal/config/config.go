// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Leyline Contributors

// Package config loads Leyline configuration from YAML files and flags.
package config

import (
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/leyline-rpg/leyline/internal/xdg"
)

// Conflict resolution policy names accepted in configuration.
const (
	PolicyLastWriteWins = "last-write-wins"
	PolicyManual        = "manual"
)

// Logging configures the structured logger.
type Logging struct {
	Format string `koanf:"format"` // "json" or "text"
	Level  string `koanf:"level"`  // debug, info, warn, error
}

// Events configures the event bus and its on-disk queue/log.
type Events struct {
	MaxQueueSize        int    `koanf:"max_queue_size"`
	MaxEventLogSize     int    `koanf:"max_event_log_size"`
	RetentionDays       int    `koanf:"retention_days"`
	DedupWindowMinutes  int    `koanf:"dedup_window_minutes"`
	EnableDeduplication bool   `koanf:"enable_deduplication"`
	FlushEvery          int    `koanf:"flush_every"`
	QueueFile           string `koanf:"queue_file"`
	LogFile             string `koanf:"log_file"`
}

// DedupWindow returns the deduplication window as a duration.
func (e Events) DedupWindow() time.Duration {
	return time.Duration(e.DedupWindowMinutes) * time.Minute
}

// State configures the state store, saves, and auto-save.
type State struct {
	SavesDir            string `koanf:"saves_dir"`
	BackupsDir          string `koanf:"backups_dir"`
	AutoSaveIntervalSec int    `koanf:"auto_save_interval"`
	MaxBackups          int    `koanf:"max_backups"`
	CompressionEnabled  bool   `koanf:"compression_enabled"`
	Validation          bool   `koanf:"validation"`
	GameVersion         string `koanf:"game_version"`
}

// AutoSaveInterval returns the auto-save interval as a duration.
func (s State) AutoSaveInterval() time.Duration {
	return time.Duration(s.AutoSaveIntervalSec) * time.Second
}

// Sync configures browser-state reconciliation.
type Sync struct {
	ConflictResolution string `koanf:"conflict_resolution"`
	SnapshotFile       string `koanf:"snapshot_file"`
}

// Observability configures the metrics/health HTTP server.
type Observability struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// Config is the root configuration for the Leyline core.
type Config struct {
	Logging       Logging       `koanf:"logging"`
	Events        Events        `koanf:"events"`
	State         State         `koanf:"state"`
	Sync          Sync          `koanf:"sync"`
	Observability Observability `koanf:"observability"`
}

// Default returns the configuration defaults.
func Default() Config {
	bridge := xdg.BridgeDir()
	return Config{
		Logging: Logging{
			Format: "json",
			Level:  "info",
		},
		Events: Events{
			MaxQueueSize:        100,
			MaxEventLogSize:     1000,
			RetentionDays:       7,
			DedupWindowMinutes:  5,
			EnableDeduplication: true,
			FlushEvery:          10,
			QueueFile:           bridge + "/event-queue.json",
			LogFile:             bridge + "/event-log.json",
		},
		State: State{
			SavesDir:            xdg.SavesDir(),
			BackupsDir:          xdg.BackupsDir(),
			AutoSaveIntervalSec: 300,
			MaxBackups:          5,
			CompressionEnabled:  false,
			Validation:          true,
			GameVersion:         "1.0.0",
		},
		Sync: Sync{
			ConflictResolution: PolicyLastWriteWins,
			SnapshotFile:       bridge + "/browser-state.json",
		},
		Observability: Observability{
			Enabled: true,
			Addr:    "127.0.0.1:9300",
		},
	}
}

// Load reads configuration from an optional YAML file and optional flags,
// layered over the defaults. Flag names use dotted paths (e.g. "state.saves_dir").
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, oops.In("config").Code("IO_FAILED").With("path", path).Wrap(err)
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return cfg, oops.In("config").Code("VALIDATION_FAILED").Wrap(err)
		}
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, oops.In("config").Code("VALIDATION_FAILED").With("path", path).Wrap(err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the core cannot run with.
func (c Config) Validate() error {
	errb := oops.In("config").Code("VALIDATION_FAILED")

	if c.Events.MaxQueueSize <= 0 {
		return errb.With("events.max_queue_size", c.Events.MaxQueueSize).New("max_queue_size must be positive")
	}
	if c.Events.MaxEventLogSize <= 0 {
		return errb.With("events.max_event_log_size", c.Events.MaxEventLogSize).New("max_event_log_size must be positive")
	}
	if c.Events.FlushEvery <= 0 {
		return errb.With("events.flush_every", c.Events.FlushEvery).New("flush_every must be positive")
	}
	if c.State.AutoSaveIntervalSec <= 0 {
		return errb.With("state.auto_save_interval", c.State.AutoSaveIntervalSec).New("auto_save_interval must be positive")
	}
	if c.State.MaxBackups < 0 {
		return errb.With("state.max_backups", c.State.MaxBackups).New("max_backups cannot be negative")
	}
	switch c.Sync.ConflictResolution {
	case PolicyLastWriteWins, PolicyManual:
	default:
		return errb.With("sync.conflict_resolution", c.Sync.ConflictResolution).
			New("conflict_resolution must be last-write-wins or manual")
	}
	return nil
}
