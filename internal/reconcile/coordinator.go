// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Leyline Contributors

// Package reconcile merges remote browser snapshots into the authoritative
// state store using per-call modes and a configured conflict policy.
package reconcile

import (
	"context"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/leyline-rpg/leyline/internal/event"
	"github.com/leyline-rpg/leyline/internal/observability"
	"github.com/leyline-rpg/leyline/internal/state"
	"github.com/leyline-rpg/leyline/pkg/errutil"
)

// Mode selects how a snapshot is reconciled.
type Mode string

// Reconciliation modes.
const (
	ModeMerge     Mode = "merge"
	ModeOverwrite Mode = "overwrite"
	ModeValidate  Mode = "validate"
)

// ParseMode maps a string onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeMerge, ModeOverwrite, ModeValidate:
		return Mode(s), nil
	default:
		return "", oops.In("sync").Code("VALIDATION_FAILED").With("mode", s).
			New("unknown sync mode")
	}
}

// Policy decides conflicting property values during a merge.
type Policy string

// Conflict-resolution policies.
const (
	// LastWriteWins applies the remote entity only when its lastModified is
	// strictly newer than the local tracker's.
	LastWriteWins Policy = "last-write-wins"
	// Manual queues conflicts for out-of-band resolution without mutating.
	Manual Policy = "manual"
)

// ParsePolicy maps a string onto a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case LastWriteWins, Manual:
		return Policy(s), nil
	default:
		return "", oops.In("sync").Code("VALIDATION_FAILED").With("policy", s).
			New("unknown conflict-resolution policy")
	}
}

// Conflict is one property where local and remote disagree. Conflicts are
// data, not errors; they are resolved by policy or queued for later.
type Conflict struct {
	EntityID    string `json:"entityId"`
	Property    string `json:"property"`
	LocalValue  any    `json:"localValue"`
	RemoteValue any    `json:"remoteValue"`
}

// PendingConflict is a conflict parked by the manual policy.
type PendingConflict struct {
	Conflict
	RemoteLastModified time.Time `json:"remoteLastModified"`
	DetectedAt         time.Time `json:"detectedAt"`
}

// Result summarizes one reconciliation run.
type Result struct {
	Mode            Mode     `json:"mode"`
	Success         bool     `json:"success"`
	ConflictCount   int      `json:"conflictCount"`
	UpdatedEntities []string `json:"updatedEntities"`
	Errors          []string `json:"errors,omitempty"`
}

// Config bounds the coordinator's behavior.
type Config struct {
	Policy Policy
	// Validation enables schema validation on snapshot decode, matching the
	// store's load-time setting.
	Validation bool
}

// Coordinator reconciles remote snapshots against a state store. It never
// holds tracker references beyond a single call; all mutation goes through
// the store's API.
type Coordinator struct {
	cfg     Config
	store   *state.Store
	bus     *event.Bus
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	pending []PendingConflict

	now func() time.Time
}

// NewCoordinator creates a coordinator. bus may be nil in tests.
func NewCoordinator(cfg Config, store *state.Store, bus *event.Bus, logger *slog.Logger, metrics *observability.Metrics) (*Coordinator, error) {
	if store == nil {
		return nil, oops.In("sync").Code("VALIDATION_FAILED").New("state store is required")
	}
	if _, err := ParsePolicy(string(cfg.Policy)); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:     cfg,
		store:   store,
		bus:     bus,
		logger:  logger.With("module", "sync"),
		metrics: metrics,
		now:     time.Now,
	}, nil
}

// ApplyFile reads a snapshot file and reconciles it.
func (c *Coordinator) ApplyFile(ctx context.Context, path string, mode Mode) (Result, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		err = oops.In("sync").Code("IO_FAILED").With("path", path).Wrap(err)
		return c.fail(ctx, mode, err), err
	}
	return c.Apply(ctx, raw, mode)
}

// Apply validates and reconciles a raw JSON snapshot. Malformed top-level
// input is unrecoverable: the result reports failure and the error is
// returned. Per-entity failures during merge are collected into the result
// and do not abort the batch.
func (c *Coordinator) Apply(ctx context.Context, raw []byte, mode Mode) (Result, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return c.fail(ctx, mode, err), err
	}

	doc, err := state.DecodeDocument(raw, c.cfg.Validation)
	if mode == ModeValidate {
		res := Result{Mode: mode, Success: err == nil}
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
		}
		c.finish(ctx, res)
		return res, nil
	}
	if err != nil {
		return c.fail(ctx, mode, err), err
	}

	var res Result
	switch mode {
	case ModeMerge:
		res = c.merge(doc.Entities)
	case ModeOverwrite:
		res = c.overwrite(doc.Entities)
	}
	c.finish(ctx, res)
	return res, nil
}

// merge reconciles each remote entity against its local tracker.
func (c *Coordinator) merge(entities map[string]state.EntityRecord) Result {
	res := Result{Mode: ModeMerge, Success: true}

	for _, id := range slices.Sorted(maps.Keys(entities)) {
		rec := entities[id]
		if rec.EntityType == "" {
			res.Errors = append(res.Errors, oops.In("sync").Code("VALIDATION_FAILED").
				With("entity_id", id).New("remote entity has no type").Error())
			continue
		}

		local, exists := c.store.Entity(id)
		if !exists {
			c.store.ReplaceEntity(id, rec)
			res.UpdatedEntities = append(res.UpdatedEntities, id)
			continue
		}

		conflicts, fresh := splitProperties(id, local.State, rec.State)
		if len(conflicts) == 0 {
			if len(fresh) > 0 {
				c.store.ApplyRemoteEntity(id, rec, fresh, "sync")
				res.UpdatedEntities = append(res.UpdatedEntities, id)
			}
			continue
		}

		res.ConflictCount += len(conflicts)
		switch c.cfg.Policy {
		case LastWriteWins:
			if !rec.LastModified.After(local.LastModified) {
				c.logger.Debug("merge conflict resolved for local",
					"entity_id", id, "conflicts", len(conflicts))
				continue
			}
			winning := maps.Clone(fresh)
			if winning == nil {
				winning = map[string]any{}
			}
			for _, conflict := range conflicts {
				winning[conflict.Property] = conflict.RemoteValue
			}
			c.store.ApplyRemoteEntity(id, rec, winning, "sync")
			res.UpdatedEntities = append(res.UpdatedEntities, id)
			c.logger.Debug("merge conflict resolved for remote",
				"entity_id", id, "conflicts", len(conflicts))

		case Manual:
			c.park(conflicts, rec.LastModified)
			c.logger.Info("merge conflicts queued for manual resolution",
				"entity_id", id, "conflicts", len(conflicts))
		}
	}
	return res
}

// overwrite replaces every local tracker named by the snapshot.
func (c *Coordinator) overwrite(entities map[string]state.EntityRecord) Result {
	res := Result{Mode: ModeOverwrite, Success: true}
	for _, id := range slices.Sorted(maps.Keys(entities)) {
		c.store.ReplaceEntity(id, entities[id])
		res.UpdatedEntities = append(res.UpdatedEntities, id)
	}
	return res
}

// splitProperties partitions remote properties into conflicts (present
// locally with a different value) and fresh values (absent locally).
// Properties equal on both sides need no action.
func splitProperties(entityID string, local, remote map[string]any) ([]Conflict, map[string]any) {
	var conflicts []Conflict
	fresh := map[string]any{}

	for _, property := range slices.Sorted(maps.Keys(remote)) {
		remoteValue := remote[property]
		localValue, ok := local[property]
		switch {
		case !ok:
			fresh[property] = remoteValue
		case !state.ValuesEqual(localValue, remoteValue):
			conflicts = append(conflicts, Conflict{
				EntityID:    entityID,
				Property:    property,
				LocalValue:  localValue,
				RemoteValue: remoteValue,
			})
		}
	}
	return conflicts, fresh
}

// park appends conflicts to the pending-resolution queue.
func (c *Coordinator) park(conflicts []Conflict, remoteLastModified time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conflict := range conflicts {
		c.pending = append(c.pending, PendingConflict{
			Conflict:           conflict,
			RemoteLastModified: remoteLastModified,
			DetectedAt:         c.now(),
		})
	}
}

// PendingConflicts returns a snapshot of the manual-resolution queue.
func (c *Coordinator) PendingConflicts() []PendingConflict {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.pending)
}

// ResolvePending settles one parked conflict. useRemote applies the remote
// value to the store; either way the conflict leaves the queue.
func (c *Coordinator) ResolvePending(entityID, property string, useRemote bool) error {
	c.mu.Lock()
	idx := slices.IndexFunc(c.pending, func(p PendingConflict) bool {
		return p.EntityID == entityID && p.Property == property
	})
	if idx < 0 {
		c.mu.Unlock()
		return oops.In("sync").Code("NOT_FOUND").
			With("entity_id", entityID).With("property", property).
			New("no pending conflict for that entity property")
	}
	parked := c.pending[idx]
	c.pending = slices.Delete(c.pending, idx, idx+1)
	c.mu.Unlock()

	if useRemote {
		c.store.ApplyRemoteEntity(entityID, state.EntityRecord{}, map[string]any{
			property: parked.RemoteValue,
		}, "sync")
	}
	c.logger.Info("pending conflict resolved",
		"entity_id", entityID, "property", property, "use_remote", useRemote)
	return nil
}

// finish records metrics and announces the run.
func (c *Coordinator) finish(ctx context.Context, res Result) {
	status := "ok"
	if !res.Success {
		status = "error"
	}
	c.metrics.RecordSyncRun(string(res.Mode), status)
	c.metrics.RecordSyncConflicts(res.ConflictCount)

	c.logger.Info("snapshot reconciled",
		"mode", res.Mode,
		"success", res.Success,
		"conflicts", res.ConflictCount,
		"updated", len(res.UpdatedEntities),
		"errors", len(res.Errors))

	eventType := event.TypeBrowserSynced
	if !res.Success {
		eventType = event.TypeSyncError
	}
	c.announce(ctx, eventType, res)
}

// fail records and announces an unrecoverable run failure.
func (c *Coordinator) fail(ctx context.Context, mode Mode, err error) Result {
	res := Result{Mode: mode, Errors: []string{err.Error()}}
	c.metrics.RecordSyncRun(string(mode), "error")
	errutil.LogError(c.logger, "snapshot reconciliation failed", err)
	c.announce(ctx, event.TypeSyncError, res)
	return res
}

func (c *Coordinator) announce(ctx context.Context, eventType string, res Result) {
	if c.bus == nil {
		return
	}
	data := map[string]any{
		"mode":            string(res.Mode),
		"success":         res.Success,
		"conflictCount":   res.ConflictCount,
		"updatedEntities": res.UpdatedEntities,
	}
	if len(res.Errors) > 0 {
		data["errors"] = res.Errors
	}
	if _, err := c.bus.Publish(ctx, eventType, data, event.FromSource("sync")); err != nil {
		errutil.LogError(c.logger, "failed to announce "+eventType, err)
	}
}
