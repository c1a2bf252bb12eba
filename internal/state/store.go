// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Leyline Contributors

package state

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"

	"github.com/leyline-rpg/leyline/internal/event"
	"github.com/leyline-rpg/leyline/internal/observability"
	"github.com/leyline-rpg/leyline/pkg/errutil"
)

// Config bounds the store's save/backup behavior.
type Config struct {
	SavesDir    string
	BackupsDir  string
	MaxBackups  int
	Compression bool
	Validation  bool
	GameVersion string
}

func (c *Config) normalize() {
	if c.MaxBackups <= 0 {
		c.MaxBackups = 5
	}
	if c.GameVersion == "" {
		c.GameVersion = "0.0.0"
	}
}

// EntityView is a read-only snapshot of one tracker, safe to hold after the
// store has moved on.
type EntityView struct {
	EntityID     string
	EntityType   string
	State        map[string]any
	LastModified time.Time
	Dirty        bool
}

// Store owns the collection of entity trackers and the game-state bag, and
// drives versioned save/load. One mutex guards the tracker collection; a
// separate mutex serializes save/load against each other and auto-save.
type Store struct {
	cfg     Config
	bus     *event.Bus
	logger  *slog.Logger
	metrics *observability.Metrics

	mu        sync.RWMutex
	trackers  map[string]*Tracker
	gameState map[string]any

	saveMu sync.Mutex

	saves   atomic.Int64
	loads   atomic.Int64
	changes atomic.Int64

	now func() time.Time
}

// NewStore creates an empty store. bus may be nil in tests; lifecycle events
// are then skipped.
func NewStore(cfg Config, bus *event.Bus, logger *slog.Logger, metrics *observability.Metrics) *Store {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:       cfg,
		bus:       bus,
		logger:    logger.With("module", "state"),
		metrics:   metrics,
		trackers:  make(map[string]*Tracker),
		gameState: make(map[string]any),
		now:       time.Now,
	}
}

// RegisterEntity creates a tracker for a new entity. Registering an ID that
// already exists is rejected; silent overwrite would lose change history.
func (s *Store) RegisterEntity(id, entityType string, initial map[string]any) error {
	if id == "" {
		return oops.In("state").Code("VALIDATION_FAILED").New("entity ID cannot be empty")
	}
	if entityType == "" {
		return oops.In("state").Code("VALIDATION_FAILED").With("entity_id", id).New("entity type cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.trackers[id]; exists {
		return oops.In("state").Code("ENTITY_EXISTS").With("entity_id", id).
			New("entity is already registered")
	}
	s.trackers[id] = NewTracker(id, entityType, initial)
	s.metrics.SetTrackedEntities(len(s.trackers))

	s.logger.Debug("entity registered", "entity_id", id, "entity_type", entityType)
	return nil
}

// UpdateEntityState records a property change on a registered entity.
// An unknown entity is a warning, not a fatal condition: domain modules may
// race entity removal, and the source treats this defensively.
func (s *Store) UpdateEntityState(id, property string, value any, changeType ChangeType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracker, ok := s.trackers[id]
	if !ok {
		err := oops.In("state").Code("ENTITY_NOT_FOUND").With("entity_id", id).With("property", property).
			New("cannot update unregistered entity")
		errutil.LogWarn(s.logger, "entity state update skipped", err)
		return err
	}

	tracker.RecordChange(property, value, changeType, "core")
	s.changes.Add(1)
	return nil
}

// RemoveEntity destroys an entity's tracker.
func (s *Store) RemoveEntity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trackers[id]; !ok {
		return oops.In("state").Code("ENTITY_NOT_FOUND").With("entity_id", id).New("entity is not registered")
	}
	delete(s.trackers, id)
	s.metrics.SetTrackedEntities(len(s.trackers))
	s.logger.Debug("entity removed", "entity_id", id)
	return nil
}

// Clear destroys all trackers and the game-state bag, e.g. before a full reload.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackers = make(map[string]*Tracker)
	s.gameState = make(map[string]any)
	s.metrics.SetTrackedEntities(0)
	s.logger.Info("state store cleared")
}

// Entity returns a snapshot view of one tracker.
func (s *Store) Entity(id string) (EntityView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tracker, ok := s.trackers[id]
	if !ok {
		return EntityView{}, false
	}
	return EntityView{
		EntityID:     id,
		EntityType:   tracker.EntityType(),
		State:        tracker.State(),
		LastModified: tracker.LastModified(),
		Dirty:        tracker.IsDirty(),
	}, true
}

// EntityDiff returns the diff of one tracker since its last MarkClean.
func (s *Store) EntityDiff(id string) (Diff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tracker, ok := s.trackers[id]
	if !ok {
		return Diff{}, oops.In("state").Code("ENTITY_NOT_FOUND").With("entity_id", id).New("entity is not registered")
	}
	return tracker.Diff(), nil
}

// Entities returns the IDs of all tracked entities.
func (s *Store) Entities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.trackers))
	for id := range s.trackers {
		ids = append(ids, id)
	}
	return ids
}

// EntityCount returns the number of tracked entities.
func (s *Store) EntityCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.trackers)
}

// DirtyCount returns how many trackers carry unsaved changes.
func (s *Store) DirtyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, tracker := range s.trackers {
		if tracker.IsDirty() {
			n++
		}
	}
	return n
}

// SetGameValue stores a value in the global game-state bag.
func (s *Store) SetGameValue(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gameState[key] = value
}

// GameValue reads a value from the global game-state bag.
func (s *Store) GameValue(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.gameState[key]
	return v, ok
}

// GameState returns a copy of the global game-state bag.
func (s *Store) GameState() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.gameState)
}

// ApplyRemoteEntity updates or registers an entity from a remote record,
// recording each property under the given source. Used by the sync
// coordinator; conflicts have already been resolved by the caller.
func (s *Store) ApplyRemoteEntity(id string, rec EntityRecord, properties map[string]any, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracker, ok := s.trackers[id]
	if !ok {
		tracker = NewTracker(id, rec.EntityType, nil)
		s.trackers[id] = tracker
		s.metrics.SetTrackedEntities(len(s.trackers))
	}
	for property, value := range properties {
		tracker.RecordChange(property, value, ChangeUpdate, source)
		s.changes.Add(1)
	}
}

// ReplaceEntity unconditionally replaces (or creates) an entity's tracker
// from a remote record. Used by overwrite-mode sync.
func (s *Store) ReplaceEntity(id string, rec EntityRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracker := restoreTracker(id, rec)
	s.trackers[id] = tracker
	s.metrics.SetTrackedEntities(len(s.trackers))
}

// announce publishes a lifecycle event, logging instead of failing when the
// bus write does not go through.
func (s *Store) announce(ctx context.Context, eventType string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if _, err := s.bus.Publish(ctx, eventType, data, event.FromSource("state")); err != nil {
		errutil.LogError(s.logger, "failed to announce "+eventType, err)
	}
}

// performanceSnapshot captures the store's counters for the save document.
func (s *Store) performanceSnapshot() map[string]any {
	return map[string]any{
		"saves":           s.saves.Load(),
		"loads":           s.loads.Load(),
		"recordedChanges": s.changes.Load(),
	}
}
