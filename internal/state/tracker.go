// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Leyline Contributors

// Package state implements per-entity change tracking and the versioned
// save/load store that owns the trackers.
package state

import (
	"maps"
	"time"

	"github.com/leyline-rpg/leyline/internal/event"
)

// ChangeType classifies a recorded property change.
type ChangeType string

// Change types.
const (
	ChangeCreate ChangeType = "Create"
	ChangeUpdate ChangeType = "Update"
	ChangeDelete ChangeType = "Delete"
)

// ChangeRecord is one entry in a tracker's append-only change log.
type ChangeRecord struct {
	ID         string     `json:"id"`
	Property   string     `json:"property"`
	OldValue   any        `json:"oldValue"`
	NewValue   any        `json:"newValue"`
	ChangeType ChangeType `json:"changeType" jsonschema:"enum=Create,enum=Update,enum=Delete"`
	Timestamp  time.Time  `json:"timestamp"`
	Source     string     `json:"source"`
}

// ValueChange pairs the baseline and current value of a modified property.
type ValueChange struct {
	Old any
	New any
}

// Diff describes how current state differs from the last MarkClean baseline.
type Diff struct {
	Added    map[string]any
	Modified map[string]ValueChange
	Removed  map[string]any
}

// Empty reports whether the diff carries no changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// Tracker owns one entity's baseline and current state plus its change log.
// Trackers are not safe for concurrent use; the Store serializes access.
type Tracker struct {
	entityID     string
	entityType   string
	baseline     map[string]any
	current      map[string]any
	changes      []ChangeRecord
	createdAt    time.Time
	lastModified time.Time
	dirty        bool

	now func() time.Time
}

// NewTracker creates a tracker with the given initial state. The initial
// state is the first clean baseline; the tracker starts not dirty.
func NewTracker(entityID, entityType string, initial map[string]any) *Tracker {
	now := time.Now()
	if initial == nil {
		initial = map[string]any{}
	}
	return &Tracker{
		entityID:     entityID,
		entityType:   entityType,
		baseline:     maps.Clone(initial),
		current:      maps.Clone(initial),
		createdAt:    now,
		lastModified: now,
		now:          time.Now,
	}
}

// RecordChange appends a change record and applies the new value. The first
// change to a property since MarkClean captures its old value into the
// baseline so Diff can report it.
func (t *Tracker) RecordChange(property string, newValue any, changeType ChangeType, source string) ChangeRecord {
	oldValue, existed := t.current[property]

	if existed {
		if _, inBaseline := t.baseline[property]; !inBaseline {
			t.baseline[property] = oldValue
		}
	}

	if changeType == ChangeDelete {
		delete(t.current, property)
	} else {
		t.current[property] = newValue
	}

	rec := ChangeRecord{
		ID:         event.NewID().String(),
		Property:   property,
		OldValue:   oldValue,
		NewValue:   newValue,
		ChangeType: changeType,
		Timestamp:  t.now(),
		Source:     source,
	}
	t.changes = append(t.changes, rec)
	t.lastModified = rec.Timestamp
	t.dirty = true
	return rec
}

// Diff compares current state against the last MarkClean baseline.
func (t *Tracker) Diff() Diff {
	d := Diff{
		Added:    map[string]any{},
		Modified: map[string]ValueChange{},
		Removed:  map[string]any{},
	}

	for k, cur := range t.current {
		base, ok := t.baseline[k]
		switch {
		case !ok:
			d.Added[k] = cur
		case !ValuesEqual(base, cur):
			d.Modified[k] = ValueChange{Old: base, New: cur}
		}
	}
	for k, base := range t.baseline {
		if _, ok := t.current[k]; !ok {
			d.Removed[k] = base
		}
	}
	return d
}

// MarkClean clears the change log and resets the baseline to current state.
func (t *Tracker) MarkClean() {
	t.changes = nil
	t.baseline = maps.Clone(t.current)
	t.dirty = false
}

// EntityID returns the tracked entity's ID.
func (t *Tracker) EntityID() string { return t.entityID }

// EntityType returns the tracked entity's type.
func (t *Tracker) EntityType() string { return t.entityType }

// IsDirty reports whether changes were recorded since the last MarkClean.
func (t *Tracker) IsDirty() bool { return t.dirty }

// LastModified returns the timestamp of the most recent change.
func (t *Tracker) LastModified() time.Time { return t.lastModified }

// CreatedAt returns when the tracker was created.
func (t *Tracker) CreatedAt() time.Time { return t.createdAt }

// State returns a copy of the current state.
func (t *Tracker) State() map[string]any { return maps.Clone(t.current) }

// Value returns one property from current state.
func (t *Tracker) Value(property string) (any, bool) {
	v, ok := t.current[property]
	return v, ok
}

// Changes returns a copy of the change log.
func (t *Tracker) Changes() []ChangeRecord {
	out := make([]ChangeRecord, len(t.changes))
	copy(out, t.changes)
	return out
}

// restoreTracker rebuilds a tracker from a saved entity record, preserving
// change history and dirty flag verbatim. The baseline is reconstructed by
// reverse-applying the change log onto the saved current state.
func restoreTracker(entityID string, rec EntityRecord) *Tracker {
	current := maps.Clone(rec.State)
	if current == nil {
		current = map[string]any{}
	}

	baseline := maps.Clone(current)
	for i := len(rec.Changes) - 1; i >= 0; i-- {
		c := rec.Changes[i]
		switch c.ChangeType {
		case ChangeCreate:
			delete(baseline, c.Property)
		default:
			if c.OldValue == nil {
				delete(baseline, c.Property)
			} else {
				baseline[c.Property] = c.OldValue
			}
		}
	}

	changes := make([]ChangeRecord, len(rec.Changes))
	copy(changes, rec.Changes)

	return &Tracker{
		entityID:     entityID,
		entityType:   rec.EntityType,
		baseline:     baseline,
		current:      current,
		changes:      changes,
		createdAt:    rec.LastModified,
		lastModified: rec.LastModified,
		dirty:        rec.IsDirty,
		now:          time.Now,
	}
}

// ValuesEqual compares two JSON-shaped values through their canonical form.
// Equal values compare equal even after a disk round trip where ints come
// back as float64.
func ValuesEqual(a, b any) bool {
	ca, okA := canonicalValue(a)
	cb, okB := canonicalValue(b)
	if !okA || !okB {
		return false
	}
	return ca == cb
}
