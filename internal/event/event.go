// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Leyline Contributors

// Package event implements the publish/subscribe bus at the heart of the
// Leyline core: priority-ordered synchronous dispatch, trailing-wildcard
// routing, deduplication, and the persisted outbound queue consumed by the
// frontend transport.
package event

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Priority orders events and is carried on the wire for the transport.
type Priority int

// Event priorities. Normal is the default for both events and handlers.
const (
	PriorityLow      Priority = -10
	PriorityNormal   Priority = 0
	PriorityHigh     Priority = 10
	PriorityCritical Priority = 100
)

// Event is one occurrence on the bus. The JSON shape is the on-disk record
// format shared by the event log and the outbound queue file.
type Event struct {
	ID        ulid.ULID      `json:"id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Priority  Priority       `json:"priority"`
}

// Core event types announced by the state store and sync coordinator.
const (
	TypeStateSaved    = "state.saved"
	TypeStateSaveErr  = "state.saveError"
	TypeStateLoaded   = "state.loaded"
	TypeStateLoadErr  = "state.loadError"
	TypeBrowserSynced = "state.browserSynced"
	TypeSyncError     = "state.syncError"
	TypeSystemError   = "system.error"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// NewID generates a new monotonic ULID.
func NewID() ulid.ULID {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// ParseID parses a ULID string.
func ParseID(s string) (ulid.ULID, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return ulid.ULID{}, fmt.Errorf("invalid ULID %q: %w", s, err)
	}
	return id, nil
}
