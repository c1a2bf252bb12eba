// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Leyline Contributors

package state

import (
	"encoding/json"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
)

// SaveFormatVersion is written into every save document.
const SaveFormatVersion = "1.2.0"

// saveVersionConstraint is the range of document versions Load accepts.
const saveVersionConstraint = ">= 1.0.0, < 2.0.0"

// EntityRecord is the serialized form of one tracker inside a save document
// or a remote browser snapshot.
type EntityRecord struct {
	EntityType   string         `json:"entityType"`
	State        map[string]any `json:"state"`
	Changes      []ChangeRecord `json:"changes,omitempty"`
	LastModified time.Time      `json:"lastModified"`
	IsDirty      bool           `json:"isDirty,omitempty"`
}

// Metadata describes a save document.
type Metadata struct {
	SavedAt     time.Time `json:"savedAt"`
	GameVersion string    `json:"gameVersion"`
	EntityCount int       `json:"entityCount"`
}

// SaveDocument is the on-disk save format, and the shape of the remote
// browser snapshot the sync coordinator reconciles against.
type SaveDocument struct {
	Version        string                  `json:"version"`
	GameState      map[string]any          `json:"gameState"`
	Entities       map[string]EntityRecord `json:"entities"`
	Metadata       Metadata                `json:"metadata"`
	AdditionalData map[string]any          `json:"additionalData,omitempty"`
	Performance    map[string]any          `json:"performance,omitempty"`
}

// requiredDocumentFields are the top-level fields a document must carry.
var requiredDocumentFields = []string{"version", "gameState", "entities", "metadata"}

// ValidateRawDocument checks a decoded document for the required top-level
// fields. Missing fields are a hard validation failure; Load refuses the
// document before mutating any tracker state.
func ValidateRawDocument(raw map[string]any) error {
	for _, field := range requiredDocumentFields {
		if _, ok := raw[field]; !ok {
			return oops.In("state").Code("VALIDATION_FAILED").With("missing_field", field).
				New("save document is missing a required field")
		}
	}
	return nil
}

// checkVersion rejects documents outside the supported version range.
func checkVersion(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return oops.In("state").Code("VERSION_INCOMPATIBLE").With("version", version).
			Hint("version is not semver").Wrap(err)
	}
	constraint, err := semver.NewConstraint(saveVersionConstraint)
	if err != nil {
		return oops.In("state").Wrap(err)
	}
	if !constraint.Check(v) {
		return oops.In("state").Code("VERSION_INCOMPATIBLE").
			With("version", version).
			With("supported", saveVersionConstraint).
			New("save document version is not supported")
	}
	return nil
}

// DecodeDocument validates and decodes a raw JSON save document.
// Validation order: required fields, version range, optional schema.
func DecodeDocument(raw []byte, schemaValidation bool) (*SaveDocument, error) {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, oops.In("state").Code("VALIDATION_FAILED").Hint("document is not valid JSON").Wrap(err)
	}
	if err := ValidateRawDocument(generic); err != nil {
		return nil, err
	}

	version, _ := generic["version"].(string)
	if err := checkVersion(version); err != nil {
		return nil, err
	}

	if schemaValidation {
		if err := ValidateSchema(generic); err != nil {
			return nil, err
		}
	}

	var doc SaveDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, oops.In("state").Code("VALIDATION_FAILED").Hint("document does not match the save shape").Wrap(err)
	}
	return &doc, nil
}

// canonicalValue returns a stable string form of a JSON-shaped value.
// encoding/json sorts map keys, so equal values produce equal strings even
// after a round trip through disk (where ints become float64).
func canonicalValue(v any) (string, bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(raw), true
}
