// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Leyline Contributors

package errutil_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leyline-rpg/leyline/pkg/errutil"
)

func newCaptureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, nil)), &buf
}

func TestLogError_OopsError(t *testing.T) {
	logger, buf := newCaptureLogger()

	err := oops.In("state").Code("SAVE_NOT_FOUND").With("save", "slot1").New("no such save")
	errutil.LogError(logger, "load failed", err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "load failed", entry["msg"])
	assert.Equal(t, "SAVE_NOT_FOUND", entry["code"])
	assert.Contains(t, entry, "context")
}

func TestLogError_PlainError(t *testing.T) {
	logger, buf := newCaptureLogger()

	errutil.LogError(logger, "something broke", errors.New("boom"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "boom", entry["error"])
	assert.NotContains(t, entry, "code")
}

func TestLogWarn_Level(t *testing.T) {
	logger, buf := newCaptureLogger()

	errutil.LogWarn(logger, "entity missing", oops.Code("ENTITY_NOT_FOUND").New("unknown entity"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "ENTITY_NOT_FOUND", entry["code"])
}
