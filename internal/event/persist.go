// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Leyline Contributors

package event

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// canonicalJSON returns a stable string form of data. encoding/json sorts
// map keys, so equal maps always produce equal strings.
func canonicalJSON(data map[string]any) (string, bool) {
	if data == nil {
		return "null", true
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// readEventFile loads a JSON array of events. A missing file is not an error.
func readEventFile(path string) ([]Event, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.In("events").Code("IO_FAILED").With("path", path).Wrap(err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var events []Event
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, oops.In("events").Code("VALIDATION_FAILED").With("path", path).Hint("corrupt event file").Wrap(err)
	}
	return events, nil
}

// writeEventFile overwrites path with the full JSON array, using a temp file
// and rename so the external transport never observes a partial file.
// Transient write failures are retried with bounded backoff.
func (b *Bus) writeEventFile(ctx context.Context, path string, events []Event) error {
	b.ioMu.Lock()
	defer b.ioMu.Unlock()

	if events == nil {
		events = []Event{}
	}
	raw, err := json.Marshal(events)
	if err != nil {
		return oops.In("events").With("path", path).Wrap(err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return oops.In("events").With("path", path).Wrap(err)
	}

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(10*time.Millisecond))
	return retry.Do(ctx, backoff, func(_ context.Context) error {
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, raw, 0o600); err != nil {
			return retry.RetryableError(err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}
