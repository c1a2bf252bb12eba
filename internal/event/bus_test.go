// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Leyline Contributors

package event

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leyline-rpg/leyline/pkg/errutil"
)

func newTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	bus, err := NewBus(cfg, nil, nil)
	require.NoError(t, err)
	return bus
}

func TestSubscribe_RejectsBadInput(t *testing.T) {
	bus := newTestBus(t, Config{})

	_, err := bus.Subscribe("", func(context.Context, Event) error { return nil })
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "INVALID_PATTERN")

	_, err = bus.Subscribe("player.levelup", nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "VALIDATION_FAILED")

	// '*' anywhere but the trailing segment is rejected.
	_, err = bus.Subscribe("*.levelup", func(context.Context, Event) error { return nil })
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "INVALID_PATTERN")
}

func TestSubscribe_WildcardPrefixMustBeLiteral(t *testing.T) {
	bus := newTestBus(t, Config{})

	// Glob metacharacters in the prefix would silently match as globs
	// instead of literal type text.
	for _, pattern := range []string{"sys?em.*", "a[b].*", "a{b,c}.*", `a\b.*`} {
		_, err := bus.Subscribe(pattern, func(context.Context, Event) error { return nil })
		require.Error(t, err, pattern)
		errutil.AssertErrorCode(t, err, "INVALID_PATTERN")
	}

	// A '?' in an exact type is matched literally, never as a glob.
	got := 0
	_, err := bus.Subscribe("sys?em.error", func(context.Context, Event) error {
		got++
		return nil
	})
	require.NoError(t, err)
	_, err = bus.Publish(context.Background(), "system.error", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}

func TestPublish_PriorityOrder(t *testing.T) {
	bus := newTestBus(t, Config{})

	var order []string
	record := func(name string) Handler {
		return func(context.Context, Event) error {
			order = append(order, name)
			return nil
		}
	}

	_, err := bus.Subscribe("player.levelup", record("p5-first"), WithPriority(5))
	require.NoError(t, err)
	_, err = bus.Subscribe("player.levelup", record("p10"), WithPriority(10))
	require.NoError(t, err)
	_, err = bus.Subscribe("player.levelup", record("p5-second"), WithPriority(5))
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), "player.levelup", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"p10", "p5-first", "p5-second"}, order)
}

func TestPublish_WildcardMatching(t *testing.T) {
	bus := newTestBus(t, Config{})

	var got []string
	_, err := bus.Subscribe("system.*", func(_ context.Context, evt Event) error {
		got = append(got, evt.Type)
		return nil
	})
	require.NoError(t, err)

	for _, typ := range []string{"system.error", "system.save.error", "player.levelup"} {
		_, err := bus.Publish(context.Background(), typ, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"system.error", "system.save.error"}, got)
}

func TestPublish_WildcardAndExactShareOrdering(t *testing.T) {
	bus := newTestBus(t, Config{})

	var order []string
	_, err := bus.Subscribe("system.*", func(context.Context, Event) error {
		order = append(order, "wildcard")
		return nil
	}, WithPriority(1))
	require.NoError(t, err)
	_, err = bus.Subscribe("system.shutdown", func(context.Context, Event) error {
		order = append(order, "exact")
		return nil
	}, WithPriority(2))
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), "system.shutdown", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"exact", "wildcard"}, order)
}

func TestPublish_Deduplication(t *testing.T) {
	bus := newTestBus(t, Config{DedupeEnabled: true, DedupWindow: time.Minute})

	data := map[string]any{"a": 1}
	first, err := bus.Publish(context.Background(), "x", data, FromSource("s"), WithDedupe())
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := bus.Publish(context.Background(), "x", data, FromSource("s"), WithDedupe())
	require.NoError(t, err)
	assert.Nil(t, second, "duplicate within window should be suppressed")

	assert.Len(t, bus.History(0), 1, "suppressed event must not be logged")
}

func TestPublish_DedupWindowExpires(t *testing.T) {
	bus := newTestBus(t, Config{DedupeEnabled: true, DedupWindow: time.Minute})

	current := time.Now()
	bus.now = func() time.Time { return current }

	first, err := bus.Publish(context.Background(), "x", map[string]any{"a": 1}, WithDedupe())
	require.NoError(t, err)
	require.NotNil(t, first)

	current = current.Add(2 * time.Minute)
	second, err := bus.Publish(context.Background(), "x", map[string]any{"a": 1}, WithDedupe())
	require.NoError(t, err)
	assert.NotNil(t, second, "outside the window the event is not a duplicate")
}

func TestPublish_DedupeDisabledByConfig(t *testing.T) {
	bus := newTestBus(t, Config{DedupeEnabled: false})

	for range 2 {
		evt, err := bus.Publish(context.Background(), "x", map[string]any{"a": 1}, WithDedupe())
		require.NoError(t, err)
		assert.NotNil(t, evt)
	}
	assert.Len(t, bus.History(0), 2)
}

func TestPublish_DifferentDataNotDeduplicated(t *testing.T) {
	bus := newTestBus(t, Config{DedupeEnabled: true, DedupWindow: time.Minute})

	first, err := bus.Publish(context.Background(), "x", map[string]any{"a": 1}, WithDedupe())
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := bus.Publish(context.Background(), "x", map[string]any{"a": 2}, WithDedupe())
	require.NoError(t, err)
	assert.NotNil(t, second)
}

func TestPublish_HandlerFailureIsolated(t *testing.T) {
	bus := newTestBus(t, Config{})

	var systemErrors []Event
	_, err := bus.Subscribe(TypeSystemError, func(_ context.Context, evt Event) error {
		systemErrors = append(systemErrors, evt)
		return nil
	})
	require.NoError(t, err)

	ran := false
	_, err = bus.Subscribe("foo.bar", func(context.Context, Event) error {
		return errors.New("handler exploded")
	}, WithPriority(10))
	require.NoError(t, err)
	_, err = bus.Subscribe("foo.bar", func(context.Context, Event) error {
		ran = true
		return nil
	})
	require.NoError(t, err)

	evt, err := bus.Publish(context.Background(), "foo.bar", nil)
	require.NoError(t, err, "handler failure must not surface to the publisher")
	require.NotNil(t, evt)

	assert.True(t, ran, "later handlers still run after a failure")
	require.Len(t, systemErrors, 1, "exactly one system.error announced")
	assert.Equal(t, "foo.bar", systemErrors[0].Data["event_type"])

	// The failed event is still logged and queued.
	assert.NotEmpty(t, bus.Queue())
	types := make([]string, 0)
	for _, e := range bus.History(0) {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, "foo.bar")
}

func TestPublish_NestedPublishQueuedAfterTrigger(t *testing.T) {
	dir := t.TempDir()
	queueFile := filepath.Join(dir, "event-queue.json")
	bus := newTestBus(t, Config{QueueFile: queueFile})

	_, err := bus.Subscribe("foo.bar", func(context.Context, Event) error {
		return errors.New("boom")
	})
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), "foo.bar", nil)
	require.NoError(t, err)

	// The system.error a failing handler triggers must sit behind the event
	// that caused it, in memory and in the persisted file.
	queue := bus.Queue()
	require.Len(t, queue, 2)
	assert.Equal(t, "foo.bar", queue[0].Type)
	assert.Equal(t, TypeSystemError, queue[1].Type)

	persisted, err := readEventFile(queueFile)
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, "foo.bar", persisted[0].Type)
	assert.Equal(t, TypeSystemError, persisted[1].Type)
}

func TestPublish_SystemErrorHandlerFailureDoesNotCascade(t *testing.T) {
	bus := newTestBus(t, Config{})

	calls := 0
	_, err := bus.Subscribe(TypeSystemError, func(context.Context, Event) error {
		calls++
		return errors.New("the error handler itself errors")
	})
	require.NoError(t, err)

	_, err = bus.Subscribe("foo.bar", func(context.Context, Event) error {
		return errors.New("boom")
	})
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), "foo.bar", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "system.error handler failing must not re-publish system.error")
}

func TestPublish_HandlerPanicContained(t *testing.T) {
	bus := newTestBus(t, Config{})

	var systemErrors int
	_, err := bus.Subscribe(TypeSystemError, func(context.Context, Event) error {
		systemErrors++
		return nil
	})
	require.NoError(t, err)

	_, err = bus.Subscribe("foo.bar", func(context.Context, Event) error {
		panic("unexpected")
	})
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), "foo.bar", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, systemErrors)
}

func TestSubscribe_OnceRemovedAfterInvocation(t *testing.T) {
	bus := newTestBus(t, Config{})

	calls := 0
	_, err := bus.Subscribe("tick", func(context.Context, Event) error {
		calls++
		return nil
	}, Once())
	require.NoError(t, err)

	for range 3 {
		_, err := bus.Publish(context.Background(), "tick", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, calls)
	assert.Empty(t, bus.Handlers("tick"))
}

func TestSubscribe_OnceRemovedEvenOnFailure(t *testing.T) {
	bus := newTestBus(t, Config{})

	calls := 0
	_, err := bus.Subscribe("tick", func(context.Context, Event) error {
		calls++
		return errors.New("fails every time")
	}, Once())
	require.NoError(t, err)

	for range 2 {
		_, err := bus.Publish(context.Background(), "tick", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, calls)
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus(t, Config{})

	id, err := bus.Subscribe("tick", func(context.Context, Event) error { return nil })
	require.NoError(t, err)

	assert.True(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe(id), "second removal reports unknown ID")
	assert.Empty(t, bus.Handlers("tick"))
}

func TestPublish_QueueBounded(t *testing.T) {
	bus := newTestBus(t, Config{MaxQueueSize: 3})

	for i := range 5 {
		_, err := bus.Publish(context.Background(), "tick", map[string]any{"n": i})
		require.NoError(t, err)
	}

	queue := bus.Queue()
	require.Len(t, queue, 3, "oldest entries dropped past MaxQueueSize")
	assert.Equal(t, float64(2), asFloat(queue[0].Data["n"]))
	assert.Equal(t, float64(4), asFloat(queue[2].Data["n"]))
}

func TestPublish_LogBounded(t *testing.T) {
	bus := newTestBus(t, Config{MaxLogSize: 2})

	for i := range 4 {
		_, err := bus.Publish(context.Background(), "tick", map[string]any{"n": i})
		require.NoError(t, err)
	}
	assert.Len(t, bus.History(0), 2)
}

func TestPublish_QueueFilePersisted(t *testing.T) {
	dir := t.TempDir()
	queueFile := filepath.Join(dir, "event-queue.json")
	bus := newTestBus(t, Config{QueueFile: queueFile})

	evt, err := bus.Publish(context.Background(), "player.levelup", map[string]any{"level": 3}, FromSource("quests"))
	require.NoError(t, err)
	require.NotNil(t, evt)

	raw, err := os.ReadFile(queueFile)
	require.NoError(t, err)

	var records []map[string]any
	require.NoError(t, json.Unmarshal(raw, &records))
	require.Len(t, records, 1)
	assert.Equal(t, evt.ID.String(), records[0]["id"])
	assert.Equal(t, "player.levelup", records[0]["type"])
	assert.Equal(t, "quests", records[0]["source"])
}

func TestPublish_LogFlushCadence(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "event-log.json")
	bus := newTestBus(t, Config{LogFile: logFile, FlushEvery: 3})

	for range 2 {
		_, err := bus.Publish(context.Background(), "tick", nil)
		require.NoError(t, err)
	}
	_, statErr := os.Stat(logFile)
	assert.True(t, os.IsNotExist(statErr), "log not flushed before the cadence")

	_, err := bus.Publish(context.Background(), "tick", nil)
	require.NoError(t, err)

	persisted, err := readEventFile(logFile)
	require.NoError(t, err)
	assert.Len(t, persisted, 3)
}

func TestNewBus_ReloadsAndPrunesLog(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "event-log.json")

	bus := newTestBus(t, Config{LogFile: logFile, FlushEvery: 1})
	old := time.Now().Add(-72 * time.Hour)
	bus.now = func() time.Time { return old }
	_, err := bus.Publish(context.Background(), "ancient.event", nil)
	require.NoError(t, err)

	bus.now = time.Now
	_, err = bus.Publish(context.Background(), "fresh.event", nil)
	require.NoError(t, err)

	reopened := newTestBus(t, Config{LogFile: logFile, Retention: 24 * time.Hour})
	history := reopened.History(0)
	require.Len(t, history, 1)
	assert.Equal(t, "fresh.event", history[0].Type)
}

func TestNewBus_ReloadedLogFeedsDedup(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "event-log.json")

	bus := newTestBus(t, Config{LogFile: logFile, FlushEvery: 1, DedupeEnabled: true, DedupWindow: time.Hour})
	_, err := bus.Publish(context.Background(), "x", map[string]any{"a": 1}, FromSource("s"), WithDedupe())
	require.NoError(t, err)

	reopened := newTestBus(t, Config{LogFile: logFile, DedupeEnabled: true, DedupWindow: time.Hour})
	evt, err := reopened.Publish(context.Background(), "x", map[string]any{"a": 1}, FromSource("s"), WithDedupe())
	require.NoError(t, err)
	assert.Nil(t, evt, "dedup must survive a restart via the persisted log")
}

func TestPublish_EmptyTypeRejected(t *testing.T) {
	bus := newTestBus(t, Config{})
	_, err := bus.Publish(context.Background(), "", nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "VALIDATION_FAILED")
	errutil.AssertErrorDomain(t, err, "events")
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return -1
	}
}
