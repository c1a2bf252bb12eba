// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Leyline Contributors

package state

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/leyline-rpg/leyline/internal/event"
	"github.com/leyline-rpg/leyline/pkg/errutil"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	dir := t.TempDir()
	if cfg.SavesDir == "" {
		cfg.SavesDir = filepath.Join(dir, "saves")
	}
	if cfg.BackupsDir == "" {
		cfg.BackupsDir = filepath.Join(dir, "backups")
	}
	return NewStore(cfg, nil, nil, nil)
}

func TestRegisterEntity_RejectsDuplicate(t *testing.T) {
	store := newTestStore(t, Config{})

	require.NoError(t, store.RegisterEntity("e1", "Item", nil))
	err := store.RegisterEntity("e1", "Item", nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "ENTITY_EXISTS")
	assert.Equal(t, 1, store.EntityCount())
}

func TestUpdateEntityState_UnknownEntity(t *testing.T) {
	store := newTestStore(t, Config{})

	err := store.UpdateEntityState("ghost", "hp", 1, ChangeUpdate)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "ENTITY_NOT_FOUND")
	errutil.AssertErrorDomain(t, err, "state")
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	store := newTestStore(t, Config{Validation: true, GameVersion: "1.0.0"})
	ctx := context.Background()

	require.NoError(t, store.RegisterEntity("e1", "Item", map[string]any{"hp": 10}))
	require.NoError(t, store.UpdateEntityState("e1", "hp", 7, ChangeUpdate))
	store.SetGameValue("chapter", 3)

	res, err := store.Save(ctx, "slot1", map[string]any{"note": "before boss"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EntityCount)
	assert.FileExists(t, res.Path)

	// Save marks trackers clean.
	assert.Equal(t, 0, store.DirtyCount())

	store.Clear()
	assert.Equal(t, 0, store.EntityCount())

	loaded, err := store.Load(ctx, "slot1")
	require.NoError(t, err)
	assert.Equal(t, SaveFormatVersion, loaded.Version)
	assert.Equal(t, 1, loaded.EntityCount)

	view, ok := store.Entity("e1")
	require.True(t, ok)
	assert.Equal(t, "Item", view.EntityType)
	assert.Equal(t, float64(7), view.State["hp"])
	assert.False(t, view.Dirty)

	chapter, ok := store.GameValue("chapter")
	require.True(t, ok)
	assert.Equal(t, float64(3), chapter)
}

func TestSaveLoad_CompressedRoundTrip(t *testing.T) {
	store := newTestStore(t, Config{Compression: true, Validation: true})
	ctx := context.Background()

	require.NoError(t, store.RegisterEntity("e1", "Item", map[string]any{"hp": 10}))
	res, err := store.Save(ctx, "slot1", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(res.Path, ".json.gz"))

	store.Clear()
	_, err = store.Load(ctx, "slot1")
	require.NoError(t, err)
	assert.Equal(t, 1, store.EntityCount())
}

func TestSave_ChangeDuringWriteStaysDirty(t *testing.T) {
	store := newTestStore(t, Config{})
	ctx := context.Background()

	require.NoError(t, store.RegisterEntity("e1", "Item", map[string]any{"hp": 10}))
	require.NoError(t, store.RegisterEntity("e2", "Item", map[string]any{"mp": 4}))
	require.NoError(t, store.UpdateEntityState("e1", "hp", 7, ChangeUpdate))
	require.NoError(t, store.UpdateEntityState("e2", "mp", 2, ChangeUpdate))

	// Replay Save's internal sequence with a foreground update landing
	// between the snapshot and the file write, the way a timer-driven save
	// races a live entity update.
	doc, count, marks := store.compileDocument(nil)
	require.NoError(t, store.UpdateEntityState("e1", "hp", 3, ChangeUpdate))
	_, err := store.writeSave(ctx, "slot1", doc, count)
	require.NoError(t, err)
	store.markSavedClean(marks)

	// e2 was captured as written; e1 changed mid-write and must stay dirty.
	assert.Equal(t, 1, store.DirtyCount())
	e1, ok := store.Entity("e1")
	require.True(t, ok)
	assert.True(t, e1.Dirty)
	assert.Equal(t, 3, e1.State["hp"])

	// The next save picks the straggler up.
	_, err = store.Save(ctx, "slot1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, store.DirtyCount())

	store.Clear()
	_, err = store.Load(ctx, "slot1")
	require.NoError(t, err)
	view, ok := store.Entity("e1")
	require.True(t, ok)
	assert.Equal(t, float64(3), view.State["hp"])
}

func TestSave_ReplacedEntityNotMarkedClean(t *testing.T) {
	store := newTestStore(t, Config{})
	ctx := context.Background()

	require.NoError(t, store.RegisterEntity("e1", "Item", map[string]any{"hp": 10}))
	require.NoError(t, store.UpdateEntityState("e1", "hp", 7, ChangeUpdate))

	// The tracker snapshotted by the save is removed and re-registered while
	// the file write is in flight; the replacement must not be cleaned.
	doc, count, marks := store.compileDocument(nil)
	require.NoError(t, store.RemoveEntity("e1"))
	require.NoError(t, store.RegisterEntity("e1", "Item", map[string]any{"hp": 1}))
	require.NoError(t, store.UpdateEntityState("e1", "hp", 2, ChangeUpdate))
	_, err := store.writeSave(ctx, "slot1", doc, count)
	require.NoError(t, err)
	store.markSavedClean(marks)

	assert.Equal(t, 1, store.DirtyCount())
}

func TestLoad_PreservesDirtyStateAndHistory(t *testing.T) {
	store := newTestStore(t, Config{})
	ctx := context.Background()

	require.NoError(t, store.RegisterEntity("e1", "Item", map[string]any{"hp": 10}))
	_, err := store.Save(ctx, "slot1", nil)
	require.NoError(t, err)

	// Dirty the entity again after the save, then save under another name so
	// the document carries an unsaved change log.
	require.NoError(t, store.UpdateEntityState("e1", "hp", 7, ChangeUpdate))
	_, err = store.Save(ctx, "slot2", nil)
	require.NoError(t, err)

	// slot1 had a clean tracker.
	_, err = store.Load(ctx, "slot1")
	require.NoError(t, err)
	assert.Equal(t, 0, store.DirtyCount())

	diff, err := store.EntityDiff("e1")
	require.NoError(t, err)
	assert.True(t, diff.Empty())
}

func TestLoad_BadDocumentLeavesStoreUntouched(t *testing.T) {
	store := newTestStore(t, Config{})
	ctx := context.Background()

	require.NoError(t, store.RegisterEntity("e1", "Item", map[string]any{"hp": 10}))

	require.NoError(t, os.MkdirAll(store.cfg.SavesDir, 0o700))
	bad := filepath.Join(store.cfg.SavesDir, "corrupt.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"version":"9.0.0"}`), 0o600))

	_, err := store.Load(ctx, "corrupt")
	require.Error(t, err)

	// The failed load must not have cleared anything.
	assert.Equal(t, 1, store.EntityCount())
	_, ok := store.Entity("e1")
	assert.True(t, ok)
}

func TestLoad_MissingSave(t *testing.T) {
	store := newTestStore(t, Config{})

	_, err := store.Load(context.Background(), "nope")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "SAVE_NOT_FOUND")
}

func TestSave_RejectsPathEscapingNames(t *testing.T) {
	store := newTestStore(t, Config{})

	for _, name := range []string{"", "../evil", "a/b", `a\b`} {
		_, err := store.Save(context.Background(), name, nil)
		require.Error(t, err, "name %q", name)
		errutil.AssertErrorCode(t, err, "VALIDATION_FAILED")
	}
}

func TestSave_BackupRotation(t *testing.T) {
	store := newTestStore(t, Config{MaxBackups: 2})
	ctx := context.Background()

	require.NoError(t, store.RegisterEntity("e1", "Item", map[string]any{"hp": 10}))

	// Distinct backup timestamps.
	base := time.Now()
	tick := 0
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for i := 0; i < 5; i++ {
		_, err := store.Save(ctx, "slot1", nil)
		require.NoError(t, err)
	}

	backups, err := store.ListBackups("slot1")
	require.NoError(t, err)
	// 4 backups were taken (first save had nothing to back up), pruned to 2.
	assert.Len(t, backups, 2)
}

func TestRestoreBackup(t *testing.T) {
	store := newTestStore(t, Config{})
	ctx := context.Background()

	base := time.Now()
	tick := 0
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	require.NoError(t, store.RegisterEntity("e1", "Item", map[string]any{"hp": 10}))
	_, err := store.Save(ctx, "slot1", nil)
	require.NoError(t, err)

	require.NoError(t, store.UpdateEntityState("e1", "hp", 1, ChangeUpdate))
	_, err = store.Save(ctx, "slot1", nil)
	require.NoError(t, err)

	backups, err := store.ListBackups("slot1")
	require.NoError(t, err)
	require.Len(t, backups, 1)

	require.NoError(t, store.RestoreBackup(backups[0], "slot1"))

	store.Clear()
	_, err = store.Load(ctx, "slot1")
	require.NoError(t, err)

	view, ok := store.Entity("e1")
	require.True(t, ok)
	assert.Equal(t, float64(10), view.State["hp"])
}

func TestListSaves(t *testing.T) {
	store := newTestStore(t, Config{})
	ctx := context.Background()

	base := time.Now()
	tick := 0
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	require.NoError(t, store.RegisterEntity("e1", "Item", nil))
	_, err := store.Save(ctx, "older", nil)
	require.NoError(t, err)
	_, err = store.Save(ctx, "newer", nil)
	require.NoError(t, err)

	// Garbage in the saves dir is skipped, not fatal.
	require.NoError(t, os.WriteFile(filepath.Join(store.cfg.SavesDir, "junk.json"), []byte("{"), 0o600))

	infos, err := store.ListSaves()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "newer", infos[0].Name)
	assert.Equal(t, "older", infos[1].Name)
	assert.Equal(t, 1, infos[0].EntityCount)
}

func TestSave_AnnouncesLifecycleEvents(t *testing.T) {
	bus, err := event.NewBus(event.Config{}, nil, nil)
	require.NoError(t, err)

	dir := t.TempDir()
	store := NewStore(Config{
		SavesDir:   filepath.Join(dir, "saves"),
		BackupsDir: filepath.Join(dir, "backups"),
	}, bus, nil, nil)

	var types []string
	_, err = bus.Subscribe("state.*", func(_ context.Context, evt event.Event) error {
		types = append(types, evt.Type)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.RegisterEntity("e1", "Item", nil))
	_, err = store.Save(ctx, "slot1", nil)
	require.NoError(t, err)
	_, err = store.Load(ctx, "slot1")
	require.NoError(t, err)
	_, err = store.Load(ctx, "missing")
	require.Error(t, err)

	assert.Equal(t, []string{
		event.TypeStateSaved,
		event.TypeStateLoaded,
		event.TypeStateLoadErr,
	}, types)
}

func TestAutoSaver_SavesOnlyWhenDirty(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newTestStore(t, Config{})
	saver := NewAutoSaver(store, 20*time.Millisecond, nil)

	saver.Start(context.Background())

	// Nothing dirty yet; ticks are no-ops.
	time.Sleep(50 * time.Millisecond)
	infos, err := store.ListSaves()
	require.NoError(t, err)
	assert.Empty(t, infos)

	require.NoError(t, store.RegisterEntity("e1", "Item", nil))
	require.NoError(t, store.UpdateEntityState("e1", "hp", 5, ChangeUpdate))

	require.Eventually(t, func() bool {
		infos, err := store.ListSaves()
		return err == nil && len(infos) > 0
	}, 2*time.Second, 10*time.Millisecond)

	saver.Stop()

	infos, err = store.ListSaves()
	require.NoError(t, err)
	require.NotEmpty(t, infos)
	assert.True(t, strings.HasPrefix(infos[0].Name, "autosave_"))
	assert.Equal(t, 0, store.DirtyCount())
}

func TestAutoSaver_StopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newTestStore(t, Config{})
	saver := NewAutoSaver(store, time.Hour, nil)

	saver.Start(context.Background())
	saver.Stop()
	saver.Stop()
}
