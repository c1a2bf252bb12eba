// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Leyline Contributors

package state

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/leyline-rpg/leyline/internal/event"
	"github.com/leyline-rpg/leyline/pkg/errutil"
)

// SaveResult reports a completed save.
type SaveResult struct {
	Name        string
	Path        string
	EntityCount int
	SavedAt     time.Time
}

// LoadResult reports a completed load.
type LoadResult struct {
	Name        string
	Version     string
	EntityCount int
	SavedAt     time.Time
}

// SaveInfo describes one save file on disk.
type SaveInfo struct {
	Name        string
	Path        string
	Version     string
	SavedAt     time.Time
	EntityCount int
	Compressed  bool
}

// validateSaveName rejects names that would escape the saves directory.
func validateSaveName(name string) error {
	if name == "" {
		return oops.In("state").Code("VALIDATION_FAILED").New("save name cannot be empty")
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return oops.In("state").Code("VALIDATION_FAILED").With("name", name).
			New("save name cannot contain path separators")
	}
	return nil
}

// saveExt returns the file extension for new saves.
func (s *Store) saveExt() string {
	if s.cfg.Compression {
		return ".json.gz"
	}
	return ".json"
}

// resolveSave finds an existing save file by name, preferring the
// compressed variant.
func (s *Store) resolveSave(name string) (path string, compressed bool, err error) {
	gz := filepath.Join(s.cfg.SavesDir, name+".json.gz")
	if _, statErr := os.Stat(gz); statErr == nil {
		return gz, true, nil
	}
	plain := filepath.Join(s.cfg.SavesDir, name+".json")
	if _, statErr := os.Stat(plain); statErr == nil {
		return plain, false, nil
	}
	return "", false, oops.In("state").Code("SAVE_NOT_FOUND").With("name", name).New("no save file with that name")
}

// Save compiles a SaveDocument from all trackers, backs up any existing file
// under the same name, writes atomically, and marks clean the trackers the
// written file captured. An entity changed while the file was being written
// stays dirty: the write holds only saveMu, so foreground updates may land
// mid-save and must survive into the next one.
// Failures are announced as state.saveError and returned to the caller.
func (s *Store) Save(ctx context.Context, name string, additional map[string]any) (SaveResult, error) {
	if err := validateSaveName(name); err != nil {
		return SaveResult{}, err
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	doc, count, marks := s.compileDocument(additional)
	res, err := s.writeSave(ctx, name, doc, count)
	if err != nil {
		s.metrics.RecordSave("error")
		errutil.LogError(s.logger, "save failed", err)
		s.announce(ctx, event.TypeStateSaveErr, map[string]any{
			"name":  name,
			"error": err.Error(),
		})
		return SaveResult{}, err
	}

	s.markSavedClean(marks)
	s.saves.Add(1)
	s.metrics.RecordSave("ok")
	s.logger.Info("game state saved",
		"name", name,
		"path", res.Path,
		"entities", res.EntityCount,
		"compressed", s.cfg.Compression)
	s.announce(ctx, event.TypeStateSaved, map[string]any{
		"name":        name,
		"entityCount": res.EntityCount,
	})
	return res, nil
}

// Load reads and validates a save file, then rebuilds all trackers from it.
// Validation happens before any tracker state is mutated: a bad document
// leaves the store untouched.
func (s *Store) Load(ctx context.Context, name string) (LoadResult, error) {
	if err := validateSaveName(name); err != nil {
		return LoadResult{}, err
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	res, err := s.readSave(name)
	if err != nil {
		s.metrics.RecordLoad("error")
		errutil.LogError(s.logger, "load failed", err)
		s.announce(ctx, event.TypeStateLoadErr, map[string]any{
			"name":  name,
			"error": err.Error(),
		})
		return LoadResult{}, err
	}

	s.loads.Add(1)
	s.metrics.RecordLoad("ok")
	s.logger.Info("game state loaded",
		"name", name,
		"version", res.Version,
		"entities", res.EntityCount)
	s.announce(ctx, event.TypeStateLoaded, map[string]any{
		"name":        name,
		"entityCount": res.EntityCount,
	})
	return res, nil
}

// trackerMark pins a tracker's change-log length at snapshot time so a
// successful save cleans only what the written file actually holds.
type trackerMark struct {
	tracker *Tracker
	changes int
}

// compileDocument snapshots all trackers into a SaveDocument.
func (s *Store) compileDocument(additional map[string]any) (*SaveDocument, int, map[string]trackerMark) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entities := make(map[string]EntityRecord, len(s.trackers))
	marks := make(map[string]trackerMark, len(s.trackers))
	for id, tracker := range s.trackers {
		entities[id] = EntityRecord{
			EntityType:   tracker.EntityType(),
			State:        tracker.State(),
			Changes:      tracker.Changes(),
			LastModified: tracker.LastModified(),
			IsDirty:      tracker.IsDirty(),
		}
		marks[id] = trackerMark{tracker: tracker, changes: len(tracker.changes)}
	}

	gameState := maps.Clone(s.gameState)
	if gameState == nil {
		gameState = map[string]any{}
	}

	doc := &SaveDocument{
		Version:   SaveFormatVersion,
		GameState: gameState,
		Entities:  entities,
		Metadata: Metadata{
			SavedAt:     s.now(),
			GameVersion: s.cfg.GameVersion,
			EntityCount: len(entities),
		},
		AdditionalData: additional,
		Performance:    s.performanceSnapshot(),
	}
	return doc, len(entities), marks
}

// writeSave serializes the document and writes it atomically, backing up an
// existing file first.
func (s *Store) writeSave(_ context.Context, name string, doc *SaveDocument, count int) (SaveResult, error) {
	if err := os.MkdirAll(s.cfg.SavesDir, 0o700); err != nil {
		return SaveResult{}, oops.In("state").Code("IO_FAILED").With("dir", s.cfg.SavesDir).Wrap(err)
	}

	if existing, compressed, err := s.resolveSave(name); err == nil {
		if backupErr := s.backupSave(name, existing, compressed); backupErr != nil {
			return SaveResult{}, backupErr
		}
	}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return SaveResult{}, oops.In("state").With("name", name).Wrap(err)
	}

	if s.cfg.Compression {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return SaveResult{}, oops.In("state").Code("IO_FAILED").With("name", name).Wrap(err)
		}
		if err := zw.Close(); err != nil {
			return SaveResult{}, oops.In("state").Code("IO_FAILED").With("name", name).Wrap(err)
		}
		raw = buf.Bytes()
	}

	path := filepath.Join(s.cfg.SavesDir, name+s.saveExt())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return SaveResult{}, oops.In("state").Code("IO_FAILED").With("path", tmp).Wrap(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return SaveResult{}, oops.In("state").Code("IO_FAILED").With("path", path).Wrap(err)
	}

	return SaveResult{
		Name:        name,
		Path:        path,
		EntityCount: count,
		SavedAt:     doc.Metadata.SavedAt,
	}, nil
}

// readSave loads, validates, and applies a save file.
func (s *Store) readSave(name string) (LoadResult, error) {
	path, compressed, err := s.resolveSave(name)
	if err != nil {
		return LoadResult{}, err
	}

	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return LoadResult{}, oops.In("state").Code("IO_FAILED").With("path", path).Wrap(err)
	}

	if compressed {
		zr, gzErr := gzip.NewReader(bytes.NewReader(raw))
		if gzErr != nil {
			return LoadResult{}, oops.In("state").Code("IO_FAILED").With("path", path).Hint("corrupt gzip stream").Wrap(gzErr)
		}
		raw, err = io.ReadAll(zr)
		if err != nil {
			return LoadResult{}, oops.In("state").Code("IO_FAILED").With("path", path).Wrap(err)
		}
		if err := zr.Close(); err != nil {
			return LoadResult{}, oops.In("state").Code("IO_FAILED").With("path", path).Wrap(err)
		}
	}

	doc, err := DecodeDocument(raw, s.cfg.Validation)
	if err != nil {
		return LoadResult{}, err
	}

	// Validation passed; now replace everything in one step.
	s.mu.Lock()
	s.trackers = make(map[string]*Tracker, len(doc.Entities))
	for id, rec := range doc.Entities {
		s.trackers[id] = restoreTracker(id, rec)
	}
	s.gameState = doc.GameState
	if s.gameState == nil {
		s.gameState = map[string]any{}
	}
	s.metrics.SetTrackedEntities(len(s.trackers))
	s.mu.Unlock()

	return LoadResult{
		Name:        name,
		Version:     doc.Version,
		EntityCount: len(doc.Entities),
		SavedAt:     doc.Metadata.SavedAt,
	}, nil
}

// markSavedClean resets the trackers the save snapshot captured, skipping any
// that recorded changes (or were replaced) after the snapshot was taken.
// Those stay dirty so the next save still persists them.
func (s *Store) markSavedClean(marks map[string]trackerMark) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, mark := range marks {
		tracker, ok := s.trackers[id]
		if !ok || tracker != mark.tracker {
			continue
		}
		if len(tracker.changes) != mark.changes {
			continue
		}
		tracker.MarkClean()
	}
}

// backupSave copies an existing save into the backups directory with a
// timestamp suffix and prunes old backups beyond MaxBackups.
func (s *Store) backupSave(name, existingPath string, compressed bool) error {
	if err := os.MkdirAll(s.cfg.BackupsDir, 0o700); err != nil {
		return oops.In("state").Code("IO_FAILED").With("dir", s.cfg.BackupsDir).Wrap(err)
	}

	ext := ".json"
	if compressed {
		ext = ".json.gz"
	}
	backupName := name + "_" + s.now().UTC().Format("20060102-150405.000000000") + ext
	backupPath := filepath.Join(s.cfg.BackupsDir, backupName)

	raw, err := os.ReadFile(filepath.Clean(existingPath))
	if err != nil {
		return oops.In("state").Code("IO_FAILED").With("path", existingPath).Wrap(err)
	}
	if err := os.WriteFile(backupPath, raw, 0o600); err != nil {
		return oops.In("state").Code("IO_FAILED").With("path", backupPath).Wrap(err)
	}

	s.logger.Debug("save backed up", "name", name, "backup", backupName)
	return s.pruneBackups(name)
}

// pruneBackups deletes the oldest backups of one save past MaxBackups.
// The timestamp suffix sorts lexicographically.
func (s *Store) pruneBackups(name string) error {
	backups, err := s.ListBackups(name)
	if err != nil {
		return err
	}
	if len(backups) <= s.cfg.MaxBackups {
		return nil
	}
	for _, stale := range backups[:len(backups)-s.cfg.MaxBackups] {
		if err := os.Remove(stale); err != nil {
			return oops.In("state").Code("IO_FAILED").With("path", stale).Wrap(err)
		}
		s.logger.Debug("stale backup pruned", "path", stale)
	}
	return nil
}

// ListBackups returns the backup file paths for one save name, oldest first.
func (s *Store) ListBackups(name string) ([]string, error) {
	entries, err := os.ReadDir(s.cfg.BackupsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.In("state").Code("IO_FAILED").With("dir", s.cfg.BackupsDir).Wrap(err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), name+"_") {
			paths = append(paths, filepath.Join(s.cfg.BackupsDir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// RestoreBackup copies a backup file back over the live save. The current
// save (if any) is backed up first so a restore is never destructive.
func (s *Store) RestoreBackup(backupPath, name string) error {
	if err := validateSaveName(name); err != nil {
		return err
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	raw, err := os.ReadFile(filepath.Clean(backupPath))
	if err != nil {
		return oops.In("state").Code("SAVE_NOT_FOUND").With("path", backupPath).Wrap(err)
	}

	if existing, compressed, resolveErr := s.resolveSave(name); resolveErr == nil {
		if err := s.backupSave(name, existing, compressed); err != nil {
			return err
		}
	}

	ext := ".json"
	if strings.HasSuffix(backupPath, ".json.gz") {
		ext = ".json.gz"
	}
	if err := os.MkdirAll(s.cfg.SavesDir, 0o700); err != nil {
		return oops.In("state").Code("IO_FAILED").With("dir", s.cfg.SavesDir).Wrap(err)
	}
	path := filepath.Join(s.cfg.SavesDir, name+ext)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return oops.In("state").Code("IO_FAILED").With("path", tmp).Wrap(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return oops.In("state").Code("IO_FAILED").With("path", path).Wrap(err)
	}

	s.logger.Info("backup restored", "name", name, "backup", backupPath)
	return nil
}

// ListSaves returns metadata for every readable save file, newest first.
// Unreadable files are skipped with a warning.
func (s *Store) ListSaves() ([]SaveInfo, error) {
	entries, err := os.ReadDir(s.cfg.SavesDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.In("state").Code("IO_FAILED").With("dir", s.cfg.SavesDir).Wrap(err)
	}

	var infos []SaveInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fname := entry.Name()
		var name string
		compressed := false
		switch {
		case strings.HasSuffix(fname, ".json.gz"):
			name = strings.TrimSuffix(fname, ".json.gz")
			compressed = true
		case strings.HasSuffix(fname, ".json"):
			name = strings.TrimSuffix(fname, ".json")
		default:
			continue
		}

		path := filepath.Join(s.cfg.SavesDir, fname)
		doc, readErr := readDocumentFile(path, compressed)
		if readErr != nil {
			errutil.LogWarn(s.logger, "skipping unreadable save file", readErr)
			continue
		}
		infos = append(infos, SaveInfo{
			Name:        name,
			Path:        path,
			Version:     doc.Version,
			SavedAt:     doc.Metadata.SavedAt,
			EntityCount: doc.Metadata.EntityCount,
			Compressed:  compressed,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].SavedAt.After(infos[j].SavedAt)
	})
	return infos, nil
}

// readDocumentFile reads and decodes a save document without validation,
// for listing and inspection.
func readDocumentFile(path string, compressed bool) (*SaveDocument, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, oops.In("state").Code("IO_FAILED").With("path", path).Wrap(err)
	}
	if compressed {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, oops.In("state").Code("IO_FAILED").With("path", path).Wrap(err)
		}
		raw, err = io.ReadAll(zr)
		if err != nil {
			return nil, oops.In("state").Code("IO_FAILED").With("path", path).Wrap(err)
		}
	}
	var doc SaveDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, oops.In("state").Code("VALIDATION_FAILED").With("path", path).Wrap(err)
	}
	return &doc, nil
}
