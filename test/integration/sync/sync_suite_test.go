// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Leyline Contributors

//go:build integration

package sync_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/leyline-rpg/leyline/internal/event"
	"github.com/leyline-rpg/leyline/internal/reconcile"
	"github.com/leyline-rpg/leyline/internal/state"
)

func TestSync(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "State Sync Integration Suite")
}

var _ = Describe("Browser snapshot reconciliation", func() {
	var (
		ctx   context.Context
		bus   *event.Bus
		store *state.Store
		coord *reconcile.Coordinator
		seen  []string
	)

	snapshot := func(entities map[string]state.EntityRecord) []byte {
		doc := state.SaveDocument{
			Version:   state.SaveFormatVersion,
			GameState: map[string]any{},
			Entities:  entities,
			Metadata: state.Metadata{
				SavedAt:     time.Now().UTC(),
				GameVersion: "1.0.0",
				EntityCount: len(entities),
			},
		}
		raw, err := json.Marshal(doc)
		Expect(err).NotTo(HaveOccurred())
		return raw
	}

	BeforeEach(func() {
		ctx = context.Background()
		seen = nil

		var err error
		bus, err = event.NewBus(event.Config{}, nil, nil)
		Expect(err).NotTo(HaveOccurred())

		dir := GinkgoT().TempDir()
		store = state.NewStore(state.Config{
			SavesDir:   filepath.Join(dir, "saves"),
			BackupsDir: filepath.Join(dir, "backups"),
			Validation: true,
		}, bus, nil, nil)

		coord, err = reconcile.NewCoordinator(
			reconcile.Config{Policy: reconcile.LastWriteWins, Validation: true},
			store, bus, nil, nil)
		Expect(err).NotTo(HaveOccurred())

		_, err = bus.Subscribe("state.*", func(_ context.Context, evt event.Event) error {
			seen = append(seen, evt.Type)
			return nil
		})
		Expect(err).NotTo(HaveOccurred())
	})

	It("merges a remote snapshot and survives a save/load cycle", func() {
		Expect(store.RegisterEntity("drone-1", "Drone", map[string]any{"battery": 90, "zone": "alpha"})).To(Succeed())

		raw := snapshot(map[string]state.EntityRecord{
			"drone-1": {
				EntityType:   "Drone",
				State:        map[string]any{"battery": 40, "zone": "alpha"},
				LastModified: time.Now().Add(time.Minute),
			},
			"drone-2": {
				EntityType:   "Drone",
				State:        map[string]any{"battery": 100},
				LastModified: time.Now(),
			},
		})

		res, err := coord.Apply(ctx, raw, reconcile.ModeMerge)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Success).To(BeTrue())
		Expect(res.ConflictCount).To(Equal(1))
		Expect(res.UpdatedEntities).To(ConsistOf("drone-1", "drone-2"))

		view, ok := store.Entity("drone-1")
		Expect(ok).To(BeTrue())
		Expect(view.State["battery"]).To(BeEquivalentTo(40))

		_, err = store.Save(ctx, "after-sync", nil)
		Expect(err).NotTo(HaveOccurred())

		store.Clear()
		_, err = store.Load(ctx, "after-sync")
		Expect(err).NotTo(HaveOccurred())
		Expect(store.EntityCount()).To(Equal(2))

		Expect(seen).To(ContainElements(
			event.TypeBrowserSynced,
			event.TypeStateSaved,
			event.TypeStateLoaded,
		))
	})

	It("keeps local state when the snapshot only validates", func() {
		Expect(store.RegisterEntity("drone-1", "Drone", map[string]any{"battery": 90})).To(Succeed())

		raw := snapshot(map[string]state.EntityRecord{
			"drone-1": {
				EntityType:   "Drone",
				State:        map[string]any{"battery": 1},
				LastModified: time.Now().Add(time.Hour),
			},
		})

		res, err := coord.Apply(ctx, raw, reconcile.ModeValidate)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Success).To(BeTrue())

		view, ok := store.Entity("drone-1")
		Expect(ok).To(BeTrue())
		Expect(view.State["battery"]).To(BeEquivalentTo(90))
	})

	It("queues conflicts under the manual policy until resolved", func() {
		manual, err := reconcile.NewCoordinator(
			reconcile.Config{Policy: reconcile.Manual},
			store, bus, nil, nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(store.RegisterEntity("drone-1", "Drone", map[string]any{"battery": 90})).To(Succeed())

		raw := snapshot(map[string]state.EntityRecord{
			"drone-1": {
				EntityType:   "Drone",
				State:        map[string]any{"battery": 10},
				LastModified: time.Now().Add(time.Hour),
			},
		})

		res, err := manual.Apply(ctx, raw, reconcile.ModeMerge)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.ConflictCount).To(Equal(1))

		view, _ := store.Entity("drone-1")
		Expect(view.State["battery"]).To(BeEquivalentTo(90))

		Expect(manual.ResolvePending("drone-1", "battery", true)).To(Succeed())
		view, _ = store.Entity("drone-1")
		Expect(view.State["battery"]).To(BeEquivalentTo(10))
		Expect(manual.PendingConflicts()).To(BeEmpty())
	})
})
