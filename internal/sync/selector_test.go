package sync

import (
	"context"
	"fmt"
	"testing"

	"github.com/duocyber/fieldsync/internal/record"
)

func TestSelectBatch_Completeness(t *testing.T) {
	node := newTestNode(t, "author", false)
	ctx := context.Background()

	node.joinZone(t, "zone1")

	// 250 records, counters 1..250.
	for i := 0; i < 250; i++ {
		l := &record.SyncedLog{Category: "exercise", Value: fmt.Sprintf("attempt-%d", i)}
		if err := node.engine.SaveLocal(ctx, l); err != nil {
			t.Fatalf("authoring record %d: %v", i, err)
		}
	}

	peerCounters := map[string]int64{node.own.ID: 0}
	seen := make(map[string]bool)
	rounds := 0

	for {
		rounds++
		if rounds > 10 {
			t.Fatal("selection did not converge")
		}

		models, remaining, err := node.selector.SelectBatch(ctx, peerCounters, "zone1")
		if err != nil {
			t.Fatalf("SelectBatch() round %d error = %v", rounds, err)
		}

		if len(models) > DefaultBatchLimit {
			t.Errorf("round %d returned %d records, want <= %d", rounds, len(models), DefaultBatchLimit)
		}

		for _, m := range models {
			id := m.GetBase().ID
			if seen[id] {
				t.Errorf("record %s selected twice", id)
			}
			seen[id] = true
			if m.GetBase().Counter > peerCounters[node.own.ID] {
				peerCounters[node.own.ID] = m.GetBase().Counter
			}
		}

		if !remaining {
			break
		}
	}

	if rounds != 3 {
		t.Errorf("rounds = %d, want 3 (100+100+50)", rounds)
	}
	if len(seen) != 250 {
		t.Errorf("selected %d unique records, want 250", len(seen))
	}
}

func TestSelectBatch_NilCountersSeedFromZone(t *testing.T) {
	node := newTestNode(t, "author", false)
	ctx := context.Background()

	node.joinZone(t, "zone1")

	l := &record.SyncedLog{Category: "exercise"}
	if err := node.engine.SaveLocal(ctx, l); err != nil {
		t.Fatalf("authoring record: %v", err)
	}

	models, remaining, err := node.selector.SelectBatch(ctx, nil, "zone1")
	if err != nil {
		t.Fatalf("SelectBatch() error = %v", err)
	}
	if len(models) != 1 {
		t.Errorf("selected %d records, want 1", len(models))
	}
	if remaining {
		t.Error("remaining = true with everything selected")
	}
}

func TestSelectBatch_DropsIneligibleDevices(t *testing.T) {
	node := newTestNode(t, "author", false)
	ctx := context.Background()

	node.joinZone(t, "zone1")

	l := &record.SyncedLog{Category: "exercise"}
	if err := node.engine.SaveLocal(ctx, l); err != nil {
		t.Fatalf("authoring record: %v", err)
	}

	// A nonexistent device and an out-of-zone untrusted device are
	// dropped before selection; the member still contributes.
	outsider := &record.Device{Base: record.Base{ID: "outsider1"}, PublicKey: "k"}
	if err := node.store.Put(ctx, outsider); err != nil {
		t.Fatalf("storing outsider: %v", err)
	}

	counters := map[string]int64{
		node.own.ID: 0,
		"ghost":     0,
		"outsider1": 0,
	}
	models, _, err := node.selector.SelectBatch(ctx, counters, "zone1")
	if err != nil {
		t.Fatalf("SelectBatch() error = %v", err)
	}
	if len(models) != 1 {
		t.Errorf("selected %d records, want 1 from the zone member", len(models))
	}
}

func TestSelectBatch_ZoneFallback(t *testing.T) {
	central := newTestNode(t, "central", true)
	ctx := context.Background()

	// The central authority is in no zone; its records carry fallbacks.
	matching := &record.Facility{Name: "in-zone clinic"}
	matching.ZoneFallback = "zoneZ"
	if err := central.engine.SaveLocal(ctx, matching); err != nil {
		t.Fatalf("authoring matching facility: %v", err)
	}

	other := &record.Facility{Name: "other-zone clinic"}
	other.ZoneFallback = "zoneW"
	if err := central.engine.SaveLocal(ctx, other); err != nil {
		t.Fatalf("authoring other facility: %v", err)
	}

	models, _, err := central.selector.SelectBatch(ctx, map[string]int64{central.own.ID: 0}, "zoneZ")
	if err != nil {
		t.Fatalf("SelectBatch() error = %v", err)
	}

	if len(models) != 1 {
		t.Fatalf("selected %d records, want exactly the zoneZ fallback", len(models))
	}
	if models[0].GetBase().ID != matching.ID {
		t.Errorf("selected %s, want %s", models[0].GetBase().ID, matching.ID)
	}
}

func TestSelectBatch_BoostReachesSparseCounters(t *testing.T) {
	node := newTestNode(t, "author", false)
	ctx := context.Background()

	node.joinZone(t, "zone1")

	// Burn counters on non-syncable records so the only syncable record
	// sits past the first window.
	for i := 0; i < 3; i++ {
		z := &record.Zone{Name: fmt.Sprintf("scratch-%d", i)}
		if err := node.engine.SaveLocal(ctx, z); err != nil {
			t.Fatalf("authoring scratch zone: %v", err)
		}
	}
	far := &record.SyncedLog{Category: "exercise"}
	if err := node.engine.SaveLocal(ctx, far); err != nil {
		t.Fatalf("authoring far record: %v", err)
	}

	// With a tiny limit, the peer's window [1,2) holds only a zone record,
	// which is not syncable; the selector must widen rather than return an
	// empty round while records remain.
	smallSelector := NewSelector(node.store, node.devices, node.engine.Registry(), 1)
	models, _, err := smallSelector.SelectBatch(ctx, map[string]int64{node.own.ID: 0}, "zone1")
	if err != nil {
		t.Fatalf("SelectBatch() error = %v", err)
	}
	if len(models) == 0 {
		t.Fatal("boost loop returned an empty batch while records remain")
	}
}

func TestDeviceCounters(t *testing.T) {
	node := newTestNode(t, "author", false)
	ctx := context.Background()

	node.joinZone(t, "zone1")

	for i := 0; i < 5; i++ {
		l := &record.SyncedLog{Category: "exercise"}
		if err := node.engine.SaveLocal(ctx, l); err != nil {
			t.Fatalf("authoring record: %v", err)
		}
	}

	counters, err := node.selector.DeviceCounters(ctx, "zone1")
	if err != nil {
		t.Fatalf("DeviceCounters() error = %v", err)
	}

	if counters[node.own.ID] != 5 {
		t.Errorf("counter for own device = %d, want 5", counters[node.own.ID])
	}
}
