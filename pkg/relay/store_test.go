package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreMeshes(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetMesh(ctx, "3f9a1c5b7d2e4a68"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetMesh on empty store = %v, want ErrNotFound", err)
	}

	now := time.Now().UTC()
	rec := &MeshRecord{MeshID: "3f9a1c5b7d2e4a68", PublicKey: "pk1", RegisteredAt: now, LastSeen: now}
	if err := s.UpsertMesh(ctx, rec); err != nil {
		t.Fatalf("UpsertMesh: %v", err)
	}

	got, err := s.GetMesh(ctx, "3f9a1c5b7d2e4a68")
	if err != nil {
		t.Fatalf("GetMesh: %v", err)
	}
	if got.PublicKey != "pk1" || !got.RegisteredAt.Equal(now) {
		t.Errorf("GetMesh = %+v", got)
	}

	// Returned records are copies; mutating them must not touch the store.
	got.PublicKey = "tampered"
	again, _ := s.GetMesh(ctx, "3f9a1c5b7d2e4a68")
	if again.PublicKey != "pk1" {
		t.Error("store record mutated through a returned copy")
	}

	// Upsert overwrites.
	rec.LastSeen = now.Add(time.Minute)
	s.UpsertMesh(ctx, rec)
	again, _ = s.GetMesh(ctx, "3f9a1c5b7d2e4a68")
	if !again.LastSeen.Equal(now.Add(time.Minute)) {
		t.Errorf("LastSeen after upsert = %v", again.LastSeen)
	}
}

func TestMemoryStoreListMeshesSorted(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"cccc000000000000", "aaaa000000000000", "bbbb000000000000"} {
		s.UpsertMesh(ctx, &MeshRecord{MeshID: id, PublicKey: "pk"})
	}

	meshes, err := s.ListMeshes(ctx)
	if err != nil {
		t.Fatalf("ListMeshes: %v", err)
	}
	if len(meshes) != 3 {
		t.Fatalf("len = %d, want 3", len(meshes))
	}
	for i, want := range []string{"aaaa000000000000", "bbbb000000000000", "cccc000000000000"} {
		if meshes[i].MeshID != want {
			t.Errorf("meshes[%d] = %s, want %s", i, meshes[i].MeshID, want)
		}
	}
}

func TestMemoryStoreDevices(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	s.TouchDevice(ctx, "mesh1", "bbbbbbbbbbbbbbbb")
	s.TouchDevice(ctx, "mesh1", "aaaaaaaaaaaaaaaa")
	s.TouchDevice(ctx, "mesh2", "cccccccccccccccc")

	devices, err := s.ListDevices(ctx, "mesh1")
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("len = %d, want 2 (mesh2 devices must not leak in)", len(devices))
	}
	if devices[0].NodeID != "aaaaaaaaaaaaaaaa" || devices[1].NodeID != "bbbbbbbbbbbbbbbb" {
		t.Errorf("devices = %v, want sorted by node id", devices)
	}

	// Touch refreshes LastSeen rather than duplicating.
	first := devices[0].LastSeen
	time.Sleep(5 * time.Millisecond)
	s.TouchDevice(ctx, "mesh1", "aaaaaaaaaaaaaaaa")
	devices, _ = s.ListDevices(ctx, "mesh1")
	if len(devices) != 2 {
		t.Fatalf("len after re-touch = %d, want 2", len(devices))
	}
	if !devices[0].LastSeen.After(first) {
		t.Error("re-touch should advance LastSeen")
	}
}

func TestMemoryStoreStats(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) != 0 {
		t.Errorf("fresh stats = %v, want empty", stats)
	}

	s.IncrStat(ctx, "connects", 1)
	s.IncrStat(ctx, "connects", 1)
	s.IncrStat(ctx, "messages", 5)

	stats, _ = s.Stats(ctx)
	if stats["connects"] != 2 {
		t.Errorf("connects = %d, want 2", stats["connects"])
	}
	if stats["messages"] != 5 {
		t.Errorf("messages = %d, want 5", stats["messages"])
	}

	// The returned map is a copy.
	stats["connects"] = 100
	again, _ := s.Stats(ctx)
	if again["connects"] != 2 {
		t.Error("stats mutated through a returned copy")
	}

	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
