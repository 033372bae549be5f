package registry

import (
	"testing"

	"github.com/LibreNetworks/amps/internal/config"
)

func TestAddRejectsDuplicateID(t *testing.T) {
	r := New()
	if err := r.Add(&config.Channel{ID: 1, Name: "A"}); err != nil {
		t.Fatalf("unexpected error on first add: %v", err)
	}
	err := r.Add(&config.Channel{ID: 1, Name: "B"})
	if _, ok := err.(ErrConflict); !ok {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestGetReturnsIndependentClone(t *testing.T) {
	r := New()
	r.Seed([]config.Channel{{ID: 1, Name: "A", Variants: []config.Variant{{Name: "low"}}}})

	got, ok := r.Get(1)
	if !ok {
		t.Fatal("expected channel 1 to exist")
	}
	got.Variants[0].Name = "mutated"

	again, _ := r.Get(1)
	if again.Variants[0].Name != "low" {
		t.Fatal("expected mutation of a returned clone to not affect stored state")
	}
}

func TestReplaceCascadesKill(t *testing.T) {
	r := New()
	r.Seed([]config.Channel{{ID: 1, Name: "A"}})

	var killed int64 = -1
	r.SetKillFunc(func(id int64) { killed = id })

	if err := r.Replace(&config.Channel{ID: 1, Name: "B", Source: "udp://new"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if killed != 1 {
		t.Fatalf("expected kill callback for channel 1, got %d", killed)
	}
}

func TestReplaceUnknownIDFails(t *testing.T) {
	r := New()
	err := r.Replace(&config.Channel{ID: 99})
	if _, ok := err.(ErrNotFound); !ok {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteCascadesKillAndRemoves(t *testing.T) {
	r := New()
	r.Seed([]config.Channel{{ID: 1, Name: "A"}})

	var killed int64 = -1
	r.SetKillFunc(func(id int64) { killed = id })

	if err := r.Delete(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if killed != 1 {
		t.Fatal("expected kill callback on delete")
	}
	if _, ok := r.Get(1); ok {
		t.Fatal("expected channel to be gone after delete")
	}
}

// TestSnapshotPreservesConfigOrder covers spec.md §8's round-trip
// property: channels come back from Snapshot in the same order Seed saw
// them in, even when that order isn't ID-sorted.
func TestSnapshotPreservesConfigOrder(t *testing.T) {
	r := New()
	r.Seed([]config.Channel{{ID: 30}, {ID: 5}, {ID: 12}})

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 channels, got %d", len(snap))
	}
	got := []int64{snap[0].ID, snap[1].ID, snap[2].ID}
	want := []int64{30, 5, 12}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected config order %v, got %v", want, got)
		}
	}
}

// TestSnapshotAppendsAddedChannelsAtEnd covers a runtime POST landing after
// the seeded set, the same place it would land if appended to the YAML.
func TestSnapshotAppendsAddedChannelsAtEnd(t *testing.T) {
	r := New()
	r.Seed([]config.Channel{{ID: 30}, {ID: 5}})
	if err := r.Add(&config.Channel{ID: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := r.Snapshot()
	got := []int64{snap[0].ID, snap[1].ID, snap[2].ID}
	want := []int64{30, 5, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

// TestSnapshotSkipsDeletedChannels covers Delete's order cleanup: a
// removed id must not leave a gap or stale entry in Snapshot's order.
func TestSnapshotSkipsDeletedChannels(t *testing.T) {
	r := New()
	r.Seed([]config.Channel{{ID: 30}, {ID: 5}, {ID: 12}})
	if err := r.Delete(5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := r.Snapshot()
	got := []int64{snap[0].ID, snap[1].ID}
	want := []int64{30, 12}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestReplaceProgramsOverwritesInPlace(t *testing.T) {
	r := New()
	r.Seed([]config.Channel{{ID: 1, Programs: []config.Program{{Title: "old"}}}})

	if err := r.ReplacePrograms(1, []config.Program{{Title: "new"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	programs, err := r.GetPrograms(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(programs) != 1 || programs[0].Title != "new" {
		t.Fatalf("expected replaced program list, got %v", programs)
	}
}
