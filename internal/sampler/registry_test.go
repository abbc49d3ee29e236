package sampler

import (
	"testing"
	"time"

	"github.com/netpulse/netpulse/internal/model"
	"github.com/netpulse/netpulse/internal/source"
)

func TestRegistryObserveNewInterface(t *testing.T) {
	r := NewRegistry()

	id, changed := r.Observe(t0, cnt("eth0", 0, 0))
	if id != "eth0" || changed {
		t.Fatalf("observe: id=%q changed=%v", id, changed)
	}

	iface, ok := r.Lookup("eth0")
	if !ok {
		t.Fatal("interface not registered")
	}
	if iface.FirstSeenMs != t0 || iface.LastSeenMs != t0 || !iface.Active || !iface.Physical {
		t.Errorf("interface: %+v", iface)
	}

	dirty := r.TakeDirty()
	if len(dirty) != 1 || dirty[0].ID != "eth0" {
		t.Errorf("dirty: %+v", dirty)
	}
	if r.TakeDirty() != nil {
		t.Error("dirty set not cleared")
	}
}

func TestRegistryLastSeenAdvances(t *testing.T) {
	r := NewRegistry()

	r.Observe(t0, cnt("eth0", 0, 0))
	r.TakeDirty()
	r.Observe(t0+5_000, cnt("eth0", 100, 0))

	iface, _ := r.Lookup("eth0")
	if iface.FirstSeenMs != t0 || iface.LastSeenMs != t0+5_000 {
		t.Errorf("seen range: first=%d last=%d", iface.FirstSeenMs, iface.LastSeenMs)
	}
	if len(r.TakeDirty()) != 1 {
		t.Error("sighting did not mark the row dirty")
	}
}

func TestRegistrySeedIsNotDirty(t *testing.T) {
	r := NewRegistry()
	r.Seed([]model.Interface{
		{ID: "eth0", Name: "eth0", FirstSeenMs: 1, LastSeenMs: 2, Active: true},
		{ID: "wlan0", Name: "wlan0", FirstSeenMs: 3, LastSeenMs: 4},
	})

	if r.Len() != 2 {
		t.Fatalf("len: %d", r.Len())
	}
	if r.TakeDirty() != nil {
		t.Error("seeded rows marked dirty")
	}

	// A sighting of a seeded row keeps its first-seen time.
	r.Observe(t0, cnt("eth0", 0, 0))
	iface, _ := r.Lookup("eth0")
	if iface.FirstSeenMs != 1 || iface.LastSeenMs != t0 {
		t.Errorf("seeded row after sighting: %+v", iface)
	}
}

func TestRegistryDescriptionChange(t *testing.T) {
	r := NewRegistry()

	bare := source.Counters{Name: "eth0", Physical: true}
	r.Observe(t0, bare)

	// Filling in a description for the first time is enrichment, not a
	// device change.
	named := bare
	named.Description = "Realtek PCIe GbE"
	if _, changed := r.Observe(t0+1_000, named); changed {
		t.Error("first description flagged as a change")
	}

	// A different description under the same name is a new device.
	swapped := bare
	swapped.Description = "Intel I225-V"
	if _, changed := r.Observe(t0+2_000, swapped); !changed {
		t.Error("device swap not flagged")
	}

	// A reading without a description keeps the stored one.
	if _, changed := r.Observe(t0+3_000, bare); changed {
		t.Error("empty description flagged as a change")
	}
	iface, _ := r.Lookup("eth0")
	if iface.Description != "Intel I225-V" {
		t.Errorf("description: %q", iface.Description)
	}
}

func TestRegistryMarkInactive(t *testing.T) {
	r := NewRegistry()

	r.Observe(t0, cnt("eth0", 0, 0))
	r.TakeDirty()

	r.MarkInactive("eth0")
	iface, _ := r.Lookup("eth0")
	if iface.Active {
		t.Error("still active")
	}
	if iface.LastSeenMs != t0 {
		t.Errorf("deactivation moved last seen: %d", iface.LastSeenMs)
	}
	if len(r.TakeDirty()) != 1 {
		t.Error("deactivation not dirty")
	}

	// Idempotent, and unknown IDs are ignored.
	r.MarkInactive("eth0")
	r.MarkInactive("nope")
	if r.TakeDirty() != nil {
		t.Error("no-op deactivations marked dirty")
	}

	// A fresh sighting reactivates.
	r.Observe(t0+9_000, cnt("eth0", 0, 0))
	iface, _ = r.Lookup("eth0")
	if !iface.Active {
		t.Error("sighting did not reactivate")
	}
}

func TestRegistryDeactivateStale(t *testing.T) {
	r := NewRegistry()
	r.Observe(t0, cnt("eth0", 0, 0))
	r.Observe(t0+time.Hour.Milliseconds(), cnt("wlan0", 0, 0))
	r.TakeDirty()

	now := t0 + 25*time.Hour.Milliseconds()
	if n := r.DeactivateStale(now, 24*time.Hour); n != 1 {
		t.Fatalf("deactivated %d rows, want 1", n)
	}

	eth, _ := r.Lookup("eth0")
	wlan, _ := r.Lookup("wlan0")
	if eth.Active || !wlan.Active {
		t.Errorf("active flags: eth0=%v wlan0=%v", eth.Active, wlan.Active)
	}
	dirty := r.TakeDirty()
	if len(dirty) != 1 || dirty[0].ID != "eth0" {
		t.Errorf("dirty: %+v", dirty)
	}
}

func TestRegistryInterfacesSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"wlan0", "eth1", "eth0"} {
		r.Observe(t0, cnt(name, 0, 0))
	}

	ifaces := r.Interfaces()
	if len(ifaces) != 3 {
		t.Fatalf("len: %d", len(ifaces))
	}
	want := []string{"eth0", "eth1", "wlan0"}
	for i, iface := range ifaces {
		if iface.ID != want[i] {
			t.Errorf("position %d: %q", i, iface.ID)
		}
	}
}
