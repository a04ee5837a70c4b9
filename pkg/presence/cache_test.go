package presence

import (
	"fmt"
	"testing"
	"time"

	"tagtrace/pkg/fmdn"
	"tagtrace/pkg/location"
)

func frameWith(b byte) fmdn.Frame {
	var f fmdn.Frame
	f.FrameType = 0x40
	for i := range f.EID {
		f.EID[i] = b
	}
	return f
}

func TestCapacityBound(t *testing.T) {
	c := New(10)
	base := time.Unix(1000, 0)
	for i := 0; i < 100; i++ {
		c.Observe(fmt.Sprintf("dev-%d", i), frameWith(byte(i)), -40, base.Add(time.Duration(i)*time.Second), nil)
	}
	if c.Len() != 10 {
		t.Fatalf("len = %d, want 10", c.Len())
	}
}

func TestEvictsOldestLastSeen(t *testing.T) {
	c := New(2)
	t1 := time.Unix(1, 0)
	c.Observe("A", frameWith(1), -50, t1, nil)
	c.Observe("B", frameWith(2), -50, t1.Add(time.Second), nil)
	c.Observe("C", frameWith(3), -50, t1.Add(2*time.Second), nil)

	if _, ok := c.Get("A"); ok {
		t.Fatal("A should have been evicted")
	}
	for _, id := range []string{"B", "C"} {
		if _, ok := c.Get(id); !ok {
			t.Fatalf("%s missing from cache", id)
		}
	}
}

func TestUpdateRefreshesEvictionOrder(t *testing.T) {
	c := New(2)
	t1 := time.Unix(1, 0)
	c.Observe("A", frameWith(1), -50, t1, nil)
	c.Observe("B", frameWith(2), -50, t1.Add(time.Second), nil)
	// A seen again: B is now the oldest.
	c.Observe("A", frameWith(1), -48, t1.Add(2*time.Second), nil)
	c.Observe("C", frameWith(3), -50, t1.Add(3*time.Second), nil)

	if _, ok := c.Get("B"); ok {
		t.Fatal("B should have been evicted")
	}
	if _, ok := c.Get("A"); !ok {
		t.Fatal("A should have survived")
	}
}

func TestLocationAttachDoesNotShieldFromEviction(t *testing.T) {
	c := New(2)
	t1 := time.Unix(1, 0)
	c.Observe("A", frameWith(1), -50, t1, nil)
	c.Observe("B", frameWith(2), -50, t1.Add(time.Second), nil)
	// Async fix arriving for A must not count as a sighting.
	c.SetLocation("A", location.Record{Lat: 1, Lng: 2, TS: 3})
	c.Observe("C", frameWith(3), -50, t1.Add(2*time.Second), nil)

	if _, ok := c.Get("A"); ok {
		t.Fatal("A has the minimum last-seen and must be evicted")
	}
	for _, id := range []string{"B", "C"} {
		if _, ok := c.Get(id); !ok {
			t.Fatalf("%s missing from cache", id)
		}
	}
}

func TestEvictionFollowsTimestampsNotArrivalOrder(t *testing.T) {
	c := New(2)
	c.Observe("A", frameWith(1), -50, time.Unix(10, 0), nil)
	c.Observe("B", frameWith(2), -50, time.Unix(5, 0), nil)
	c.Observe("C", frameWith(3), -50, time.Unix(20, 0), nil)

	if _, ok := c.Get("B"); ok {
		t.Fatal("B has the minimum last-seen and must be evicted")
	}
	for _, id := range []string{"A", "C"} {
		if _, ok := c.Get(id); !ok {
			t.Fatalf("%s missing from cache", id)
		}
	}
}

func TestSnapshotOrderedByLastSeen(t *testing.T) {
	c := New(10)
	c.Observe("A", frameWith(1), -50, time.Unix(30, 0), nil)
	c.Observe("B", frameWith(2), -50, time.Unix(10, 0), nil)
	c.Observe("C", frameWith(3), -50, time.Unix(20, 0), nil)

	snap := c.Snapshot()
	want := []string{"B", "C", "A"}
	if len(snap) != len(want) {
		t.Fatalf("snapshot len = %d, want %d", len(snap), len(want))
	}
	for i, id := range want {
		if snap[i].ID != id {
			t.Fatalf("snapshot[%d] = %s, want %s", i, snap[i].ID, id)
		}
	}
}

func TestNilLocationRetainsKnownPosition(t *testing.T) {
	c := New(10)
	loc := location.Record{Lat: 12.34, Lng: 56.78, TS: 1000}
	c.Observe("A", frameWith(1), -50, time.Unix(1, 0), &loc)
	c.Observe("A", frameWith(1), -45, time.Unix(2, 0), nil)

	d, ok := c.Get("A")
	if !ok {
		t.Fatal("A missing")
	}
	if d.Location == nil || *d.Location != loc {
		t.Fatalf("location = %+v, want %+v", d.Location, loc)
	}
	if d.RSSI != -45 {
		t.Fatalf("rssi = %d, want updated -45", d.RSSI)
	}
}

func TestSetLocation(t *testing.T) {
	c := New(10)
	c.Observe("A", frameWith(1), -50, time.Unix(1, 0), nil)
	rec := location.Record{Lat: 1, Lng: 2, TS: 3}
	c.SetLocation("A", rec)
	d, _ := c.Get("A")
	if d.Location == nil || *d.Location != rec {
		t.Fatalf("location = %+v, want %+v", d.Location, rec)
	}
	// Unknown id is a no-op.
	c.SetLocation("missing", rec)
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}
}

func TestSnapshotIsolation(t *testing.T) {
	c := New(10)
	c.Observe("A", frameWith(1), -50, time.Unix(1, 0), &location.Record{Lat: 1, Lng: 2, TS: 3})
	snap := c.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot len = %d, want 1", len(snap))
	}
	// Mutating the cache after the snapshot must not change the copy.
	c.Observe("A", frameWith(1), -10, time.Unix(9, 0), &location.Record{Lat: 9, Lng: 9, TS: 9})
	if snap[0].RSSI != -50 || snap[0].Location.Lat != 1 {
		t.Fatalf("snapshot mutated: %+v", snap[0])
	}
}
