package tabsync

import (
	"fmt"
	"testing"
	"time"
)

// fakeClock advances manually so staleness and LRU order are deterministic.
type fakeClock struct {
	at time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{at: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.at = c.at.Add(time.Millisecond)
	return c.at
}

func (c *fakeClock) advance(d time.Duration) {
	c.at = c.at.Add(d)
}

func TestCachePutGetRoundtrip(t *testing.T) {
	c := NewRecordCache(testLog(), 10, time.Hour)
	tab := ownedTab("a", 7, "w1")
	c.Put(tab)

	got, ok := c.Get("a")
	if !ok {
		t.Fatalf("record not found after put")
	}
	if got.URL != tab.URL {
		t.Fatalf("expected %q, got %q", tab.URL, got.URL)
	}

	// Mutating the returned copy must not reach the cached record.
	got.Title = "mutated"
	again, _ := c.Get("a")
	if again.Title == "mutated" {
		t.Fatalf("cache returned an aliased record")
	}
}

func TestSnapshotOrdersByZIndex(t *testing.T) {
	c := NewRecordCache(testLog(), 10, time.Hour)
	for i, id := range []string{"c", "a", "b"} {
		tab := validTab(id)
		tab.ZIndex = 3 - i
		c.Put(tab)
	}
	snapshot := c.Snapshot()
	if len(snapshot) != 3 {
		t.Fatalf("expected 3 records, got %d", len(snapshot))
	}
	if snapshot[0].ID != "b" || snapshot[1].ID != "a" || snapshot[2].ID != "c" {
		t.Fatalf("expected z-index order b,a,c, got %v", []RecordID{snapshot[0].ID, snapshot[1].ID, snapshot[2].ID})
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewRecordCache(testLog(), 10, time.Hour)
	clock := newFakeClock()
	c.now = clock.now

	// Fill to the headroom limit (11 entries for maxSize 10), refresh the
	// oldest, then overflow by one.
	for i := 0; i < 11; i++ {
		c.Put(validTab(fmt.Sprintf("tab-%02d", i)))
	}
	if c.Len() != 11 {
		t.Fatalf("expected 11 entries before overflow, got %d", c.Len())
	}
	if _, ok := c.Get("tab-00"); !ok {
		t.Fatalf("refresh read failed")
	}
	c.Put(validTab("tab-11"))

	if c.Len() != 11 {
		t.Fatalf("expected one eviction at overflow, got %d entries", c.Len())
	}
	if _, ok := c.Get("tab-01"); ok {
		t.Fatalf("least recently used record must be evicted")
	}
	if _, ok := c.Get("tab-00"); !ok {
		t.Fatalf("recently touched record must survive eviction")
	}
	if c.EvictedTotal() != 1 {
		t.Fatalf("expected 1 eviction, got %d", c.EvictedTotal())
	}
}

func TestSweepReapsClosedAndStale(t *testing.T) {
	c := NewRecordCache(testLog(), 10, time.Hour)
	clock := newFakeClock()
	c.now = clock.now

	c.Put(validTab("live"))
	c.Put(validTab("closed"))
	c.MarkClosed("closed")

	if reaped := c.Sweep(); reaped != 1 {
		t.Fatalf("expected closed record reaped, got %d", reaped)
	}
	if _, ok := c.Get("closed"); ok {
		t.Fatalf("closed record must be gone after sweep")
	}

	clock.advance(2 * time.Hour)
	if reaped := c.Sweep(); reaped != 1 {
		t.Fatalf("expected stale record reaped, got %d", reaped)
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d entries", c.Len())
	}
}

func TestClosedRecordsExcludedFromReads(t *testing.T) {
	c := NewRecordCache(testLog(), 10, time.Hour)
	c.Put(validTab("a"))
	c.MarkClosed("a")

	if _, ok := c.Get("a"); ok {
		t.Fatalf("closed record must not be readable")
	}
	if len(c.Snapshot()) != 0 {
		t.Fatalf("closed record must not appear in snapshots")
	}
	// A fresh put reopens the slot.
	c.Put(validTab("a"))
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("re-put record must be readable again")
	}
}
