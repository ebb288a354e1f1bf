package tabsync

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultMaxCachedRecords = 200
	defaultStaleWindow      = 24 * time.Hour
	// evictHeadroom is how far past maxSize the collection may grow before
	// eviction kicks in, and evictFraction how much of maxSize one pass
	// reclaims.
	evictHeadroom = 1.10
	evictFraction = 0.10
)

type cacheEntry struct {
	record     QuickTabRecord
	lastAccess time.Time
	closed     bool
}

// RecordCache bounds the live in-memory record collection. Every read or
// write touches the entry's last-access time; once the collection exceeds
// maxSize plus headroom, the least-recently-used tenth is evicted. A
// periodic sweep additionally reaps entries untouched past the staleness
// window or whose record is already logically closed.
type RecordCache struct {
	mu          sync.Mutex
	entries     map[RecordID]*cacheEntry
	maxSize     int
	staleWindow time.Duration
	now         func() time.Time

	evictedTotal uint64
	reapedTotal  uint64
	log          zerolog.Logger
}

func NewRecordCache(log zerolog.Logger, maxSize int, staleWindow time.Duration) *RecordCache {
	if maxSize <= 0 {
		maxSize = defaultMaxCachedRecords
	}
	if staleWindow <= 0 {
		staleWindow = defaultStaleWindow
	}
	return &RecordCache{
		entries:     map[RecordID]*cacheEntry{},
		maxSize:     maxSize,
		staleWindow: staleWindow,
		now:         time.Now,
		log:         log.With().Str("component", "cache").Logger(),
	}
}

func (c *RecordCache) Get(id RecordID) (QuickTabRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok || entry.closed {
		return QuickTabRecord{}, false
	}
	entry.lastAccess = c.now()
	return entry.record.Clone(), true
}

func (c *RecordCache) Put(record QuickTabRecord) {
	c.mu.Lock()
	entry, ok := c.entries[record.ID]
	if ok {
		entry.record = record.Clone()
		entry.lastAccess = c.now()
		entry.closed = false
	} else {
		c.entries[record.ID] = &cacheEntry{record: record.Clone(), lastAccess: c.now()}
	}
	c.evictLocked()
	c.mu.Unlock()
}

// MarkClosed flags a record as logically closed; the sweep reaps it.
func (c *RecordCache) MarkClosed(id RecordID) {
	c.mu.Lock()
	if entry, ok := c.entries[id]; ok {
		entry.closed = true
	}
	c.mu.Unlock()
}

func (c *RecordCache) Remove(id RecordID) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Snapshot returns the open records ordered by z-index, then id for a
// stable batch layout.
func (c *RecordCache) Snapshot() []QuickTabRecord {
	c.mu.Lock()
	records := make([]QuickTabRecord, 0, len(c.entries))
	for _, entry := range c.entries {
		if entry.closed {
			continue
		}
		records = append(records, entry.record.Clone())
	}
	c.mu.Unlock()
	sort.Slice(records, func(i, j int) bool {
		if records[i].ZIndex != records[j].ZIndex {
			return records[i].ZIndex < records[j].ZIndex
		}
		return records[i].ID < records[j].ID
	})
	return records
}

func (c *RecordCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *RecordCache) evictLocked() {
	limit := int(float64(c.maxSize) * evictHeadroom)
	if len(c.entries) <= limit {
		return
	}
	type aged struct {
		id         RecordID
		lastAccess time.Time
	}
	byAge := make([]aged, 0, len(c.entries))
	for id, entry := range c.entries {
		byAge = append(byAge, aged{id: id, lastAccess: entry.lastAccess})
	}
	sort.Slice(byAge, func(i, j int) bool { return byAge[i].lastAccess.Before(byAge[j].lastAccess) })
	evictCount := int(float64(c.maxSize) * evictFraction)
	if evictCount < 1 {
		evictCount = 1
	}
	for i := 0; i < evictCount && i < len(byAge); i++ {
		delete(c.entries, byAge[i].id)
		c.evictedTotal++
	}
	c.log.Info().
		Int("evicted", evictCount).
		Int("remaining", len(c.entries)).
		Int("maxSize", c.maxSize).
		Msg("evicted least-recently-used records")
}

// Sweep reaps closed and stale entries. Runs on a timer and on every
// return-to-visibility event.
func (c *RecordCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.staleWindow)
	reaped := 0
	for id, entry := range c.entries {
		if entry.closed || entry.lastAccess.Before(cutoff) {
			delete(c.entries, id)
			c.reapedTotal++
			reaped++
		}
	}
	if reaped > 0 {
		c.log.Debug().Int("reaped", reaped).Int("remaining", len(c.entries)).Msg("swept stale records")
	}
	return reaped
}

func (c *RecordCache) EvictedTotal() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictedTotal
}

func (c *RecordCache) ReapedTotal() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reapedTotal
}
