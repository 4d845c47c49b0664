package notify

import (
	"sync"

	"github.com/google/uuid"

	"github.com/clinic/waitroom/internal/domain/queue"
)

// Cache is the subscriber-side view of the queue built from deltas. It is
// safe to feed the same delta twice or out of order: a delta only replaces
// the cached state of its entry when it is newer by (Version, Seq).
type Cache struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]queue.Delta
	lastSeq int64
}

func NewCache() *Cache {
	return &Cache{entries: make(map[uuid.UUID]queue.Delta)}
}

// Apply folds d into the cache and reports whether it changed anything.
func (c *Cache) Apply(d queue.Delta) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d.Seq > c.lastSeq {
		c.lastSeq = d.Seq
	}
	cur, ok := c.entries[d.EntryID]
	if ok && !newer(d, cur) {
		return false
	}
	c.entries[d.EntryID] = d
	return true
}

func newer(d, cur queue.Delta) bool {
	if d.Version != cur.Version {
		return d.Version > cur.Version
	}
	// Same version: a recompute moved the entry. Unsequenced deltas cannot
	// be ordered, so they only win over other unsequenced deltas.
	if d.Seq == 0 || cur.Seq == 0 {
		return d.Seq == 0 && cur.Seq == 0
	}
	return d.Seq > cur.Seq
}

// Gap reports whether d skips sequence numbers after the last one applied,
// meaning the subscriber missed batches and should resync.
func (c *Cache) Gap(d queue.Delta) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeq > 0 && d.Seq > c.lastSeq+1
}

func (c *Cache) LastSeq() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeq
}

func (c *Cache) Get(id uuid.UUID) (queue.Delta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.entries[id]
	return d, ok
}

// Active returns the cached entries that are still waiting or in treatment.
func (c *Cache) Active() []queue.Delta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]queue.Delta, 0, len(c.entries))
	for _, d := range c.entries {
		if d.Status.Active() {
			out = append(out, d)
		}
	}
	return out
}

// Reset replaces the cache with a full snapshot taken at seq.
func (c *Cache) Reset(snapshot []queue.Delta, seq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uuid.UUID]queue.Delta, len(snapshot))
	for _, d := range snapshot {
		c.entries[d.EntryID] = d
	}
	c.lastSeq = seq
}
