package seller

import (
	"log/slog"
	"sync"
	"time"
)

// IdempotencyCache maps message IDs to the serialized first response so a
// replayed request within the retention window gets the identical bytes back
// without re-running the handler.
type IdempotencyCache struct {
	retention time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	response []byte
	storedAt time.Time
}

// NewIdempotencyCache creates a cache with the given retention window.
func NewIdempotencyCache(retention time.Duration) *IdempotencyCache {
	return &IdempotencyCache{
		retention: retention,
		entries:   make(map[string]cacheEntry),
	}
}

// Seen returns the cached response for a message ID, if present and within
// the retention window.
func (c *IdempotencyCache) Seen(messageID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[messageID]
	if !ok || time.Since(e.storedAt) > c.retention {
		return nil, false
	}
	return e.response, true
}

// Record stores the first response for a message ID.
func (c *IdempotencyCache) Record(messageID string, response []byte) {
	c.mu.Lock()
	c.entries[messageID] = cacheEntry{response: response, storedAt: time.Now()}
	c.mu.Unlock()
}

// Len returns the number of tracked entries.
func (c *IdempotencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep evicts entries older than the retention window and returns how many
// were removed.
func (c *IdempotencyCache) Sweep() int {
	cutoff := time.Now().Add(-c.retention)
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, e := range c.entries {
		if e.storedAt.Before(cutoff) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// RunSweeper evicts expired entries every interval until done is closed.
func (c *IdempotencyCache) RunSweeper(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				slog.Debug("evicted idempotency entries", slog.Int("count", n))
			}
		}
	}
}
