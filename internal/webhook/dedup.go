package webhook

import (
	"fmt"
	"sync"
	"time"
)

// DefaultDedupRetention matches the longest provider redelivery window
// we need to remember events for.
const DefaultDedupRetention = 10 * time.Minute

// sameTimestampWindow catches providers that resend with a fresh event
// id: two events signed with the same timestamp arriving within this
// window are treated as one delivery.
const sameTimestampWindow = 1000 * time.Millisecond

// DedupCache is a bounded, time-windowed duplicate detector keyed by
// (provider, event id) and by (provider, signed timestamp). Entries
// older than the retention window are evicted on insert.
type DedupCache struct {
	mu        sync.Mutex
	retention time.Duration
	byID      map[string]time.Time // "provider:id" → arrival
	byStamp   map[string]time.Time // "provider:unixts" → arrival
	now       func() time.Time
}

// NewDedupCache creates a cache with the given retention window.
func NewDedupCache(retention time.Duration) *DedupCache {
	if retention <= 0 {
		retention = DefaultDedupRetention
	}
	return &DedupCache{
		retention: retention,
		byID:      make(map[string]time.Time),
		byStamp:   make(map[string]time.Time),
		now:       time.Now,
	}
}

// WithClock overrides the time source for tests.
func (c *DedupCache) WithClock(now func() time.Time) *DedupCache {
	c.now = now
	return c
}

// Observe records an event arrival and reports whether it is a
// duplicate. Both keys are checked: providers may redeliver under the
// original id or resend the same signed payload under a new one.
func (c *DedupCache) Observe(provider, id string, signedAt time.Time) bool {
	now := c.now()
	idKey := provider + ":" + id
	stampKey := fmt.Sprintf("%s:%d", provider, signedAt.Unix())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(now)

	if seen, ok := c.byID[idKey]; ok && now.Sub(seen) <= c.retention {
		return true
	}
	if seen, ok := c.byStamp[stampKey]; ok && now.Sub(seen) <= sameTimestampWindow {
		return true
	}

	c.byID[idKey] = now
	c.byStamp[stampKey] = now
	return false
}

// Len reports how many event ids are currently tracked.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}

// prune evicts expired entries. Caller holds the lock.
func (c *DedupCache) prune(now time.Time) {
	for k, seen := range c.byID {
		if now.Sub(seen) > c.retention {
			delete(c.byID, k)
		}
	}
	for k, seen := range c.byStamp {
		if now.Sub(seen) > c.retention {
			delete(c.byStamp, k)
		}
	}
}
