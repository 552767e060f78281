package broadcast

import (
	"sync"
	"time"
)

// nonceCache remembers processed message nonces for a retention window so
// a message delivered over both channels, or re-delivered by the broker,
// is handed to subscribers only once.
type nonceCache struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
	now       func() time.Time
}

func newNonceCache(retention time.Duration, now func() time.Time) *nonceCache {
	if now == nil {
		now = time.Now
	}
	return &nonceCache{
		seen:      make(map[string]time.Time),
		retention: retention,
		now:       now,
	}
}

// observe records the nonce and reports whether this is its first sighting
// within the retention window. Expired entries are swept opportunistically
// on each call; the cache stays small because traffic is sparse.
func (c *nonceCache) observe(nonce string) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for n, at := range c.seen {
		if now.Sub(at) > c.retention {
			delete(c.seen, n)
		}
	}

	if _, ok := c.seen[nonce]; ok {
		return false
	}
	c.seen[nonce] = now
	return true
}
