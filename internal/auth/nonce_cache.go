package auth

import (
	"sync"
	"time"
)

// NonceCache remembers HMAC nonces until they can no longer pass the
// timestamp skew check.
type NonceCache struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	ttl       time.Duration
	now       func() time.Time
	nextSweep time.Time
}

func NewNonceCache(ttl time.Duration) *NonceCache {
	if ttl <= 0 {
		ttl = 360 * time.Second
	}
	return &NonceCache{seen: map[string]time.Time{}, ttl: ttl, now: time.Now}
}

// MarkIfNew records nonce and reports whether it was unseen. A zero
// expiresAt uses the cache ttl.
func (c *NonceCache) MarkIfNew(nonce string, expiresAt time.Time) bool {
	if nonce == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if !now.Before(c.nextSweep) {
		for n, exp := range c.seen {
			if !exp.After(now) {
				delete(c.seen, n)
			}
		}
		c.nextSweep = now.Add(c.ttl / 4)
	}
	if exp, ok := c.seen[nonce]; ok && exp.After(now) {
		return false
	}
	if expiresAt.IsZero() {
		expiresAt = now.Add(c.ttl)
	}
	c.seen[nonce] = expiresAt
	return true
}

func (c *NonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
