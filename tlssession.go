// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"crypto/tls"
	"sync"
	"time"
)

// DefaultTLSSessionCacheSize is the number of sessions kept by the cache
// that [*Client] shares among its channels.
const DefaultTLSSessionCacheSize = 64

// tlsSessionCache is a [tls.ClientSessionCache] whose entries expire a
// fixed time after they were stored.
type tlsSessionCache struct {
	cache   tls.ClientSessionCache
	mu      sync.Mutex
	stored  map[string]time.Time
	timeNow func() time.Time
	timeout time.Duration
}

var _ tls.ClientSessionCache = &tlsSessionCache{}

// newTLSSessionCache creates a session cache. A zero timeout means
// that sessions do not expire.
func newTLSSessionCache(timeout time.Duration, timeNow func() time.Time) *tlsSessionCache {
	return &tlsSessionCache{
		cache:   tls.NewLRUClientSessionCache(DefaultTLSSessionCacheSize),
		stored:  map[string]time.Time{},
		timeNow: timeNow,
		timeout: timeout,
	}
}

// Get implements [tls.ClientSessionCache].
func (c *tlsSessionCache) Get(key string) (*tls.ClientSessionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired(key) {
		delete(c.stored, key)
		c.cache.Put(key, nil)
		return nil, false
	}
	return c.cache.Get(key)
}

// Put implements [tls.ClientSessionCache].
func (c *tlsSessionCache) Put(key string, cs *tls.ClientSessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs == nil {
		delete(c.stored, key)
	} else {
		c.stored[key] = c.timeNow()
	}
	c.cache.Put(key, cs)
}

func (c *tlsSessionCache) expired(key string) bool {
	stored, found := c.stored[key]
	return found && c.timeout > 0 && c.timeNow().Sub(stored) >= c.timeout
}
