// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"net/netip"
	"slices"
	"time"
)

// addrCacheKey identifies a cache entry.
type addrCacheKey struct {
	host   string
	family uint16
}

// addrCacheEntry is a cached address list and its expiry.
type addrCacheEntry struct {
	addrs   []netip.Addr
	expires time.Time
}

// addrCache caches resolved addresses keyed by hostname and family. Each
// entry lives for the minimum TTL of the answers that produced it.
//
// Not safe for concurrent use.
type addrCache struct {
	entries map[addrCacheKey]addrCacheEntry
	timeNow func() time.Time
}

func newAddrCache(timeNow func() time.Time) *addrCache {
	return &addrCache{entries: map[addrCacheKey]addrCacheEntry{}, timeNow: timeNow}
}

// Get returns a copy of the cached addresses, if any and not expired.
func (c *addrCache) Get(host string, family uint16) ([]netip.Addr, bool) {
	key := addrCacheKey{host: dohNormalizeName(host), family: family}
	entry, found := c.entries[key]
	if !found {
		return nil, false
	}
	if !c.timeNow().Before(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return slices.Clone(entry.addrs), true
}

// Put stores addrs for ttl. A zero ttl or an empty list is not stored.
func (c *addrCache) Put(host string, family uint16, addrs []netip.Addr, ttl time.Duration) {
	if ttl <= 0 || len(addrs) <= 0 {
		return
	}
	c.entries[addrCacheKey{host: dohNormalizeName(host), family: family}] = addrCacheEntry{
		addrs:   slices.Clone(addrs),
		expires: c.timeNow().Add(ttl),
	}
}

// Len returns the number of entries, including the expired ones.
func (c *addrCache) Len() int {
	return len(c.entries)
}
