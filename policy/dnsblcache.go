package policy

import (
	"math"
	"sync"
)

// blacklistCache remembers the most recent DNSBL verdicts for connecting IP addresses, mapping
// each address to its blacklisted/not-blacklisted verdict. This keeps a chatty
// client from causing a repeat DNSBL lookup chain on every MAIL FROM within the same connection
// and across short-lived reconnects from the same source.
type blacklistCache struct {
	maxEntries int

	mutex   sync.RWMutex
	seq     uint64
	lastHit map[string]uint64
	verdict map[string]bool
}

func newBlacklistCache(maxEntries int) *blacklistCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &blacklistCache{
		maxEntries: maxEntries,
		lastHit:    make(map[string]uint64),
		verdict:    make(map[string]bool),
	}
}

// Get reports a cached blacklist verdict for addr, if one is present.
func (c *blacklistCache) Get(addr string) (blacklisted bool, found bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	blacklisted, found = c.verdict[addr]
	return
}

// Put records addr's blacklist verdict, evicting the least recently stored entry if the cache is
// at capacity. Get does not refresh an entry's position.
func (c *blacklistCache) Put(addr string, blacklisted bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.seq++
	if _, present := c.verdict[addr]; !present && len(c.verdict) >= c.maxEntries {
		var oldest string
		oldestSeq := uint64(math.MaxUint64)
		for a, seq := range c.lastHit {
			if seq < oldestSeq {
				oldest, oldestSeq = a, seq
			}
		}
		delete(c.verdict, oldest)
		delete(c.lastHit, oldest)
	}
	c.verdict[addr] = blacklisted
	c.lastHit[addr] = c.seq
}
