package mixer

import (
	"fmt"
	"sync"
	"time"
)

// entries idle for longer than this are dropped on the next prune
const identityCacheTTL = 5 * time.Minute

type identityEntry struct {
	displayName     string
	applicationPath string
	lastTouched     time.Time
}

// identityCache remembers resolved session identities, as querying processes is slow.
// Eviction only happens through prune, there is no background sweeper
type identityCache struct {
	m    map[string]identityEntry
	lock sync.Mutex

	ttl time.Duration
	now func() time.Time
}

func newIdentityCache(now func() time.Time) *identityCache {
	if now == nil {
		now = time.Now
	}

	return &identityCache{
		m:   make(map[string]identityEntry),
		ttl: identityCacheTTL,
		now: now,
	}
}

// get returns a cached identity and refreshes its timestamp
func (c *identityCache) get(identifier string) (string, string, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	entry, ok := c.m[identifier]
	if !ok {
		return "", "", false
	}

	entry.lastTouched = c.now()
	c.m[identifier] = entry

	return entry.displayName, entry.applicationPath, true
}

func (c *identityCache) put(identifier string, displayName string, applicationPath string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.m[identifier] = identityEntry{
		displayName:     displayName,
		applicationPath: applicationPath,
		lastTouched:     c.now(),
	}
}

// prune evicts idle entries and returns how many were removed
func (c *identityCache) prune() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	now := c.now()
	removed := 0

	for identifier, entry := range c.m {
		if now.Sub(entry.lastTouched) > c.ttl {
			delete(c.m, identifier)
			removed++
		}
	}

	return removed
}

func (c *identityCache) len() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return len(c.m)
}

func (c *identityCache) String() string {
	return fmt.Sprintf("<%d cached identities>", c.len())
}
