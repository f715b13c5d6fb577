package memory

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/agentos/agentos/internal/telemetry"
	"golang.org/x/sync/singleflight"
)

const (
	dumpCacheTTL      = 60 * time.Second
	dumpCacheMaxSize  = 100
	dumpCacheEvictTo  = dumpCacheMaxSize - 50
)

type dumpCacheKey struct {
	tenantID string
	agent    string
	limit    int
}

type dumpCacheEntry struct {
	result    *DumpResult
	expiresAt time.Time
}

// dumpCache implements the server-side DUMP cache from spec §4.7.7: keyed by
// (tenant, agent, limit), 60s TTL, capped at 100 entries with oldest-50
// eviction on overflow, invalidated on any PUT for the agent. A singleflight
// group collapses concurrent cache-miss loads for the same key into one
// underlying query.
type dumpCache struct {
	mu      sync.Mutex
	entries map[dumpCacheKey]dumpCacheEntry
	group   singleflight.Group
}

func newDumpCache() *dumpCache {
	return &dumpCache{entries: make(map[dumpCacheKey]dumpCacheEntry)}
}

// getOrLoad returns a cached result for key if fresh, else calls load, caches
// its result, and returns it. The bool return is true on a cache hit.
func (c *dumpCache) getOrLoad(key dumpCacheKey, load func() (*DumpResult, error)) (*DumpResult, bool, error) {
	if result, ok := c.get(key); ok {
		telemetry.DumpCacheResultsTotal.WithLabelValues("hit").Inc()
		return result, true, nil
	}

	v, err, _ := c.group.Do(cacheGroupKey(key), func() (any, error) {
		result, err := load()
		if err != nil {
			return nil, err
		}
		c.put(key, result)
		return result, nil
	})
	telemetry.DumpCacheResultsTotal.WithLabelValues("miss").Inc()
	if err != nil {
		return nil, false, err
	}
	return v.(*DumpResult), false, nil
}

func (c *dumpCache) get(key dumpCacheKey) (*DumpResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.result, true
}

func (c *dumpCache) put(key dumpCacheKey, result *DumpResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = dumpCacheEntry{result: result, expiresAt: time.Now().Add(dumpCacheTTL)}
	c.evictIfOverCapLocked()
}

// evictIfOverCapLocked drops the oldest 50 entries (by expiry, a proxy for
// insertion order) once the cache exceeds 100 entries. Stricter LRU is not
// required (open question, resolved to this simpler policy).
func (c *dumpCache) evictIfOverCapLocked() {
	if len(c.entries) <= dumpCacheMaxSize {
		return
	}

	type aged struct {
		key       dumpCacheKey
		expiresAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, expiresAt: e.expiresAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].expiresAt.Before(all[j].expiresAt) })

	evictCount := dumpCacheMaxSize - dumpCacheEvictTo
	for i := 0; i < evictCount && i < len(all); i++ {
		delete(c.entries, all[i].key)
	}
}

// invalidate drops every cached entry for (tenant, agent), across all
// limits, since a PUT can change the latest-version set regardless of the
// limit a prior DUMP call used.
func (c *dumpCache) invalidate(tenantID, agent string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k := range c.entries {
		if k.tenantID == tenantID && k.agent == agent {
			delete(c.entries, k)
		}
	}
}

func cacheGroupKey(key dumpCacheKey) string {
	return key.tenantID + "\x00" + key.agent + "\x00" + strconv.Itoa(key.limit)
}
