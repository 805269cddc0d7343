// Package cache implements the TTL-aware, negative-caching, serve-stale DNS
// cache: a bounded mapping from CacheKey to
// CacheEntry with LRU recency and two-phase (expired-first, then LRU)
// eviction on the insert path.
package cache

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/resilientdns/resilientdns/internal/metrics"
	"github.com/resilientdns/resilientdns/internal/wire"
)

// defaultShardCount spreads lock contention across 32 independent mutexes
// at high QPS. For small
// configured capacities a single shard is used instead so the configured
// max_entries is respected exactly (splitting a capacity of, say, 10 across
// 32 shards would round every shard down to 0 or 1).
const defaultShardCount = 32

const smallCapacityThreshold = 32 * 100

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size           int
	MaxEntries     int
	EvictionsTotal uint64
	CacheClears    uint64
}

// Cache is the process-wide, concurrency-safe DNS reply cache.
type Cache struct {
	shards []*shard
	mask   uint32

	serveStaleMax time.Duration

	cacheClears atomic.Uint64

	mu sync.Mutex // guards nothing but documents Clear()'s swap semantics
}

// New creates a Cache bounded to maxEntries total, with serveStaleMax added
// to ttl_seconds to compute stale_until_mono. If log is non-nil,
// evictions are logged at debug level.
func New(maxEntries int, serveStaleMax time.Duration, log *slog.Logger) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	shardCount := defaultShardCount
	if maxEntries < smallCapacityThreshold {
		shardCount = 1
	}
	perShard := (maxEntries + shardCount - 1) / shardCount
	if perShard < 1 {
		perShard = 1
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = newShard(perShard, log)
	}
	return &Cache{
		shards:        shards,
		mask:          uint32(shardCount - 1),
		serveStaleMax: serveStaleMax,
	}
}

// shardFor selects a shard using an inline FNV-1a hash (allocation-free),
// avoiding the cost of a generic hash.Hash32 per lookup.
func (c *Cache) shardFor(mapKey string) *shard {
	if len(c.shards) == 1 {
		return c.shards[0]
	}
	const prime32 = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(mapKey); i++ {
		h ^= uint32(mapKey[i])
		h *= prime32
	}
	return c.shards[h&c.mask]
}

// Get looks up key and returns a copy of the entry and the State it was
// found in. Fresh and Stale both bump Hits/LastHitAt and LRU
// recency; Miss is returned with a zero CacheEntry.
func (c *Cache) Get(key wire.CacheKey) (CacheEntry, State) {
	return c.shardFor(key.String()).get(key.String(), time.Now())
}

// Put inserts or replaces the entry for key built from an upstream reply,
// then evicts while the shard is over capacity. Payload
// is copied; callers may reuse their *dns.Msg afterward.
func (c *Cache) Put(key wire.CacheKey, payload *dns.Msg, class wire.RcodeClass, ttl time.Duration) {
	now := time.Now()
	entry := newEntry(key, payload, class, ttl, c.serveStaleMax, now)
	c.shardFor(key.String()).put(key.String(), entry, now)
}

// Delete removes key if present. A deletion is not counted as an eviction.
func (c *Cache) Delete(key wire.CacheKey) {
	c.shardFor(key.String()).delete(key.String())
}

// Clear drops every entry and increments cache_clears_total (it is
// triggered by the external cache-clear signal). In-flight upstream calls
// and queued refreshes are unaffected; their results simply repopulate the
// now-empty cache.
func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.clear()
	}
	c.cacheClears.Add(1)
	metrics.RecordCacheClear()
}

// Stats returns a snapshot of size and counters.
func (c *Cache) Stats() Stats {
	var size int
	var evictions uint64
	maxEntries := 0
	for _, s := range c.shards {
		size += s.len()
		evictions += s.evictionCount()
		maxEntries += s.maxEntries
	}
	return Stats{
		Size:           size,
		MaxEntries:     maxEntries,
		EvictionsTotal: evictions,
		CacheClears:    c.cacheClears.Load(),
	}
}

// Scan calls fn for every entry across every shard, in per-shard stable
// order. Used by the refresh scheduler's eligibility pass; fn
// must not call back into the cache.
func (c *Cache) Scan(fn func(key wire.CacheKey, entry CacheEntry)) {
	for _, s := range c.shards {
		s.scan(func(mapKey string, entry CacheEntry) {
			fn(entry.Key, entry)
		})
	}
}
