package cache

import (
	"time"

	"github.com/miekg/dns"
	"github.com/resilientdns/resilientdns/internal/wire"
)

// maxHits is the fixed ceiling on CacheEntry.Hits ("capped at a
// fixed ceiling (e.g., 2^31)").
const maxHits = 1 << 31

// State is the outcome of a cache Get.
type State int

const (
	// Miss means no entry was present for the key.
	Miss State = iota
	// Fresh means remaining_ttl > 0.
	Fresh
	// Stale means the entry is past TTL but within its stale window.
	Stale
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

// CacheEntry holds one cached reply and its access bookkeeping.
type CacheEntry struct {
	Key wire.CacheKey

	// Payload is the answer/authority/additional sections as received,
	// with the recorded TTL as it arrived from upstream.
	Payload *dns.Msg

	Class wire.RcodeClass

	InsertedAt time.Time
	TTL        time.Duration
	StaleUntil time.Time

	Hits      uint32
	LastHitAt time.Time
}

// Age returns now - InsertedAt.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.InsertedAt)
}

// RemainingTTL returns max(0, TTL - Age).
func (e *CacheEntry) RemainingTTL(now time.Time) time.Duration {
	remaining := e.TTL - e.Age(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsFresh reports whether remaining_ttl > 0.
func (e *CacheEntry) IsFresh(now time.Time) bool {
	return e.RemainingTTL(now) > 0
}

// IsStale reports whether the entry is expired but still inside its stale
// window (now < stale_until).
func (e *CacheEntry) IsStale(now time.Time) bool {
	return !e.IsFresh(now) && now.Before(e.StaleUntil)
}

// IsExpired reports whether the entry is past its stale window entirely
// (now >= stale_until), the condition the eviction "expired-first" phase
// and the refresh scheduler's "skip expired" rule both test for.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return !now.Before(e.StaleUntil)
}

// recordHit bumps Hits (capped at maxHits) and LastHitAt. Must be called
// with the owning shard's lock held.
func (e *CacheEntry) recordHit(now time.Time) {
	if e.Hits < maxHits {
		e.Hits++
	}
	e.LastHitAt = now
}

// newEntry builds a CacheEntry from an upstream reply at insert time.
func newEntry(key wire.CacheKey, payload *dns.Msg, class wire.RcodeClass, ttl, serveStaleMax time.Duration, now time.Time) *CacheEntry {
	return &CacheEntry{
		Key:        key,
		Payload:    payload.Copy(),
		Class:      class,
		InsertedAt: now,
		TTL:        ttl,
		StaleUntil: now.Add(ttl).Add(serveStaleMax),
		Hits:       0,
		LastHitAt:  now,
	}
}
