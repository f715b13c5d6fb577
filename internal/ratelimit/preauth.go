package ratelimit

import (
	"sync"
	"time"
)

// idleEvictionFactor controls how many windows of inactivity before a
// per-IP bucket is evicted (spec §4.4: "evicted after 2x window").
const idleEvictionFactor = 2

// PreAuthLimiter is a per-IP token bucket consulted before authentication,
// so it never touches the database. Capacity equals the configured
// per-minute limit; refill is linear at limit/60000 tokens per millisecond.
type PreAuthLimiter struct {
	mu      sync.Mutex
	limit   int
	buckets map[string]*tokenBucket
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
}

// NewPreAuthLimiter builds a limiter with the given per-minute capacity.
func NewPreAuthLimiter(limitPerMinute int) *PreAuthLimiter {
	return &PreAuthLimiter{
		limit:   limitPerMinute,
		buckets: make(map[string]*tokenBucket),
	}
}

// Allow consumes one token for ip if available.
func (p *PreAuthLimiter) Allow(ip string) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.evictIdleLocked(now)

	b, ok := p.buckets[ip]
	if !ok {
		b = &tokenBucket{tokens: float64(p.limit), lastRefill: now}
		p.buckets[ip] = b
	}
	b.lastSeen = now

	elapsedMs := now.Sub(b.lastRefill).Milliseconds()
	refillRate := float64(p.limit) / 60000.0
	b.tokens += float64(elapsedMs) * refillRate
	if b.tokens > float64(p.limit) {
		b.tokens = float64(p.limit)
	}
	b.lastRefill = now

	resetUnix := now.Add(Window).Unix()

	if b.tokens < 1 {
		return Result{Allowed: false, Limit: p.limit, Remaining: 0, ResetUnix: resetUnix}
	}

	b.tokens -= 1
	return Result{Allowed: true, Limit: p.limit, Remaining: int(b.tokens), ResetUnix: resetUnix}
}

func (p *PreAuthLimiter) evictIdleLocked(now time.Time) {
	idleCutoff := idleEvictionFactor * Window
	for ip, b := range p.buckets {
		if now.Sub(b.lastSeen) > idleCutoff {
			delete(p.buckets, ip)
		}
	}
}
