// Package ratelimit implements the two in-process rate limiters named in
// the spec (component C5): a per-(tenant,endpoint) sliding window for
// authenticated traffic, and a per-IP token bucket applied before
// authentication. Both are explicitly process-local — see Design Notes on
// distributed deployment.
package ratelimit

import (
	"sync"
	"time"
)

// Window is 60 seconds for every sliding-window limiter in this package.
const Window = 60 * time.Second

// SlidingWindow is a fixed-window counter per key: the counter resets when
// the window since its first hit has elapsed.
type SlidingWindow struct {
	mu      sync.Mutex
	buckets map[string]*windowBucket
}

type windowBucket struct {
	count       int
	windowStart time.Time
}

// NewSlidingWindow constructs an empty limiter.
func NewSlidingWindow() *SlidingWindow {
	return &SlidingWindow{buckets: make(map[string]*windowBucket)}
}

// Result describes the outcome of a rate-limit check, used to populate the
// X-RateLimit-* response headers regardless of allow/deny.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetUnix int64
}

// Allow increments the counter for key under limit requests per 60s window.
func (s *SlidingWindow) Allow(key string, limit int) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	b, ok := s.buckets[key]
	if !ok || now.Sub(b.windowStart) >= Window {
		b = &windowBucket{count: 0, windowStart: now}
		s.buckets[key] = b
	}

	reset := b.windowStart.Add(Window).Unix()

	if b.count >= limit {
		return Result{Allowed: false, Limit: limit, Remaining: 0, ResetUnix: reset}
	}

	b.count++
	remaining := limit - b.count
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Limit: limit, Remaining: remaining, ResetUnix: reset}
}
