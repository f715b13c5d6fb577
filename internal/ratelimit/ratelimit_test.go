package ratelimit

import "testing"

func TestSlidingWindowDeniesOverLimit(t *testing.T) {
	sw := NewSlidingWindow()
	const limit = 3

	for i := 0; i < limit; i++ {
		res := sw.Allow("tenant:endpoint", limit)
		if !res.Allowed {
			t.Fatalf("request %d unexpectedly denied", i+1)
		}
	}

	res := sw.Allow("tenant:endpoint", limit)
	if res.Allowed {
		t.Fatal("expected (limit+1)th request to be denied")
	}
}

func TestSlidingWindowIsolatesKeys(t *testing.T) {
	sw := NewSlidingWindow()
	for i := 0; i < 5; i++ {
		sw.Allow("tenantA:endpoint", 1)
	}
	res := sw.Allow("tenantB:endpoint", 1)
	if !res.Allowed {
		t.Fatal("different tenant key should not be affected by tenantA's usage")
	}
}

func TestPreAuthLimiterDeniesOverCapacity(t *testing.T) {
	limiter := NewPreAuthLimiter(2)

	if !limiter.Allow("1.2.3.4").Allowed {
		t.Fatal("first request should be allowed")
	}
	if !limiter.Allow("1.2.3.4").Allowed {
		t.Fatal("second request should be allowed")
	}
	if limiter.Allow("1.2.3.4").Allowed {
		t.Fatal("third immediate request should be denied")
	}
}

func TestPreAuthLimiterIsolatesByIP(t *testing.T) {
	limiter := NewPreAuthLimiter(1)
	limiter.Allow("1.2.3.4")
	if !limiter.Allow("5.6.7.8").Allowed {
		t.Fatal("a different IP should have its own bucket")
	}
}
