package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentos/agentos/internal/authn"
	"github.com/agentos/agentos/internal/httpserver"
	"github.com/agentos/agentos/internal/telemetry"
)

// PreAuthMiddleware gates every /v1/* request by client IP before auth or
// any DB access (§4.9 step 1). trustProxy controls whether the left-most
// X-Forwarded-For entry is trusted as the client address.
func PreAuthMiddleware(limiter *PreAuthLimiter, trustProxy bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, trustProxy)
			res := limiter.Allow(ip)

			w.Header().Set("X-PreAuth-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-PreAuth-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-PreAuth-RateLimit-Reset", strconv.FormatInt(res.ResetUnix, 10))

			if !res.Allowed {
				telemetry.RateLimitDenialsTotal.WithLabelValues("preauth").Inc()
				w.Header().Set("Retry-After", strconv.FormatInt(res.ResetUnix-time.Now().Unix(), 10))
				httpserver.WriteAPIError(w, logger, false, httpserver.ErrPreauthRateLimit("too many requests"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// EndpointMiddleware applies the authenticated sliding window limiter keyed
// by (tenant, endpoint). Must run after the auth middleware has populated
// the request context with an authn.Identity.
func EndpointMiddleware(sw *SlidingWindow, limit int, endpoint string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, _ := authn.FromContext(r.Context())
			key := id.TenantID + ":" + endpoint

			res := sw.Allow(key, limit)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetUnix, 10))

			if !res.Allowed {
				telemetry.RateLimitDenialsTotal.WithLabelValues(endpoint).Inc()
				w.Header().Set("Retry-After", strconv.FormatInt(res.ResetUnix-time.Now().Unix(), 10))
				httpserver.WriteAPIError(w, logger, false, httpserver.ErrRateLimitExceeded("rate limit exceeded"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			parts := strings.Split(fwd, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
