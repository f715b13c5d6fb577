// Package authn implements bearer API-key authentication: parsing,
// argon2 verification, scope checks, an in-process verified-token cache,
// and per-key failure lockout (spec component C4).
package authn

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/agentos/agentos/internal/httpserver"
	"github.com/agentos/agentos/internal/store"
	"github.com/agentos/agentos/internal/telemetry"
)

const (
	authCacheTTL     = 60 * time.Second
	authCacheMaxSize = 1000
)

var (
	bearerPattern = regexp.MustCompile(`^Bearer\s+(.+)$`)
	idSecretPart  = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
)

// KeyLookup is the subset of internal/store's API the authenticator needs,
// narrowed to an interface so tests can substitute a fake.
type KeyLookup interface {
	GetAPIKeyByID(ctx context.Context, id string) (*store.APIKey, error)
}

// Authenticator verifies the Authorization header on every request routed
// through the authenticated /v1 router (the admin create-key route is
// outside it) and attaches the resulting Identity to the request context.
type Authenticator struct {
	keys    KeyLookup
	logger  *slog.Logger
	cache   *authCache
	failures *failureTracker
}

// New builds an Authenticator backed by keys for lookups.
func New(keys KeyLookup, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		keys:     keys,
		logger:   logger,
		cache:    newAuthCache(authCacheTTL, authCacheMaxSize),
		failures: newFailureTracker(),
	}
}

// Middleware implements httpserver.Authenticator.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := parseBearer(r.Header.Get("Authorization"))
		if err != nil {
			telemetry.AuthFailuresTotal.WithLabelValues("malformed_header").Inc()
			httpserver.WriteAPIError(w, a.logger, false, httpserver.ErrUnauthorized(err.Error()))
			return
		}

		if id, ok := a.cache.get(token); ok {
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
			return
		}

		keyID, secret, err := splitToken(token)
		if err != nil {
			telemetry.AuthFailuresTotal.WithLabelValues("malformed_token").Inc()
			httpserver.WriteAPIError(w, a.logger, false, httpserver.ErrUnauthorized(err.Error()))
			return
		}

		if a.failures.locked(keyID) {
			telemetry.AuthFailuresTotal.WithLabelValues("lockout").Inc()
			httpserver.WriteAPIError(w, a.logger, false, httpserver.ErrAuthLockout("too many failed attempts, try again later"))
			return
		}

		key, err := a.keys.GetAPIKeyByID(r.Context(), keyID)
		if err != nil {
			a.failures.recordFailure(keyID)
			telemetry.AuthFailuresTotal.WithLabelValues("unknown_key").Inc()
			httpserver.WriteAPIError(w, a.logger, false, httpserver.ErrUnauthorized("invalid credentials"))
			return
		}
		if key.RevokedAt != nil {
			a.failures.recordFailure(keyID)
			telemetry.AuthFailuresTotal.WithLabelValues("revoked").Inc()
			httpserver.WriteAPIError(w, a.logger, false, httpserver.ErrUnauthorized("invalid credentials"))
			return
		}

		ok, err := VerifySecret(secret, key.SecretHash)
		if err != nil || !ok {
			a.failures.recordFailure(keyID)
			telemetry.AuthFailuresTotal.WithLabelValues("bad_secret").Inc()
			httpserver.WriteAPIError(w, a.logger, false, httpserver.ErrUnauthorized("invalid credentials"))
			return
		}

		a.failures.clear(keyID)
		identity := Identity{TenantID: key.TenantID, KeyID: key.ID, Scopes: key.Scopes}
		a.cache.put(token, identity)

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// RequireScope returns middleware enforcing that the authenticated identity
// carries one of the given scopes (or admin). Must run after Middleware.
func RequireScope(scopes ...Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			if !ok || !id.HasScope(scopes...) {
				httpserver.RespondError(w, http.StatusForbidden, "FORBIDDEN", "missing required scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseBearer(header string) (string, error) {
	if header == "" {
		return "", errUnauthorized("missing Authorization header")
	}
	m := bearerPattern.FindStringSubmatch(header)
	if m == nil {
		return "", errUnauthorized("malformed Authorization header")
	}
	return m[1], nil
}

func splitToken(token string) (id, secret string, err error) {
	idx := -1
	for i, r := range token {
		if r == '.' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", "", errUnauthorized("malformed bearer token")
	}
	id, secret = token[:idx], token[idx+1:]
	if !idSecretPart.MatchString(id) || !idSecretPart.MatchString(secret) {
		return "", "", errUnauthorized("malformed bearer token")
	}
	return id, secret, nil
}

type authError string

func (e authError) Error() string { return string(e) }

func errUnauthorized(msg string) error { return authError(msg) }
