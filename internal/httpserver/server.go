package httpserver

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Authenticator mounts the bearer-key authentication middleware on the
// authenticated API sub-router. It is implemented by internal/authn.
type Authenticator interface {
	Middleware(next http.Handler) http.Handler
}

// Server holds the HTTP server dependencies and the chi router tree. Domain
// handlers (memory, admin) are mounted onto APIRouter by the caller after
// NewServer returns.
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router
	// PublicAPIRouter mounts routes under /v1 that must NOT require bearer
	// auth (currently just POST /v1/admin/create-key, gated by its own
	// bootstrap-token check instead).
	PublicAPIRouter chi.Router
	Logger          *slog.Logger
	DB              *pgxpool.Pool
	Metrics         *prometheus.Registry
	startedAt       time.Time

	metricsToken string
}

// NewServer builds the chi router with the standard middleware stack, health
// and metrics endpoints, and an authenticated /v1 sub-router guarded by auth.
// preAuth, when non-nil, runs on every /v1/* request (both PublicAPIRouter
// and APIRouter) ahead of auth, so IP-based rate limiting never costs a
// database round trip.
func NewServer(logger *slog.Logger, db *pgxpool.Pool, metricsReg *prometheus.Registry, metricsToken string, auth Authenticator, preAuth func(http.Handler) http.Handler) *Server {
	s := &Server{
		Router:       chi.NewRouter(),
		Logger:       logger,
		DB:           db,
		Metrics:      metricsReg,
		startedAt:    time.Now(),
		metricsToken: metricsToken,
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(chimw.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "Idempotency-Key"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", s.metricsHandler())

	s.Router.Route("/v1", func(r chi.Router) {
		if preAuth != nil {
			r.Use(preAuth)
		}
		r.Group(func(pub chi.Router) {
			s.PublicAPIRouter = pub
		})
		r.Group(func(authed chi.Router) {
			authed.Use(auth.Middleware)
			s.APIRouter = authed
		})
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "database not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// metricsHandler gates /metrics behind a constant-time token comparison when
// a METRICS_TOKEN is configured; with no token configured, metrics are open
// (matching a typical scrape-from-inside-the-cluster deployment).
func (s *Server) metricsHandler() http.Handler {
	promHandler := promhttp.HandlerFor(s.Metrics, promhttp.HandlerOpts{})

	if s.metricsToken == "" {
		return promHandler
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		supplied := r.Header.Get("X-Metrics-Token")
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.metricsToken)) != 1 {
			RespondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid metrics token")
			return
		}
		promHandler.ServeHTTP(w, r)
	})
}
