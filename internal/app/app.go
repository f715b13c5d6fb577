// Package app wires together every component package into the two runtime
// modes: "api" (HTTP server) and "worker" (embedding claim-and-process
// loop).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentos/agentos/internal/adminkey"
	"github.com/agentos/agentos/internal/authn"
	"github.com/agentos/agentos/internal/config"
	"github.com/agentos/agentos/internal/embed"
	"github.com/agentos/agentos/internal/httpserver"
	"github.com/agentos/agentos/internal/idempotency"
	"github.com/agentos/agentos/internal/memory"
	"github.com/agentos/agentos/internal/platform"
	"github.com/agentos/agentos/internal/quota"
	"github.com/agentos/agentos/internal/ratelimit"
	"github.com/agentos/agentos/internal/store"
	"github.com/agentos/agentos/internal/telemetry"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the configured mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)

	logger.Info("starting agentos",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	db := store.New(pool)
	metricsReg := telemetry.NewMetricsRegistry()

	quotaSvc := quota.New(db, quota.Limits{
		WritesPerDay:      cfg.WriteQuotaPerDay,
		EmbedTokensPerDay: cfg.EmbedTokensQuotaPerDay,
		SearchesPerDay:    cfg.SearchQuotaPerDay,
	})

	var embedder embed.Embedder
	if cfg.OpenAIAPIKey != "" {
		embedder = embed.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIEmbedModel)
		logger.Info("embeddings provider configured", "model", cfg.OpenAIEmbedModel)
	} else {
		logger.Info("embeddings provider disabled (OPENAI_API_KEY not set); search will run in degraded mode")
	}

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, pool, db, metricsReg, quotaSvc, embedder)
	case "worker":
		return runWorker(ctx, logger, db, quotaSvc, embedder, cfg.OpenAIEmbedModel)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	pool *pgxpool.Pool,
	db *store.Store,
	metricsReg *prometheus.Registry,
	quotaSvc *quota.Service,
	embedder embed.Embedder,
) error {
	authenticator := authn.New(db, logger)
	preAuthLimiter := ratelimit.NewPreAuthLimiter(cfg.PreauthRateLimitPerMinute)
	preAuth := ratelimit.PreAuthMiddleware(preAuthLimiter, cfg.TrustProxy, logger)
	srv := httpserver.NewServer(logger, pool, metricsReg, cfg.MetricsToken, authenticator, preAuth)

	idempotent := idempotency.New(db)
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go idempotent.RunSweeper(sweepCtx, 6*time.Hour, func(count int64) {
		if count > 0 {
			logger.Info("idempotency sweeper removed expired entries", "count", count)
		}
	})

	memSvc := memory.New(db, embedder, cfg.OpenAIEmbedModel, quotaSvc)
	searcher := &embed.Searcher{Store: db, Embedder: embedder, Quota: quotaSvc, Model: cfg.OpenAIEmbedModel}
	memHandlers := &memory.Handlers{
		Service:    memSvc,
		Searcher:   searcher,
		Idempotent: idempotent,
		Logger:     logger,
		Production: cfg.IsProduction(),
	}

	adminHandlers := &adminkey.Handlers{
		Store:          db,
		BootstrapToken: cfg.AdminBootstrapToken,
		Logger:         logger,
		Production:     cfg.IsProduction(),
	}

	slidingWindow := ratelimit.NewSlidingWindow()

	srv.PublicAPIRouter.With(
		ratelimit.EndpointMiddleware(slidingWindow, cfg.AdminRateLimitPerMinute, "admin.create_key", logger),
	).Post("/admin/create-key", adminHandlers.HandleCreateKey)

	standardLimit := func(endpoint string) func(http.Handler) http.Handler {
		return ratelimit.EndpointMiddleware(slidingWindow, cfg.RateLimitRequestsPerMinute, endpoint, logger)
	}

	srv.APIRouter.With(standardLimit("put"), authn.RequireScope(authn.ScopeMemoryWrite)).Post("/put", memHandlers.HandlePut)
	srv.APIRouter.With(standardLimit("get"), authn.RequireScope(authn.ScopeMemoryRead)).Post("/get", memHandlers.HandleGet)
	srv.APIRouter.With(standardLimit("delete"), authn.RequireScope(authn.ScopeMemoryWrite)).Post("/delete", memHandlers.HandleDelete)
	srv.APIRouter.With(standardLimit("history"), authn.RequireScope(authn.ScopeMemoryRead)).Post("/history", memHandlers.HandleHistory)
	srv.APIRouter.With(standardLimit("list"), authn.RequireScope(authn.ScopeMemoryRead)).Post("/list", memHandlers.HandleList)
	srv.APIRouter.With(standardLimit("glob"), authn.RequireScope(authn.ScopeMemoryRead)).Post("/glob", memHandlers.HandleGlob)
	srv.APIRouter.With(standardLimit("dump"), authn.RequireScope(authn.ScopeMemoryRead)).Post("/dump", memHandlers.HandleDump)
	srv.APIRouter.With(standardLimit("agents"), authn.RequireScope(authn.ScopeMemoryRead)).Post("/agents", memHandlers.HandleAgents)
	srv.APIRouter.With(
		ratelimit.EndpointMiddleware(slidingWindow, cfg.SearchRateLimitPerMinute, "search", logger),
		authn.RequireScope(authn.ScopeSearchRead),
	).Post("/search", memHandlers.HandleSearch)
	srv.APIRouter.With(
		standardLimit("admin.requeue_jobs"),
		authn.RequireScope(authn.ScopeAdmin),
	).Post("/admin/requeue-jobs", adminHandlers.HandleRequeueJobs)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, logger *slog.Logger, db *store.Store, quotaSvc *quota.Service, embedder embed.Embedder, model string) error {
	if embedder == nil {
		logger.Warn("worker started with no embeddings provider configured; claimed jobs are retried and fail once they reach the attempt limit")
	} else {
		logger.Info("worker started", "model", model)
	}

	w := &embed.Worker{
		Store:    db,
		Embedder: embedder,
		Quota:    quotaSvc,
		Model:    model,
		Logger:   logger,
	}
	w.Run(ctx)
	return nil
}
