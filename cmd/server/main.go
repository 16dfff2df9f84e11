// Package main is the entrypoint for the API meter server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/apimeter/internal/api"
	"github.com/kiranshivaraju/apimeter/internal/api/handler"
	mw "github.com/kiranshivaraju/apimeter/internal/api/middleware"
	"github.com/kiranshivaraju/apimeter/internal/api/response"
	"github.com/kiranshivaraju/apimeter/internal/auth"
	"github.com/kiranshivaraju/apimeter/internal/cache"
	"github.com/kiranshivaraju/apimeter/internal/config"
	"github.com/kiranshivaraju/apimeter/internal/metrics"
	"github.com/kiranshivaraju/apimeter/internal/store"
	"github.com/kiranshivaraju/apimeter/internal/usage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config. A missing .env is fine; the environment may already be set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "api_prefix", cfg.Server.APIPrefix)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	client, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			slog.Warn("database close failed", "error", err)
		}
	}()
	slog.Info("database connected", "db", client.Name())

	// 3. Create indexes
	if err := store.RunMigrations(cfg.Database.MongoURL(), cfg.Database.Name); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Identity cache. Without REDIS_URL every lookup goes to the store.
	identityCache, err := newCache(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer identityCache.Close()

	// 5. Services
	mongoStore := store.NewMongoStore(client)
	signer, err := auth.NewSigner(cfg.Auth.SecretKey, cfg.Auth.Algorithm)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	authService := auth.NewService(mongoStore, mongoStore, signer, identityCache, auth.Options{
		TokenTTL:         cfg.Auth.AccessTokenTTL,
		IdentityCacheTTL: cfg.Redis.IdentityTTL,
		BcryptCost:       cfg.Auth.BcryptCost,
	})
	aggregator := usage.NewAggregator(mongoStore, cfg.Billing.PricePerCall)
	slog.Info("billing configured", "price_per_call", aggregator.PricePerCall())

	// 6. Build router with dependencies
	m := metrics.New()
	tracker := mw.NewUsageTracker(signer, mongoStore, mongoStore, m, cfg.Usage.WriteTimeout)

	deps := api.Dependencies{
		Auth:        mw.NewAuth(mongoStore, signer, authService, m),
		Tracker:     tracker,
		Metrics:     m,
		APIPrefix:   cfg.Server.APIPrefix,
		CORSOrigins: cfg.Server.CORSOrigins,

		HealthHandler:    healthHandler(mongoStore, identityCache),
		RegisterHandler:  handler.NewRegisterHandler(authService),
		LoginHandler:     handler.NewLoginHandler(authService),
		ListTokens:       handler.NewListTokensHandler(authService),
		GetToken:         handler.NewGetTokenHandler(authService),
		RevokeToken:      handler.NewRevokeTokenHandler(authService),
		UsageStats:       handler.NewUsageStatsHandler(aggregator),
		SleepHandler:     handler.NewSleepHandler(nil),
		ListUsersHandler: handler.NewListUsersHandler(authService),
		UserCostsHandler: handler.NewUserCostsHandler(authService, aggregator),
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout. Pending usage writes finish before
	// the store is closed by the deferred calls above.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	tracker.Wait()

	slog.Info("server stopped gracefully")
	return nil
}

// newCache returns a Redis cache when cfg.URL is set, otherwise a no-op cache.
func newCache(ctx context.Context, cfg config.RedisConfig) (cache.Cache, error) {
	if cfg.URL == "" {
		slog.Info("identity cache disabled")
		return cache.NopCache{}, nil
	}
	redisCache, err := cache.NewRedisCache(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := redisCache.Ping(ctx); err != nil {
		redisCache.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")
	return redisCache, nil
}

// pinger is anything the health check can probe.
type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
