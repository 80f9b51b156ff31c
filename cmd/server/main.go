// Package main is the entrypoint for the LUMINA license server.
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

	"github.com/kiranshivaraju/lumina/internal/activation"
	"github.com/kiranshivaraju/lumina/internal/api"
	"github.com/kiranshivaraju/lumina/internal/api/handler"
	mw "github.com/kiranshivaraju/lumina/internal/api/middleware"
	"github.com/kiranshivaraju/lumina/internal/api/response"
	"github.com/kiranshivaraju/lumina/internal/auth"
	"github.com/kiranshivaraju/lumina/internal/cache"
	"github.com/kiranshivaraju/lumina/internal/config"
	"github.com/kiranshivaraju/lumina/internal/keygen"
	"github.com/kiranshivaraju/lumina/internal/license"
	"github.com/kiranshivaraju/lumina/internal/metrics"
	"github.com/kiranshivaraju/lumina/internal/store"
	"github.com/kiranshivaraju/lumina/internal/verify"
)

const shutdownTimeout = 30 * time.Second

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "1.0.0"

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
	// 1. Load config; fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setLogLevel(cfg.Server.LogLevel)
	slog.Info("config loaded", "storage_type", cfg.Storage.Type, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open license storage (postgres also runs migrations)
	licenses, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer licenses.Close()
	slog.Info("license store ready", "storage_type", cfg.Storage.Type)

	// 3. Check cache is optional
	var checkCache cache.Cache = cache.Noop{}
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()

		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		checkCache = redisCache
		slog.Info("redis connected", "check_ttl", cfg.Redis.CheckTTL)
	}

	// 4. Admin authentication
	authn, err := auth.New(auth.Config{
		Username:     cfg.Security.AdminUsername,
		Password:     cfg.Security.AdminPassword,
		PasswordHash: cfg.Security.AdminPasswordHash,
		Secret:       cfg.Security.JWTSecret,
		TTL:          cfg.Security.JWTTTL,
	})
	if err != nil {
		return fmt.Errorf("create authenticator: %w", err)
	}
	if authn.Ephemeral() {
		slog.Warn("JWT_SECRET not set, using an ephemeral signing secret; admin tokens will not survive a restart")
	}

	// 5. Domain services
	m := metrics.New()
	activations := activation.NewManager(licenses, m, cfg.License.ActivationMaxAttempts)
	pipeline := verify.NewPipeline(licenses, activations, m).WithCheckCache(checkCache, cfg.Redis.CheckTTL)
	keys := keygen.New(licenses, cfg.License.KeyPrefix, cfg.License.KeygenMaxAttempts)
	licenseSvc := license.NewService(licenses, keys, checkCache, license.Defaults{
		MaxActivations: cfg.License.DefaultMaxActivations,
		ExpiryDays:     cfg.License.DefaultExpiryDays,
	})

	// 6. Build router with dependencies
	deps := api.Dependencies{
		Auth: mw.NewAuth(authn),

		HealthHandler:  healthHandler(licenses, checkCache, cfg.Storage.Type),
		PingHandler:    pingHandler,
		MetricsHandler: m.Handler().ServeHTTP,

		VerifyHandler: handler.NewVerifyHandler(pipeline),
		CheckHandler:  handler.NewCheckHandler(pipeline),

		LoginHandler:         handler.NewLoginHandler(authn),
		CreateLicenseHandler: handler.NewCreateLicenseHandler(licenseSvc),
		ListLicensesHandler:  handler.NewListLicensesHandler(licenseSvc),
		GetLicenseHandler:    handler.NewGetLicenseHandler(licenseSvc),
		UpdateLicenseHandler: handler.NewUpdateLicenseHandler(licenseSvc),
		DeleteLicenseHandler: handler.NewDeleteLicenseHandler(licenseSvc),

		ListActivationsHandler:  handler.NewListActivationsHandler(activations),
		RemoveActivationHandler: handler.NewRemoveActivationHandler(activations),
		ResetActivationsHandler: handler.NewResetActivationsHandler(activations),
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
		slog.Info("server listening", "addr", addr, "version", version)
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

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

func setLogLevel(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

type healthResponse struct {
	Status      string            `json:"status"`
	Version     string            `json:"version"`
	StorageType string            `json:"storage_type"`
	Timestamp   time.Time         `json:"timestamp"`
	Checks      map[string]string `json:"checks,omitempty"`
}

// healthHandler checks storage and cache connectivity.
func healthHandler(s store.Store, c cache.Cache, storageType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"storage": "ok",
			"cache":   "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			slog.Warn("storage ping failed", "error", err)
			checks["storage"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			slog.Warn("cache ping failed", "error", err)
			checks["cache"] = "degraded"
		}

		body := healthResponse{
			Status:      "healthy",
			Version:     version,
			StorageType: storageType,
			Timestamp:   time.Now().UTC(),
		}
		if checks["storage"] != "ok" || checks["cache"] != "ok" {
			body.Status = "degraded"
			body.Checks = checks
			response.Raw(w, http.StatusServiceUnavailable, body)
			return
		}
		response.Raw(w, http.StatusOK, body)
	}
}

func pingHandler(w http.ResponseWriter, _ *http.Request) {
	response.Raw(w, http.StatusOK, map[string]string{"ping": "pong"})
}
