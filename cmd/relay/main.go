package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/app/migrate"
	httpx "github.com/Zipper-Inc/zipper-functions-sub004/internal/http"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/repository/postgres"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/service/storage"
	"github.com/Zipper-Inc/zipper-functions-sub004/pkg/capability"
	"github.com/Zipper-Inc/zipper-functions-sub004/pkg/config"
	"github.com/Zipper-Inc/zipper-functions-sub004/pkg/logger"
)

func main() {
	cfg := config.LoadRelayConfig()
	log := logger.New("relay", logger.ParseLevel(config.GetString("LOG_LEVEL", "info")))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	issuer, err := capability.NewIssuer(cfg.RuntimeSigningSecret, cfg.RuntimeKeyID, cfg.RuntimeOrigin, cfg.RPCRoot)
	if err != nil {
		log.Error("capability issuer misconfigured", "error", err)
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.HMACSigningSecret) == "" {
		log.Warn("HMAC_SIGNING_SECRET not set; every runtime callback will be rejected")
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	storageSvc := storage.New(repo, repo, repo, log, cfg.SecretsEncryptionKey)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, repo, issuer, storageSvc, limiter, cfg, nil, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("relay server starting", "addr", cfg.Addr, "domain_suffix", cfg.RelayDomainSuffix, "runtime_origin", cfg.RuntimeOrigin)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("relay server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
