package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Zipper-Inc/zipper-functions-sub004/internal/builderhttp"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/repository/postgres"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/resolver"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/service/build"
	"github.com/Zipper-Inc/zipper-functions-sub004/internal/ws"
	"github.com/Zipper-Inc/zipper-functions-sub004/pkg/config"
	"github.com/Zipper-Inc/zipper-functions-sub004/pkg/logger"
)

func main() {
	cfg := config.LoadBuilderConfig()
	log := logger.New("builder", logger.ParseLevel(config.GetString("LOG_LEVEL", "info")))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.BuilderAuthToken == "" {
		log.Warn("BUILDER_AUTH_TOKEN not set; build endpoints will refuse every request")
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub(cfg.ProgressBuffer)
	defer hub.Close()

	res := resolver.New(resolver.Options{
		HTTPClient:     &http.Client{},
		FetchTimeout:   cfg.FetchTimeout,
		MaxRemoteBytes: cfg.MaxRemoteModuleBytes,
		Logger:         log,
	})
	buildSvc := build.New(repo, repo, res, hub, log, cfg)
	router := builderhttp.New(log, buildSvc, hub, cfg.BuilderAuthToken, pool.Ping)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("builder server starting", "addr", cfg.Addr, "applet_base_url", cfg.AppletBaseURL)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("builder server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
