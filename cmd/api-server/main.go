package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/clinicsync/appointment-engine/internal/api"
	"github.com/clinicsync/appointment-engine/internal/config"
	"github.com/clinicsync/appointment-engine/internal/db"
	"github.com/clinicsync/appointment-engine/internal/engine"
	"github.com/clinicsync/appointment-engine/internal/logging"
	redisclient "github.com/clinicsync/appointment-engine/internal/redis"
	"github.com/clinicsync/appointment-engine/internal/store"
	"github.com/clinicsync/appointment-engine/internal/view"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("api-server", "prod")
		fallback.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New("api-server", cfg.Env)
	logger.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	migCtx, cancelMig := context.WithTimeout(rootCtx, 10*time.Second)
	err = db.Migrate(migCtx, pgPool)
	cancelMig()
	if err != nil {
		logger.Fatal().Err(err).Msg("migration error")
	}

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing redis")
		}
	}()
	logger.Info().Msg("connected to Redis")

	st := store.NewPgStore(pgPool, rdb, logger)
	views := view.NewCoordinator(st, view.Config{
		BackoffBase: cfg.ResubscribeBase,
		BackoffCap:  cfg.ResubscribeCap,
		Buffer:      cfg.SnapshotBuffer,
	}, logger)
	defer views.Close()

	svc := engine.NewService(st, views, logger)

	router := api.NewRouter(api.RouterConfig{
		Service:      svc,
		PgPool:       pgPool,
		Redis:        rdb,
		Env:          cfg.Env,
		Version:      version,
		SSEHeartbeat: cfg.SSEHeartbeat,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: router,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-rootCtx.Done()
	logger.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
	}
}
