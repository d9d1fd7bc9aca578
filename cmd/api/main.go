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

	"github.com/erdodo/notion-sub004/internal/app"
	"github.com/erdodo/notion-sub004/internal/assets"
	"github.com/erdodo/notion-sub004/internal/config"
	"github.com/erdodo/notion-sub004/internal/logging"
	"github.com/erdodo/notion-sub004/internal/notify"
	"github.com/erdodo/notion-sub004/internal/search"
	"github.com/erdodo/notion-sub004/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New(os.Stderr, "info")
		bootLogger.Fatal().Err(err).Msg("config load failed")
	}
	logger := logging.New(os.Stdout, cfg.LogLevel)
	ctx := context.Background()

	db, err := store.OpenWithRetry(ctx, cfg.DatabaseURL, cfg.DBAttempts)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	if len(applied) > 0 {
		logger.Info().Strs("versions", applied).Msg("migrations applied")
	}

	deps := app.Deps{
		Store:  store.NewPostgresStore(db),
		Logger: logger,
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		publisher, err := notify.NewRedisPublisher(cfg.RedisURL, cfg.NotifyChannelPrefix, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, change notifications disabled")
		} else {
			publisher.SetTimeout(cfg.NotifyTimeout)
			defer publisher.Close()
			defer publisher.Flush()
			deps.Publisher = publisher
		}
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	deps.Search = search.NewService(meiliClient, search.NewPgFTS(db), logger)

	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		assetStore, err := assets.NewMinioStore(assets.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("object storage client failed")
		}
		if err := assetStore.EnsureBucket(ctx); err != nil {
			logger.Warn().Err(err).Str("bucket", cfg.S3Bucket).Msg("asset bucket check failed")
		}
		deps.Assets = assetStore
	}

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("workspace API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
