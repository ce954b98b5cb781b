package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"teachforge/internal/util"
	"teachforge/pkg/auth"
	"teachforge/pkg/events"
	"teachforge/pkg/storage"
	"teachforge/services/generator/internal/app"
	"teachforge/services/generator/internal/config"
	"teachforge/services/generator/internal/server"
)

func main() {
	cfgPath := os.Getenv("GENERATOR_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		util.Fatal("load config", "err", err)
	}
	util.InitLogger(cfg.LogLevel, "generator")

	tokens, err := auth.NewSessionTokens(cfg.SessionSecret, auth.Options{})
	if err != nil {
		util.Fatal("init session tokens", "err", err)
	}

	appCfg := app.Config{
		DatabaseURL:   cfg.DatabaseURL,
		GatewayURL:    cfg.GatewayURL,
		GatewayAPIKey: cfg.GatewayAPIKey,
	}

	var publisher *events.Publisher
	if cfg.AmqpURL != "" {
		publisher, err = events.NewPublisher(cfg.AmqpURL, cfg.EventsExchange)
		if err != nil {
			util.Fatal("init event publisher", "err", err)
		}
		appCfg.Publisher = publisher
		defer publisher.Close()
	} else {
		slog.Warn("amqpURL not set, event publishing disabled")
	}

	maxUploadBytes := int64(100) << 20
	if cfg.MinioEndpoint != "" {
		objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			util.Fatal("init object store", "err", err)
		}
		appCfg.Objects = objects
	} else {
		slog.Warn("minio not configured, uploads disabled")
	}

	application, err := app.New(appCfg)
	if err != nil {
		util.Fatal("init application", "err", err)
	}

	srv, err := server.New(server.Config{
		App:                        application,
		Tokens:                     tokens,
		RedisAddr:                  cfg.RedisAddr,
		RedisPassword:              cfg.RedisPassword,
		GenerateRateLimitPerMinute: cfg.GenerateRateLimitPerMinute,
		WebhookRateLimitPerMinute:  cfg.WebhookRateLimitPerMinute,
		MaxUploadBytes:             maxUploadBytes,
	})
	if err != nil {
		util.Fatal("init server", "err", err)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("generator listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		util.Fatal("server error", "err", err)
	}
}
