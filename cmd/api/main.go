package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"social-publisher/internal/api"
	"social-publisher/internal/config"
	"social-publisher/internal/lease"
	"social-publisher/internal/media"
	"social-publisher/internal/orchestrator"
	"social-publisher/internal/publisher"
	"social-publisher/internal/ratelimit"
	"social-publisher/internal/store"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Minute)

	// The manual run endpoint shares the lease with the publisher daemon, so
	// an operator-triggered pass and the scheduled one never overlap.
	registry := publisher.NewRegistry()
	registry.Register("facebook_page", publisher.NewGraphPublisher(cfg.GraphBaseURL, "feed", cfg.PublishTimeout))
	registry.Register("instagram_business", publisher.NewGraphPublisher(cfg.GraphBaseURL, "media", cfg.PublishTimeout))

	resolver, err := media.NewResolver(ctx, cfg)
	if err != nil {
		log.Fatalf("init media resolver: %v", err)
	}

	orch := orchestrator.New(
		st,
		lease.New(rdb, "publisher:run", cfg.LeaseTTL),
		registry,
		resolver,
		nil,
		logger,
		orchestrator.Options{BatchSize: cfg.DueBatchSize, PublishTimeout: cfg.PublishTimeout},
	)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: api.New(cfg, st, limiter, orch).Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("api listening", "port", cfg.HTTPPort)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("api server: %v", err)
	}
}
