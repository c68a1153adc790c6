package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"social-publisher/internal/config"
	"social-publisher/internal/events"
	"social-publisher/internal/lease"
	"social-publisher/internal/media"
	"social-publisher/internal/orchestrator"
	"social-publisher/internal/publisher"
	"social-publisher/internal/store"
	"social-publisher/internal/telemetry"
	"social-publisher/internal/trigger"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "publisher")

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

	registry := publisher.NewRegistry()
	registry.Register("facebook_page", publisher.NewGraphPublisher(cfg.GraphBaseURL, "feed", cfg.PublishTimeout))
	registry.Register("instagram_business", publisher.NewGraphPublisher(cfg.GraphBaseURL, "media", cfg.PublishTimeout))

	resolver, err := media.NewResolver(ctx, cfg)
	if err != nil {
		log.Fatalf("init media resolver: %v", err)
	}

	var emitter orchestrator.OutcomeEmitter
	if cfg.AMQPURL != "" {
		em, err := events.NewEmitter(cfg.AMQPURL, cfg.OutcomeExchange)
		if err != nil {
			log.Fatalf("connect amqp: %v", err)
		}
		defer em.Close()
		emitter = em
	}

	orch := orchestrator.New(
		st,
		lease.New(rdb, "publisher:run", cfg.LeaseTTL),
		registry,
		resolver,
		emitter,
		logger,
		orchestrator.Options{BatchSize: cfg.DueBatchSize, PublishTimeout: cfg.PublishTimeout},
	)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	runner := trigger.NewRunner(orch, st, logger, trigger.Options{
		TickInterval: cfg.TickInterval,
		SweepEvery:   cfg.SweepEvery,
		SweepGrace:   cfg.SweepGracePeriod,
	})

	logger.Info("publisher started",
		"tick", cfg.TickInterval.String(),
		"batch_size", cfg.DueBatchSize,
		"lease_ttl", cfg.LeaseTTL.String(),
	)
	if err := runner.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("publisher stopped", "error", err)
	}
}
