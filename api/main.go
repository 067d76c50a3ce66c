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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/DeafMist/news-pipeline/internal/config"
	"github.com/DeafMist/news-pipeline/internal/elasticsearch"
	"github.com/DeafMist/news-pipeline/internal/ingest"
	"github.com/DeafMist/news-pipeline/internal/logger"
	"github.com/DeafMist/news-pipeline/internal/metrics"
	"github.com/DeafMist/news-pipeline/internal/postgres"
	"github.com/DeafMist/news-pipeline/internal/relay"
	"github.com/DeafMist/news-pipeline/internal/startup"
)

func main() {
	log := logger.New("api")
	cfg, err := config.LoadAPI()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("init postgres", slog.Any("err", err))
		os.Exit(1)
	}
	defer db.Close()

	pgPolicy := startup.Policy{Name: "postgres", Attempts: cfg.PostgresRetry.Attempts, Delay: cfg.PostgresRetry.Delay}
	if err := startup.Probe(ctx, log, pgPolicy, db.Ping); err != nil {
		log.Error("postgres not reachable", slog.Any("err", err))
		os.Exit(1)
	}
	if err := db.Migrate(ctx, log); err != nil {
		log.Error("migrate", slog.Any("err", err))
		os.Exit(1)
	}

	rl, err := relay.Connect(ctx, log, relay.Config{
		Brokers:           cfg.Kafka.Brokers,
		Topic:             cfg.Kafka.Topic,
		Partitions:        cfg.Kafka.Partitions,
		ReplicationFactor: cfg.Kafka.ReplicationFactor,
	}, startup.Policy{Name: "kafka", Attempts: cfg.Kafka.Retry.Attempts, Delay: cfg.Kafka.Retry.Delay})
	if err != nil {
		log.Error("connect relay", slog.Any("err", err))
		os.Exit(1)
	}
	publisher := rl.NewPublisher()

	// No startup probe for the index, unlike the other services: search is a
	// read-through that answers 503 while the index is down, and the write path
	// must not wait for it. /health reports the index without failing on it.
	esClient, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
	if err != nil {
		log.Error("init elasticsearch", slog.Any("err", err))
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := &server{
		log:    log,
		cfg:    cfg,
		ingest: ingest.NewService(db, publisher, metrics.NewIngest(reg), log),
		store:  db,
		index:  esClient,
		db:     db,
		relay:  publisher,
		search: esClient,
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.routes(reg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	go func() {
		log.Info("api server starting", slog.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", slog.Any("err", err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", slog.Any("err", err))
	}
	if err := publisher.Close(); err != nil {
		log.Error("close publisher", slog.Any("err", err))
	}
}
