package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DeafMist/news-pipeline/internal/config"
	"github.com/DeafMist/news-pipeline/internal/elasticsearch"
	"github.com/DeafMist/news-pipeline/internal/logger"
	"github.com/DeafMist/news-pipeline/internal/postgres"
	"github.com/DeafMist/news-pipeline/internal/reconcile"
	"github.com/DeafMist/news-pipeline/internal/relay"
	"github.com/DeafMist/news-pipeline/internal/startup"
)

func main() {
	log := logger.New("reconcile")
	cfg, err := config.LoadReconcile()
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

	esClient, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
	if err != nil {
		log.Error("init elasticsearch", slog.Any("err", err))
		os.Exit(1)
	}

	probes := []struct {
		policy config.Retry
		name   string
		check  func(context.Context) error
	}{
		{cfg.PostgresRetry, "postgres", db.Ping},
		{cfg.ElasticsearchRetry, "elasticsearch", esClient.Ping},
	}
	for _, p := range probes {
		policy := startup.Policy{Name: p.name, Attempts: p.policy.Attempts, Delay: p.policy.Delay}
		if err := startup.Probe(ctx, log, policy, p.check); err != nil {
			log.Error("dependency not reachable", slog.String("dependency", p.name), slog.Any("err", err))
			os.Exit(1)
		}
	}
	if err := esClient.EnsureIndex(ctx); err != nil {
		log.Error("ensure index", slog.Any("err", err))
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
	defer publisher.Close()

	rec := reconcile.New(db, esClient, publisher, cfg.BatchSize, log)

	if cfg.Interval == 0 {
		if err := runOnce(ctx, log, rec); err != nil {
			publisher.Close()
			db.Close()
			os.Exit(1)
		}
		return
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	log.Info("reconcile job running", slog.Duration("interval", cfg.Interval), slog.Int("batch_size", cfg.BatchSize))

	// Failed passes are retried on the next tick.
	_ = runOnce(ctx, log, rec)

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received")
			return
		case <-ticker.C:
			_ = runOnce(ctx, log, rec)
		}
	}
}

func runOnce(ctx context.Context, log *slog.Logger, rec *reconcile.Reconciler) error {
	subCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	res, err := rec.RunOnce(subCtx)
	if err != nil {
		log.Warn("reconcile run failed", slog.Any("err", err), slog.Int("scanned", res.Scanned))
		return err
	}

	log.Info("reconcile run completed",
		slog.Int("scanned", res.Scanned),
		slog.Int("missing", res.Missing),
		slog.Int("republished", res.Republished),
		slog.Int("failed", res.Failed),
	)
	return nil
}
