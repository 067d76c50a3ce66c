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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/DeafMist/news-pipeline/internal/config"
	"github.com/DeafMist/news-pipeline/internal/dedupe"
	"github.com/DeafMist/news-pipeline/internal/elasticsearch"
	"github.com/DeafMist/news-pipeline/internal/logger"
	"github.com/DeafMist/news-pipeline/internal/metrics"
	"github.com/DeafMist/news-pipeline/internal/projection"
	"github.com/DeafMist/news-pipeline/internal/relay"
	"github.com/DeafMist/news-pipeline/internal/startup"
)

func main() {
	log := logger.New("worker")
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	esClient, err := elasticsearch.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
	if err != nil {
		log.Error("init elasticsearch", slog.Any("err", err))
		os.Exit(1)
	}

	esPolicy := startup.Policy{Name: "elasticsearch", Attempts: cfg.ElasticsearchRetry.Attempts, Delay: cfg.ElasticsearchRetry.Delay}
	if err := startup.Probe(ctx, log, esPolicy, esClient.Ping); err != nil {
		log.Error("elasticsearch not reachable", slog.Any("err", err))
		os.Exit(1)
	}
	if err := esClient.EnsureIndex(ctx); err != nil {
		log.Error("ensure index", slog.Any("err", err))
		os.Exit(1)
	}

	rl, err := relay.Connect(ctx, log, relayConfig(cfg.Kafka), startup.Policy{
		Name:     "kafka",
		Attempts: cfg.Kafka.Retry.Attempts,
		Delay:    cfg.Kafka.Retry.Delay,
	})
	if err != nil {
		log.Error("connect relay", slog.Any("err", err))
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := projection.Options{
		RedeliveryDelay: cfg.RedeliveryDelay,
		MaxDeliveries:   cfg.MaxDeliveries,
		Cache:           dedupe.NewCache(cfg.DedupeCapacity, cfg.DedupeTTL),
		Metrics:         metrics.NewProjection(reg),
	}

	if cfg.MaxDeliveries > 0 {
		if err := rl.Declare(ctx, rl.Config().DeadLetterTopic()); err != nil {
			log.Error("declare dlq", slog.Any("err", err))
			os.Exit(1)
		}
		dlqWriter := rl.NewDeadLetterWriter()
		defer dlqWriter.Close()
		opts.DeadLetter = dlqWriter
	}

	worker, err := projection.New(esClient, log, opts)
	if err != nil {
		log.Error("init worker", slog.Any("err", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsHandler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("metrics server starting", slog.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", slog.Any("err", err))
		}
	}()

	log.Info("worker started",
		slog.String("topic", cfg.Kafka.Topic),
		slog.String("index", esClient.Index()),
		slog.String("group", cfg.ConsumerGroup),
		slog.Int("consumers", cfg.Consumers),
		slog.Int("max_deliveries", cfg.MaxDeliveries),
	)

	err = worker.Run(ctx, cfg.Consumers, func() projection.Reader {
		return rl.NewReader(cfg.ConsumerGroup)
	})
	if err != nil {
		log.Error("worker stopped", slog.Any("err", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics server shutdown", slog.Any("err", err))
	}

	if err != nil {
		os.Exit(1)
	}
	log.Info("worker stopped")
}

func relayConfig(k config.Kafka) relay.Config {
	return relay.Config{
		Brokers:           k.Brokers,
		Topic:             k.Topic,
		Partitions:        k.Partitions,
		ReplicationFactor: k.ReplicationFactor,
	}
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// Keeps the reader type checked against the consumer contract.
var _ projection.Reader = (*kafka.Reader)(nil)
