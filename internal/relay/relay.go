// Package relay is the durable event channel between the ingestion service and the
// projection worker, backed by a Kafka topic.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/DeafMist/news-pipeline/internal/startup"
)

// Config names the channel and the cluster that hosts it.
type Config struct {
	Brokers           []string
	Topic             string
	Partitions        int
	ReplicationFactor int
}

// DeadLetterTopic is the topic that receives messages that exhausted their deliveries.
func (c Config) DeadLetterTopic() string {
	return c.Topic + "_dlq"
}

// Relay is a connected handle to the cluster. Publishers, readers and the
// dead-letter writer are derived from it.
type Relay struct {
	cfg        Config
	log        *slog.Logger
	controller func(ctx context.Context) (topicCreator, error)
}

// topicCreator is the cluster controller connection topics are created on.
type topicCreator interface {
	CreateTopics(topics ...kafka.TopicConfig) error
	Close() error
}

// Connect waits for a broker to accept connections, declares the channel and
// returns the handle. Exhausting the policy yields a startup.DependencyUnavailableError.
func Connect(ctx context.Context, log *slog.Logger, cfg Config, policy startup.Policy) (*Relay, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("relay: no brokers configured")
	}

	r := &Relay{cfg: cfg, log: log}
	r.controller = r.dialController
	if policy.Name == "" {
		policy.Name = "kafka"
	}

	err := startup.Probe(ctx, log, policy, func(ctx context.Context) error {
		conn, err := r.dial(ctx)
		if err != nil {
			return err
		}
		return conn.Close()
	})
	if err != nil {
		return nil, err
	}

	if err := r.Declare(ctx, cfg.Topic); err != nil {
		return nil, err
	}
	return r, nil
}

// Config returns the channel configuration the relay was connected with.
func (r *Relay) Config() Config {
	return r.cfg
}

// Declare creates topic if it does not exist yet. Declaring an existing topic is a no-op.
func (r *Relay) Declare(ctx context.Context, topic string) error {
	ctrl, err := r.controller(ctx)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	err = ctrl.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     r.cfg.Partitions,
		ReplicationFactor: r.cfg.ReplicationFactor,
	})
	if err := ignoreTopicExists(err); err != nil {
		return fmt.Errorf("declare topic %s: %w", topic, err)
	}

	r.log.Info("topic declared", slog.String("topic", topic))
	return nil
}

// NewPublisher returns a durable publisher for the channel.
func (r *Relay) NewPublisher() *Publisher {
	return NewPublisher(r.newWriter(r.cfg.Topic))
}

// NewReader returns a consumer-group reader with automatic commits disabled, so
// a message counts as acknowledged only after CommitMessages.
func (r *Relay) NewReader(group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        r.cfg.Brokers,
		Topic:          r.cfg.Topic,
		GroupID:        group,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0, // Disable auto-commit; manual commit only
	})
}

// NewDeadLetterWriter returns a writer for the dead-letter topic.
func (r *Relay) NewDeadLetterWriter() *kafka.Writer {
	return r.newWriter(r.cfg.DeadLetterTopic())
}

func (r *Relay) newWriter(topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(r.cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: false,
	}
}

// dialController connects to the broker currently acting as cluster controller.
func (r *Relay) dialController(ctx context.Context) (topicCreator, error) {
	conn, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return nil, fmt.Errorf("locate kafka controller: %w", err)
	}

	ctrl, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return nil, fmt.Errorf("dial kafka controller: %w", err)
	}
	return ctrl, nil
}

// dial connects to the first broker that answers.
func (r *Relay) dial(ctx context.Context) (*kafka.Conn, error) {
	var errs []error
	for _, broker := range r.cfg.Brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err == nil {
			return conn, nil
		}
		errs = append(errs, fmt.Errorf("dial %s: %w", broker, err))
	}
	return nil, errors.Join(errs...)
}

func ignoreTopicExists(err error) error {
	if err == nil || errors.Is(err, kafka.TopicAlreadyExists) {
		return nil
	}
	return err
}
