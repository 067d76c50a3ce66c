// Package projection drains the relay into the search index.
//
// A message is acknowledged (its offset committed) only after its document was
// written. A failed message is handed to the handler again after a delay; with
// MaxDeliveries set it is eventually moved to the dead-letter topic instead.
package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/DeafMist/news-pipeline/internal/dedupe"
	"github.com/DeafMist/news-pipeline/internal/metrics"
	"github.com/DeafMist/news-pipeline/internal/models"
)

// Reader is the consuming side of the relay.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer publishes dead-lettered messages.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Indexer applies documents to the search index. Upsert must overwrite by id.
type Indexer interface {
	Upsert(ctx context.Context, doc models.SearchDocument) error
}

// ProjectionError describes a delivery that could not be applied to the index.
type ProjectionError struct {
	ID        string
	Partition int
	Offset    int64
	Err       error
}

func (e *ProjectionError) Error() string {
	id := e.ID
	if id == "" {
		id = "<unknown>"
	}
	return fmt.Sprintf("project %s (partition %d, offset %d): %v", id, e.Partition, e.Offset, e.Err)
}

func (e *ProjectionError) Unwrap() error {
	return e.Err
}

// Options tune a Worker. The zero value retries forever without delay.
type Options struct {
	RedeliveryDelay time.Duration
	// MaxDeliveries of zero never gives up on a message.
	MaxDeliveries int
	DeadLetter    Writer
	Cache         *dedupe.Cache
	Metrics       *metrics.Projection
	Now           func() time.Time
}

// Worker projects change events into the index.
type Worker struct {
	indexer Indexer
	opts    Options
	log     *slog.Logger
}

// New builds a worker around indexer.
func New(indexer Indexer, log *slog.Logger, opts Options) (*Worker, error) {
	if indexer == nil {
		return nil, errors.New("projection: indexer is required")
	}
	if opts.MaxDeliveries > 0 && opts.DeadLetter == nil {
		return nil, errors.New("projection: dead-letter writer is required when max deliveries is set")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Worker{indexer: indexer, opts: opts, log: log}, nil
}

// Run starts consumers readers created by newReader and blocks until ctx is
// cancelled or a consumer fails.
func (w *Worker) Run(ctx context.Context, consumers int, newReader func() Reader) error {
	if consumers <= 0 {
		consumers = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := range consumers {
		g.Go(func() error {
			reader := newReader()
			defer func() {
				if err := reader.Close(); err != nil {
					w.log.Warn("close reader", slog.Int("consumer", i), slog.Any("err", err))
				}
			}()
			return w.Consume(ctx, reader)
		})
	}
	return g.Wait()
}

// Consume fetches and projects messages until ctx is cancelled or the reader is closed.
func (w *Worker) Consume(ctx context.Context, reader Reader) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				w.log.Info("consumer stopping")
				return nil
			}
			w.log.Error("fetch message", slog.Any("err", err))
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		if err := w.deliver(ctx, reader, msg); err != nil {
			// Only cancellation ends a delivery early; the message stays uncommitted.
			w.log.Info("consumer stopping with message unacknowledged",
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
			)
			return nil
		}
	}
}

// deliver hands msg to Handle until it succeeds or is dead-lettered, then commits it.
func (w *Worker) deliver(ctx context.Context, reader Reader, msg kafka.Message) error {
	for attempt := 1; ; attempt++ {
		err := w.Handle(ctx, msg)
		if err == nil {
			w.commit(ctx, reader, msg)
			return nil
		}

		w.log.Warn("projection failed, message not acknowledged",
			slog.Any("err", err),
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
			slog.Int("delivery", attempt),
		)

		if w.opts.MaxDeliveries > 0 && attempt >= w.opts.MaxDeliveries {
			dlqErr := w.deadLetter(ctx, msg, err, attempt)
			if dlqErr == nil {
				w.opts.Metrics.Projected(metrics.OutcomeDeadLettered, 0)
				w.commit(ctx, reader, msg)
				return nil
			}
			w.log.Error("dead-letter write failed, keeping message",
				slog.Any("err", dlqErr),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
			)
		}

		if !sleep(ctx, w.opts.RedeliveryDelay) {
			return ctx.Err()
		}
		w.opts.Metrics.Redelivered()
	}
}

// Handle projects one message. It returns a *ProjectionError on any failure.
func (w *Worker) Handle(ctx context.Context, msg kafka.Message) error {
	start := w.opts.Now()

	fail := func(id string, err error) error {
		w.opts.Metrics.Projected(metrics.OutcomeFailed, w.opts.Now().Sub(start))
		return &ProjectionError{ID: id, Partition: msg.Partition, Offset: msg.Offset, Err: err}
	}

	var ev models.ChangeEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return fail(string(msg.Key), fmt.Errorf("decode event: %w", err))
	}
	if strings.TrimSpace(ev.ID) == "" {
		return fail(string(msg.Key), errors.New("event has no id"))
	}

	// Every delivery is written; the index may have lost a previously projected document.
	doc := models.NewSearchDocument(ev, w.opts.Now())
	if err := w.indexer.Upsert(ctx, doc); err != nil {
		return fail(ev.ID, err)
	}

	if w.opts.Cache != nil {
		repeat := w.opts.Cache.Seen(ev.ID)
		w.opts.Cache.Mark(ev.ID)
		if repeat {
			w.log.Debug("duplicate delivery overwritten", slog.String("id", ev.ID))
			w.opts.Metrics.Projected(metrics.OutcomeDuplicate, w.opts.Now().Sub(start))
			return nil
		}
	}
	w.opts.Metrics.Projected(metrics.OutcomeIndexed, w.opts.Now().Sub(start))
	w.log.Info("indexed news", slog.String("id", doc.ID), slog.String("title", doc.Title))
	return nil
}

func (w *Worker) commit(ctx context.Context, reader Reader, msg kafka.Message) {
	if err := reader.CommitMessages(ctx, msg); err != nil {
		// The message will be delivered again; the upsert makes that harmless.
		w.log.Error("commit message", slog.Any("err", err), slog.Int64("offset", msg.Offset))
	}
}

func (w *Worker) deadLetter(ctx context.Context, msg kafka.Message, cause error, deliveries int) error {
	dlqMsg := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(append([]kafka.Header(nil), msg.Headers...),
			kafka.Header{Key: "original_partition", Value: []byte(strconv.Itoa(msg.Partition))},
			kafka.Header{Key: "original_offset", Value: []byte(strconv.FormatInt(msg.Offset, 10))},
			kafka.Header{Key: "deliveries", Value: []byte(strconv.Itoa(deliveries))},
			kafka.Header{Key: "error", Value: []byte(cause.Error())},
			kafka.Header{Key: "timestamp", Value: []byte(w.opts.Now().UTC().Format(time.RFC3339))},
		),
	}
	if err := w.opts.DeadLetter.WriteMessages(ctx, dlqMsg); err != nil {
		return err
	}
	w.log.Info("message sent to DLQ",
		slog.Int("partition", msg.Partition),
		slog.Int64("offset", msg.Offset),
		slog.Int("deliveries", deliveries),
	)
	return nil
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
