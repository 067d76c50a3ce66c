package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/DeafMist/news-pipeline/internal/models"
)

// ErrNotConnected is returned by a publisher used before connecting or after Close.
var ErrNotConnected = errors.New("relay not connected")

// Message headers set on every published event.
const (
	HeaderEventID     = "event_id"
	HeaderContentType = "content-type"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher is the process-wide producer handle. It is safe for concurrent use;
// all request goroutines share the one underlying writer.
type Publisher struct {
	mu  sync.RWMutex
	w   messageWriter
	now func() time.Time
}

// NewPublisher wraps w. A nil writer yields a publisher that always fails with ErrNotConnected.
func NewPublisher(w messageWriter) *Publisher {
	return &Publisher{w: w, now: time.Now}
}

// Publish sends the event keyed by its article id and waits for all in-sync replicas.
func (p *Publisher) Publish(ctx context.Context, ev models.ChangeEvent) error {
	if p == nil {
		return ErrNotConnected
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.w == nil {
		return ErrNotConnected
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.ID),
		Value: body,
		Time:  p.now().UTC(),
		Headers: []kafka.Header{
			{Key: HeaderEventID, Value: []byte(uuid.NewString())},
			{Key: HeaderContentType, Value: []byte("application/json")},
		},
	}

	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", ev.ID, err)
	}
	return nil
}

// Connected reports whether the publisher can still send.
func (p *Publisher) Connected() bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.w != nil
}

// Close flushes and releases the writer. Later publishes fail with ErrNotConnected.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.w == nil {
		return nil
	}
	err := p.w.Close()
	p.w = nil
	return err
}
