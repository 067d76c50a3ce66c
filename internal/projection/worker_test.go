package projection_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/DeafMist/news-pipeline/internal/dedupe"
	"github.com/DeafMist/news-pipeline/internal/logger"
	"github.com/DeafMist/news-pipeline/internal/metrics"
	"github.com/DeafMist/news-pipeline/internal/models"
	"github.com/DeafMist/news-pipeline/internal/projection"
)

type stubReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
	closed    bool
}

func (r *stubReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *stubReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *stubReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *stubReader) commits() []kafka.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kafka.Message(nil), r.committed...)
}

// stubIndexer fails the first failures calls, or every call when failures is negative.
type stubIndexer struct {
	mu       sync.Mutex
	failures int
	calls    int
	docs     map[string]models.SearchDocument
}

func newStubIndexer(failures int) *stubIndexer {
	return &stubIndexer{failures: failures, docs: map[string]models.SearchDocument{}}
}

func (s *stubIndexer) Upsert(_ context.Context, doc models.SearchDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures < 0 || s.calls <= s.failures {
		return errors.New("index unavailable")
	}
	s.docs[doc.ID] = doc
	return nil
}

func (s *stubIndexer) snapshot() (int, map[string]models.SearchDocument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := make(map[string]models.SearchDocument, len(s.docs))
	for k, v := range s.docs {
		docs[k] = v
	}
	return s.calls, docs
}

type stubDeadLetter struct {
	mu   sync.Mutex
	err  error
	msgs []kafka.Message
	hits int
}

func (d *stubDeadLetter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hits++
	if d.err != nil {
		return d.err
	}
	d.msgs = append(d.msgs, msgs...)
	return nil
}

func (d *stubDeadLetter) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hits
}

var indexedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func eventMessage(t *testing.T, offset int64, id string) kafka.Message {
	t.Helper()
	ev := models.ChangeEvent{
		ID:        id,
		Title:     "Flood Warning Issued",
		Content:   "Rivers rising",
		Author:    "A. Reporter",
		Source:    "wire",
		CreatedAt: time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(id), Value: data, Offset: offset}
}

func newWorker(t *testing.T, idx projection.Indexer, opts projection.Options) *projection.Worker {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return indexedAt }
	}
	w, err := projection.New(idx, logger.Discard(), opts)
	require.NoError(t, err)
	return w
}

// consume runs Consume in the background and returns a func that stops it.
func consume(t *testing.T, w *projection.Worker, r projection.Reader) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Consume(ctx, r) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not stop")
		}
	}
}

func TestHandleIndexesEvent(t *testing.T) {
	idx := newStubIndexer(0)
	w := newWorker(t, idx, projection.Options{})

	require.NoError(t, w.Handle(context.Background(), eventMessage(t, 0, "flood-warning-issued")))

	_, docs := idx.snapshot()
	require.Len(t, docs, 1)
	doc := docs["flood-warning-issued"]
	require.Equal(t, "A. Reporter", doc.Author)
	require.Equal(t, indexedAt, doc.CreatedAt)
}

func TestHandleDuplicateDelivery(t *testing.T) {
	msg := eventMessage(t, 0, "flood-warning-issued")

	t.Run("cached", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		idx := newStubIndexer(0)
		w := newWorker(t, idx, projection.Options{
			Cache:   dedupe.NewCache(10, time.Hour),
			Metrics: metrics.NewProjection(reg),
		})

		require.NoError(t, w.Handle(context.Background(), msg))
		require.NoError(t, w.Handle(context.Background(), msg))

		calls, docs := idx.snapshot()
		require.Equal(t, 2, calls)
		require.Len(t, docs, 1)
		require.Equal(t, 1.0, outcomeCount(t, reg, metrics.OutcomeIndexed))
		require.Equal(t, 1.0, outcomeCount(t, reg, metrics.OutcomeDuplicate))
	})

	t.Run("uncached", func(t *testing.T) {
		idx := newStubIndexer(0)
		w := newWorker(t, idx, projection.Options{})

		require.NoError(t, w.Handle(context.Background(), msg))
		require.NoError(t, w.Handle(context.Background(), msg))

		calls, docs := idx.snapshot()
		require.Equal(t, 2, calls)
		require.Len(t, docs, 1)
	})
}

func TestHandleRestoresDocumentLostFromIndex(t *testing.T) {
	idx := newStubIndexer(0)
	w := newWorker(t, idx, projection.Options{Cache: dedupe.NewCache(10, time.Hour)})
	msg := eventMessage(t, 0, "flood-warning-issued")

	require.NoError(t, w.Handle(context.Background(), msg))

	idx.mu.Lock()
	delete(idx.docs, "flood-warning-issued")
	idx.mu.Unlock()

	require.NoError(t, w.Handle(context.Background(), msg))

	calls, docs := idx.snapshot()
	require.Equal(t, 2, calls)
	require.Contains(t, docs, "flood-warning-issued")
}

func outcomeCount(t *testing.T, reg *prometheus.Registry, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "news_projections_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() == outcome {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestHandleRejectsBadPayload(t *testing.T) {
	tests := map[string][]byte{
		"not json":   []byte("{oops"),
		"missing id": []byte(`{"title":"t","content":"c","author":"a","source":"s"}`),
	}

	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			idx := newStubIndexer(0)
			w := newWorker(t, idx, projection.Options{})

			err := w.Handle(context.Background(), kafka.Message{Value: value, Partition: 2, Offset: 7})

			var perr *projection.ProjectionError
			require.ErrorAs(t, err, &perr)
			require.Equal(t, 2, perr.Partition)
			require.EqualValues(t, 7, perr.Offset)

			calls, _ := idx.snapshot()
			require.Zero(t, calls)
		})
	}
}

func TestConsumeRedeliversUntilIndexRecovers(t *testing.T) {
	idx := newStubIndexer(3)
	reader := &stubReader{queue: []kafka.Message{eventMessage(t, 0, "flood-warning-issued")}}
	w := newWorker(t, idx, projection.Options{RedeliveryDelay: time.Millisecond})

	stop := consume(t, w, reader)
	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	calls, docs := idx.snapshot()
	require.Equal(t, 4, calls)
	require.Contains(t, docs, "flood-warning-issued")
}

func TestConsumeHoldsFailingMessageWithoutLimit(t *testing.T) {
	idx := newStubIndexer(-1)
	reader := &stubReader{queue: []kafka.Message{
		eventMessage(t, 0, "first"),
		eventMessage(t, 1, "second"),
	}}
	w := newWorker(t, idx, projection.Options{RedeliveryDelay: time.Millisecond})

	stop := consume(t, w, reader)
	require.Eventually(t, func() bool {
		calls, _ := idx.snapshot()
		return calls >= 5
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	require.Empty(t, reader.commits())
	reader.mu.Lock()
	require.Len(t, reader.queue, 1, "later messages wait behind the failing one")
	reader.mu.Unlock()
}

func TestConsumeDeadLettersAfterMaxDeliveries(t *testing.T) {
	dlq := &stubDeadLetter{}
	reader := &stubReader{queue: []kafka.Message{{Key: []byte("k"), Value: []byte("{oops"), Partition: 1, Offset: 42}}}
	w := newWorker(t, newStubIndexer(0), projection.Options{
		RedeliveryDelay: time.Millisecond,
		MaxDeliveries:   3,
		DeadLetter:      dlq,
	})

	stop := consume(t, w, reader)
	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	require.Equal(t, 1, dlq.attempts())
	msg := dlq.msgs[0]
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	require.Equal(t, "3", headers["deliveries"])
	require.Equal(t, "1", headers["original_partition"])
	require.Equal(t, "42", headers["original_offset"])
	require.Contains(t, headers["error"], "decode event")
	require.Equal(t, indexedAt.Format(time.RFC3339), headers["timestamp"])
	require.Equal(t, []byte("{oops"), msg.Value)
}

func TestConsumeKeepsMessageWhenDeadLetterFails(t *testing.T) {
	dlq := &stubDeadLetter{err: errors.New("dlq down")}
	reader := &stubReader{queue: []kafka.Message{{Value: []byte("{oops")}}}
	w := newWorker(t, newStubIndexer(0), projection.Options{
		RedeliveryDelay: time.Millisecond,
		MaxDeliveries:   1,
		DeadLetter:      dlq,
	})

	stop := consume(t, w, reader)
	require.Eventually(t, func() bool { return dlq.attempts() >= 3 }, 2*time.Second, 5*time.Millisecond)
	stop()

	require.Empty(t, reader.commits())
}

func TestNewRequiresDeadLetterWriter(t *testing.T) {
	_, err := projection.New(newStubIndexer(0), logger.Discard(), projection.Options{MaxDeliveries: 2})
	require.Error(t, err)

	_, err = projection.New(nil, logger.Discard(), projection.Options{})
	require.Error(t, err)
}

func TestRunClosesEveryReader(t *testing.T) {
	w := newWorker(t, newStubIndexer(0), projection.Options{})

	var mu sync.Mutex
	var readers []*stubReader
	newReader := func() projection.Reader {
		mu.Lock()
		defer mu.Unlock()
		r := &stubReader{}
		readers = append(readers, r)
		return r
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, 3, newReader) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(readers) == 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	for _, r := range readers {
		require.True(t, r.closed)
	}
}
