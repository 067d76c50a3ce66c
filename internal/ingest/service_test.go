package ingest_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/news-pipeline/internal/ingest"
	"github.com/DeafMist/news-pipeline/internal/logger"
	"github.com/DeafMist/news-pipeline/internal/models"
	"github.com/DeafMist/news-pipeline/internal/postgres"
)

type memoryStore struct {
	mu   sync.Mutex
	rows map[string]models.Article
	err  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: map[string]models.Article{}}
}

func (s *memoryStore) CreateArticle(_ context.Context, a models.Article) (models.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return models.Article{}, s.err
	}
	if _, ok := s.rows[a.ID]; ok {
		return models.Article{}, postgres.ErrDuplicate
	}
	a.CreatedAt = time.Now().UTC()
	s.rows[a.ID] = a
	return a, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.ChangeEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev models.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func newService(store *memoryStore, pub *recordingPublisher) *ingest.Service {
	return ingest.NewService(store, pub, nil, logger.Discard())
}

func floodRequest() ingest.SubmitRequest {
	return ingest.SubmitRequest{
		Title:   "Flood Warning Issued",
		Content: "Rivers are rising across the valley.",
		Author:  "A. Reporter",
		Source:  "wire",
	}
}

func TestSubmitStoresAndPublishes(t *testing.T) {
	store := newMemoryStore()
	pub := &recordingPublisher{}

	article, err := newService(store, pub).Submit(context.Background(), floodRequest())
	require.NoError(t, err)
	require.Equal(t, "flood-warning-issued", article.ID)
	require.False(t, article.CreatedAt.IsZero())

	require.Len(t, store.rows, 1)
	require.Len(t, pub.events, 1)
	require.Equal(t, models.NewChangeEvent(store.rows["flood-warning-issued"]), pub.events[0])
}

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name   string
		req    ingest.SubmitRequest
		fields []string
	}{
		{name: "all missing", req: ingest.SubmitRequest{}, fields: []string{"title", "content", "author", "source"}},
		{name: "blank author", req: ingest.SubmitRequest{Title: "T", Content: "c", Author: "   ", Source: "s"}, fields: []string{"author"}},
		{name: "title without letters", req: ingest.SubmitRequest{Title: "!!!", Content: "c", Author: "a", Source: "s"}, fields: []string{"title"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemoryStore()
			pub := &recordingPublisher{}

			_, err := newService(store, pub).Submit(context.Background(), tt.req)

			var verr *ingest.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Len(t, verr.Fields, len(tt.fields))
			for _, f := range tt.fields {
				require.Contains(t, verr.Fields, f)
			}
			require.Empty(t, store.rows)
			require.Empty(t, pub.events)
		})
	}
}

func TestSubmitConflict(t *testing.T) {
	store := newMemoryStore()
	pub := &recordingPublisher{}
	svc := newService(store, pub)

	_, err := svc.Submit(context.Background(), floodRequest())
	require.NoError(t, err)

	again := floodRequest()
	again.Title = "flood warning, issued!"
	again.Content = "different body"

	_, err = svc.Submit(context.Background(), again)
	var conflict *ingest.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "flood-warning-issued", conflict.ID)

	require.Len(t, store.rows, 1)
	require.Equal(t, "Rivers are rising across the valley.", store.rows["flood-warning-issued"].Content)
	require.Len(t, pub.events, 1)
}

func TestSubmitPublishFailureKeepsCommit(t *testing.T) {
	store := newMemoryStore()
	boom := errors.New("broker down")
	pub := &recordingPublisher{err: boom}

	article, err := newService(store, pub).Submit(context.Background(), floodRequest())

	var pubErr *ingest.PublishAfterCommitError
	require.ErrorAs(t, err, &pubErr)
	require.ErrorIs(t, err, boom)
	require.Equal(t, "flood-warning-issued", pubErr.ID)
	require.Equal(t, "flood-warning-issued", article.ID)
	require.Contains(t, store.rows, "flood-warning-issued")
}

func TestSubmitStoreFailureSkipsPublish(t *testing.T) {
	store := newMemoryStore()
	store.err = errors.New("connection reset")
	pub := &recordingPublisher{}

	_, err := newService(store, pub).Submit(context.Background(), floodRequest())
	require.Error(t, err)

	var conflict *ingest.ConflictError
	require.False(t, errors.As(err, &conflict))
	require.Empty(t, pub.events)
}

func TestSubmitDistinctTitlesConcurrently(t *testing.T) {
	store := newMemoryStore()
	pub := &recordingPublisher{}
	svc := newService(store, pub)

	var wg sync.WaitGroup
	for i := range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := floodRequest()
			req.Title = fmt.Sprintf("Story number %d", i)
			_, err := svc.Submit(context.Background(), req)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, store.rows, 25)
	require.Len(t, pub.events, 25)
}
