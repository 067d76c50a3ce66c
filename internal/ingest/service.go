// Package ingest implements the write path: validate, commit to the record store,
// then publish one change event.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/DeafMist/news-pipeline/internal/metrics"
	"github.com/DeafMist/news-pipeline/internal/models"
	"github.com/DeafMist/news-pipeline/internal/postgres"
	"github.com/DeafMist/news-pipeline/internal/processing"
)

// Store commits articles. CreateArticle must return postgres.ErrDuplicate when the id is taken.
type Store interface {
	CreateArticle(ctx context.Context, a models.Article) (models.Article, error)
}

// Publisher sends change events to the relay.
type Publisher interface {
	Publish(ctx context.Context, ev models.ChangeEvent) error
}

// SubmitRequest is the write payload.
type SubmitRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Author  string `json:"author"`
	Source  string `json:"source"`
}

// Validate checks that every field is present.
func (r SubmitRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Title, validation.Required),
		validation.Field(&r.Content, validation.Required),
		validation.Field(&r.Author, validation.Required),
		validation.Field(&r.Source, validation.Required),
	)
}

// Service is safe for concurrent use if its Store and Publisher are.
type Service struct {
	store     Store
	publisher Publisher
	metrics   *metrics.Ingest
	log       *slog.Logger
}

// NewService wires the write path. m may be nil.
func NewService(store Store, publisher Publisher, m *metrics.Ingest, log *slog.Logger) *Service {
	return &Service{store: store, publisher: publisher, metrics: m, log: log}
}

// Submit stores the article and publishes its change event.
//
// On a *PublishAfterCommitError the returned article is the committed row: the
// write succeeded but no event is queued for it.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (models.Article, error) {
	req = normalize(req)
	if err := validateRequest(req); err != nil {
		s.metrics.Submission(metrics.OutcomeInvalid)
		return models.Article{}, err
	}

	article, err := s.store.CreateArticle(ctx, models.Article{
		ID:      processing.Slugify(req.Title),
		Title:   req.Title,
		Content: req.Content,
		Author:  req.Author,
		Source:  req.Source,
	})
	if err != nil {
		if errors.Is(err, postgres.ErrDuplicate) {
			s.metrics.Submission(metrics.OutcomeConflict)
			return models.Article{}, &ConflictError{ID: processing.Slugify(req.Title)}
		}
		s.metrics.Submission(metrics.OutcomeStoreError)
		return models.Article{}, fmt.Errorf("store article: %w", err)
	}

	if err := s.publisher.Publish(ctx, models.NewChangeEvent(article)); err != nil {
		s.metrics.Submission(metrics.OutcomePublishError)
		s.log.Error("article committed without change event",
			slog.String("id", article.ID),
			slog.Any("err", err),
		)
		return article, &PublishAfterCommitError{ID: article.ID, Err: err}
	}

	s.metrics.Submission(metrics.OutcomeCreated)
	s.log.Info("article stored and queued", slog.String("id", article.ID))
	return article, nil
}

func normalize(req SubmitRequest) SubmitRequest {
	return SubmitRequest{
		Title:   processing.NormalizeText(req.Title),
		Content: strings.TrimSpace(req.Content),
		Author:  processing.NormalizeText(req.Author),
		Source:  processing.NormalizeText(req.Source),
	}
}

func validateRequest(req SubmitRequest) error {
	fields := map[string]string{}

	var errs validation.Errors
	if err := req.Validate(); err != nil {
		if !errors.As(err, &errs) {
			return fmt.Errorf("validate request: %w", err)
		}
		for field, ferr := range errs {
			fields[field] = ferr.Error()
		}
	}

	if _, bad := fields["title"]; !bad && processing.Slugify(req.Title) == "" {
		fields["title"] = "must contain at least one letter or digit"
	}

	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}
