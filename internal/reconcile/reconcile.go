// Package reconcile re-publishes change events for committed articles that never
// reached the search index, typically after a publish failure on the write path.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/DeafMist/news-pipeline/internal/models"
)

// Scanner pages through the record store by id.
type Scanner interface {
	ListAfter(ctx context.Context, afterID string, limit int) ([]models.Article, error)
}

// Index reports which ids have no document.
type Index interface {
	MissingIDs(ctx context.Context, ids []string) ([]string, error)
}

// Publisher sends change events to the relay.
type Publisher interface {
	Publish(ctx context.Context, ev models.ChangeEvent) error
}

// Result summarises one pass.
type Result struct {
	Scanned     int
	Missing     int
	Republished int
	Failed      int
}

// Reconciler compares the store with the index. It never writes to the index.
type Reconciler struct {
	store     Scanner
	index     Index
	publisher Publisher
	batchSize int
	log       *slog.Logger
}

// New builds a reconciler that reads batchSize articles per query.
func New(store Scanner, index Index, publisher Publisher, batchSize int, log *slog.Logger) *Reconciler {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Reconciler{store: store, index: index, publisher: publisher, batchSize: batchSize, log: log}
}

// RunOnce scans the whole store once. A failed publish is counted and the pass
// continues; store and index errors abort it.
func (r *Reconciler) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	after := ""

	for {
		batch, err := r.store.ListAfter(ctx, after, r.batchSize)
		if err != nil {
			return res, fmt.Errorf("list articles after %q: %w", after, err)
		}
		if len(batch) == 0 {
			return res, nil
		}
		res.Scanned += len(batch)
		after = batch[len(batch)-1].ID

		ids := make([]string, len(batch))
		byID := make(map[string]models.Article, len(batch))
		for i, a := range batch {
			ids[i] = a.ID
			byID[a.ID] = a
		}

		missing, err := r.index.MissingIDs(ctx, ids)
		if err != nil {
			return res, fmt.Errorf("check index: %w", err)
		}
		res.Missing += len(missing)

		for _, id := range missing {
			article, ok := byID[id]
			if !ok {
				continue
			}
			if err := r.publisher.Publish(ctx, models.NewChangeEvent(article)); err != nil {
				res.Failed++
				r.log.Warn("republish failed", slog.String("id", id), slog.Any("err", err))
				continue
			}
			res.Republished++
			r.log.Info("republished missing article", slog.String("id", id))
		}

		if len(batch) < r.batchSize {
			return res, nil
		}
	}
}
