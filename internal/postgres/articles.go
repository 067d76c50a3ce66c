package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/DeafMist/news-pipeline/internal/models"
)

const uniqueViolation = "23505"

// ErrDuplicate is returned when an article with the same id already exists.
var ErrDuplicate = errors.New("article already exists")

// ListParams filter and paginate ListArticles. Empty filters are ignored.
type ListParams struct {
	Page   int
	Limit  int
	Source string
	Author string
	Search string
}

const articleColumns = "id, title, content, author, source, created_at"

// CreateArticle inserts the article in a single transaction and returns the
// committed row. CreatedAt on the input is ignored; the server assigns it.
func (db *DB) CreateArticle(ctx context.Context, a models.Article) (models.Article, error) {
	tx, err := db.beginTx(ctx)
	if err != nil {
		return models.Article{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	row := tx.QueryRow(ctx, `
INSERT INTO news (id, title, content, author, source)
VALUES ($1, $2, $3, $4, $5)
RETURNING `+articleColumns,
		a.ID, a.Title, a.Content, a.Author, a.Source,
	)

	created, err := scanArticle(row)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Article{}, ErrDuplicate
		}
		return models.Article{}, fmt.Errorf("insert article: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return models.Article{}, ErrDuplicate
		}
		return models.Article{}, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

// ListArticles returns one page of articles, newest first, and the total match count.
func (db *DB) ListArticles(ctx context.Context, p ListParams) ([]models.Article, int, error) {
	p = normalizeList(p)
	where, args := buildFilter(p)

	var total int
	if err := db.Pool.QueryRow(ctx, "SELECT COUNT(*)::int FROM news"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count articles: %w", err)
	}

	sql := fmt.Sprintf("SELECT %s FROM news%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d",
		articleColumns, where, len(args)+1, len(args)+2)
	args = append(args, p.Limit, (p.Page-1)*p.Limit)

	rows, err := db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list articles: %w", err)
	}
	defer rows.Close()

	items, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListAfter scans articles ordered by id, starting after afterID.
func (db *DB) ListAfter(ctx context.Context, afterID string, limit int) ([]models.Article, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+articleColumns+" FROM news WHERE id > $1 ORDER BY id LIMIT $2", afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("scan articles: %w", err)
	}
	defer rows.Close()

	return collect(rows)
}

func collect(rows pgx.Rows) ([]models.Article, error) {
	items := make([]models.Article, 0)
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func scanArticle(row pgx.Row) (models.Article, error) {
	var a models.Article
	err := row.Scan(&a.ID, &a.Title, &a.Content, &a.Author, &a.Source, &a.CreatedAt)
	if err == nil {
		a.CreatedAt = a.CreatedAt.UTC()
	}
	return a, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func normalizeList(p ListParams) ListParams {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = 10
	}
	return p
}

// buildFilter renders the WHERE clause (with a leading space) and its arguments.
func buildFilter(p ListParams) (string, []any) {
	var (
		conds []string
		args  []any
	)

	if p.Source != "" {
		args = append(args, p.Source)
		conds = append(conds, fmt.Sprintf("source = $%d", len(args)))
	}
	if p.Author != "" {
		args = append(args, p.Author)
		conds = append(conds, fmt.Sprintf("author = $%d", len(args)))
	}
	if p.Search != "" {
		args = append(args, "%"+escapeLike(p.Search)+"%")
		conds = append(conds, fmt.Sprintf("title ILIKE $%d", len(args)))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
