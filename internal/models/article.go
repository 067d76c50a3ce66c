package models

import "time"

// Article is the system-of-record entity stored in Postgres.
type Article struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Author    string    `json:"author"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChangeEvent is the queue payload published once per committed Article.
// It carries the whole row so the consumer never reads back from the store.
type ChangeEvent struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Author    string    `json:"author"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewChangeEvent copies a committed article into its event form.
func NewChangeEvent(a Article) ChangeEvent {
	return ChangeEvent(a)
}

// SearchDocument represents the canonical structure stored in Elasticsearch.
// CreatedAt is assigned when the document is indexed, not when the article was committed.
type SearchDocument struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Author    string    `json:"author"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// NewSearchDocument projects an event into the document indexed at indexedAt.
func NewSearchDocument(ev ChangeEvent, indexedAt time.Time) SearchDocument {
	return SearchDocument{
		ID:        ev.ID,
		Title:     ev.Title,
		Content:   ev.Content,
		Author:    ev.Author,
		Source:    ev.Source,
		CreatedAt: indexedAt.UTC(),
	}
}
