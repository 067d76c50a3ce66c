package ingest

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError lists the request fields that were missing or empty.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// ConflictError means an article with the same derived id already exists.
// Resubmitting the same title will never succeed.
type ConflictError struct {
	ID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("article %q already exists", e.ID)
}

// PublishAfterCommitError means the article was committed but its change event
// could not be published. The row is kept; the index will not see it until the
// event is re-published (see the reconcile command).
type PublishAfterCommitError struct {
	ID  string
	Err error
}

func (e *PublishAfterCommitError) Error() string {
	return fmt.Sprintf("article %q committed but not published: %v", e.ID, e.Err)
}

func (e *PublishAfterCommitError) Unwrap() error {
	return e.Err
}
