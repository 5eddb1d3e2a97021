// Package remote mirrors catalog records to the cloud document store. The
// Store interface keeps the reconciler testable; FirestoreStore is the
// production implementation backed by users/{userId}/books/{bookId}
// documents.
package remote

import (
	"context"

	"github.com/OU4/bookreader-sub001/internal/domain"
)

// MergeFunc is applied inside a transaction. existing is nil when the
// document does not exist yet; returning nil, nil leaves the document
// unchanged.
type MergeFunc func(existing *domain.Book) (*domain.Book, error)

// Store defines the remote document operations the reconciler needs.
type Store interface {
	// Get fetches one book document. Returns nil, nil when absent.
	Get(ctx context.Context, userID, bookID string) (*domain.Book, error)

	// Delete removes one book document.
	Delete(ctx context.Context, userID, bookID string) error

	// List fetches all of a user's book documents.
	List(ctx context.Context, userID string) ([]*domain.Book, error)

	// Merge reads the document and conditionally writes fn's result in a
	// single transaction, so two reconcilers racing on the same record
	// either serialize or one retries.
	Merge(ctx context.Context, userID, bookID string, fn MergeFunc) error

	// Subscribe streams the authoritative server state of a user's books.
	// callback receives the full current set on every change; errCallback
	// receives subscription errors.
	Subscribe(ctx context.Context, userID string, callback func([]*domain.Book), errCallback func(error)) error
}
