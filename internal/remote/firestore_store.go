package remote

import (
	"context"
	"fmt"
	"log"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/OU4/bookreader-sub001/internal/domain"
	"github.com/OU4/bookreader-sub001/internal/errs"
)

const (
	usersCollection = "users"
	booksCollection = "books"
)

// FirestoreStore implements Store using Firestore.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore wraps an existing Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

// NewFirestoreClient bootstraps a Firestore client through the Firebase
// app, using application default credentials.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	conf := &firebase.Config{ProjectID: projectID}
	app, err := firebase.NewApp(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	return client, nil
}

func (s *FirestoreStore) bookRef(userID, bookID string) *firestore.DocumentRef {
	return s.client.Collection(usersCollection).Doc(userID).Collection(booksCollection).Doc(bookID)
}

// Get fetches one book document. Returns nil, nil when the document does
// not exist.
func (s *FirestoreStore) Get(ctx context.Context, userID, bookID string) (*domain.Book, error) {
	doc, err := s.bookRef(userID, bookID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, errs.Classify(err)
	}

	var book domain.Book
	if err := doc.DataTo(&book); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrResponseParse, err)
	}
	return &book, nil
}

// Delete removes one book document.
func (s *FirestoreStore) Delete(ctx context.Context, userID, bookID string) error {
	_, err := s.bookRef(userID, bookID).Delete(ctx)
	return errs.Classify(err)
}

// List fetches all of a user's book documents.
func (s *FirestoreStore) List(ctx context.Context, userID string) ([]*domain.Book, error) {
	iter := s.client.Collection(usersCollection).Doc(userID).Collection(booksCollection).Documents(ctx)
	defer iter.Stop()

	var books []*domain.Book
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errs.Classify(err)
		}

		var book domain.Book
		if err := doc.DataTo(&book); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrResponseParse, err)
		}
		books = append(books, &book)
	}
	return books, nil
}

// Merge runs fn inside a Firestore transaction: the read and the conditional
// write either commit together or the transaction retries.
func (s *FirestoreStore) Merge(ctx context.Context, userID, bookID string, fn MergeFunc) error {
	ref := s.bookRef(userID, bookID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var existing *domain.Book
		doc, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) != codes.NotFound {
				return err
			}
		} else {
			var book domain.Book
			if err := doc.DataTo(&book); err != nil {
				return fmt.Errorf("%w: %v", errs.ErrResponseParse, err)
			}
			existing = &book
		}

		updated, err := fn(existing)
		if err != nil {
			return err
		}
		if updated == nil {
			return nil
		}
		return tx.Set(ref, updated)
	})
	return errs.Classify(err)
}

// Subscribe streams the user's book collection. Every server push delivers
// the full current set to callback. The listener gives up after five
// consecutive errors, reporting each through errCallback.
func (s *FirestoreStore) Subscribe(ctx context.Context, userID string, callback func([]*domain.Book), errCallback func(error)) error {
	coll := s.client.Collection(usersCollection).Doc(userID).Collection(booksCollection)

	go func() {
		iter := coll.Snapshots(ctx)
		defer iter.Stop()

		consecutiveErrors := 0
		const maxConsecutiveErrors = 5

		for {
			snap, err := iter.Next()
			if err == iterator.Done {
				log.Printf("INFO: book subscription for user %s completed normally", userID)
				return
			}
			if err != nil {
				consecutiveErrors++
				log.Printf("ERROR: book subscription error for user %s (consecutive: %d): %v", userID, consecutiveErrors, err)
				if errCallback != nil {
					errCallback(errs.Classify(err))
				}
				if consecutiveErrors >= maxConsecutiveErrors {
					log.Printf("ERROR: book subscription for user %s stopped after %d consecutive errors", userID, maxConsecutiveErrors)
					return
				}
				continue
			}
			consecutiveErrors = 0

			var books []*domain.Book
			docs := snap.Documents
			failed := false
			for {
				doc, err := docs.Next()
				if err == iterator.Done {
					break
				}
				if err != nil {
					log.Printf("ERROR: failed to read book snapshot for user %s: %v", userID, err)
					failed = true
					break
				}
				var book domain.Book
				if err := doc.DataTo(&book); err != nil {
					log.Printf("ERROR: failed to parse book document for user %s: %v", userID, err)
					continue
				}
				books = append(books, &book)
			}
			if failed {
				continue
			}

			callback(books)
		}
	}()

	return nil
}
