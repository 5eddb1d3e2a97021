// Package transfer moves book payloads between local disk and the remote
// blob store. Uploads try an in-memory buffered strategy first and fall
// back to a streamed transfer when the buffered attempt fails with a
// response-parse or connection-loss error; transient failures retry with
// exponential backoff up to a fixed attempt ceiling.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/OU4/bookreader-sub001/internal/domain"
	"github.com/OU4/bookreader-sub001/internal/errs"
)

// Strategy selects how bytes move to the blob store.
type Strategy string

const (
	// StrategyBuffered loads the whole payload into memory and writes it in
	// one call. Primary strategy.
	StrategyBuffered Strategy = "buffered"
	// StrategyStreamed copies the payload in 32KB chunks. Fallback.
	StrategyStreamed Strategy = "streamed"
)

// ObjectAttrs carries the content type and custom metadata stored with a
// blob.
type ObjectAttrs struct {
	ContentType string
	Metadata    map[string]string
}

// BlobStore abstracts the remote blob backend so tests can fake it.
type BlobStore interface {
	Upload(ctx context.Context, object, localPath string, attrs ObjectAttrs, strategy Strategy) (int64, error)
	Download(ctx context.Context, object, localPath string) (int64, error)
	Exists(ctx context.Context, object string) (bool, error)
	URL(object string) string
}

// UploadResult reports a completed upload. AlreadyExists is set when the
// object was found remotely and no bytes were transferred.
type UploadResult struct {
	URL           string
	ObjectName    string
	Bytes         int64
	Strategy      Strategy
	AlreadyExists bool
}

// DownloadResult reports a completed (or cache-satisfied) download.
type DownloadResult struct {
	Path   string
	Bytes  int64
	Cached bool
}

// Pipeline runs validated, retried transfers against a BlobStore.
type Pipeline struct {
	store       BlobStore
	maxFileSize int64
	maxAttempts int
	backoffUnit time.Duration
	sleep       func(time.Duration)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMaxFileSize sets the upload size ceiling in bytes.
func WithMaxFileSize(n int64) Option {
	return func(p *Pipeline) { p.maxFileSize = n }
}

// WithRetry sets the attempt ceiling and the backoff unit. Attempt n waits
// 2^(n-1) units before retrying.
func WithRetry(maxAttempts int, unit time.Duration) Option {
	return func(p *Pipeline) {
		p.maxAttempts = maxAttempts
		p.backoffUnit = unit
	}
}

// WithSleep injects the sleep function used between attempts.
func WithSleep(sleep func(time.Duration)) Option {
	return func(p *Pipeline) { p.sleep = sleep }
}

// NewPipeline creates a transfer pipeline.
func NewPipeline(store BlobStore, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	p := &Pipeline{
		store:       store,
		maxFileSize: 100 * 1024 * 1024,
		maxAttempts: 3,
		backoffUnit: time.Second,
		sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be >= 1, got %d", p.maxAttempts)
	}
	return p, nil
}

// Upload pushes a book's payload to the blob store and returns the stable
// URL plus the chosen object name.
func (p *Pipeline) Upload(ctx context.Context, userID string, book domain.Book, localPath string) (*UploadResult, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("%w: payload file %s: %v", errs.ErrValidation, localPath, err)
	}
	if info.Size() > p.maxFileSize {
		return nil, fmt.Errorf("%w: payload %s is %d bytes, ceiling is %d",
			errs.ErrValidation, localPath, info.Size(), p.maxFileSize)
	}

	object := ObjectName(userID, book)

	// Object names are content-addressed by book ID, so a hit means this
	// payload is already up. Lookup failures fall through to the upload.
	if ok, existsErr := p.store.Exists(ctx, object); existsErr == nil && ok {
		return &UploadResult{
			URL:           p.store.URL(object),
			ObjectName:    object,
			Bytes:         info.Size(),
			AlreadyExists: true,
		}, nil
	}

	attrs := ObjectAttrs{
		ContentType: book.Type.MimeType(),
		Metadata: map[string]string{
			"title":            book.Title,
			"author":           book.Author,
			"originalFilename": book.FilePath,
		},
	}

	strategy := StrategyBuffered
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		n, uploadErr := p.store.Upload(ctx, object, localPath, attrs, strategy)
		if uploadErr == nil {
			return &UploadResult{
				URL:        p.store.URL(object),
				ObjectName: object,
				Bytes:      n,
				Strategy:   strategy,
			}, nil
		}

		lastErr = errs.Classify(uploadErr)
		if errs.IsFatal(lastErr) {
			return nil, lastErr
		}

		// A response-parse or connection-loss failure of the buffered
		// strategy switches to the streamed fallback instead of repeating
		// the same strategy.
		if strategy == StrategyBuffered &&
			(errors.Is(lastErr, errs.ErrResponseParse) || errors.Is(lastErr, errs.ErrNetworkTransient)) {
			strategy = StrategyStreamed
		} else if !errs.IsRetryable(lastErr) {
			return nil, lastErr
		}

		if attempt < p.maxAttempts {
			p.sleep(p.backoff(attempt))
		}
	}
	return nil, lastErr
}

// Download fetches a blob into the local cache path, returning early when
// the cache already holds the object.
func (p *Pipeline) Download(ctx context.Context, object, cachePath string) (*DownloadResult, error) {
	if info, err := os.Stat(cachePath); err == nil {
		return &DownloadResult{Path: cachePath, Bytes: info.Size(), Cached: true}, nil
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		n, dlErr := p.store.Download(ctx, object, cachePath)
		if dlErr == nil {
			return &DownloadResult{Path: cachePath, Bytes: n}, nil
		}

		lastErr = errs.Classify(dlErr)
		if errs.IsFatal(lastErr) || !errs.IsRetryable(lastErr) {
			return nil, lastErr
		}
		if attempt < p.maxAttempts {
			p.sleep(p.backoff(attempt))
		}
	}
	return nil, lastErr
}

// backoff returns 2^(attempt-1) backoff units.
func (p *Pipeline) backoff(attempt int) time.Duration {
	return p.backoffUnit << (attempt - 1)
}

// ObjectName builds the remote object path:
// books/{userID}/{sanitizedTitle}_{shortID}{ext}.
func ObjectName(userID string, book domain.Book) string {
	shortID := book.ID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	return fmt.Sprintf("books/%s/%s_%s%s", userID, SanitizeTitle(book.Title), shortID, extensionFor(book.Type))
}

func extensionFor(t domain.ContentType) string {
	switch t {
	case domain.ContentTypeText:
		return ".txt"
	case domain.ContentTypeEPUB:
		return ".epub"
	default:
		return ".pdf"
	}
}
