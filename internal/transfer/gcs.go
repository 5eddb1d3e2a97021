package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/natefinch/atomic"

	"github.com/OU4/bookreader-sub001/internal/errs"
)

// GCSBlobStore implements BlobStore against a Google Cloud Storage bucket.
type GCSBlobStore struct {
	client *storage.Client
	bucket string
}

// NewGCSBlobStore wraps an existing GCS client.
func NewGCSBlobStore(client *storage.Client, bucket string) *GCSBlobStore {
	return &GCSBlobStore{client: client, bucket: bucket}
}

// Upload writes a local file to the bucket using the requested strategy.
func (s *GCSBlobStore) Upload(ctx context.Context, object, localPath string, attrs ObjectAttrs, strategy Strategy) (int64, error) {
	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	w.ContentType = attrs.ContentType
	if len(attrs.Metadata) > 0 {
		w.Metadata = attrs.Metadata
	}

	var written int64
	var err error
	switch strategy {
	case StrategyStreamed:
		written, err = streamFile(ctx, w, localPath)
	default:
		written, err = writeBuffered(w, localPath)
	}
	if err != nil {
		w.Close()
		return 0, err
	}

	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("failed to finalize upload of %s: %w", object, err)
	}
	return written, nil
}

// writeBuffered loads the whole payload into memory and writes it in one
// call.
func writeBuffered(w io.Writer, localPath string) (int64, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read payload: %w", err)
	}
	n, err := w.Write(data)
	if err != nil {
		return 0, fmt.Errorf("failed to write payload: %w", err)
	}
	return int64(n), nil
}

// streamFile copies the payload in 32KB chunks, checking for cancellation
// between chunks.
func streamFile(ctx context.Context, w io.Writer, localPath string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open payload: %w", err)
	}
	defer f.Close()

	const bufferSize = 32 * 1024
	buf := make([]byte, bufferSize)
	var total int64

	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		n, readErr := f.Read(buf)
		if n > 0 {
			written, writeErr := w.Write(buf[:n])
			if writeErr != nil {
				return total, fmt.Errorf("failed to write payload chunk: %w", writeErr)
			}
			total += int64(written)
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, fmt.Errorf("failed to read payload: %w", readErr)
		}
	}
}

// Download fetches an object into localPath, writing atomically so a
// half-finished download never lands in the cache.
func (s *GCSBlobStore) Download(ctx context.Context, object, localPath string) (int64, error) {
	r, err := s.client.Bucket(s.bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return 0, fmt.Errorf("%w: object %s does not exist", errs.ErrValidation, object)
		}
		return 0, fmt.Errorf("failed to open object %s: %w", object, err)
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := atomic.WriteFile(localPath, r); err != nil {
		return 0, fmt.Errorf("failed to write cache file: %w", err)
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Exists reports whether the object is present in the bucket.
func (s *GCSBlobStore) Exists(ctx context.Context, object string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(object).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, errs.Classify(err)
	}
	return true, nil
}

// URL returns the stable public URL for an object.
func (s *GCSBlobStore) URL(object string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, object)
}
