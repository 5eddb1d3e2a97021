// Package errs defines the closed error taxonomy shared by the catalog
// store, the transfer pipeline, and the reconciler. Callers branch on these
// sentinels with errors.Is instead of inspecting transport-specific codes.
package errs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Sentinel errors
var (
	// ErrValidation is returned for malformed or empty payloads. The caller
	// must fix its input; the operation is never retried.
	ErrValidation = errors.New("validation failed")

	// ErrCorruption is returned when on-disk data failed validation. An
	// automatic repair attempt runs before this surfaces.
	ErrCorruption = errors.New("catalog corrupted")

	// ErrBackupUnavailable is returned when repair is impossible because no
	// valid backup exists. Fatal; must reach the user.
	ErrBackupUnavailable = errors.New("no valid backup available")

	// ErrNetworkTransient covers timeouts, DNS failures, connection loss and
	// server-side 5xx-equivalents. Retryable.
	ErrNetworkTransient = errors.New("transient network error")

	// ErrPermissionDenied covers authorization and permission failures.
	// Never retried.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrRateLimited is returned when the sliding-window limiter rejects an
	// operation. The caller backs off; no retry budget is consumed and the
	// operation does not enter the offline queue.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrConflictResolution is returned when a transactional merge could
	// not be applied after exhausting its retry budget.
	ErrConflictResolution = errors.New("conflict resolution failed")

	// ErrResponseParse is returned when the server's response could not be
	// decoded. The transfer pipeline switches to its fallback strategy on
	// this class rather than retrying the same strategy blindly.
	ErrResponseParse = errors.New("malformed server response")

	// ErrChecksumMismatch is returned when a transferred payload failed its
	// integrity check. Retryable.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Classify maps an arbitrary transport error into the taxonomy. Errors that
// already carry a sentinel pass through unchanged; errors outside the closed
// set are returned as-is so the caller surfaces them without retrying.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	// Already classified.
	for _, sentinel := range []error{
		ErrValidation, ErrCorruption, ErrBackupUnavailable, ErrNetworkTransient,
		ErrPermissionDenied, ErrRateLimited, ErrConflictResolution,
		ErrResponseParse, ErrChecksumMismatch,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrNetworkTransient, err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrNetworkTransient, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrNetworkTransient, err)
	}

	var jsonErr *json.SyntaxError
	if errors.As(err, &jsonErr) {
		return fmt.Errorf("%w: %v", ErrResponseParse, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401 || apiErr.Code == 403:
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		case apiErr.Code == 408 || apiErr.Code == 429 || apiErr.Code >= 500:
			return fmt.Errorf("%w: %v", ErrNetworkTransient, err)
		}
		return err
	}

	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated:
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return fmt.Errorf("%w: %v", ErrNetworkTransient, err)
	}

	return err
}

// IsRetryable reports whether the pipeline and reconciler may retry the
// classified error within their attempt budget.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkTransient) || errors.Is(err, ErrChecksumMismatch)
}

// IsFatal reports whether the error must surface immediately without
// consuming retry budget.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrValidation)
}
