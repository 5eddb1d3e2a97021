package reconcile

import (
	"time"

	"github.com/OU4/bookreader-sub001/internal/ratelimit"
)

// OpKind identifies a queued mutation.
type OpKind string

const (
	OpAddBook         OpKind = "add-book"
	OpUpdateBook      OpKind = "update-book"
	OpDeleteBook      OpKind = "delete-book"
	OpAddBookmark     OpKind = "add-bookmark"
	OpRemoveBookmark  OpKind = "remove-bookmark"
	OpAddHighlight    OpKind = "add-highlight"
	OpUpdateHighlight OpKind = "update-highlight"
	OpRemoveHighlight OpKind = "remove-highlight"
	OpUpdateProgress  OpKind = "update-progress"
)

// categoryFor maps an operation kind to its rate-limit category.
func categoryFor(kind OpKind) ratelimit.Category {
	switch kind {
	case OpAddBook, OpUpdateBook, OpDeleteBook:
		return ratelimit.CategoryBookUpdate
	case OpAddHighlight, OpUpdateHighlight, OpRemoveHighlight:
		return ratelimit.CategoryHighlight
	default:
		return ratelimit.CategoryDefault
	}
}

// PendingOp is one mutation waiting in the offline queue. The payload is the
// op's JSON-serialized argument; EnqueuedAt is refreshed when a failed
// replay re-enqueues the op.
type PendingOp struct {
	ID         string
	Kind       OpKind
	BookID     string
	Payload    []byte
	EnqueuedAt time.Time
}

// Diagnostic reports a deferred or failed queue operation. Queue failures
// are never surfaced to the original caller; this channel is the only
// visibility into them.
type Diagnostic struct {
	Op  PendingOp
	Err error
	// Deferred is true when the op went back to the queue tail rather than
	// being dropped.
	Deferred bool
}

// progressPayload is the serialized argument of an OpUpdateProgress.
type progressPayload struct {
	Position float64   `json:"position"`
	At       time.Time `json:"at"`
}

// removePayload is the serialized argument of a remove op.
type removePayload struct {
	TargetID string `json:"targetId"`
}
