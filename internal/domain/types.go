// Package domain defines the book catalog data model shared by the local
// store and the cloud reconciler. Values cross component boundaries by copy;
// no component hands out pointers into its own state.
package domain

import (
	"fmt"
	"time"
)

// ContentType identifies the media type of a book's payload.
type ContentType string

const (
	ContentTypePDF  ContentType = "pdf"
	ContentTypeText ContentType = "text"
	ContentTypeEPUB ContentType = "epub"
)

// MimeType returns the MIME type used when storing the payload remotely.
func (c ContentType) MimeType() string {
	switch c {
	case ContentTypePDF:
		return "application/pdf"
	case ContentTypeEPUB:
		return "application/epub+zip"
	case ContentTypeText:
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

// Bookmark marks a position in a book.
type Bookmark struct {
	ID        string    `json:"id" firestore:"id"`
	Page      int       `json:"page" firestore:"page"`
	Position  float64   `json:"position" firestore:"position"`
	Label     string    `json:"label,omitempty" firestore:"label"`
	CreatedAt time.Time `json:"createdAt" firestore:"createdAt"`
}

// Highlight is a saved excerpt with an optional annotation.
type Highlight struct {
	ID        string    `json:"id" firestore:"id"`
	Text      string    `json:"text" firestore:"text"`
	Note      string    `json:"note,omitempty" firestore:"note"`
	Color     string    `json:"color,omitempty" firestore:"color"`
	Page      int       `json:"page" firestore:"page"`
	CreatedAt time.Time `json:"createdAt" firestore:"createdAt"`
}

// Note is a free-standing annotation attached to a page.
type Note struct {
	ID        string    `json:"id" firestore:"id"`
	Text      string    `json:"text" firestore:"text"`
	Page      int       `json:"page" firestore:"page"`
	CreatedAt time.Time `json:"createdAt" firestore:"createdAt"`
}

// SessionNote captures what the reader wrote down during one reading session.
type SessionNote struct {
	ID        string    `json:"id" firestore:"id"`
	Text      string    `json:"text" firestore:"text"`
	CreatedAt time.Time `json:"createdAt" firestore:"createdAt"`
}

// ReadingStats aggregates time spent reading a book.
type ReadingStats struct {
	TotalSeconds  int64      `json:"totalSeconds" firestore:"totalSeconds"`
	SessionCount  int        `json:"sessionCount" firestore:"sessionCount"`
	LastSessionAt *time.Time `json:"lastSessionAt,omitempty" firestore:"lastSessionAt"`
}

// Book is one catalog record. FilePath holds the payload filename only; it is
// resolved against the configured books directory, never stored absolute.
// The same struct serializes to the local catalog file (json tags) and to the
// remote document store (firestore tags).
type Book struct {
	ID               string        `json:"id" firestore:"id"`
	Title            string        `json:"title" firestore:"title"`
	Author           string        `json:"author,omitempty" firestore:"author"`
	FilePath         string        `json:"filePath" firestore:"filePath"`
	Type             ContentType   `json:"type" firestore:"type"`
	StorageFileName  string        `json:"storageFileName,omitempty" firestore:"storageFileName"`
	StorageURL       string        `json:"storageUrl,omitempty" firestore:"storageUrl"`
	LastReadPosition float64       `json:"lastReadPosition" firestore:"lastReadPosition"`
	Bookmarks        []Bookmark    `json:"bookmarks,omitempty" firestore:"bookmarks"`
	Highlights       []Highlight   `json:"highlights,omitempty" firestore:"highlights"`
	Notes            []Note        `json:"notes,omitempty" firestore:"notes"`
	SessionNotes     []SessionNote `json:"sessionNotes,omitempty" firestore:"sessionNotes"`
	ReadingStats     *ReadingStats `json:"readingStats,omitempty" firestore:"readingStats"`
	PersonalSummary  string        `json:"personalSummary,omitempty" firestore:"personalSummary"`
	KeyTakeaways     string        `json:"keyTakeaways,omitempty" firestore:"keyTakeaways"`
	ActionItems      string        `json:"actionItems,omitempty" firestore:"actionItems"`
	NotesUpdatedAt   *time.Time    `json:"notesUpdatedAt,omitempty" firestore:"notesUpdatedAt"`
	LastModified     time.Time     `json:"lastModified" firestore:"lastModified"`
}

// Validate checks the record invariants. A book with an empty identifier,
// title, or file reference is never written to disk or to the remote store.
func (b *Book) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("book ID is required")
	}
	if b.Title == "" {
		return fmt.Errorf("book %s: title is required", b.ID)
	}
	if b.FilePath == "" {
		return fmt.Errorf("book %s: file path is required", b.ID)
	}
	if b.LastReadPosition < 0 {
		return fmt.Errorf("book %s: last read position must be >= 0, got %f", b.ID, b.LastReadPosition)
	}
	return nil
}

// Clone returns a deep copy. Components exchange clones so that no caller
// can mutate another component's cached state.
func (b *Book) Clone() *Book {
	if b == nil {
		return nil
	}
	out := *b
	out.Bookmarks = append([]Bookmark(nil), b.Bookmarks...)
	out.Highlights = append([]Highlight(nil), b.Highlights...)
	out.Notes = append([]Note(nil), b.Notes...)
	out.SessionNotes = append([]SessionNote(nil), b.SessionNotes...)
	if b.ReadingStats != nil {
		stats := *b.ReadingStats
		if b.ReadingStats.LastSessionAt != nil {
			t := *b.ReadingStats.LastSessionAt
			stats.LastSessionAt = &t
		}
		out.ReadingStats = &stats
	}
	if b.NotesUpdatedAt != nil {
		t := *b.NotesUpdatedAt
		out.NotesUpdatedAt = &t
	}
	return &out
}

// TransportKind classifies how the device is connected.
type TransportKind string

const (
	TransportWiFi     TransportKind = "wifi"
	TransportCellular TransportKind = "cellular"
	TransportWired    TransportKind = "wired"
	TransportUnknown  TransportKind = "unknown"
)

// ConnectivityState is the observable network state.
type ConnectivityState struct {
	Connected bool
	Transport TransportKind
}
