// Package catalog implements the on-device source of truth for book
// metadata: a JSON catalog file with an atomic write protocol, a rolling
// "last known good" backup, timestamped snapshots, and integrity repair.
//
// The store exclusively owns the catalog file and its backups. All file
// access is serialized behind a single mutex; other components only ever
// receive record copies.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/OU4/bookreader-sub001/internal/domain"
	"github.com/OU4/bookreader-sub001/internal/errs"
)

const (
	catalogFileName = "books.json"
	backupFileName  = "books_backup.json"
	snapshotPrefix  = "books_backup_"
	snapshotSuffix  = ".json"

	// maxSnapshots is how many timestamped snapshots are retained; the
	// oldest is pruned first.
	maxSnapshots = 5
)

// Write-protocol errors. All wrap the package-level taxonomy so callers can
// branch with errors.Is.
var (
	// ErrEmptyData guards against a silent encoding failure: serialization
	// produced zero bytes for a non-empty record set.
	ErrEmptyData = fmt.Errorf("%w: serialized catalog is empty", errs.ErrValidation)

	// ErrValidationFailed means the temp file written in the atomic write
	// protocol did not deserialize back to valid records. The primary file
	// is untouched.
	ErrValidationFailed = fmt.Errorf("%w: temp file failed validation", errs.ErrValidation)

	// ErrFinalValidationFailed means the primary file failed validation
	// after the atomic swap; it was restored from the rolling backup.
	ErrFinalValidationFailed = fmt.Errorf("%w: primary file failed post-swap validation", errs.ErrCorruption)
)

// Integrity reports the on-disk health of the catalog and its rolling
// backup.
type Integrity struct {
	MainExists   bool
	MainValid    bool
	BackupExists bool
	BackupValid  bool
}

// Healthy reports whether no repair action is needed.
func (i Integrity) Healthy() bool {
	return (i.MainValid && i.BackupValid) || (!i.MainExists && !i.BackupExists)
}

// BackupDescriptor references a point-in-time copy of the catalog file.
type BackupDescriptor struct {
	Path    string
	Size    int64
	ModTime time.Time
	// Primary marks the rolling backup, overwritten on every successful
	// write, as opposed to a timestamped snapshot.
	Primary bool
}

// Store owns the catalog file and its backups under a single directory.
type Store struct {
	mu  sync.Mutex
	dir string
	// booksDir is where the payload files referenced by FilePath live.
	booksDir string
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the time source used for snapshot names.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a catalog store rooted at dir. Payload files referenced
// by records are resolved against booksDir.
func NewStore(dir, booksDir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("catalog directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}
	s := &Store{
		dir:      dir,
		booksDir: booksDir,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) catalogPath() string { return filepath.Join(s.dir, catalogFileName) }
func (s *Store) backupPath() string  { return filepath.Join(s.dir, backupFileName) }

// PayloadPath resolves a record's payload filename against the books
// directory. FilePath never holds an absolute path.
func (s *Store) PayloadPath(book domain.Book) string {
	return filepath.Join(s.booksDir, book.FilePath)
}

// Load returns the current catalog. Records whose referenced payload file is
// missing on disk are filtered out of the result but not deleted from the
// serialized file; a dangling reference is not an error by itself.
func (s *Store) Load() ([]domain.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	books, err := s.loadAll()
	if err != nil {
		// Try to recover from the rolling backup before surfacing.
		if _, repairErr := s.repairLocked(); repairErr != nil {
			return nil, repairErr
		}
		books, err = s.loadAll()
		if err != nil {
			return nil, err
		}
	}

	out := make([]domain.Book, 0, len(books))
	for _, b := range books {
		if s.booksDir != "" {
			if _, statErr := os.Stat(filepath.Join(s.booksDir, b.FilePath)); statErr != nil {
				continue
			}
		}
		out = append(out, *b.Clone())
	}
	return out, nil
}

// loadAll reads the raw catalog file without dangling-reference filtering.
// Mutating operations use it so that a record is never silently deleted
// just because its payload file is temporarily missing.
func (s *Store) loadAll() ([]domain.Book, error) {
	data, err := os.ReadFile(s.catalogPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	books, err := decodeAndValidate(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCorruption, err)
	}
	return books, nil
}

// Save atomically replaces the catalog with the given record set.
//
// Protocol: serialize, copy the current primary to the rolling backup, write
// a temp file beside the primary, validate the temp file's contents, swap it
// into place atomically, then re-validate the primary. A crash before the
// swap leaves the prior primary intact; a crash after leaves a verified file
// in place; the rolling backup covers the rare case where the swap itself
// corrupts the file.
func (s *Store) Save(books []domain.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(books)
}

func (s *Store) saveLocked(books []domain.Book) error {
	for i := range books {
		if err := books[i].Validate(); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrValidation, err)
		}
	}

	data, err := json.MarshalIndent(books, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize catalog: %w", err)
	}
	if len(books) > 0 && len(data) == 0 {
		return ErrEmptyData
	}

	// Roll the current primary into the "last known good" backup before
	// touching anything.
	if _, err := os.Stat(s.catalogPath()); err == nil {
		if err := copyFile(s.catalogPath(), s.backupPath()); err != nil {
			return fmt.Errorf("failed to write rolling backup: %w", err)
		}
	}

	tempPath := s.catalogPath() + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	// Read the temp file back and validate it before the swap. On failure
	// the primary is untouched.
	written, err := os.ReadFile(tempPath)
	if err == nil {
		_, err = decodeAndValidate(written)
	}
	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	if err := atomic.ReplaceFile(tempPath, s.catalogPath()); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace catalog file: %w", err)
	}

	// Post-swap re-validation. If the swap corrupted the file, restore the
	// backup made above.
	final, err := os.ReadFile(s.catalogPath())
	if err == nil {
		_, err = decodeAndValidate(final)
	}
	if err != nil {
		if restoreErr := copyFile(s.backupPath(), s.catalogPath()); restoreErr != nil {
			return fmt.Errorf("%w: restore also failed: %v", ErrFinalValidationFailed, restoreErr)
		}
		return fmt.Errorf("%w: %v", ErrFinalValidationFailed, err)
	}

	return nil
}

// Insert adds a new record. Inserting an id that already exists is an error.
func (s *Store) Insert(book domain.Book) error {
	if err := book.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	books, err := s.loadAll()
	if err != nil {
		return err
	}
	for i := range books {
		if books[i].ID == book.ID {
			return fmt.Errorf("%w: book %s already exists", errs.ErrValidation, book.ID)
		}
	}
	return s.saveLocked(append(books, book))
}

// Update replaces the record with the same id.
func (s *Store) Update(book domain.Book) error {
	if err := book.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	books, err := s.loadAll()
	if err != nil {
		return err
	}
	for i := range books {
		if books[i].ID == book.ID {
			books[i] = book
			return s.saveLocked(books)
		}
	}
	return fmt.Errorf("book %s not found", book.ID)
}

// Remove deletes the record with the given id.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	books, err := s.loadAll()
	if err != nil {
		return err
	}
	for i := range books {
		if books[i].ID == id {
			return s.saveLocked(append(books[:i:i], books[i+1:]...))
		}
	}
	return fmt.Errorf("book %s not found", id)
}

// RemoveAll empties the catalog.
func (s *Store) RemoveAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(nil)
}

// CheckIntegrity inspects the primary file and the rolling backup.
func (s *Store) CheckIntegrity() Integrity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkLocked()
}

func (s *Store) checkLocked() Integrity {
	var report Integrity
	report.MainExists, report.MainValid = fileValid(s.catalogPath())
	report.BackupExists, report.BackupValid = fileValid(s.backupPath())
	return report
}

// RepairIfNeeded applies the repair policy and reports whether a repair was
// performed. It is idempotent: a second run after a successful repair is a
// no-op.
//
//	main valid, backup valid   -> healthy, no action
//	main valid, backup invalid -> regenerate backup from main
//	main invalid, backup valid -> restore main from backup
//	both invalid               -> ErrBackupUnavailable, nothing to restore
//
// A completely absent catalog (no main, no backup) is an empty library, not
// corruption.
func (s *Store) RepairIfNeeded() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repairLocked()
}

func (s *Store) repairLocked() (bool, error) {
	report := s.checkLocked()
	mainOK := report.MainExists && report.MainValid
	backupOK := report.BackupExists && report.BackupValid

	switch {
	case mainOK && backupOK:
		return false, nil
	case mainOK:
		if err := copyFile(s.catalogPath(), s.backupPath()); err != nil {
			return false, fmt.Errorf("failed to regenerate backup: %w", err)
		}
		return true, nil
	case backupOK:
		if err := copyFile(s.backupPath(), s.catalogPath()); err != nil {
			return false, fmt.Errorf("failed to restore from backup: %w", err)
		}
		return true, nil
	case !report.MainExists && !report.BackupExists:
		return false, nil
	default:
		return false, fmt.Errorf("%w: both catalog and backup are invalid", errs.ErrBackupUnavailable)
	}
}

// StartIntegrityLoop runs RepairIfNeeded on the given interval until the
// context is cancelled. Repair failures are logged; a fatal
// ErrBackupUnavailable keeps being reported each cycle so it is never
// silently swallowed.
func (s *Store) StartIntegrityLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				repaired, err := s.RepairIfNeeded()
				if err != nil {
					log.Printf("ERROR: catalog integrity check failed: %v", err)
					continue
				}
				if repaired {
					log.Printf("INFO: catalog repaired during periodic integrity check")
				}
			}
		}
	}()
}

// CreateTimestampedSnapshot copies the current catalog to a timestamped
// file, independent of the rolling backup, then prunes old snapshots.
func (s *Store) CreateTimestampedSnapshot() (BackupDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.catalogPath()); err != nil {
		return BackupDescriptor{}, fmt.Errorf("no catalog file to snapshot: %w", err)
	}

	stamp := strings.ReplaceAll(s.now().UTC().Format(time.RFC3339), ":", "-")
	path := filepath.Join(s.dir, snapshotPrefix+stamp+snapshotSuffix)
	if err := copyFile(s.catalogPath(), path); err != nil {
		return BackupDescriptor{}, fmt.Errorf("failed to write snapshot: %w", err)
	}

	if err := s.pruneSnapshotsLocked(); err != nil {
		return BackupDescriptor{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return BackupDescriptor{}, err
	}
	return BackupDescriptor{Path: path, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Snapshots lists the rolling backup (if present) followed by all
// timestamped snapshots, newest first.
func (s *Store) Snapshots() ([]BackupDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []BackupDescriptor
	if info, err := os.Stat(s.backupPath()); err == nil {
		out = append(out, BackupDescriptor{
			Path:    s.backupPath(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Primary: true,
		})
	}

	names, err := s.snapshotNamesLocked()
	if err != nil {
		return nil, err
	}
	// Snapshot names embed an RFC 3339 timestamp, so lexical order is
	// chronological.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		out = append(out, BackupDescriptor{Path: path, Size: info.Size(), ModTime: info.ModTime()})
	}
	return out, nil
}

// PruneSnapshots deletes the oldest timestamped snapshots beyond the
// retention limit.
func (s *Store) PruneSnapshots() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneSnapshotsLocked()
}

func (s *Store) pruneSnapshotsLocked() error {
	names, err := s.snapshotNamesLocked()
	if err != nil {
		return err
	}
	if len(names) <= maxSnapshots {
		return nil
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-maxSnapshots] {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to prune snapshot %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) snapshotNamesLocked() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(name, snapshotPrefix) && strings.HasSuffix(name, snapshotSuffix) {
			names = append(names, name)
		}
	}
	return names, nil
}

// decodeAndValidate parses catalog bytes and checks every record's
// invariants.
func decodeAndValidate(data []byte) ([]domain.Book, error) {
	var books []domain.Book
	if err := json.Unmarshal(data, &books); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	for i := range books {
		if err := books[i].Validate(); err != nil {
			return nil, err
		}
	}
	return books, nil
}

// fileValid reports whether the file exists and holds a valid catalog.
func fileValid(path string) (exists, valid bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, false
	}
	if _, err := decodeAndValidate(data); err != nil {
		return true, false
	}
	return true, true
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, in); err != nil {
		return err
	}
	return atomic.WriteFile(dst, &buf)
}
