package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OU4/bookreader-sub001/internal/domain"
	"github.com/OU4/bookreader-sub001/internal/errs"
)

func newTestStore(t *testing.T) (*Store, string, string) {
	t.Helper()
	dir := t.TempDir()
	booksDir := t.TempDir()
	s, err := NewStore(dir, booksDir)
	require.NoError(t, err)
	return s, dir, booksDir
}

func writePayload(t *testing.T, booksDir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(booksDir, name), []byte("payload"), 0644))
}

func testBook(id, file string) domain.Book {
	return domain.Book{
		ID:           id,
		Title:        "Title " + id,
		FilePath:     file,
		Type:         domain.ContentTypePDF,
		LastModified: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, _, booksDir := newTestStore(t)
	writePayload(t, booksDir, "a.pdf")
	writePayload(t, booksDir, "b.pdf")

	books := []domain.Book{testBook("a", "a.pdf"), testBook("b", "b.pdf")}
	require.NoError(t, s.Save(books))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, books, got)
}

func TestPayloadPathResolvesAgainstBooksDir(t *testing.T) {
	s, _, booksDir := newTestStore(t)
	b := testBook("a", "a.pdf")
	assert.Equal(t, filepath.Join(booksDir, "a.pdf"), s.PayloadPath(b))
}

func TestLoadMissingCatalogIsEmpty(t *testing.T) {
	s, _, _ := newTestStore(t)
	got, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSaveRejectsInvalidRecord(t *testing.T) {
	s, _, _ := newTestStore(t)
	err := s.Save([]domain.Book{{ID: "a"}}) // missing title and file path
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestSaveWritesRollingBackup(t *testing.T) {
	s, dir, booksDir := newTestStore(t)
	writePayload(t, booksDir, "a.pdf")

	require.NoError(t, s.Save([]domain.Book{testBook("a", "a.pdf")}))
	// first save: no prior primary, so no backup yet
	_, err := os.Stat(filepath.Join(dir, backupFileName))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, s.Save([]domain.Book{testBook("a", "a.pdf")}))
	_, err = os.Stat(filepath.Join(dir, backupFileName))
	assert.NoError(t, err)
}

func TestDanglingReferencesFilteredButNotDeleted(t *testing.T) {
	s, _, booksDir := newTestStore(t)
	writePayload(t, booksDir, "present.pdf")

	books := []domain.Book{testBook("kept", "present.pdf"), testBook("dangling", "missing.pdf")}
	require.NoError(t, s.Save(books))

	got, err := s.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].ID)

	// the record reappears once its payload file comes back
	writePayload(t, booksDir, "missing.pdf")
	got, err = s.Load()
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestInsertUpdateRemove(t *testing.T) {
	s, _, booksDir := newTestStore(t)
	writePayload(t, booksDir, "a.pdf")

	book := testBook("a", "a.pdf")
	require.NoError(t, s.Insert(book))

	err := s.Insert(book)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrValidation)

	book.Title = "Renamed"
	require.NoError(t, s.Update(book))
	got, err := s.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Renamed", got[0].Title)

	assert.Error(t, s.Update(testBook("nope", "a.pdf")))

	require.NoError(t, s.Remove("a"))
	got, err = s.Load()
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.Error(t, s.Remove("a"))
}

func TestLoadRecoversFromCorruptPrimary(t *testing.T) {
	s, dir, booksDir := newTestStore(t)
	writePayload(t, booksDir, "a.pdf")

	books := []domain.Book{testBook("a", "a.pdf")}
	require.NoError(t, s.Save(books))
	require.NoError(t, s.Save(books)) // second save creates the backup

	require.NoError(t, os.WriteFile(filepath.Join(dir, catalogFileName), []byte("{truncated"), 0644))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, books, got)

	report := s.CheckIntegrity()
	assert.True(t, report.MainValid)
}

func TestRepairIfNeeded(t *testing.T) {
	valid := `[{"id":"a","title":"T","filePath":"a.pdf","type":"pdf","lastReadPosition":0,"lastModified":"2026-03-01T12:00:00Z"}]`

	t.Run("both absent is an empty library", func(t *testing.T) {
		s, _, _ := newTestStore(t)
		repaired, err := s.RepairIfNeeded()
		require.NoError(t, err)
		assert.False(t, repaired)
	})

	t.Run("healthy is a no-op", func(t *testing.T) {
		s, dir, _ := newTestStore(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, catalogFileName), []byte(valid), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, backupFileName), []byte(valid), 0644))
		repaired, err := s.RepairIfNeeded()
		require.NoError(t, err)
		assert.False(t, repaired)
	})

	t.Run("invalid primary restored from backup", func(t *testing.T) {
		s, dir, _ := newTestStore(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, catalogFileName), []byte("garbage"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, backupFileName), []byte(valid), 0644))

		repaired, err := s.RepairIfNeeded()
		require.NoError(t, err)
		assert.True(t, repaired)

		report := s.CheckIntegrity()
		assert.True(t, report.MainValid)

		// idempotent: second run is a no-op
		repaired, err = s.RepairIfNeeded()
		require.NoError(t, err)
		assert.False(t, repaired)
	})

	t.Run("invalid backup regenerated from primary", func(t *testing.T) {
		s, dir, _ := newTestStore(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, catalogFileName), []byte(valid), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, backupFileName), []byte("garbage"), 0644))

		repaired, err := s.RepairIfNeeded()
		require.NoError(t, err)
		assert.True(t, repaired)

		report := s.CheckIntegrity()
		assert.True(t, report.BackupValid)
	})

	t.Run("both invalid surfaces backup unavailable", func(t *testing.T) {
		s, dir, _ := newTestStore(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, catalogFileName), []byte("garbage"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, backupFileName), []byte("also garbage"), 0644))

		_, err := s.RepairIfNeeded()
		require.Error(t, err)
		assert.ErrorIs(t, err, errs.ErrBackupUnavailable)
	})
}

func TestSnapshotsPruneToRetentionLimit(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, err := NewStore(dir, "", WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	require.NoError(t, err)

	require.NoError(t, s.Save([]domain.Book{testBook("a", "a.pdf")}))

	for i := 0; i < maxSnapshots+3; i++ {
		_, err := s.CreateTimestampedSnapshot()
		require.NoError(t, err)
	}

	names, err := s.snapshotNamesLocked()
	require.NoError(t, err)
	assert.Len(t, names, maxSnapshots)
}

func TestSnapshotsListingOrder(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, err := NewStore(dir, "", WithClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}))
	require.NoError(t, err)

	books := []domain.Book{testBook("a", "a.pdf")}
	require.NoError(t, s.Save(books))
	require.NoError(t, s.Save(books)) // create the rolling backup

	first, err := s.CreateTimestampedSnapshot()
	require.NoError(t, err)
	second, err := s.CreateTimestampedSnapshot()
	require.NoError(t, err)

	list, err := s.Snapshots()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.True(t, list[0].Primary)
	assert.Equal(t, second.Path, list[1].Path)
	assert.Equal(t, first.Path, list[2].Path)
}
