package debounce

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	flushes map[string][]float64
}

func newRecorder() *recorder {
	return &recorder{flushes: make(map[string][]float64)}
}

func (r *recorder) flush(key string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes[key] = append(r.flushes[key], value)
}

func (r *recorder) get(key string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.flushes[key]...)
}

func TestRapidUpdatesCoalesce(t *testing.T) {
	rec := newRecorder()
	s := New(time.Hour, rec.flush)

	s.Set("book", 0.1)
	s.Set("book", 0.2)
	s.Set("book", 0.3)
	assert.Equal(t, 1, s.Pending())

	s.Flush()
	assert.Equal(t, []float64{0.3}, rec.get("book"))
	assert.Equal(t, 0, s.Pending())
}

func TestKeysFlushIndependently(t *testing.T) {
	rec := newRecorder()
	s := New(time.Hour, rec.flush)

	s.Set("a", 0.5)
	s.Set("b", 0.9)
	s.Flush()

	assert.Equal(t, []float64{0.5}, rec.get("a"))
	assert.Equal(t, []float64{0.9}, rec.get("b"))
}

func TestSweepFlushesOnlyDueEntries(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	current := now
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	rec := newRecorder()
	s := New(time.Minute, rec.flush, WithClock[string, float64](clock))

	s.Set("early", 0.1)

	mu.Lock()
	current = now.Add(30 * time.Second)
	mu.Unlock()
	s.Set("late", 0.2)

	mu.Lock()
	current = now.Add(70 * time.Second)
	mu.Unlock()
	s.flushDue()

	assert.Equal(t, []float64{0.1}, rec.get("early"))
	assert.Empty(t, rec.get("late"))
	assert.Equal(t, 1, s.Pending())

	mu.Lock()
	current = now.Add(2 * time.Minute)
	mu.Unlock()
	s.flushDue()
	assert.Equal(t, []float64{0.2}, rec.get("late"))
}

func TestSetAfterFlushSchedulesAgain(t *testing.T) {
	rec := newRecorder()
	s := New(time.Hour, rec.flush)

	s.Set("book", 0.1)
	s.Flush()
	s.Set("book", 0.2)
	s.Flush()

	assert.Equal(t, []float64{0.1, 0.2}, rec.get("book"))
}

func TestStopFlushesPending(t *testing.T) {
	rec := newRecorder()
	s := New(time.Hour, rec.flush)
	s.Start(context.Background())

	s.Set("book", 0.7)
	s.Stop()

	require.Equal(t, []float64{0.7}, rec.get("book"))
}

func TestBackgroundSweep(t *testing.T) {
	rec := newRecorder()
	s := New(20*time.Millisecond, rec.flush, WithSweepInterval[string, float64](5*time.Millisecond))
	s.Start(context.Background())
	defer s.Stop()

	s.Set("book", 0.4)
	require.Eventually(t, func() bool {
		return len(rec.get("book")) == 1
	}, time.Second, 5*time.Millisecond)
}
