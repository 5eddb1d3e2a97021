package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OU4/bookreader-sub001/internal/errs"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(limits map[Category]Limit) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(limits, WithClock(clock.now)), clock
}

func TestCheckAdmitsUpToCeiling(t *testing.T) {
	l, _ := newTestLimiter(map[Category]Limit{
		CategoryUpload: {Max: 5, Window: time.Minute},
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Check(CategoryUpload), "request %d should be admitted", i+1)
	}

	err := l.Check(CategoryUpload)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrRateLimited)
}

func TestRejectionHasNoSideEffects(t *testing.T) {
	l, clock := newTestLimiter(map[Category]Limit{
		CategoryUpload: {Max: 2, Window: time.Minute},
	})

	require.NoError(t, l.Check(CategoryUpload))
	require.NoError(t, l.Check(CategoryUpload))
	require.Error(t, l.Check(CategoryUpload))
	require.Error(t, l.Check(CategoryUpload))

	// only the two admitted requests occupy the window, so both slots free
	// up exactly one window after they were admitted
	clock.advance(time.Minute + time.Second)
	assert.NoError(t, l.Check(CategoryUpload))
}

func TestWindowSlides(t *testing.T) {
	l, clock := newTestLimiter(map[Category]Limit{
		CategoryBookUpdate: {Max: 2, Window: time.Minute},
	})

	require.NoError(t, l.Check(CategoryBookUpdate))
	clock.advance(40 * time.Second)
	require.NoError(t, l.Check(CategoryBookUpdate))
	require.Error(t, l.Check(CategoryBookUpdate))

	// the first timestamp ages out, the second is still inside the window
	clock.advance(30 * time.Second)
	require.NoError(t, l.Check(CategoryBookUpdate))
	assert.Error(t, l.Check(CategoryBookUpdate))
}

func TestCategoriesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(map[Category]Limit{
		CategoryUpload:    {Max: 1, Window: time.Minute},
		CategoryHighlight: {Max: 1, Window: time.Minute},
	})

	require.NoError(t, l.Check(CategoryUpload))
	require.Error(t, l.Check(CategoryUpload))
	assert.NoError(t, l.Check(CategoryHighlight))
}

func TestUnknownCategoryFallsBackToDefault(t *testing.T) {
	l, _ := newTestLimiter(map[Category]Limit{
		CategoryDefault: {Max: 1, Window: time.Minute},
	})

	require.NoError(t, l.Check(Category("something-new")))
	assert.Error(t, l.Check(Category("something-new")))
}

func TestRemaining(t *testing.T) {
	l, clock := newTestLimiter(map[Category]Limit{
		CategoryUpload: {Max: 3, Window: time.Minute},
	})

	assert.Equal(t, 3, l.Remaining(CategoryUpload))
	require.NoError(t, l.Check(CategoryUpload))
	assert.Equal(t, 2, l.Remaining(CategoryUpload))

	clock.advance(2 * time.Minute)
	assert.Equal(t, 3, l.Remaining(CategoryUpload))
}
