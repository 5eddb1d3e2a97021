// Package ratelimit provides sliding-window admission control keyed by
// operation category. Every outbound remote call is gated through one
// shared Limiter.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/OU4/bookreader-sub001/internal/errs"
)

// Category names an operation class with its own window and ceiling.
type Category string

const (
	CategoryUpload     Category = "upload"
	CategoryBookUpdate Category = "book-update"
	CategoryHighlight  Category = "highlight-op"
	CategoryDefault    Category = "default"
)

// Limit is the ceiling for one category within its window.
type Limit struct {
	Max    int
	Window time.Duration
}

// DefaultLimits returns the static per-60-second table.
func DefaultLimits() map[Category]Limit {
	return map[Category]Limit{
		CategoryUpload:     {Max: 5, Window: time.Minute},
		CategoryBookUpdate: {Max: 20, Window: time.Minute},
		CategoryHighlight:  {Max: 30, Window: time.Minute},
		CategoryDefault:    {Max: 100, Window: time.Minute},
	}
}

// Limiter tracks recent request timestamps per category. All access funnels
// through a single mutex so concurrent callers never lose updates.
type Limiter struct {
	mu      sync.Mutex
	limits  map[Category]Limit
	windows map[Category][]time.Time
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter with the given table. Categories missing from the
// table fall back to the default category's limit.
func New(limits map[Category]Limit, opts ...Option) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	l := &Limiter{
		limits:  limits,
		windows: make(map[Category][]time.Time),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) limitFor(cat Category) Limit {
	if lim, ok := l.limits[cat]; ok {
		return lim
	}
	if lim, ok := l.limits[CategoryDefault]; ok {
		return lim
	}
	return Limit{Max: 100, Window: time.Minute}
}

// Check prunes timestamps older than the category's window and admits the
// request if the remaining count is below the ceiling, recording a new
// timestamp. A rejection has no side effects and returns ErrRateLimited.
func (l *Limiter) Check(cat Category) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.limitFor(cat)
	now := l.now()
	cutoff := now.Add(-limit.Window)

	window := l.windows[cat]
	pruned := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= limit.Max {
		l.windows[cat] = pruned
		return fmt.Errorf("%w: category %s at %d/%d per %s",
			errs.ErrRateLimited, cat, len(pruned), limit.Max, limit.Window)
	}

	l.windows[cat] = append(pruned, now)
	return nil
}

// Remaining reports how many requests the category can still admit in the
// current window, without side effects.
func (l *Limiter) Remaining(cat Category) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.limitFor(cat)
	cutoff := l.now().Add(-limit.Window)
	count := 0
	for _, ts := range l.windows[cat] {
		if ts.After(cutoff) {
			count++
		}
	}
	if count >= limit.Max {
		return 0
	}
	return limit.Max - count
}
