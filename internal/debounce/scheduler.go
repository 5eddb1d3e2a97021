// Package debounce provides a per-key debounce scheduler: rapid updates to
// the same key coalesce into one flush after a quiet period. The reconciler
// uses it to batch reading-position updates instead of writing the remote
// document on every page turn.
package debounce

import (
	"context"
	"sync"
	"time"
)

type entry[V any] struct {
	value    V
	deadline time.Time
}

// Scheduler coalesces updates per key and flushes entries whose deadline has
// passed. Flush callbacks run outside the scheduler lock.
type Scheduler[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]entry[V]

	delay time.Duration
	sweep time.Duration
	flush func(K, V)
	now   func() time.Time

	cancel context.CancelFunc
}

// Option configures a Scheduler.
type Option[K comparable, V any] func(*Scheduler[K, V])

// WithClock injects the time source.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(s *Scheduler[K, V]) { s.now = now }
}

// WithSweepInterval sets how often the background sweep runs.
func WithSweepInterval[K comparable, V any](d time.Duration) Option[K, V] {
	return func(s *Scheduler[K, V]) { s.sweep = d }
}

// New creates a scheduler. Each Set resets the key's deadline to now+delay;
// the background sweep flushes entries past their deadline.
func New[K comparable, V any](delay time.Duration, flush func(K, V), opts ...Option[K, V]) *Scheduler[K, V] {
	s := &Scheduler[K, V]{
		entries: make(map[K]entry[V]),
		delay:   delay,
		sweep:   delay / 2,
		flush:   flush,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweep <= 0 {
		s.sweep = 50 * time.Millisecond
	}
	return s
}

// Set records the latest value for key and pushes its deadline out.
func (s *Scheduler[K, V]) Set(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry[V]{value: value, deadline: s.now().Add(s.delay)}
}

// Pending reports how many keys await flushing.
func (s *Scheduler[K, V]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start launches the sweep loop until the context is cancelled.
func (s *Scheduler[K, V]) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	sweep := s.sweep
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.flushDue()
			}
		}
	}()
}

// Stop ends the sweep loop and flushes everything still pending.
func (s *Scheduler[K, V]) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.Flush()
}

// Flush forces all pending entries out immediately.
func (s *Scheduler[K, V]) Flush() {
	s.mu.Lock()
	due := make(map[K]V, len(s.entries))
	for k, e := range s.entries {
		due[k] = e.value
	}
	s.entries = make(map[K]entry[V])
	s.mu.Unlock()

	for k, v := range due {
		s.flush(k, v)
	}
}

// flushDue flushes only entries whose deadline has passed.
func (s *Scheduler[K, V]) flushDue() {
	now := s.now()
	s.mu.Lock()
	due := make(map[K]V)
	for k, e := range s.entries {
		if !e.deadline.After(now) {
			due[k] = e.value
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()

	for k, v := range due {
		s.flush(k, v)
	}
}
