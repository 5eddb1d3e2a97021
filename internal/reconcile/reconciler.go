package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OU4/bookreader-sub001/internal/connectivity"
	"github.com/OU4/bookreader-sub001/internal/debounce"
	"github.com/OU4/bookreader-sub001/internal/domain"
	"github.com/OU4/bookreader-sub001/internal/errs"
	"github.com/OU4/bookreader-sub001/internal/ratelimit"
	"github.com/OU4/bookreader-sub001/internal/remote"
	"github.com/OU4/bookreader-sub001/internal/transfer"
)

const (
	defaultMaxAttempts   = 3
	defaultBackoffUnit   = time.Second
	defaultMaxJitter     = 2 * time.Second
	defaultProgressDelay = 2 * time.Second
)

// Reconciler applies catalog mutations to the remote store with
// last-writer-wins conflict resolution, queueing them while offline and
// replaying the queue when connectivity returns.
type Reconciler struct {
	store   remote.Store
	limiter *ratelimit.Limiter
	monitor *connectivity.Monitor
	userID  string

	pipeline *transfer.Pipeline

	mu        sync.Mutex
	queue     []PendingOp
	cache     map[string]*domain.Book
	observers []func()

	progress      *debounce.Scheduler[string, progressPayload]
	progressDelay time.Duration

	maxAttempts int
	backoffUnit time.Duration
	now         func() time.Time
	sleep       func(time.Duration)
	jitter      func() time.Duration
	diag        func(Diagnostic)

	subID   int
	connCh  <-chan domain.ConnectivityState
	cancel  context.CancelFunc
	stopped chan struct{}
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithTransferPipeline enables payload upload and download through the
// given pipeline.
func WithTransferPipeline(p *transfer.Pipeline) Option {
	return func(r *Reconciler) { r.pipeline = p }
}

// WithRetry overrides the per-operation retry budget and backoff unit.
func WithRetry(maxAttempts int, unit time.Duration) Option {
	return func(r *Reconciler) {
		r.maxAttempts = maxAttempts
		r.backoffUnit = unit
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithSleep overrides the backoff sleeper, for tests.
func WithSleep(sleep func(time.Duration)) Option {
	return func(r *Reconciler) { r.sleep = sleep }
}

// WithJitter overrides the randomized re-enqueue delay, for tests.
func WithJitter(jitter func() time.Duration) Option {
	return func(r *Reconciler) { r.jitter = jitter }
}

// WithDiagnostics registers a callback invoked whenever a queued op fails
// and is deferred.
func WithDiagnostics(fn func(Diagnostic)) Option {
	return func(r *Reconciler) { r.diag = fn }
}

// WithProgressDelay overrides the reading-progress debounce window.
func WithProgressDelay(d time.Duration) Option {
	return func(r *Reconciler) { r.progressDelay = d }
}

// New builds a Reconciler for userID backed by the given remote store.
func New(store remote.Store, limiter *ratelimit.Limiter, monitor *connectivity.Monitor, userID string, opts ...Option) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: remote store is required", errs.ErrValidation)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", errs.ErrValidation)
	}
	r := &Reconciler{
		store:         store,
		limiter:       limiter,
		monitor:       monitor,
		userID:        userID,
		cache:         make(map[string]*domain.Book),
		maxAttempts:   defaultMaxAttempts,
		backoffUnit:   defaultBackoffUnit,
		now:           time.Now,
		sleep:         time.Sleep,
		progressDelay: defaultProgressDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.jitter == nil {
		r.jitter = func() time.Duration { return rand.N(defaultMaxJitter) }
	}
	r.progress = debounce.New(r.progressDelay, r.flushProgress, debounce.WithClock[string, progressPayload](r.now))
	return r, nil
}

// AddBook pushes a new book record to the remote store.
func (r *Reconciler) AddBook(ctx context.Context, book *domain.Book) error {
	if err := book.Validate(); err != nil {
		return err
	}
	return r.submit(ctx, OpAddBook, book.ID, book)
}

// UpdateBook pushes changed book fields; conflicting concurrent edits are
// resolved record-wide by comparing modification timestamps, with list
// fields always unioned.
func (r *Reconciler) UpdateBook(ctx context.Context, book *domain.Book) error {
	if err := book.Validate(); err != nil {
		return err
	}
	return r.submit(ctx, OpUpdateBook, book.ID, book)
}

// DeleteBook removes the book record from the remote store.
func (r *Reconciler) DeleteBook(ctx context.Context, bookID string) error {
	return r.submit(ctx, OpDeleteBook, bookID, removePayload{TargetID: bookID})
}

// AddBookmark appends a bookmark to the remote record if its id is not
// already present.
func (r *Reconciler) AddBookmark(ctx context.Context, bookID string, bm domain.Bookmark) error {
	return r.submit(ctx, OpAddBookmark, bookID, bm)
}

// RemoveBookmark deletes a bookmark from the remote record by id.
func (r *Reconciler) RemoveBookmark(ctx context.Context, bookID, bookmarkID string) error {
	return r.submit(ctx, OpRemoveBookmark, bookID, removePayload{TargetID: bookmarkID})
}

// AddHighlight appends a highlight to the remote record if its id is not
// already present.
func (r *Reconciler) AddHighlight(ctx context.Context, bookID string, hl domain.Highlight) error {
	return r.submit(ctx, OpAddHighlight, bookID, hl)
}

// UpdateHighlight replaces a highlight by id, appending it when absent.
func (r *Reconciler) UpdateHighlight(ctx context.Context, bookID string, hl domain.Highlight) error {
	return r.submit(ctx, OpUpdateHighlight, bookID, hl)
}

// RemoveHighlight deletes a highlight from the remote record by id.
func (r *Reconciler) RemoveHighlight(ctx context.Context, bookID, highlightID string) error {
	return r.submit(ctx, OpRemoveHighlight, bookID, removePayload{TargetID: highlightID})
}

// UpdateReadingProgress schedules a debounced write of the reading
// position. Rapid successive calls for the same book collapse into one
// remote write carrying the latest position.
func (r *Reconciler) UpdateReadingProgress(bookID string, position float64) error {
	if position < 0 || position > 1 {
		return fmt.Errorf("%w: position %v out of range", errs.ErrValidation, position)
	}
	r.progress.Set(bookID, progressPayload{Position: position, At: r.now()})
	return nil
}

// UploadPayload uploads the book's file through the transfer pipeline and
// records the resulting storage location on the remote record. Uploads are
// not queueable; calling while offline fails.
func (r *Reconciler) UploadPayload(ctx context.Context, book *domain.Book, localPath string) (*transfer.UploadResult, error) {
	if r.pipeline == nil {
		return nil, fmt.Errorf("%w: no transfer pipeline configured", errs.ErrValidation)
	}
	if err := r.limiter.Check(ratelimit.CategoryUpload); err != nil {
		return nil, err
	}
	if r.monitor != nil && !r.monitor.Connected() {
		return nil, fmt.Errorf("%w: not connected", errs.ErrNetworkTransient)
	}
	res, err := r.pipeline.Upload(ctx, r.userID, *book, localPath)
	if err != nil {
		return nil, err
	}
	err = r.store.Merge(ctx, r.userID, book.ID, func(existing *domain.Book) (*domain.Book, error) {
		out := book.Clone()
		if existing != nil {
			out = domain.MergeBooks(book, existing)
		}
		out.StorageFileName = res.ObjectName
		out.StorageURL = res.URL
		out.LastModified = r.now()
		return out, nil
	})
	if err != nil {
		return nil, errs.Classify(err)
	}
	return res, nil
}

// Books returns a copy of the current remote snapshot cache.
func (r *Reconciler) Books() []*domain.Book {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Book, 0, len(r.cache))
	for _, b := range r.cache {
		out = append(out, b.Clone())
	}
	return out
}

// OnChange registers a callback invoked after each remote snapshot push.
func (r *Reconciler) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// PendingCount reports the number of queued offline operations.
func (r *Reconciler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Start begins the remote subscription, the progress flush loop, and the
// connectivity watcher that drains the offline queue on reconnect.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.stopped = make(chan struct{})

	if err := r.store.Subscribe(ctx, r.userID, r.applySnapshot, func(err error) {
		log.Printf("ERROR: remote subscription: %v", err)
	}); err != nil {
		log.Printf("ERROR: start remote subscription: %v", err)
	}
	r.progress.Start(ctx)

	if r.monitor != nil {
		r.subID, r.connCh = r.monitor.Subscribe()
	}
	go r.watch(ctx)
}

// Stop halts background work and flushes any pending progress writes.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.connCh != nil && r.monitor != nil {
		r.monitor.Unsubscribe(r.subID)
	}
	r.progress.Stop()
	if r.stopped != nil {
		<-r.stopped
	}
}

func (r *Reconciler) watch(ctx context.Context) {
	defer close(r.stopped)
	if r.connCh == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case state := <-r.connCh:
			if state.Connected {
				r.DrainQueue(ctx)
			}
		}
	}
}

// submit gates a mutation on the rate limiter, then either queues it
// (offline) or executes it with retries (online).
func (r *Reconciler) submit(ctx context.Context, kind OpKind, bookID string, payload any) error {
	if err := r.limiter.Check(categoryFor(kind)); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode %s payload: %v", errs.ErrValidation, kind, err)
	}
	op := PendingOp{
		ID:         uuid.New().String(),
		Kind:       kind,
		BookID:     bookID,
		Payload:    data,
		EnqueuedAt: r.now(),
	}
	if r.monitor != nil && !r.monitor.Connected() {
		r.enqueue(op)
		log.Printf("INFO: queued %s for book %s while offline", kind, bookID)
		return nil
	}
	return r.executeWithRetry(ctx, op)
}

func (r *Reconciler) enqueue(op PendingOp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, op)
}

// DrainQueue replays queued operations in insertion order. An op that
// still fails after its retry budget is re-enqueued at the tail with a
// fresh timestamp after a randomized delay; nothing is ever dropped.
func (r *Reconciler) DrainQueue(ctx context.Context) {
	r.mu.Lock()
	ops := r.queue
	r.queue = nil
	r.mu.Unlock()
	if len(ops) == 0 {
		return
	}
	log.Printf("INFO: draining %d queued operations", len(ops))

	for i, op := range ops {
		if ctx.Err() != nil || (r.monitor != nil && !r.monitor.Connected()) {
			// connection dropped mid-drain: put the remainder back in order
			r.mu.Lock()
			r.queue = append(ops[i:], r.queue...)
			r.mu.Unlock()
			return
		}
		err := r.executeWithRetry(ctx, op)
		if err == nil {
			continue
		}
		r.sleep(r.jitter())
		op.EnqueuedAt = r.now()
		r.enqueue(op)
		r.report(Diagnostic{Op: op, Err: err, Deferred: true})
		log.Printf("WARNING: deferred queued %s for book %s: %v", op.Kind, op.BookID, err)
	}
}

func (r *Reconciler) report(d Diagnostic) {
	if r.diag != nil {
		r.diag(d)
	}
}

// executeWithRetry runs the op, retrying transient failures with
// exponential backoff. Fatal errors return immediately; a transactional
// merge that cannot be applied within the budget reports a conflict
// resolution failure.
func (r *Reconciler) executeWithRetry(ctx context.Context, op PendingOp) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := r.execute(ctx, op)
		if err == nil {
			return nil
		}
		err = errs.Classify(err)
		if errs.IsFatal(err) {
			return err
		}
		if !errs.IsRetryable(err) {
			return err
		}
		lastErr = err
		if attempt < r.maxAttempts {
			delay := r.backoffUnit << (attempt - 1)
			log.Printf("WARNING: %s for book %s failed (attempt %d/%d), retrying in %v: %v",
				op.Kind, op.BookID, attempt, r.maxAttempts, delay, err)
			r.sleep(delay)
		}
	}
	return fmt.Errorf("%w: %s for book %s: %v", errs.ErrConflictResolution, op.Kind, op.BookID, lastErr)
}

func (r *Reconciler) execute(ctx context.Context, op PendingOp) error {
	if op.Kind == OpDeleteBook {
		return r.store.Delete(ctx, r.userID, op.BookID)
	}
	fn, err := r.mergeFunc(op)
	if err != nil {
		return err
	}
	return r.store.Merge(ctx, r.userID, op.BookID, fn)
}

// mergeFunc decodes the op payload into the transactional merge that
// applies it against the current remote record.
func (r *Reconciler) mergeFunc(op PendingOp) (remote.MergeFunc, error) {
	switch op.Kind {
	case OpAddBook, OpUpdateBook:
		var book domain.Book
		if err := json.Unmarshal(op.Payload, &book); err != nil {
			return nil, fmt.Errorf("%w: decode %s payload: %v", errs.ErrValidation, op.Kind, err)
		}
		return func(existing *domain.Book) (*domain.Book, error) {
			if existing == nil {
				out := book.Clone()
				out.LastModified = r.now()
				return out, nil
			}
			out := domain.MergeBooks(&book, existing)
			if !existing.LastModified.After(book.LastModified) {
				// local record won: stamp the write time
				out.LastModified = r.now()
			}
			return out, nil
		}, nil

	case OpAddBookmark:
		var bm domain.Bookmark
		if err := json.Unmarshal(op.Payload, &bm); err != nil {
			return nil, fmt.Errorf("%w: decode bookmark: %v", errs.ErrValidation, err)
		}
		return r.listMerge(op, func(b *domain.Book) {
			for _, have := range b.Bookmarks {
				if have.ID == bm.ID {
					return
				}
			}
			b.Bookmarks = append(b.Bookmarks, bm)
		}), nil

	case OpRemoveBookmark:
		target, err := decodeRemove(op.Payload)
		if err != nil {
			return nil, err
		}
		return r.listMerge(op, func(b *domain.Book) {
			kept := b.Bookmarks[:0]
			for _, have := range b.Bookmarks {
				if have.ID != target {
					kept = append(kept, have)
				}
			}
			b.Bookmarks = kept
		}), nil

	case OpAddHighlight, OpUpdateHighlight:
		var hl domain.Highlight
		if err := json.Unmarshal(op.Payload, &hl); err != nil {
			return nil, fmt.Errorf("%w: decode highlight: %v", errs.ErrValidation, err)
		}
		replace := op.Kind == OpUpdateHighlight
		return r.listMerge(op, func(b *domain.Book) {
			for i, have := range b.Highlights {
				if have.ID == hl.ID {
					if replace {
						b.Highlights[i] = hl
					}
					return
				}
			}
			b.Highlights = append(b.Highlights, hl)
		}), nil

	case OpRemoveHighlight:
		target, err := decodeRemove(op.Payload)
		if err != nil {
			return nil, err
		}
		return r.listMerge(op, func(b *domain.Book) {
			kept := b.Highlights[:0]
			for _, have := range b.Highlights {
				if have.ID != target {
					kept = append(kept, have)
				}
			}
			b.Highlights = kept
		}), nil

	case OpUpdateProgress:
		var p progressPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: decode progress: %v", errs.ErrValidation, err)
		}
		return func(existing *domain.Book) (*domain.Book, error) {
			if existing == nil {
				return nil, fmt.Errorf("%w: book %s not found remotely", errs.ErrValidation, op.BookID)
			}
			if existing.LastModified.After(p.At) {
				// a newer write already landed; keep it
				return nil, nil
			}
			out := existing.Clone()
			out.LastReadPosition = p.Position
			out.LastModified = r.now()
			return out, nil
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown op kind %q", errs.ErrValidation, op.Kind)
	}
}

// listMerge wraps a list mutation that requires the remote record to exist.
// List edits do not advance the record timestamp, so they never steal a
// later scalar conflict.
func (r *Reconciler) listMerge(op PendingOp, apply func(*domain.Book)) remote.MergeFunc {
	return func(existing *domain.Book) (*domain.Book, error) {
		if existing == nil {
			return nil, fmt.Errorf("%w: book %s not found remotely", errs.ErrValidation, op.BookID)
		}
		out := existing.Clone()
		apply(out)
		return out, nil
	}
}

func decodeRemove(payload []byte) (string, error) {
	var p removePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("%w: decode remove payload: %v", errs.ErrValidation, err)
	}
	return p.TargetID, nil
}

// flushProgress is the debounce callback that pushes the latest position
// for a book. It has no caller to report to, so failures go through
// diagnostics only.
func (r *Reconciler) flushProgress(bookID string, p progressPayload) {
	data, _ := json.Marshal(p)
	op := PendingOp{
		ID:         uuid.New().String(),
		Kind:       OpUpdateProgress,
		BookID:     bookID,
		Payload:    data,
		EnqueuedAt: r.now(),
	}
	if err := r.limiter.Check(categoryFor(op.Kind)); err != nil {
		// keep the position; the rescheduled flush lands once the
		// window has room again
		r.report(Diagnostic{Op: op, Err: err, Deferred: true})
		r.progress.Set(bookID, p)
		return
	}
	if r.monitor != nil && !r.monitor.Connected() {
		r.enqueue(op)
		return
	}
	if err := r.executeWithRetry(context.Background(), op); err != nil {
		r.report(Diagnostic{Op: op, Err: err})
		log.Printf("ERROR: progress write for book %s: %v", bookID, err)
	}
}

// applySnapshot replaces the local cache with a remote snapshot push and
// notifies observers.
func (r *Reconciler) applySnapshot(books []*domain.Book) {
	r.mu.Lock()
	r.cache = make(map[string]*domain.Book, len(books))
	for _, b := range books {
		r.cache[b.ID] = b.Clone()
	}
	observers := make([]func(), len(r.observers))
	copy(observers, r.observers)
	r.mu.Unlock()

	for _, fn := range observers {
		fn()
	}
}
