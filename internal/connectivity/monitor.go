// Package connectivity wraps network reachability into an observable
// boolean plus a coarse transport classification. The reconciler subscribes
// to transitions to trigger offline-queue replay.
package connectivity

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/OU4/bookreader-sub001/internal/domain"
)

// DefaultProbeAddr is the endpoint the default prober dials. Any reachable
// host works; the probe only needs to distinguish online from offline.
const DefaultProbeAddr = "dns.google:443"

// Prober reports whether the network is currently reachable.
type Prober func(ctx context.Context) bool

// DialProber probes reachability with a short TCP dial.
func DialProber(addr string) Prober {
	return func(ctx context.Context) bool {
		d := net.Dialer{Timeout: 3 * time.Second}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}

// Monitor polls a Prober and fans out state transitions to subscribers.
// Platform integrations that know the transport kind can push richer state
// through SetState instead of relying on the poll loop.
type Monitor struct {
	mu     sync.Mutex
	state  domain.ConnectivityState
	subs   map[int]chan domain.ConnectivityState
	nextID int

	probe    Prober
	interval time.Duration
	cancel   context.CancelFunc
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProber replaces the default dial probe.
func WithProber(p Prober) Option {
	return func(m *Monitor) { m.probe = p }
}

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// NewMonitor creates a monitor. It starts in the disconnected state until
// the first probe or SetState call.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		state:    domain.ConnectivityState{Connected: false, Transport: domain.TransportUnknown},
		subs:     make(map[int]chan domain.ConnectivityState),
		probe:    DialProber(DefaultProbeAddr),
		interval: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the poll loop. Stop or context cancellation ends it.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	interval := m.interval
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.runProbe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.runProbe(ctx)
			}
		}
	}()
}

// Stop ends the poll loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Monitor) runProbe(ctx context.Context) {
	connected := m.probe(ctx)
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if connected == state.Connected {
		return
	}
	// The dial probe cannot tell wifi from wired; keep whatever transport a
	// platform hook last reported while connected.
	next := domain.ConnectivityState{Connected: connected, Transport: state.Transport}
	if !connected {
		next.Transport = domain.TransportUnknown
	} else if next.Transport == "" {
		next.Transport = domain.TransportUnknown
	}
	m.SetState(next)
}

// Connected reports the current boolean signal.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Connected
}

// State returns the current connectivity state.
func (m *Monitor) State() domain.ConnectivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState records a state change and notifies subscribers on transitions.
func (m *Monitor) SetState(state domain.ConnectivityState) {
	m.mu.Lock()
	changed := state != m.state
	m.state = state
	var subs []chan domain.ConnectivityState
	if changed {
		subs = make([]chan domain.ConnectivityState, 0, len(m.subs))
		for _, ch := range m.subs {
			subs = append(subs, ch)
		}
	}
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- state:
		default:
			log.Printf("WARNING: dropped connectivity event, subscriber channel full")
		}
	}
}

// Subscribe registers a transition observer. The returned channel is
// buffered; slow consumers drop events rather than blocking the monitor.
func (m *Monitor) Subscribe() (int, <-chan domain.ConnectivityState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan domain.ConnectivityState, 4)
	m.subs[id] = ch
	return id, ch
}

// Unsubscribe removes an observer.
func (m *Monitor) Unsubscribe(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
}

// WaitForConnection resolves true immediately if connected, otherwise
// suspends until connectivity is established or the timeout elapses,
// whichever comes first. The race between the subscription and the timer
// resolves exactly once.
func (m *Monitor) WaitForConnection(ctx context.Context, timeout time.Duration) bool {
	if m.Connected() {
		return true
	}

	id, ch := m.Subscribe()
	defer m.Unsubscribe(id)

	// Re-check after subscribing so a transition between the first check
	// and the subscription is not missed.
	if m.Connected() {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case state := <-ch:
			if state.Connected {
				return true
			}
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
