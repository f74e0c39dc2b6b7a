// Package netmon tracks connectivity as a single source of truth. The
// engine never probes the network itself: a host adapter (or the built-in
// probe loop) feeds transitions in, and reconnect triggers come out
// debounced so a flapping link produces one sync pass, not one per flap.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultDebounce is the coalescing window for reconnect triggers.
const DefaultDebounce = 2 * time.Second

// Pinger checks remote reachability. A nil error means online.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor holds current connectivity and notifies subscribers of
// transitions.
type Monitor struct {
	mu          sync.Mutex
	online      bool
	debounce    time.Duration
	timer       *time.Timer
	subscribers []func(online bool)
	onReconnect []func()
}

// New creates a Monitor with the given initial state.
func New(online bool, debounce time.Duration) *Monitor {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Monitor{online: online, debounce: debounce}
}

// Current returns the current connectivity state.
func (m *Monitor) Current() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a callback invoked on every online/offline
// transition. Callbacks run synchronously in transition order; keep them
// fast.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// OnReconnect registers a callback fired once per debounced offline→online
// transition. This is the orchestrator's pass trigger.
func (m *Monitor) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = append(m.onReconnect, fn)
}

// SetOnline records a connectivity transition. Repeated calls with the
// same state are no-ops. An online edge arms the debounce timer; if the
// link is still up when it fires, reconnect callbacks run exactly once.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), len(m.subscribers))
	copy(subs, m.subscribers)

	if online && m.timer == nil {
		m.timer = time.AfterFunc(m.debounce, m.fireReconnect)
	}
	m.mu.Unlock()

	slog.Debug("connectivity transition", "online", online)
	for _, fn := range subs {
		fn(online)
	}
}

// fireReconnect runs the coalesced reconnect trigger. A flap that ended
// offline swallows the trigger; the next online edge re-arms it.
func (m *Monitor) fireReconnect() {
	m.mu.Lock()
	m.timer = nil
	if !m.online {
		m.mu.Unlock()
		return
	}
	fns := make([]func(), len(m.onReconnect))
	copy(fns, m.onReconnect)
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// RunProbe polls the pinger on the given interval and feeds the result
// into the monitor until the context is cancelled. An immediate first
// probe runs before the ticker starts.
func (m *Monitor) RunProbe(ctx context.Context, pinger Pinger, interval time.Duration) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		m.SetOnline(pinger.Ping(probeCtx) == nil)
	}

	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}
