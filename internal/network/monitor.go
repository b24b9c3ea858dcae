// Package network tracks connectivity for the offline coordinator.
//
// Two signals are combined: the platform's online/offline flag, which is
// cheap but optimistic, and a reachability probe against the sync server.
// A connection is stable only when both agree.
package network

import (
	"context"
	"sync"
	"time"

	"github.com/fieldops/fieldsync/internal/logging"
)

// Transition is published whenever the online or stable flag changes.
type Transition struct {
	Online bool      `json:"online"`
	Stable bool      `json:"stable"`
	At     time.Time `json:"at"`
}

const subscriberBuffer = 16

// Monitor holds the current connectivity state and notifies subscribers of
// changes. It never retries or syncs on its own.
type Monitor struct {
	probe        Probe
	probeTimeout time.Duration
	now          func() time.Time

	mu     sync.RWMutex
	online bool
	stable bool
	subs   map[int]chan Transition
	nextID int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProbeTimeout bounds each probe call.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.probeTimeout = d }
}

// WithClock overrides the transition timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a Monitor that starts offline. A nil probe treats the
// platform signal as authoritative.
func NewMonitor(probe Probe, opts ...Option) *Monitor {
	m := &Monitor{
		probe:        probe,
		probeTimeout: 5 * time.Second,
		now:          time.Now,
		subs:         make(map[int]chan Transition),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsOnline reports the last platform signal.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// IsStable reports whether the platform is online and the last probe
// succeeded.
func (m *Monitor) IsStable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stable
}

// State returns the current flags as a Transition snapshot.
func (m *Monitor) State() Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Transition{Online: m.online, Stable: m.stable, At: m.now()}
}

// SetPlatformOnline records the platform connectivity signal. Going online
// runs the probe; going offline clears stability immediately.
func (m *Monitor) SetPlatformOnline(ctx context.Context, online bool) {
	if !online {
		m.set(false, false)
		return
	}
	m.mu.Lock()
	wasOnline := m.online
	m.online = true
	m.mu.Unlock()
	if !wasOnline {
		m.publishCurrent()
	}
	m.Recheck(ctx)
}

// Recheck runs the probe when the platform reports online and updates
// stability. It returns the resulting stable flag.
func (m *Monitor) Recheck(ctx context.Context) bool {
	if !m.IsOnline() {
		return false
	}

	reachable := true
	if m.probe != nil {
		probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		err := m.probe.Check(probeCtx)
		cancel()
		if err != nil {
			reachable = false
			logging.Debug("Reachability probe failed", map[string]interface{}{"error": err.Error()})
		}
	}

	m.mu.Lock()
	// The platform may have gone offline while the probe ran.
	online := m.online
	m.mu.Unlock()
	m.set(online, online && reachable)
	return online && reachable
}

// Run feeds platform signals into the monitor until ctx is done or signals
// is closed.
func (m *Monitor) Run(ctx context.Context, signals <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-signals:
			if !ok {
				return
			}
			m.SetPlatformOnline(ctx, online)
		}
	}
}

// Subscribe returns a channel of transitions and a cancel func that
// unsubscribes and closes the channel. Slow subscribers miss transitions
// rather than blocking the monitor.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	ch := make(chan Transition, subscriberBuffer)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

func (m *Monitor) set(online, stable bool) {
	m.mu.Lock()
	changed := m.online != online || m.stable != stable
	m.online = online
	m.stable = stable
	m.mu.Unlock()

	if changed {
		logging.Info("Network state changed", map[string]interface{}{
			"online": online,
			"stable": stable,
		})
		m.publishCurrent()
	}
}

func (m *Monitor) publishCurrent() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := Transition{Online: m.online, Stable: m.stable, At: m.now()}
	for _, ch := range m.subs {
		select {
		case ch <- t:
		default:
		}
	}
}
