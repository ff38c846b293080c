// Package netmon tracks backend connectivity for the interaction engine.
//
// A single process-wide Monitor mirrors the platform connectivity signal.
// Session views subscribe while mounted and typically trigger a transcript
// reconciliation when connectivity returns.
package netmon

import "sync"

// Listener receives connectivity transitions.
type Listener func(online bool)

// Monitor holds the current connectivity state and notifies subscribers on
// every transition, synchronously and in registration order.
type Monitor struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   []subscription
}

type subscription struct {
	id       int
	listener Listener
}

// NewMonitor creates a monitor that assumes connectivity until the signal
// source reports otherwise.
func NewMonitor() *Monitor {
	return &Monitor{online: true}
}

var (
	defaultOnce    sync.Once
	defaultMonitor *Monitor
)

// Default returns the process-wide monitor.
func Default() *Monitor {
	defaultOnce.Do(func() {
		defaultMonitor = NewMonitor()
	})
	return defaultMonitor
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity state and notifies subscribers when the
// state actually changed. Listeners run synchronously in registration order
// without the monitor lock held, so they may re-enter the monitor.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]Listener, 0, len(m.subs))
	for _, sub := range m.subs {
		listeners = append(listeners, sub.listener)
	}
	m.mu.Unlock()

	for _, listener := range listeners {
		listener(online)
	}
}

// Subscribe registers a transition listener and returns its unsubscribe
// function. Unsubscribing more than once is harmless.
func (m *Monitor) Subscribe(listener Listener) (unsubscribe func()) {
	if listener == nil {
		return func() {}
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscription{id: id, listener: listener})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.subs {
			if sub.id == id {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				return
			}
		}
	}
}
