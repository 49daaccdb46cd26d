// Package connectivity tracks whether the remote store is reachable and
// delivers "sync now" requests to whoever is listening.
package connectivity

import (
	"sync"
	"time"
)

type EventKind int

const (
	WentOnline EventKind = iota + 1
	WentOffline
	SyncRequested
)

func (k EventKind) String() string {
	switch k {
	case WentOnline:
		return "online"
	case WentOffline:
		return "offline"
	case SyncRequested:
		return "sync_requested"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind EventKind
	At   time.Time
}

// Monitor holds the current online state. Listeners run synchronously on the
// goroutine that caused the event, in subscription order.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]func(Event)
	order     []int
	now       func() time.Time
}

func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online:    online,
		listeners: map[int]func(Event){},
		now:       time.Now,
	}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records the observed state and reports whether it changed.
// Listeners hear about real transitions only.
func (m *Monitor) SetOnline(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	listeners := m.snapshotLocked()
	m.mu.Unlock()

	kind := WentOffline
	if online {
		kind = WentOnline
	}
	m.emit(listeners, kind)
	return true
}

// RequestSync forwards an external sync request. It is delivered whether or
// not the monitor is online; listeners decide what to do with it.
func (m *Monitor) RequestSync() {
	m.mu.Lock()
	listeners := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(listeners, SyncRequested)
}

// Subscribe registers fn and returns a function that removes it.
func (m *Monitor) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	m.order = append(m.order, id)
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.listeners, id)
			for i, existing := range m.order {
				if existing == id {
					m.order = append(m.order[:i], m.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (m *Monitor) snapshotLocked() []func(Event) {
	out := make([]func(Event), 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.listeners[id])
	}
	return out
}

func (m *Monitor) emit(listeners []func(Event), kind EventKind) {
	ev := Event{Kind: kind, At: m.now()}
	for _, fn := range listeners {
		fn(ev)
	}
}
