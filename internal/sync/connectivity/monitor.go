package connectivity

import (
	"sync"
	"time"

	"github.com/kimhsiao/studysync/backend/internal/logging"
)

// Transition is a change between offline and online.
type Transition struct {
	Online bool
	At     time.Time
}

// Reconnected reports whether the transition is offline→online.
func (t Transition) Reconnected() bool {
	return t.Online
}

// Monitor follows a Source and fans out real transitions to listeners.
// Repeated reports of the same state are dropped.
type Monitor struct {
	source Source

	mu        sync.RWMutex
	online    bool
	listeners map[int]chan Transition
	nextID    int

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewMonitor starts following source.
func NewMonitor(source Source) *Monitor {
	m := &Monitor{
		source:    source,
		listeners: make(map[int]chan Transition),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	// Subscribe before reading the state so no change is missed in between.
	updates, cancel := source.Subscribe()
	m.online = source.Online()
	go m.run(updates, cancel)
	return m
}

func (m *Monitor) run(updates <-chan bool, cancel func()) {
	defer close(m.done)
	defer cancel()

	for {
		select {
		case <-m.stop:
			return
		case online, ok := <-updates:
			if !ok {
				return
			}
			m.observe(online)
		}
	}
}

func (m *Monitor) observe(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if online == m.online {
		return
	}
	m.online = online
	t := Transition{Online: online, At: time.Now()}

	logging.Info("Connectivity changed", map[string]interface{}{
		"was_online": !online,
		"is_online":  online,
	})

	for _, ch := range m.listeners {
		deliver(ch, t)
	}
}

// deliver sends t without blocking. When ch is full the oldest buffered
// transition is discarded, so a slow listener always receives the latest
// state. Callers hold m.mu, which keeps ch open.
func deliver(ch chan Transition, t Transition) {
	for {
		select {
		case ch <- t:
			return
		default:
		}
		select {
		case old := <-ch:
			logging.Debug("Discarding stale connectivity transition for slow listener", map[string]interface{}{
				"is_online": old.Online,
			})
		default:
		}
	}
}

// Online returns the last observed state. It never blocks on the network.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe registers a listener for transitions. The returned function
// unregisters it and closes the channel.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan Transition, 16)
	m.listeners[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.listeners, id)
			close(ch)
		})
	}
}

// Close stops following the source. Listener channels stay open until
// their cancel function is called.
func (m *Monitor) Close() {
	m.once.Do(func() {
		close(m.stop)
		<-m.done
	})
}
