// Package connectivity reports whether the device is online and notifies
// listeners when that changes.
package connectivity

import "sync"

// Source is a connectivity signal. Online reports the current state;
// Subscribe returns a channel of state values and a function that detaches it.
type Source interface {
	Online() bool
	Subscribe() (<-chan bool, func())
}

// ManualSource is a Source whose state is set explicitly, standing in for a
// platform network-interface signal.
type ManualSource struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

// NewManualSource creates a ManualSource in the given initial state.
func NewManualSource(online bool) *ManualSource {
	return &ManualSource{
		online: online,
		subs:   make(map[int]chan bool),
	}
}

// Online returns the current state.
func (s *ManualSource) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set updates the state and notifies subscribers when it changed.
func (s *ManualSource) Set(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return
	}
	s.online = online
	for _, ch := range s.subs {
		publish(ch, online)
	}
}

// Subscribe returns a channel receiving every state change.
func (s *ManualSource) Subscribe() (<-chan bool, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan bool, 1)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

// publish delivers v without blocking. A slow reader only sees the newest
// state: a stale buffered value is replaced.
func publish(ch chan bool, v bool) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
