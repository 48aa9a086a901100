package remote

import (
	"context"
	"encoding/json"
	"sync"
)

// Write is one merge applied to a MemoryStore.
type Write struct {
	UserID string
	Field  string
	Value  json.RawMessage
}

// MemoryStore is an in-process DocumentStore. It backs the development
// emulator and tests; failures can be injected per call.
type MemoryStore struct {
	mu          sync.Mutex
	docs        map[string]map[string]json.RawMessage
	writes      []Write
	reads       int
	writeErr    func(Write) error
	readErr     error
	beforeWrite func()
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]map[string]json.RawMessage)}
}

// MergeField implements DocumentStore.
func (s *MemoryStore) MergeField(ctx context.Context, userID, field string, value json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	hook := s.beforeWrite
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w := Write{UserID: userID, Field: field, Value: append(json.RawMessage(nil), value...)}
	if s.writeErr != nil {
		if err := s.writeErr(w); err != nil {
			return err
		}
	}

	doc, ok := s.docs[userID]
	if !ok {
		doc = make(map[string]json.RawMessage)
		s.docs[userID] = doc
	}
	doc[field] = w.Value
	s.writes = append(s.writes, w)
	return nil
}

// GetField implements DocumentStore.
func (s *MemoryStore) GetField(ctx context.Context, userID, field string) (json.RawMessage, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reads++
	if s.readErr != nil {
		return nil, false, s.readErr
	}
	doc, ok := s.docs[userID]
	if !ok {
		return nil, false, nil
	}
	v, ok := doc[field]
	if !ok {
		return nil, false, nil
	}
	return append(json.RawMessage(nil), v...), true, nil
}

// Document returns a copy of the user's document, or nil if absent.
func (s *MemoryStore) Document(userID string) map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[userID]
	if !ok {
		return nil
	}
	out := make(map[string]json.RawMessage, len(doc))
	for k, v := range doc {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Writes returns every successful merge in the order applied.
func (s *MemoryStore) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Write(nil), s.writes...)
}

// Reads returns how many GetField calls were made.
func (s *MemoryStore) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// FailWrites makes MergeField return the error fn returns for a write; a nil
// fn or nil result lets the write through.
func (s *MemoryStore) FailWrites(fn func(Write) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = fn
}

// FailReads makes every GetField return err until called with nil.
func (s *MemoryStore) FailReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

// BeforeWrite installs a hook run at the start of every MergeField, outside
// the store lock. Tests use it to hold a write in flight.
func (s *MemoryStore) BeforeWrite(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeWrite = fn
}
