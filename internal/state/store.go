package state

import (
	"context"
	"sync"
	"time"
)

// Store persists conversation state between turns.
// Load returns (nil, nil) when no state exists for id.
type Store interface {
	Load(ctx context.Context, id string) (*ConversationState, error)
	Save(ctx context.Context, id string, st *ConversationState) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps state in process. Values are copied on the way in and
// out so callers never share a state with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*ConversationState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*ConversationState)}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, id string) (*ConversationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[id]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, id string, st *ConversationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = st.Clone()
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
	return nil
}

// Len returns the number of stored conversations.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

// PurgeIdle drops states not updated within ttl and returns their ids.
func (m *MemoryStore) PurgeIdle(now time.Time, ttl time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged []string
	for id, st := range m.states {
		if now.Sub(st.UpdatedAt) > ttl {
			delete(m.states, id)
			purged = append(purged, id)
		}
	}
	return purged
}
