package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Tracker serializes load, mutate and save per conversation id.
type Tracker struct {
	store  Store
	window int

	mu    sync.Mutex
	locks map[string]*convLock
}

// convLock is evicted only when no caller holds or waits on it.
type convLock struct {
	mu   sync.Mutex
	refs int
}

// NewTracker creates a tracker over store with the given repetition window.
func NewTracker(store Store, window int) *Tracker {
	return &Tracker{store: store, window: window, locks: make(map[string]*convLock)}
}

// Window returns the repetition window size.
func (t *Tracker) Window() int {
	return t.window
}

func (t *Tracker) acquire(id string) *convLock {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &convLock{}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return l
}

func (t *Tracker) release(id string, l *convLock) {
	l.mu.Unlock()

	t.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
	t.mu.Unlock()
}

// Update runs fn with the conversation's state while holding its lock, then
// saves the result. A failed load is logged and fn receives a fresh state.
// The returned error reports a failed save only; fn always runs.
func (t *Tracker) Update(ctx context.Context, id string, fn func(st *ConversationState)) error {
	l := t.acquire(id)
	defer t.release(id, l)

	st, err := t.store.Load(ctx, id)
	if err != nil {
		slog.Warn("Failed to load conversation state, starting fresh", "conversation_id", id, "error", err)
	}
	if st == nil {
		st = New()
	}

	fn(st)

	if err := t.store.Save(ctx, id, st); err != nil {
		return fmt.Errorf("save state %s: %w", id, err)
	}
	return nil
}

// Snapshot returns a copy of the stored state, or a fresh state when none
// exists.
func (t *Tracker) Snapshot(ctx context.Context, id string) (*ConversationState, error) {
	st, err := t.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", id, err)
	}
	if st == nil {
		return New(), nil
	}
	return st, nil
}

// End discards the conversation's state.
func (t *Tracker) End(ctx context.Context, id string) error {
	l := t.acquire(id)
	defer t.release(id, l)
	if err := t.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete state %s: %w", id, err)
	}
	return nil
}
