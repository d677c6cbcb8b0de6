package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type failingStore struct {
	*MemoryStore
	loadErr error
	saveErr error
}

func (f *failingStore) Load(ctx context.Context, id string) (*ConversationState, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.MemoryStore.Load(ctx, id)
}

func (f *failingStore) Save(ctx context.Context, id string, st *ConversationState) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.MemoryStore.Save(ctx, id, st)
}

func TestTrackerSerializesUpdates(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(NewMemoryStore(), 2)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := tracker.Update(ctx, "c1", func(st *ConversationState) {
				st.TurnCount++
			})
			if err != nil {
				t.Errorf("Update failed: %v", err)
			}
		}()
	}
	wg.Wait()

	st, err := tracker.Snapshot(ctx, "c1")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if st.TurnCount != 50 {
		t.Errorf("TurnCount = %d, want 50 (lost updates)", st.TurnCount)
	}
}

func TestTrackerLoadFailureStartsFresh(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), loadErr: errors.New("boom")}
	tracker := NewTracker(store, 2)

	ran := false
	err := tracker.Update(context.Background(), "c1", func(st *ConversationState) {
		ran = true
		if st.TurnCount != 0 {
			t.Errorf("expected fresh state, got turn %d", st.TurnCount)
		}
	})
	if err != nil {
		t.Fatalf("Update returned %v, want nil", err)
	}
	if !ran {
		t.Fatal("fn did not run")
	}
}

func TestTrackerSaveFailureIsReported(t *testing.T) {
	saveErr := errors.New("disk full")
	store := &failingStore{MemoryStore: NewMemoryStore(), saveErr: saveErr}
	tracker := NewTracker(store, 2)

	ran := false
	err := tracker.Update(context.Background(), "c1", func(*ConversationState) { ran = true })
	if !errors.Is(err, saveErr) {
		t.Fatalf("Update error = %v, want wrapped %v", err, saveErr)
	}
	if !ran {
		t.Error("fn should run even when save fails")
	}
}

func TestTrackerEnd(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tracker := NewTracker(store, 3)

	if err := tracker.Update(ctx, "c1", func(st *ConversationState) { st.TurnCount = 4 }); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := tracker.End(ctx, "c1"); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("state not discarded, store has %d entries", store.Len())
	}
	st, err := tracker.Snapshot(ctx, "c1")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if st.TurnCount != 0 {
		t.Errorf("expected fresh state after End, got turn %d", st.TurnCount)
	}
	if tracker.Window() != 3 {
		t.Errorf("Window = %d", tracker.Window())
	}
}

// waiters reports how many callers hold or wait on id's lock.
func (t *Tracker) waiters(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.locks[id]; ok {
		return l.refs
	}
	return 0
}

func waitWaiters(t *testing.T, tracker *Tracker, id string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for tracker.waiters(id) != want {
		if time.Now().After(deadline) {
			t.Fatalf("waiters(%q) = %d, want %d", id, tracker.waiters(id), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTrackerEndKeepsUpdatesSerialized(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(NewMemoryStore(), 2)

	holdA, releaseA := make(chan struct{}), make(chan struct{})
	go func() {
		_ = tracker.Update(ctx, "c", func(*ConversationState) {
			close(holdA)
			<-releaseA
		})
	}()
	<-holdA

	ended := make(chan error, 1)
	go func() { ended <- tracker.End(ctx, "c") }()
	holdB, releaseB := make(chan struct{}), make(chan struct{})
	doneB := make(chan struct{})
	go func() {
		defer close(doneB)
		_ = tracker.Update(ctx, "c", func(*ConversationState) {
			close(holdB)
			<-releaseB
		})
	}()
	waitWaiters(t, tracker, "c", 3)
	close(releaseA)

	// End may run before or after B; either way C must wait for B.
	<-holdB
	enteredC := make(chan struct{})
	doneC := make(chan struct{})
	go func() {
		defer close(doneC)
		_ = tracker.Update(ctx, "c", func(*ConversationState) { close(enteredC) })
	}()

	select {
	case <-enteredC:
		t.Fatal("update ran while another update held the same conversation")
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseB)
	<-doneB
	<-doneC
	if err := <-ended; err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if n := tracker.waiters("c"); n != 0 {
		t.Errorf("lock entry not evicted, %d waiters", n)
	}
}

func TestTrackerConcurrentEndAndUpdate(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(NewMemoryStore(), 2)

	var inside sync.Map
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%5 == 0 {
				_ = tracker.End(ctx, "c")
				return
			}
			_ = tracker.Update(ctx, "c", func(*ConversationState) {
				if _, busy := inside.LoadOrStore("c", true); busy {
					t.Error("two updates ran for the same conversation at once")
					return
				}
				time.Sleep(100 * time.Microsecond)
				inside.Delete("c")
			})
		}(i)
	}
	wg.Wait()
	if n := tracker.waiters("c"); n != 0 {
		t.Errorf("lock entry not evicted, %d waiters", n)
	}
}
