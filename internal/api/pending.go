package api

import (
	"container/list"
	"sync"
)

// PendingQueue holds the delivery units of each conversation's latest reply
// that the client has not fetched yet. Each conversation gets its own
// bounded list.
type PendingQueue struct {
	mu      sync.Mutex
	queues  map[string]*list.List
	maxSize int
}

// NewPendingQueue creates a queue keeping at most maxSize units per
// conversation.
func NewPendingQueue(maxSize int) *PendingQueue {
	if maxSize <= 0 {
		maxSize = 16
	}
	return &PendingQueue{queues: make(map[string]*list.List), maxSize: maxSize}
}

// Replace discards any units still staged for conversationID and stages units.
func (q *PendingQueue) Replace(conversationID string, units []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(units) == 0 {
		delete(q.queues, conversationID)
		return
	}
	l := list.New()
	for _, u := range units {
		l.PushBack(u)
	}
	for l.Len() > q.maxSize {
		l.Remove(l.Back())
	}
	q.queues[conversationID] = l
}

// Pop returns the next staged unit and how many remain after it.
func (q *PendingQueue) Pop(conversationID string) (unit string, remaining int, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, exists := q.queues[conversationID]
	if !exists || l.Len() == 0 {
		return "", 0, false
	}
	unit = l.Remove(l.Front()).(string)
	if l.Len() == 0 {
		delete(q.queues, conversationID)
	}
	return unit, l.Len(), true
}

// Drop forgets conversationID.
func (q *PendingQueue) Drop(conversationID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, conversationID)
}

// Len returns the number of conversations with staged units.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues)
}
