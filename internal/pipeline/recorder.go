package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/kozy/internal/domain"
)

const defaultRecorderQueue = 256

// TurnSaver persists completed turns and conversation ends.
type TurnSaver interface {
	SaveTurn(ctx context.Context, turn domain.Turn) error
	MarkEnded(ctx context.Context, conversationID string) error
}

// entry is a queued turn, or an end marker when end is set.
type entry struct {
	turn domain.Turn
	end  bool
}

// Recorder persists turns in the background so a slow store never delays a
// reply. Turns are dropped, with a warning, when the queue is full.
type Recorder struct {
	saver   TurnSaver
	queue   chan entry
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewRecorder starts a recorder with a queue of size turns.
func NewRecorder(saver TurnSaver, size int, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = defaultRecorderQueue
	}
	r := &Recorder{
		saver:   saver,
		queue:   make(chan entry, size),
		timeout: 5 * time.Second,
		logger:  logger,
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record queues turn. It reports false when the turn was dropped.
func (r *Recorder) Record(turn domain.Turn) bool {
	return r.enqueue(entry{turn: turn})
}

// RecordEnd queues an end marker behind every turn already queued for the
// conversation. It reports false when the marker was dropped.
func (r *Recorder) RecordEnd(conversationID string) bool {
	return r.enqueue(entry{turn: domain.Turn{ConversationID: conversationID}, end: true})
}

func (r *Recorder) enqueue(e entry) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- e:
		return true
	default:
		r.logger.Warn("transcript queue full, dropping entry",
			"conversation_id", e.turn.ConversationID,
			"end", e.end,
			"queue_len", len(r.queue),
		)
		return false
	}
}

// Close stops accepting turns and waits for the queue to drain.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		var err error
		if e.end {
			err = r.saver.MarkEnded(ctx, e.turn.ConversationID)
		} else {
			err = r.saver.SaveTurn(ctx, e.turn)
		}
		if err != nil {
			r.logger.Warn("failed to save transcript entry",
				"conversation_id", e.turn.ConversationID,
				"end", e.end,
				"error", err,
			)
		}
		cancel()
	}
}
