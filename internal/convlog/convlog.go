// Package convlog writes chat transcripts as newline-delimited JSON, one file
// per user session, from a background goroutine.
package convlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Event directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Event is one logged chat message.
type Event struct {
	Timestamp      time.Time `json:"ts"`
	UserID         string    `json:"user_id"`
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Channel        string    `json:"channel"`
	Direction      string    `json:"direction"`
	EventType      string    `json:"event_type"`
	Content        string    `json:"content"`
	Emotion        string    `json:"emotion,omitempty"`
	Category       string    `json:"category,omitempty"`
}

// Config controls conversation logging.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Logger is safe for concurrent use. A disabled or nil Logger drops events.
type Logger struct {
	dir    string
	events chan Event
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	files  map[string]*os.File
	done   chan struct{}
}

// New returns a logger, or nil when logging is disabled.
func New(cfg Config, logger *slog.Logger) (*Logger, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	l := &Logger{
		dir:    cfg.Dir,
		events: make(chan Event, cfg.QueueSize),
		logger: logger,
		files:  make(map[string]*os.File),
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Log queues ev without blocking. Events are dropped when the queue is full.
func (l *Logger) Log(ev Event) {
	if l == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.events <- ev:
	default:
		l.logger.Warn("conversation log queue full, dropping event",
			"user_id", ev.UserID, "session_id", ev.SessionID)
	}
}

// Close flushes queued events and closes every open file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.events)
	l.mu.Unlock()

	<-l.done

	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *Logger) run() {
	defer close(l.done)
	for ev := range l.events {
		if err := l.write(ev); err != nil {
			l.logger.Warn("failed to write conversation log",
				"user_id", ev.UserID, "session_id", ev.SessionID, "error", err)
		}
	}
}

func (l *Logger) write(ev Event) error {
	path := l.Path(ev.UserID, ev.SessionID)
	f, ok := l.files[path]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return err
		}
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return err
		}
		l.files[path] = f
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// Path returns the file an event for user and session is written to.
func (l *Logger) Path(userID, sessionID string) string {
	return filepath.Join(l.dir, pathPart(userID), pathPart(sessionID)+".ndjson")
}

func pathPart(s string) string {
	s = strings.ReplaceAll(unsafePathChars.ReplaceAllString(s, "_"), "..", "_")
	if s == "" || s == "." {
		return "unknown"
	}
	return s
}
