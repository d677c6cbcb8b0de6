// Package retention periodically discards idle conversation state and old
// transcripts.
package retention

import (
	"context"
	"log/slog"
	"time"
)

const defaultInterval = 5 * time.Minute

// IdlePurger drops conversation states idle for longer than ttl and returns
// their ids.
type IdlePurger interface {
	PurgeIdle(now time.Time, ttl time.Duration) []string
}

// TranscriptPurger deletes conversations not updated since cutoff.
type TranscriptPurger interface {
	DeleteConversationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupCallback is called for every conversation whose state was purged.
type CleanupCallback func(conversationID string)

// Config configures a Worker. A nil States or a zero StateTTL skips the state
// sweep; a nil Transcripts or a zero TranscriptTTL skips the transcript purge.
type Config struct {
	Interval      time.Duration
	States        IdlePurger
	StateTTL      time.Duration
	Transcripts   TranscriptPurger
	TranscriptTTL time.Duration
	OnPurge       CleanupCallback
	Now           func() time.Time
}

// Worker runs the sweeps.
type Worker struct {
	cfg Config
}

// NewWorker creates a worker.
func NewWorker(cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Worker{cfg: cfg}
}

// Run sweeps every interval until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	slog.Info("Retention worker started",
		"interval", w.cfg.Interval,
		"state_ttl", w.cfg.StateTTL,
		"transcript_ttl", w.cfg.TranscriptTTL,
	)

	for {
		select {
		case <-ticker.C:
			w.Sweep(ctx)
		case <-ctx.Done():
			slog.Info("Retention worker shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep runs one pass of both purges.
func (w *Worker) Sweep(ctx context.Context) {
	now := w.cfg.Now()

	if w.cfg.States != nil && w.cfg.StateTTL > 0 {
		purged := w.cfg.States.PurgeIdle(now, w.cfg.StateTTL)
		for _, id := range purged {
			if w.cfg.OnPurge != nil {
				w.cfg.OnPurge(id)
			}
		}
		if len(purged) > 0 {
			slog.Info("Retention worker purged idle conversations", "count", len(purged))
		}
	}

	if w.cfg.Transcripts != nil && w.cfg.TranscriptTTL > 0 {
		deleted, err := w.cfg.Transcripts.DeleteConversationsBefore(ctx, now.Add(-w.cfg.TranscriptTTL))
		if err != nil {
			if ctx.Err() != nil {
				slog.Debug("Retention worker: context canceled during transcript purge", "error", err)
				return
			}
			slog.Error("Retention worker failed to purge transcripts", "error", err)
			return
		}
		if deleted > 0 {
			slog.Info("Retention worker purged old transcripts", "count", deleted)
		}
	}
}
