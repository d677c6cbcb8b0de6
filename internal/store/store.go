// Package store provides transcript persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/kozy/internal/domain"
)

// ErrNotFound is returned when a requested conversation does not exist.
var ErrNotFound = errors.New("not found")

// Repository persists users, conversations and their turns.
type Repository interface {
	// GetUser retrieves a user by their user ID. It returns nil, nil when the
	// user does not exist.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// SaveTurn appends one turn, creating the conversation on first use.
	SaveTurn(ctx context.Context, turn domain.Turn) error

	// MarkEnded excludes the conversation's existing turns from
	// LoadRecentTurns without deleting them.
	MarkEnded(ctx context.Context, conversationID string) error

	// LoadRecentTurns returns at most limit turns of a conversation saved
	// since it was last ended, oldest first.
	LoadRecentTurns(ctx context.Context, conversationID string, limit int) ([]domain.Turn, error)

	// ListConversations returns conversation summaries, most recently updated first.
	ListConversations(ctx context.Context, limit, offset int) ([]domain.ConversationSummary, error)

	// GetConversation returns every turn of a conversation, oldest first.
	GetConversation(ctx context.Context, conversationID string) ([]domain.Turn, error)

	// DeleteConversation removes a conversation and its turns.
	DeleteConversation(ctx context.Context, conversationID string) error

	// DeleteConversationsBefore removes conversations not updated since cutoff
	// and returns how many were removed.
	DeleteConversationsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Stats aggregates transcript counters relative to now.
	Stats(ctx context.Context, now time.Time) (domain.Stats, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
