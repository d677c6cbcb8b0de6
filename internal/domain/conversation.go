package domain

import (
	"strings"
	"time"
)

// Turn is one user message and the bot's reply.
type Turn struct {
	ConversationID string    `json:"conversation_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	User           string    `json:"user"`
	Bot            []string  `json:"bot"`
	Emotion        Emotion   `json:"emotion,omitempty"`
	Category       string    `json:"category,omitempty"`
	Topics         []string  `json:"topics,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// BotText joins the delivered units into a single string.
func (t Turn) BotText() string {
	return strings.Join(t.Bot, " ")
}

// ConversationSummary describes a stored conversation for the admin view.
type ConversationSummary struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	MessageCount int       `json:"message_count"`
	LastEmotion  Emotion   `json:"last_emotion,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Stats aggregates transcript counters.
type Stats struct {
	TotalConversations int64 `json:"total_conversations"`
	TotalMessages      int64 `json:"total_messages"`
	ActiveToday        int64 `json:"active_today"`
}
