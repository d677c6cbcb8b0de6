package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/ashureev/kozy/internal/domain"
	"github.com/ashureev/kozy/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets the admin views read while chat turns are written.
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		last_emotion TEXT,
		history_from INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_message TEXT NOT NULL,
		bot_units TEXT NOT NULL,
		emotion TEXT,
		category TEXT,
		topics TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	// Databases created before conversations could be ended lack the marker.
	var hasMarker int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('conversations') WHERE name = 'history_from'`).Scan(&hasMarker); err != nil {
		return fmt.Errorf("inspect conversations: %w", err)
	}
	if hasMarker == 0 {
		if _, err := s.db.Exec(`ALTER TABLE conversations ADD COLUMN history_from INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("add history marker: %w", err)
		}
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, "upsert user", writeAttempts, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username, user.LastSeenAt.Unix(),
			user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// SaveTurn appends one turn. Busy and locked errors are retried with
// exponential backoff.
func (s *SQLiteStore) SaveTurn(ctx context.Context, turn domain.Turn) error {
	if turn.ConversationID == "" {
		return errors.New("save turn: conversation id is required")
	}
	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	bot, err := json.Marshal(nonNil(turn.Bot))
	if err != nil {
		return fmt.Errorf("encode bot units: %w", err)
	}
	topics, err := json.Marshal(nonNil(turn.Topics))
	if err != nil {
		return fmt.Errorf("encode topics: %w", err)
	}

	return shared.RetryOnConflict(ctx, "save turn", writeAttempts, writeBaseDelay, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO conversations (id, user_id, last_emotion, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					last_emotion = excluded.last_emotion,
					updated_at = excluded.updated_at`,
				turn.ConversationID, turn.UserID, string(turn.Emotion), ts.Unix(), ts.Unix(),
			)
			if err != nil {
				return fmt.Errorf("upsert conversation: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO messages (conversation_id, user_message, bot_units, emotion, category, topics, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				turn.ConversationID, turn.User, string(bot), string(turn.Emotion),
				turn.Category, string(topics), ts.Unix(),
			)
			if err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
			return nil
		})
	})
}

// MarkEnded hides every turn saved so far from LoadRecentTurns. The turns
// stay in the transcript. Unknown conversations are ignored.
func (s *SQLiteStore) MarkEnded(ctx context.Context, conversationID string) error {
	return shared.RetryOnConflict(ctx, "mark ended", writeAttempts, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE conversations
			SET history_from = COALESCE((SELECT MAX(id) FROM messages WHERE conversation_id = ?), 0)
			WHERE id = ?`, conversationID, conversationID)
		if err != nil {
			return fmt.Errorf("mark conversation ended: %w", err)
		}
		return nil
	})
}

// LoadRecentTurns returns at most limit turns, oldest first.
func (s *SQLiteStore) LoadRecentTurns(ctx context.Context, conversationID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	turns, err := s.queryTurns(ctx, `
		SELECT c.id, c.user_id, m.user_message, m.bot_units, m.emotion, m.category, m.topics, m.created_at
		FROM messages m JOIN conversations c ON c.id = m.conversation_id
		WHERE m.conversation_id = ? AND m.id > c.history_from
		ORDER BY m.id DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(turns)
	return turns, nil
}

// GetConversation returns every turn of a conversation, oldest first.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup conversation: %w", err)
	}
	return s.queryTurns(ctx, `
		SELECT c.id, c.user_id, m.user_message, m.bot_units, m.emotion, m.category, m.topics, m.created_at
		FROM messages m JOIN conversations c ON c.id = m.conversation_id
		WHERE m.conversation_id = ?
		ORDER BY m.id ASC`, conversationID)
}

func (s *SQLiteStore) queryTurns(ctx context.Context, query string, args ...any) ([]domain.Turn, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close turn rows", "error", closeErr)
		}
	}()

	var turns []domain.Turn
	for rows.Next() {
		var t domain.Turn
		var bot string
		var emotion, category, topics sql.NullString
		var createdAt int64
		if err := rows.Scan(&t.ConversationID, &t.UserID, &t.User, &bot, &emotion, &category, &topics, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		if err := json.Unmarshal([]byte(bot), &t.Bot); err != nil {
			return nil, fmt.Errorf("decode bot units: %w", err)
		}
		if topics.Valid && topics.String != "" {
			if err := json.Unmarshal([]byte(topics.String), &t.Topics); err != nil {
				return nil, fmt.Errorf("decode topics: %w", err)
			}
		}
		t.Emotion = domain.Emotion(emotion.String)
		t.Category = category.String
		t.Timestamp = time.Unix(createdAt, 0)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

// ListConversations returns summaries, most recently updated first.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit, offset int) ([]domain.ConversationSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.user_id, c.last_emotion, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c
		ORDER BY c.updated_at DESC, c.id ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	out := []domain.ConversationSummary{}
	for rows.Next() {
		var c domain.ConversationSummary
		var emotion sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(&c.ID, &c.UserID, &emotion, &createdAt, &updatedAt, &c.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		c.LastEmotion = domain.Emotion(emotion.String)
		c.CreatedAt = time.Unix(createdAt, 0)
		c.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

// DeleteConversation removes a conversation and its turns.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID string) error {
	var affected int64
	err := shared.RetryOnConflict(ctx, "delete conversation", writeAttempts, writeBaseDelay, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
				return fmt.Errorf("delete messages: %w", err)
			}
			res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, conversationID)
			if err != nil {
				return fmt.Errorf("delete conversation: %w", err)
			}
			affected, err = res.RowsAffected()
			return err
		})
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversationsBefore removes conversations idle since cutoff.
func (s *SQLiteStore) DeleteConversationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var affected int64
	err := shared.RetryOnConflict(ctx, "purge conversations", writeAttempts, writeBaseDelay, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			threshold := cutoff.Unix()
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM messages WHERE conversation_id IN
					(SELECT id FROM conversations WHERE updated_at < ?)`, threshold); err != nil {
				return fmt.Errorf("purge messages: %w", err)
			}
			res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE updated_at < ?`, threshold)
			if err != nil {
				return fmt.Errorf("purge conversations: %w", err)
			}
			affected, err = res.RowsAffected()
			return err
		})
	})
	return affected, err
}

// Stats counts conversations, messages and conversations active since the
// start of now's day.
func (s *SQLiteStore) Stats(ctx context.Context, now time.Time) (domain.Stats, error) {
	y, m, d := now.Date()
	startOfDay := time.Date(y, m, d, 0, 0, 0, 0, now.Location()).Unix()

	var st domain.Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM conversations),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(DISTINCT conversation_id) FROM messages WHERE created_at >= ?)`,
		startOfDay,
	).Scan(&st.TotalConversations, &st.TotalMessages, &st.ActiveToday)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
