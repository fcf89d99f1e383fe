package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Conversation statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusAbandoned = "abandoned"
)

// ConversationRow is one interview session aggregate.
type ConversationRow struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	UserID          string          `json:"user_id"`
	ChatID          string          `json:"chat_id,omitempty"`
	Status          string          `json:"status"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	DurationSeconds float64         `json:"duration_seconds"`
	TotalTurns      int             `json:"total_turns"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

// ErrNoActiveConversation is returned when a session has no active conversation.
var ErrNoActiveConversation = errors.New("no active conversation for session")

// StartConversation creates the active conversation for a session. If one is
// already active the call is a no-op and returns the existing row's ID.
func (db *DB) StartConversation(ctx context.Context, sessionID, userID string) (string, error) {
	id := uuid.NewString()
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO conversations (id, session_id, user_id, status)
		VALUES ($1, $2, $3, 'active')
		ON CONFLICT (session_id) WHERE status = 'active' DO NOTHING
	`, id, sessionID, userID)
	if err != nil {
		return "", fmt.Errorf("start conversation: %w", err)
	}

	var existing string
	err = db.Pool.QueryRow(ctx, `
		SELECT id FROM conversations WHERE session_id = $1 AND status = 'active'
	`, sessionID).Scan(&existing)
	if err != nil {
		return "", fmt.Errorf("start conversation readback: %w", err)
	}
	return existing, nil
}

// GetActiveConversation returns the active conversation for a session, or
// ErrNoActiveConversation.
func (db *DB) GetActiveConversation(ctx context.Context, sessionID string) (*ConversationRow, error) {
	row, err := db.scanConversation(db.Pool.QueryRow(ctx, `
		SELECT id, session_id, user_id, COALESCE(chat_id, ''), status,
			started_at, completed_at, duration_seconds, total_turns, metadata
		FROM conversations
		WHERE session_id = $1 AND status = 'active'
	`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoActiveConversation
	}
	return row, err
}

// GetConversation returns the most recent conversation for a session in any status.
func (db *DB) GetConversation(ctx context.Context, sessionID string) (*ConversationRow, error) {
	row, err := db.scanConversation(db.Pool.QueryRow(ctx, `
		SELECT id, session_id, user_id, COALESCE(chat_id, ''), status,
			started_at, completed_at, duration_seconds, total_turns, metadata
		FROM conversations
		WHERE session_id = $1
		ORDER BY started_at DESC
		LIMIT 1
	`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoActiveConversation
	}
	return row, err
}

func (db *DB) scanConversation(r pgx.Row) (*ConversationRow, error) {
	var c ConversationRow
	err := r.Scan(
		&c.ID, &c.SessionID, &c.UserID, &c.ChatID, &c.Status,
		&c.StartedAt, &c.CompletedAt, &c.DurationSeconds, &c.TotalTurns, &c.Metadata,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetChatMetadata records the provider's chat identifier (and any extra
// metadata) on the active conversation. Used by chat_metadata events, which
// never produce a Turn.
func (db *DB) SetChatMetadata(ctx context.Context, sessionID, chatID string, metadata json.RawMessage) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE conversations
		SET chat_id = COALESCE(NULLIF($2, ''), chat_id),
			metadata = COALESCE($3, metadata)
		WHERE session_id = $1 AND status = 'active'
	`, sessionID, chatID, metadata)
	if err != nil {
		return fmt.Errorf("set chat metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoActiveConversation
	}
	return nil
}

// CompleteConversation transitions the active conversation to completed and
// stamps its duration. Completing an already-completed session is a no-op;
// both paths return the row so the caller can trigger reconstruction.
func (db *DB) CompleteConversation(ctx context.Context, sessionID string) (*ConversationRow, error) {
	row, err := db.scanConversation(db.Pool.QueryRow(ctx, `
		UPDATE conversations
		SET status = 'completed',
			completed_at = now(),
			duration_seconds = EXTRACT(EPOCH FROM (now() - started_at))
		WHERE session_id = $1 AND status = 'active'
		RETURNING id, session_id, user_id, COALESCE(chat_id, ''), status,
			started_at, completed_at, duration_seconds, total_turns, metadata
	`, sessionID))
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("complete conversation: %w", err)
	}

	// Already completed (or never started): idempotent path.
	existing, gerr := db.GetConversation(ctx, sessionID)
	if gerr != nil {
		return nil, ErrNoActiveConversation
	}
	return existing, nil
}

// AbandonStale marks active conversations idle longer than cutoff as abandoned.
// Returns the session IDs it transitioned.
func (db *DB) AbandonStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `
		UPDATE conversations c
		SET status = 'abandoned'
		WHERE c.status = 'active'
		  AND c.started_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM turns t
			WHERE t.session_id = c.session_id AND t.inserted_at >= $1
		  )
		RETURNING c.session_id
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("abandon stale: %w", err)
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// DeleteConversation removes a session aggregate and its side tables, and
// abandons any pending reconstruction job. Returns the number of
// conversations removed.
func (db *DB) DeleteConversation(ctx context.Context, sessionID string) (int64, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM conversations WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete conversation: %w", err)
	}
	for _, stmt := range []string{
		`DELETE FROM turns WHERE session_id = $1`,
		`DELETE FROM audio_artifacts WHERE session_id = $1`,
		`DELETE FROM prosody_features WHERE session_id = $1`,
		`UPDATE reconstruction_jobs SET status = 'ABANDONED'
			WHERE session_id = $1 AND status IN ('REQUESTED', 'POLLING')`,
	} {
		if _, err := tx.Exec(ctx, stmt, sessionID); err != nil {
			return 0, fmt.Errorf("delete conversation cascade: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ConversationFilter specifies filters for listing conversations.
type ConversationFilter struct {
	Status string
	Limit  int
	Offset int
}

// ListConversations returns conversations newest first plus the total count.
func (db *DB) ListConversations(ctx context.Context, filter ConversationFilter) ([]ConversationRow, int, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var total int
	err := db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM conversations
		WHERE ($1::text IS NULL OR status = $1)
	`, pqString(filter.Status)).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT id, session_id, user_id, COALESCE(chat_id, ''), status,
			started_at, completed_at, duration_seconds, total_turns, metadata
		FROM conversations
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3
	`, pqString(filter.Status), limit, filter.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var result []ConversationRow
	for rows.Next() {
		var c ConversationRow
		if err := rows.Scan(
			&c.ID, &c.SessionID, &c.UserID, &c.ChatID, &c.Status,
			&c.StartedAt, &c.CompletedAt, &c.DurationSeconds, &c.TotalTurns, &c.Metadata,
		); err != nil {
			return nil, 0, err
		}
		result = append(result, c)
	}
	if result == nil {
		result = []ConversationRow{}
	}
	return result, total, rows.Err()
}

// pqString converts an empty string to nil so ($1::text IS NULL OR ...) skips
// the filter.
func pqString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
