package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Speakers.
const (
	SpeakerUser  = "user"
	SpeakerAgent = "agent"
)

// TurnRow is one utterance within a conversation. Rows are immutable once
// written; chronological order is derived at read time, never stored.
type TurnRow struct {
	Seq         int             `json:"-"` // per-session insertion rank, set by ListTurns
	SessionID   string          `json:"session_id"`
	TurnNumber  int             `json:"turn_number"`
	Speaker     string          `json:"speaker"`
	MessageType string          `json:"message_type"`
	Content     string          `json:"content"`
	SpokenAt    *time.Time      `json:"timestamp,omitempty"`
	TimeBegin   *float64        `json:"time_begin,omitempty"`
	TimeEnd     *float64        `json:"time_end,omitempty"`
	Duration    *float64        `json:"duration,omitempty"`
	Emotions    json.RawMessage `json:"emotions,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// AppendTurn atomically appends a turn and bumps the conversation's turn
// counter. The unique constraint on (session_id, turn_number, speaker) makes
// retried deliveries no-ops, so concurrent writers never lose or duplicate a
// turn. Returns false when the row already existed.
func (db *DB) AppendTurn(ctx context.Context, t *TurnRow) (bool, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO turns (
			session_id, turn_number, speaker, message_type, content,
			spoken_at, time_begin, time_end, duration, emotions, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id, turn_number, speaker) DO NOTHING
	`,
		t.SessionID, t.TurnNumber, t.Speaker, t.MessageType, t.Content,
		t.SpokenAt, t.TimeBegin, t.TimeEnd, t.Duration, t.Emotions, t.Metadata,
	)
	if err != nil {
		return false, fmt.Errorf("insert turn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE conversations SET total_turns = total_turns + 1
		WHERE session_id = $1 AND status = 'active'
	`, t.SessionID)
	if err != nil {
		return false, fmt.Errorf("bump turn count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

// ListTurns returns a session's turns in insertion order, with Seq set to the
// per-session insertion rank.
func (db *DB) ListTurns(ctx context.Context, sessionID string) ([]TurnRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT session_id, turn_number, speaker, message_type, content,
			spoken_at, time_begin, time_end, duration, emotions, metadata
		FROM turns
		WHERE session_id = $1
		ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var result []TurnRow
	for rows.Next() {
		var t TurnRow
		if err := rows.Scan(
			&t.SessionID, &t.TurnNumber, &t.Speaker, &t.MessageType, &t.Content,
			&t.SpokenAt, &t.TimeBegin, &t.TimeEnd, &t.Duration, &t.Emotions, &t.Metadata,
		); err != nil {
			return nil, err
		}
		t.Seq = len(result)
		result = append(result, t)
	}
	if result == nil {
		result = []TurnRow{}
	}
	return result, rows.Err()
}
