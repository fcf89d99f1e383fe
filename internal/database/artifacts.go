package database

import (
	"context"
	"fmt"
	"time"
)

// Audio artifact processing statuses.
const (
	ArtifactPending    = "pending"
	ArtifactProcessing = "processing"
	ArtifactComplete   = "complete"
	ArtifactFailed     = "failed"
)

// AudioArtifactRow is the per-turn audio reference written alongside a Turn
// when the provider event carries an audio payload.
type AudioArtifactRow struct {
	SessionID        string    `json:"session_id"`
	TurnNumber       int       `json:"turn_number"`
	Speaker          string    `json:"speaker"`
	URL              string    `json:"url"`
	Duration         *float64  `json:"duration,omitempty"`
	Format           string    `json:"format,omitempty"`
	SampleRate       *int      `json:"sample_rate,omitempty"`
	BitDepth         *int      `json:"bit_depth,omitempty"`
	FileSize         *int64    `json:"file_size,omitempty"`
	ProcessingStatus string    `json:"processing_status"`
	CreatedAt        time.Time `json:"created_at"`
}

// UpsertAudioArtifact writes a per-turn audio reference. Retried deliveries
// overwrite with the same values, so the write is independently retryable.
func (db *DB) UpsertAudioArtifact(ctx context.Context, a *AudioArtifactRow) error {
	status := a.ProcessingStatus
	if status == "" {
		status = ArtifactPending
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO audio_artifacts (
			session_id, turn_number, speaker, url, duration,
			format, sample_rate, bit_depth, file_size, processing_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id, turn_number, speaker) DO UPDATE SET
			url = EXCLUDED.url,
			duration = EXCLUDED.duration,
			format = EXCLUDED.format,
			sample_rate = EXCLUDED.sample_rate,
			bit_depth = EXCLUDED.bit_depth,
			file_size = EXCLUDED.file_size
	`,
		a.SessionID, a.TurnNumber, a.Speaker, a.URL, a.Duration,
		a.Format, a.SampleRate, a.BitDepth, a.FileSize, status,
	)
	if err != nil {
		return fmt.Errorf("upsert audio artifact: %w", err)
	}
	return nil
}

// SetArtifactStatuses advances processing_status for every artifact in a
// session. Used by the reconstruction pipeline when a stitch job starts or
// finishes.
func (db *DB) SetArtifactStatuses(ctx context.Context, sessionID, status string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE audio_artifacts SET processing_status = $2
		WHERE session_id = $1
	`, sessionID, status)
	if err != nil {
		return fmt.Errorf("set artifact statuses: %w", err)
	}
	return nil
}

// ListAudioArtifacts returns a session's artifacts keyed for transcript merging.
func (db *DB) ListAudioArtifacts(ctx context.Context, sessionID string) ([]AudioArtifactRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT session_id, turn_number, speaker, url, duration,
			COALESCE(format, ''), sample_rate, bit_depth, file_size,
			processing_status, created_at
		FROM audio_artifacts
		WHERE session_id = $1
		ORDER BY turn_number
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list audio artifacts: %w", err)
	}
	defer rows.Close()

	var result []AudioArtifactRow
	for rows.Next() {
		var a AudioArtifactRow
		if err := rows.Scan(
			&a.SessionID, &a.TurnNumber, &a.Speaker, &a.URL, &a.Duration,
			&a.Format, &a.SampleRate, &a.BitDepth, &a.FileSize,
			&a.ProcessingStatus, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}
