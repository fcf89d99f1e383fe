package database

import (
	"context"
	"fmt"
)

// ProsodyRow holds the write-once acoustic features for one turn. Ranges are
// derived by the extractor, not supplied by the provider.
type ProsodyRow struct {
	SessionID  string `json:"session_id"`
	TurnNumber int    `json:"turn_number"`
	Speaker    string `json:"speaker"`

	F0Mean  *float64 `json:"f0_mean,omitempty"`
	F0Std   *float64 `json:"f0_std,omitempty"`
	F0Min   *float64 `json:"f0_min,omitempty"`
	F0Max   *float64 `json:"f0_max,omitempty"`
	F0Range *float64 `json:"f0_range,omitempty"`

	SpeechRate    *float64 `json:"speech_rate,omitempty"`
	PauseDuration *float64 `json:"pause_duration,omitempty"`

	IntensityMean  *float64 `json:"intensity_mean,omitempty"`
	IntensityStd   *float64 `json:"intensity_std,omitempty"`
	IntensityMin   *float64 `json:"intensity_min,omitempty"`
	IntensityMax   *float64 `json:"intensity_max,omitempty"`
	IntensityRange *float64 `json:"intensity_range,omitempty"`

	Jitter   *float64 `json:"jitter,omitempty"`
	Shimmer  *float64 `json:"shimmer,omitempty"`
	HNR      *float64 `json:"hnr,omitempty"`
	Duration *float64 `json:"duration,omitempty"`
}

// InsertProsody writes a turn's prosody features. Write-once: a retried
// delivery hits the primary key and is dropped.
func (db *DB) InsertProsody(ctx context.Context, p *ProsodyRow) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO prosody_features (
			session_id, turn_number, speaker,
			f0_mean, f0_std, f0_min, f0_max, f0_range,
			speech_rate, pause_duration,
			intensity_mean, intensity_std, intensity_min, intensity_max, intensity_range,
			jitter, shimmer, hnr, duration
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (session_id, turn_number, speaker) DO NOTHING
	`,
		p.SessionID, p.TurnNumber, p.Speaker,
		p.F0Mean, p.F0Std, p.F0Min, p.F0Max, p.F0Range,
		p.SpeechRate, p.PauseDuration,
		p.IntensityMean, p.IntensityStd, p.IntensityMin, p.IntensityMax, p.IntensityRange,
		p.Jitter, p.Shimmer, p.HNR, p.Duration,
	)
	if err != nil {
		return fmt.Errorf("insert prosody: %w", err)
	}
	return nil
}

// ListProsody returns a session's prosody rows for transcript merging.
func (db *DB) ListProsody(ctx context.Context, sessionID string) ([]ProsodyRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT session_id, turn_number, speaker,
			f0_mean, f0_std, f0_min, f0_max, f0_range,
			speech_rate, pause_duration,
			intensity_mean, intensity_std, intensity_min, intensity_max, intensity_range,
			jitter, shimmer, hnr, duration
		FROM prosody_features
		WHERE session_id = $1
		ORDER BY turn_number
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list prosody: %w", err)
	}
	defer rows.Close()

	var result []ProsodyRow
	for rows.Next() {
		var p ProsodyRow
		if err := rows.Scan(
			&p.SessionID, &p.TurnNumber, &p.Speaker,
			&p.F0Mean, &p.F0Std, &p.F0Min, &p.F0Max, &p.F0Range,
			&p.SpeechRate, &p.PauseDuration,
			&p.IntensityMean, &p.IntensityStd, &p.IntensityMin, &p.IntensityMax, &p.IntensityRange,
			&p.Jitter, &p.Shimmer, &p.HNR, &p.Duration,
		); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}
