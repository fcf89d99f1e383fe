// Package quality scores completed interview sessions.
package quality

import (
	"unicode/utf8"

	"github.com/voxhall/iv-engine/internal/database"
)

// Ratings.
const (
	RatingHigh   = "high"
	RatingMedium = "medium"
	RatingLow    = "low"
)

// Metrics are the session-level inputs to the rubric.
type Metrics struct {
	DurationSeconds float64
	TotalTurns      int
}

// Score applies the additive 0-6 rubric. Each input contributes 0, 1, or 2
// points independently, so the score is monotonic non-decreasing in all
// three.
func Score(m Metrics, avgUserMessageLen float64) int {
	score := 0

	switch {
	case m.DurationSeconds > 180:
		score += 2
	case m.DurationSeconds > 60:
		score += 1
	}

	switch {
	case m.TotalTurns > 10:
		score += 2
	case m.TotalTurns > 5:
		score += 1
	}

	switch {
	case avgUserMessageLen > 50:
		score += 2
	case avgUserMessageLen > 20:
		score += 1
	}

	return score
}

// Rating buckets a rubric score.
func Rating(score int) string {
	switch {
	case score >= 4:
		return RatingHigh
	case score >= 2:
		return RatingMedium
	default:
		return RatingLow
	}
}

// Evaluate rates a session from its stored metrics and turns.
func Evaluate(m Metrics, turns []database.TurnRow) string {
	return Rating(Score(m, AvgUserMessageLen(turns)))
}

// AvgUserMessageLen returns the mean character length of user-speaker turn
// content. Agent turns don't count; zero user turns yields zero.
func AvgUserMessageLen(turns []database.TurnRow) float64 {
	var total, count int
	for _, t := range turns {
		if t.Speaker != database.SpeakerUser {
			continue
		}
		total += utf8.RuneCountInString(t.Content)
		count++
	}
	if count == 0 {
		return 0
	}
	return float64(total) / float64(count)
}
