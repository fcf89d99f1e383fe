// Package sequence derives the chronological order of a session's turns.
//
// Turns arrive over independent requests, so insertion order is not speaking
// order: transcription latency can deliver a user's utterance after the
// agent's reply to it. Order is computed fresh on every read and never
// written back.
package sequence

import (
	"sort"
	"time"

	"github.com/voxhall/iv-engine/internal/database"
)

const (
	// nearSimultaneousWindow is the largest timestamp gap treated as
	// "arrived out of order due to transcription lag". Tuned against
	// observed provider delivery jitter; do not widen without re-measuring.
	nearSimultaneousWindow = 100 * time.Millisecond
)

// Order returns a new slice holding the same turns in chronological order.
// The input is never mutated, and the result is always a permutation of it.
//
// Keys, in priority order:
//  1. provider timestamp ascending (millisecond resolution), when both
//     turns carry one;
//  2. turn_number, when neither carries a timestamp;
//  3. insertion rank (TurnRow.Seq), which totals the order for degenerate
//     input.
//
// After the sort, one correction pass handles near-simultaneous exchanges:
// when a user turn and the agent turn inserted immediately before it are
// within the window, the user turn is moved first: the user spoke first,
// their transcript just arrived late. The pass keys off the persistent
// insertion rank, so reordering is idempotent.
func Order(turns []database.TurnRow) []database.TurnRow {
	out := make([]database.TurnRow, len(turns))
	copy(out, turns)

	sort.SliceStable(out, func(i, j int) bool {
		return less(&out[i], &out[j])
	})

	for i := 0; i+1 < len(out); i++ {
		if shouldSwap(&out[i], &out[i+1]) {
			out[i], out[i+1] = out[i+1], out[i]
			i++ // each turn takes part in at most one swap
		}
	}

	return out
}

func less(a, b *database.TurnRow) bool {
	switch {
	case a.SpokenAt != nil && b.SpokenAt != nil:
		am, bm := a.SpokenAt.UnixMilli(), b.SpokenAt.UnixMilli()
		if am != bm {
			return am < bm
		}
		return a.Seq < b.Seq
	case a.SpokenAt == nil && b.SpokenAt == nil:
		if a.TurnNumber != b.TurnNumber {
			return a.TurnNumber < b.TurnNumber
		}
		return a.Seq < b.Seq
	default:
		// One-sided timestamp: no basis for comparison, keep insertion order.
		return false
	}
}

// shouldSwap reports whether a (currently placed before b) should yield to b.
// All four conditions must hold: both timestamped within the window, the two
// turns were inserted back to back, the earlier-inserted one is the agent,
// and the later-inserted one is the user. Any other speaker pattern is left
// alone.
func shouldSwap(a, b *database.TurnRow) bool {
	if a.SpokenAt == nil || b.SpokenAt == nil {
		return false
	}
	gap := a.SpokenAt.Sub(*b.SpokenAt)
	if gap < 0 {
		gap = -gap
	}
	if gap > nearSimultaneousWindow {
		return false
	}

	var earlier, later *database.TurnRow
	switch b.Seq - a.Seq {
	case 1:
		earlier, later = a, b
	case -1:
		earlier, later = b, a
	default:
		return false
	}
	if earlier.Speaker != database.SpeakerAgent || later.Speaker != database.SpeakerUser {
		return false
	}

	// Only move the user turn forward; if it already precedes the agent
	// turn, the order is correct.
	return a.Speaker == database.SpeakerAgent
}
