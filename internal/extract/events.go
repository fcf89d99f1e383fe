package extract

import (
	"encoding/json"
	"strings"

	"github.com/voxhall/iv-engine/internal/database"
)

// Kind is the closed set of provider event kinds. Raw events are duck-typed
// JSON distinguished by a "type" tag; classification happens once, here, at
// the boundary.
type Kind int

const (
	KindUnknown Kind = iota
	KindUserMessage
	KindUserTranscript
	KindAssistantMessage
	KindChatMetadata
)

// Classify maps a provider "type" tag to an event kind.
func Classify(eventType string) Kind {
	switch eventType {
	case "user_message":
		return KindUserMessage
	case "user_transcript":
		return KindUserTranscript
	case "assistant_message", "agent_message":
		return KindAssistantMessage
	case "chat_metadata":
		return KindChatMetadata
	default:
		return KindUnknown
	}
}

// Speaker returns the turn speaker for this kind. Unknown kinds default to
// the agent side.
func (k Kind) Speaker() string {
	switch k {
	case KindUserMessage, KindUserTranscript:
		return database.SpeakerUser
	default:
		return database.SpeakerAgent
	}
}

func (k Kind) String() string {
	switch k {
	case KindUserMessage:
		return "user_message"
	case KindUserTranscript:
		return "user_transcript"
	case KindAssistantMessage:
		return "assistant_message"
	case KindChatMetadata:
		return "chat_metadata"
	default:
		return "unknown"
	}
}

// ProviderEvent is the superset of fields the voice-AI provider sends.
// Different event types populate different subsets; the accessors below
// normalize across them.
type ProviderEvent struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id,omitempty"`

	Message struct {
		Content string `json:"content,omitempty"`
		Text    string `json:"text,omitempty"`
	} `json:"message,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Text       string `json:"text,omitempty"`
	Content    string `json:"content,omitempty"`

	Timestamp int64    `json:"timestamp,omitempty"` // epoch milliseconds
	TimeBegin *float64 `json:"time_begin,omitempty"`
	TimeEnd   *float64 `json:"time_end,omitempty"`
	Duration  *float64 `json:"duration,omitempty"`

	Emotions json.RawMessage `json:"emotions,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`

	Prosody *ProsodyBlock `json:"prosody,omitempty"`
	Audio   *AudioBlock   `json:"audio,omitempty"`
}

// ProsodyBlock carries the provider's acoustic stats for one utterance.
type ProsodyBlock struct {
	F0            StatBlock `json:"f0"`
	SpeechRate    *float64  `json:"speech_rate,omitempty"`
	PauseDuration *float64  `json:"pause_duration,omitempty"`
	Intensity     StatBlock `json:"intensity"`
	Jitter        *float64  `json:"jitter,omitempty"`
	Shimmer       *float64  `json:"shimmer,omitempty"`
	HNR           *float64  `json:"hnr,omitempty"`
	Duration      *float64  `json:"duration,omitempty"`
}

// StatBlock is a mean/std/min/max group within a prosody block.
type StatBlock struct {
	Mean *float64 `json:"mean,omitempty"`
	Std  *float64 `json:"std,omitempty"`
	Min  *float64 `json:"min,omitempty"`
	Max  *float64 `json:"max,omitempty"`
}

// AudioBlock is the per-turn audio reference within a provider event.
type AudioBlock struct {
	URL        string   `json:"url"`
	Duration   *float64 `json:"duration,omitempty"`
	Format     string   `json:"format,omitempty"`
	SampleRate *int     `json:"sample_rate,omitempty"`
	BitDepth   *int     `json:"bit_depth,omitempty"`
	FileSize   *int64   `json:"file_size,omitempty"`
}

// Kind classifies this event.
func (e *ProviderEvent) Kind() Kind { return Classify(e.Type) }

// TranscriptText returns the first non-empty transcript field, trimmed.
// Providers nest the text differently per event type.
func (e *ProviderEvent) TranscriptText() string {
	for _, s := range []string{
		e.Message.Content,
		e.Message.Text,
		e.Transcript,
		e.Text,
		e.Content,
	} {
		if t := strings.TrimSpace(s); t != "" {
			return t
		}
	}
	return ""
}

// derivedRange computes max-min when both bounds are present.
func derivedRange(s StatBlock) *float64 {
	if s.Min == nil || s.Max == nil {
		return nil
	}
	r := *s.Max - *s.Min
	return &r
}
