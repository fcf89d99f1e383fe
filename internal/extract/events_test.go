package extract

import (
	"encoding/json"
	"testing"

	"github.com/voxhall/iv-engine/internal/database"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		eventType   string
		wantKind    Kind
		wantSpeaker string
	}{
		{"user_message", KindUserMessage, database.SpeakerUser},
		{"user_transcript", KindUserTranscript, database.SpeakerUser},
		{"assistant_message", KindAssistantMessage, database.SpeakerAgent},
		{"agent_message", KindAssistantMessage, database.SpeakerAgent},
		{"chat_metadata", KindChatMetadata, database.SpeakerAgent},
		{"tool_call", KindUnknown, database.SpeakerAgent},
		{"", KindUnknown, database.SpeakerAgent},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			k := Classify(tt.eventType)
			if k != tt.wantKind {
				t.Errorf("Classify(%q) = %v, want %v", tt.eventType, k, tt.wantKind)
			}
			if s := k.Speaker(); s != tt.wantSpeaker {
				t.Errorf("Speaker() = %q, want %q", s, tt.wantSpeaker)
			}
		})
	}
}

func TestTranscriptText(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "message_content_wins",
			raw:  `{"type":"user_message","message":{"content":"from content","text":"from text"},"transcript":"from transcript"}`,
			want: "from content",
		},
		{
			name: "falls_through_to_transcript",
			raw:  `{"type":"user_transcript","message":{"content":"  "},"transcript":"spoken words"}`,
			want: "spoken words",
		},
		{
			name: "top_level_text",
			raw:  `{"type":"assistant_message","text":"agent reply"}`,
			want: "agent reply",
		},
		{
			name: "top_level_content_last",
			raw:  `{"type":"assistant_message","content":"fallback body"}`,
			want: "fallback body",
		},
		{
			name: "trims_whitespace",
			raw:  `{"type":"user_message","message":{"content":"  padded  "}}`,
			want: "padded",
		},
		{
			name: "all_empty",
			raw:  `{"type":"user_message"}`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ev ProviderEvent
			if err := json.Unmarshal([]byte(tt.raw), &ev); err != nil {
				t.Fatal(err)
			}
			if got := ev.TranscriptText(); got != tt.want {
				t.Errorf("TranscriptText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDerivedRange(t *testing.T) {
	f := func(v float64) *float64 { return &v }

	if r := derivedRange(StatBlock{Min: f(80), Max: f(220)}); r == nil || *r != 140 {
		t.Errorf("derivedRange = %v, want 140", r)
	}
	if r := derivedRange(StatBlock{Min: f(80)}); r != nil {
		t.Errorf("derivedRange with missing max = %v, want nil", *r)
	}
	if r := derivedRange(StatBlock{}); r != nil {
		t.Errorf("derivedRange with no bounds = %v, want nil", *r)
	}
}

func TestTurnRequestValidate(t *testing.T) {
	valid := TurnRequest{
		SessionID: "s1",
		UserID:    "u1",
		Message:   json.RawMessage(`{"type":"user_message"}`),
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}

	tests := []struct {
		name string
		req  TurnRequest
	}{
		{"missing_session", TurnRequest{UserID: "u1", Message: valid.Message}},
		{"missing_user", TurnRequest{SessionID: "s1", Message: valid.Message}},
		{"missing_message", TurnRequest{SessionID: "s1", UserID: "u1"}},
		{"all_missing", TurnRequest{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.req.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestProsodyBlockParsing(t *testing.T) {
	raw := `{
		"type": "user_transcript",
		"transcript": "tell me about your last project",
		"prosody": {
			"f0": {"mean": 120.5, "std": 15.2, "min": 85.0, "max": 210.0},
			"intensity": {"mean": 62.1, "std": 4.4, "min": 50.0, "max": 74.0},
			"speech_rate": 4.2,
			"jitter": 0.012
		}
	}`
	var ev ProviderEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Prosody == nil {
		t.Fatal("prosody block not parsed")
	}
	if r := derivedRange(ev.Prosody.F0); r == nil || *r != 125.0 {
		t.Errorf("f0 range = %v, want 125", r)
	}
	if r := derivedRange(ev.Prosody.Intensity); r == nil || *r != 24.0 {
		t.Errorf("intensity range = %v, want 24", r)
	}
	if ev.Prosody.SpeechRate == nil || *ev.Prosody.SpeechRate != 4.2 {
		t.Error("speech_rate not parsed")
	}
}
