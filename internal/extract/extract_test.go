package extract

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/voxhall/iv-engine/internal/database"
)

// fakeStore is an in-memory Store for pipeline tests.
type fakeStore struct {
	active    map[string]*database.ConversationRow
	turns     []database.TurnRow
	prosody   []database.ProsodyRow
	artifacts []database.AudioArtifactRow
	chatIDs   map[string]string
}

func newFakeStore(activeSessions ...string) *fakeStore {
	fs := &fakeStore{
		active:  make(map[string]*database.ConversationRow),
		chatIDs: make(map[string]string),
	}
	for _, s := range activeSessions {
		fs.active[s] = &database.ConversationRow{
			ID:        "conv-" + s,
			SessionID: s,
			Status:    database.StatusActive,
		}
	}
	return fs
}

func (fs *fakeStore) StartConversation(_ context.Context, sessionID, userID string) (string, error) {
	if c, ok := fs.active[sessionID]; ok {
		return c.ID, nil
	}
	fs.active[sessionID] = &database.ConversationRow{
		ID:        "conv-" + sessionID,
		SessionID: sessionID,
		UserID:    userID,
		Status:    database.StatusActive,
	}
	return "conv-" + sessionID, nil
}

func (fs *fakeStore) GetActiveConversation(_ context.Context, sessionID string) (*database.ConversationRow, error) {
	c, ok := fs.active[sessionID]
	if !ok {
		return nil, database.ErrNoActiveConversation
	}
	return c, nil
}

func (fs *fakeStore) SetChatMetadata(_ context.Context, sessionID, chatID string, _ json.RawMessage) error {
	if _, ok := fs.active[sessionID]; !ok {
		return database.ErrNoActiveConversation
	}
	fs.chatIDs[sessionID] = chatID
	return nil
}

func (fs *fakeStore) AppendTurn(_ context.Context, t *database.TurnRow) (bool, error) {
	fs.turns = append(fs.turns, *t)
	return true, nil
}

func (fs *fakeStore) InsertProsody(_ context.Context, p *database.ProsodyRow) error {
	fs.prosody = append(fs.prosody, *p)
	return nil
}

func (fs *fakeStore) UpsertAudioArtifact(_ context.Context, a *database.AudioArtifactRow) error {
	fs.artifacts = append(fs.artifacts, *a)
	return nil
}

func (fs *fakeStore) AbandonStale(_ context.Context, _ time.Time) ([]string, error) {
	return nil, nil
}

func testPipeline(fs *fakeStore) *Pipeline {
	return NewPipeline(Options{DB: fs, Log: zerolog.Nop()})
}

func ingest(t *testing.T, p *Pipeline, sessionID string, turnNumber int, rawEvent string) Result {
	t.Helper()
	res, err := p.Process(context.Background(), &TurnRequest{
		SessionID:  sessionID,
		UserID:     "user-1",
		Message:    json.RawMessage(rawEvent),
		TurnNumber: turnNumber,
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	return res
}

func TestProcessWritesTurnWithSideRows(t *testing.T) {
	fs := newFakeStore("sess-1")
	p := testPipeline(fs)

	res := ingest(t, p, "sess-1", 1, `{
		"type": "user_message",
		"message": {"content": "tell me about your last project"},
		"timestamp": 1700000000000,
		"prosody": {"f0": {"mean": 120, "min": 90, "max": 180}},
		"audio": {"url": "https://cdn.example.com/turn1.wav", "format": "wav"}
	}`)
	if !res.Processed {
		t.Fatal("Processed = false, want true")
	}
	if len(fs.turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(fs.turns))
	}
	turn := fs.turns[0]
	if turn.Speaker != database.SpeakerUser {
		t.Errorf("speaker = %q, want %q", turn.Speaker, database.SpeakerUser)
	}
	if turn.Content != "tell me about your last project" {
		t.Errorf("content = %q", turn.Content)
	}
	if turn.SpokenAt == nil || turn.SpokenAt.UnixMilli() != 1700000000000 {
		t.Errorf("spoken_at = %v, want timestamp carried over", turn.SpokenAt)
	}
	if len(fs.prosody) != 1 {
		t.Errorf("prosody rows = %d, want 1", len(fs.prosody))
	}
	if len(fs.artifacts) != 1 {
		t.Errorf("audio artifact rows = %d, want 1", len(fs.artifacts))
	}
}

func TestProcessShortTranscript(t *testing.T) {
	fs := newFakeStore("sess-1")
	p := testPipeline(fs)

	// Exactly at the 10-rune minimum: the bound is inclusive, so the event
	// is dropped and nothing reaches the store, side tables included.
	res := ingest(t, p, "sess-1", 1, `{
		"type": "user_message",
		"message": {"content": "exactly10!"},
		"prosody": {"f0": {"mean": 120}},
		"audio": {"url": "https://cdn.example.com/t.wav"}
	}`)
	if res.Processed {
		t.Error("Processed = true for 10-rune transcript, want false")
	}
	if len(fs.turns) != 0 || len(fs.prosody) != 0 || len(fs.artifacts) != 0 {
		t.Errorf("rows written = %d/%d/%d, want none",
			len(fs.turns), len(fs.prosody), len(fs.artifacts))
	}

	// One rune over the minimum goes through.
	res = ingest(t, p, "sess-1", 2, `{
		"type": "user_message",
		"message": {"content": "eleven char"}
	}`)
	if !res.Processed {
		t.Error("Processed = false for 11-rune transcript, want true")
	}
	if len(fs.turns) != 1 {
		t.Errorf("turns = %d, want 1", len(fs.turns))
	}
}

func TestProcessChatMetadataWritesNoTurn(t *testing.T) {
	fs := newFakeStore("sess-1")
	p := testPipeline(fs)

	res := ingest(t, p, "sess-1", 1, `{
		"type": "chat_metadata",
		"chat_id": "chat-42",
		"metadata": {"provider": "hume"}
	}`)
	if res.Processed {
		t.Error("Processed = true for chat_metadata, want false")
	}
	if len(fs.turns) != 0 {
		t.Errorf("turns = %d, want 0", len(fs.turns))
	}
	if got := fs.chatIDs["sess-1"]; got != "chat-42" {
		t.Errorf("chat_id = %q, want %q", got, "chat-42")
	}
}

func TestProcessNoActiveConversation(t *testing.T) {
	fs := newFakeStore()
	p := testPipeline(fs)

	res := ingest(t, p, "sess-missing", 1, `{
		"type": "user_message",
		"message": {"content": "a transcript long enough to store"}
	}`)
	if res.Processed {
		t.Error("Processed = true with no active conversation, want false")
	}
	if len(fs.turns) != 0 {
		t.Errorf("turns = %d, want 0", len(fs.turns))
	}
}

func TestProcessUnparseableEvent(t *testing.T) {
	fs := newFakeStore("sess-1")
	p := testPipeline(fs)

	res := ingest(t, p, "sess-1", 1, `{"type": "user_message",`)
	if res.Processed {
		t.Error("Processed = true for unparseable event, want false")
	}
	if len(fs.turns) != 0 {
		t.Errorf("turns = %d, want 0", len(fs.turns))
	}
}
