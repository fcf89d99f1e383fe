package reconstruct

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

// stubStore is an in-memory ArtifactStore for resolution tests.
type stubStore struct {
	keys    []string
	listErr error
}

func (s *stubStore) Save(ctx context.Context, key string, data []byte, contentType string) error {
	s.keys = append(s.keys, key)
	return nil
}
func (s *stubStore) LocalPath(key string) string { return "" }
func (s *stubStore) URL(ctx context.Context, key string) (string, error) {
	return "https://cdn.example.com/" + key, nil
}
func (s *stubStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}
func (s *stubStore) Exists(ctx context.Context, key string) bool { return false }
func (s *stubStore) List(ctx context.Context, prefix string) ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []string
	for _, k := range s.keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}
func (s *stubStore) Type() string { return "stub" }

func TestResolveAudioURL(t *testing.T) {
	ctx := context.Background()
	store := &stubStore{keys: []string{
		"complete-audio-chat1.wav",
		"complete-audio-chat10.wav",
		"sess-1/turn-0-user.wav",
	}}

	url, err := ResolveAudioURL(ctx, store, "chat1")
	if err != nil {
		t.Fatal(err)
	}
	// Prefix listing also matches chat10; the first sorted key wins.
	if url != "https://cdn.example.com/complete-audio-chat1.wav" {
		t.Errorf("url = %q", url)
	}
}

func TestResolveAudioURLNoMatch(t *testing.T) {
	ctx := context.Background()
	store := &stubStore{keys: []string{"sess-1/turn-0-user.wav"}}

	url, err := ResolveAudioURL(ctx, store, "chat-missing")
	if err != nil {
		t.Fatal(err)
	}
	if url != "" {
		t.Errorf("expected empty url, got %q", url)
	}
}

func TestResolveAudioURLEmptyChatID(t *testing.T) {
	store := &stubStore{listErr: errors.New("should not be called")}
	url, err := ResolveAudioURL(context.Background(), store, "")
	if err != nil || url != "" {
		t.Errorf("got url=%q err=%v", url, err)
	}
}

func TestResolveAudioURLListError(t *testing.T) {
	store := &stubStore{listErr: errors.New("bucket unreachable")}
	if _, err := ResolveAudioURL(context.Background(), store, "chat1"); err == nil {
		t.Error("expected error when listing fails")
	}
}
