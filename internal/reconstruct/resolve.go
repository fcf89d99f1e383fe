package reconstruct

import (
	"context"
	"fmt"

	"github.com/voxhall/iv-engine/internal/storage"
)

// audioPrefix is the stitcher's naming convention for complete recordings.
func audioPrefix(chatID string) string {
	return "complete-audio-" + chatID
}

// ResolveAudioKey finds the storage key of a session's complete recording by
// listing objects under the stitcher's naming convention. Returns "" when no
// artifact exists yet; that is not an error.
func ResolveAudioKey(ctx context.Context, store storage.ArtifactStore, chatID string) (string, error) {
	if chatID == "" {
		return "", nil
	}

	keys, err := store.List(ctx, audioPrefix(chatID))
	if err != nil {
		return "", fmt.Errorf("list complete audio for chat %s: %w", chatID, err)
	}
	if len(keys) == 0 {
		return "", nil
	}
	return keys[0], nil
}

// ResolveAudioURL finds the playable URL for a session's complete recording.
func ResolveAudioURL(ctx context.Context, store storage.ArtifactStore, chatID string) (string, error) {
	key, err := ResolveAudioKey(ctx, store, chatID)
	if err != nil || key == "" {
		return "", err
	}

	url, err := store.URL(ctx, key)
	if err != nil {
		return "", fmt.Errorf("resolve URL for %s: %w", key, err)
	}
	return url, nil
}
