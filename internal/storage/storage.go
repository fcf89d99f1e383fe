package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxhall/iv-engine/internal/config"
)

// ArtifactStore abstracts where reconstructed interview audio lives.
type ArtifactStore interface {
	// Save stores artifact data. key format: {session_id}/{filename} or
	// complete-audio-{chat_id}/{filename} for stitched recordings.
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// LocalPath returns the local filesystem path if the artifact exists on
	// disk. Returns "" if not available locally.
	LocalPath(key string) string

	// URL returns a fetchable URL for the artifact.
	// Returns "" for local-only backends.
	URL(ctx context.Context, key string) (string, error)

	// Open returns a reader for the artifact.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if an artifact exists.
	Exists(ctx context.Context, key string) bool

	// List returns the keys under the given prefix, lexically sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Type returns "local" or "s3".
	Type() string
}

// New creates an ArtifactStore based on config. Returns an error if S3 is
// configured but unreachable.
func New(cfg config.S3Config, audioDir string, log zerolog.Logger) (ArtifactStore, error) {
	if !cfg.Enabled() {
		return NewLocalStore(audioDir), nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("S3 init failed: %w", err)
	}

	// Startup validation: verify credentials and bucket access
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	return s3store, nil
}
