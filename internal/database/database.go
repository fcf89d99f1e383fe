package database

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

func Connect(ctx context.Context, databaseURL string, log zerolog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 16
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Str("url", maskDSN(databaseURL)).
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("database connected")

	return &DB{Pool: pool, log: log}, nil
}

func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.Pool.Ping(ctx)
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

func (db *DB) Close() {
	db.log.Info().Msg("closing database pool")
	db.Pool.Close()
}

// InitSchema creates the schema on a fresh database. Every statement is
// conditional, so it is a no-op on an initialized one.
func (db *DB) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id UUID PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			chat_id TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ,
			duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_turns INT NOT NULL DEFAULT 0,
			metadata JSONB
		)`,
		// One active conversation per session.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active
			ON conversations (session_id) WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_status_started
			ON conversations (status, started_at DESC)`,

		// Append-only. The bigserial id is the insertion order; the unique
		// constraint makes retried deliveries idempotent.
		`CREATE TABLE IF NOT EXISTS turns (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			turn_number INT NOT NULL,
			speaker TEXT NOT NULL,
			message_type TEXT NOT NULL,
			content TEXT NOT NULL,
			spoken_at TIMESTAMPTZ,
			time_begin DOUBLE PRECISION,
			time_end DOUBLE PRECISION,
			duration DOUBLE PRECISION,
			emotions JSONB,
			metadata JSONB,
			inserted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (session_id, turn_number, speaker)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session ON turns (session_id, id)`,

		`CREATE TABLE IF NOT EXISTS audio_artifacts (
			session_id TEXT NOT NULL,
			turn_number INT NOT NULL,
			speaker TEXT NOT NULL,
			url TEXT NOT NULL,
			duration DOUBLE PRECISION,
			format TEXT,
			sample_rate INT,
			bit_depth INT,
			file_size BIGINT,
			processing_status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (session_id, turn_number, speaker)
		)`,

		`CREATE TABLE IF NOT EXISTS prosody_features (
			session_id TEXT NOT NULL,
			turn_number INT NOT NULL,
			speaker TEXT NOT NULL,
			f0_mean DOUBLE PRECISION, f0_std DOUBLE PRECISION,
			f0_min DOUBLE PRECISION, f0_max DOUBLE PRECISION,
			f0_range DOUBLE PRECISION,
			speech_rate DOUBLE PRECISION,
			pause_duration DOUBLE PRECISION,
			intensity_mean DOUBLE PRECISION, intensity_std DOUBLE PRECISION,
			intensity_min DOUBLE PRECISION, intensity_max DOUBLE PRECISION,
			intensity_range DOUBLE PRECISION,
			jitter DOUBLE PRECISION,
			shimmer DOUBLE PRECISION,
			hnr DOUBLE PRECISION,
			duration DOUBLE PRECISION,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (session_id, turn_number, speaker)
		)`,

		`CREATE TABLE IF NOT EXISTS reconstruction_jobs (
			session_id TEXT PRIMARY KEY,
			chat_id TEXT,
			status TEXT NOT NULL DEFAULT 'REQUESTED',
			requested_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			poll_after TIMESTAMPTZ,
			polled_at TIMESTAMPTZ,
			result_url TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_due
			ON reconstruction_jobs (poll_after) WHERE status = 'POLLING'`,
	}

	for _, stmt := range stmts {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	db.log.Debug().Msg("schema initialized")
	return nil
}
