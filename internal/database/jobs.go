package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Reconstruction job statuses.
const (
	JobRequested = "REQUESTED"
	JobPolling   = "POLLING"
	JobComplete  = "COMPLETE"
	JobFailed    = "FAILED"
	JobAbandoned = "ABANDONED"
)

// ReconstructionJobRow is the durable record of one audio-stitch job. One row
// per session; the poll schedule lives in the row so pending polls survive
// restarts.
type ReconstructionJobRow struct {
	SessionID   string     `json:"session_id"`
	ChatID      string     `json:"chat_id,omitempty"`
	Status      string     `json:"status"`
	RequestedAt time.Time  `json:"requested_at"`
	PollAfter   *time.Time `json:"poll_after,omitempty"`
	PolledAt    *time.Time `json:"polled_at,omitempty"`
	ResultURL   string     `json:"result_url,omitempty"`
}

// CreateJob records that a stitch was requested for a session. Idempotent:
// a second completion call for the same session is a no-op.
func (db *DB) CreateJob(ctx context.Context, sessionID string) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		INSERT INTO reconstruction_jobs (session_id, status)
		VALUES ($1, 'REQUESTED')
		ON CONFLICT (session_id) DO NOTHING
	`, sessionID)
	if err != nil {
		return false, fmt.Errorf("create job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkJobPolling schedules the single delayed poll for a started job.
func (db *DB) MarkJobPolling(ctx context.Context, sessionID, chatID string, pollAfter time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE reconstruction_jobs
		SET status = 'POLLING', chat_id = $2, poll_after = $3
		WHERE session_id = $1 AND status = 'REQUESTED'
	`, sessionID, chatID, pollAfter)
	if err != nil {
		return fmt.Errorf("mark job polling: %w", err)
	}
	return nil
}

// ClaimDueJobs atomically claims jobs whose poll is due. Claiming stamps
// polled_at, so a job is polled at most once even across competing workers
// (SKIP LOCKED) or a crash mid-poll.
func (db *DB) ClaimDueJobs(ctx context.Context, limit int) ([]ReconstructionJobRow, error) {
	rows, err := db.Pool.Query(ctx, `
		UPDATE reconstruction_jobs j
		SET polled_at = now()
		WHERE j.session_id IN (
			SELECT session_id FROM reconstruction_jobs
			WHERE status = 'POLLING' AND poll_after <= now() AND polled_at IS NULL
			ORDER BY poll_after
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING j.session_id, COALESCE(j.chat_id, ''), j.status,
			j.requested_at, j.poll_after, j.polled_at, COALESCE(j.result_url, '')
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []ReconstructionJobRow
	for rows.Next() {
		var j ReconstructionJobRow
		if err := rows.Scan(
			&j.SessionID, &j.ChatID, &j.Status,
			&j.RequestedAt, &j.PollAfter, &j.PolledAt, &j.ResultURL,
		); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ClaimStaleRequested atomically claims jobs stuck in REQUESTED since before
// the cutoff. A crash between job creation and the polling transition leaves
// a row no poll will ever pick up; claiming re-stamps requested_at so one
// worker re-issues the start call and competing sweeps skip the row.
func (db *DB) ClaimStaleRequested(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `
		UPDATE reconstruction_jobs j
		SET requested_at = now()
		WHERE j.session_id IN (
			SELECT session_id FROM reconstruction_jobs
			WHERE status = 'REQUESTED' AND requested_at < $1
			ORDER BY requested_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING j.session_id
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("claim stale requested jobs: %w", err)
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// FinishJob moves a job to a terminal state.
func (db *DB) FinishJob(ctx context.Context, sessionID, status, resultURL string) error {
	if status != JobComplete && status != JobFailed && status != JobAbandoned {
		return fmt.Errorf("invalid terminal job status: %s", status)
	}
	_, err := db.Pool.Exec(ctx, `
		UPDATE reconstruction_jobs
		SET status = $2, result_url = NULLIF($3, '')
		WHERE session_id = $1 AND status IN ('REQUESTED', 'POLLING')
	`, sessionID, status, resultURL)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// GetJob returns the reconstruction job for a session, or nil if none exists.
func (db *DB) GetJob(ctx context.Context, sessionID string) (*ReconstructionJobRow, error) {
	var j ReconstructionJobRow
	err := db.Pool.QueryRow(ctx, `
		SELECT session_id, COALESCE(chat_id, ''), status,
			requested_at, poll_after, polled_at, COALESCE(result_url, '')
		FROM reconstruction_jobs
		WHERE session_id = $1
	`, sessionID).Scan(
		&j.SessionID, &j.ChatID, &j.Status,
		&j.RequestedAt, &j.PollAfter, &j.PolledAt, &j.ResultURL,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &j, nil
}

// JobStats counts reconstruction jobs by status for the health payload.
func (db *DB) JobStats(ctx context.Context) (map[string]int, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT status, count(*) FROM reconstruction_jobs GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[status] = n
	}
	return stats, rows.Err()
}
