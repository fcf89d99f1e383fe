package reconstruct

import (
	"context"
	"time"

	"github.com/voxhall/iv-engine/internal/database"
	"github.com/voxhall/iv-engine/internal/metrics"
)

func (o *Orchestrator) pollLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.opts.PollTick)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.pollDue()
			o.recoverStale()
		}
	}
}

// recoverStale re-issues the start call for jobs stranded in REQUESTED by a
// crash between job creation and the polling transition. Without it those
// rows sit forever: the poll claim only sees POLLING.
func (o *Orchestrator) recoverStale() {
	cutoff := time.Now().Add(-o.opts.PollDelay)
	sessions, err := o.db.ClaimStaleRequested(o.ctx, cutoff, o.opts.PollBatch)
	if err != nil {
		o.log.Warn().Err(err).Msg("claiming stale requested jobs failed")
		return
	}
	for _, sessionID := range sessions {
		o.log.Info().Str("session_id", sessionID).Msg("re-issuing start for stranded job")
		o.record(o.issueStart(Outcome{SessionID: sessionID, Action: "restart"}, sessionID))
	}
}

func (o *Orchestrator) pollDue() {
	jobs, err := o.db.ClaimDueJobs(o.ctx, o.opts.PollBatch)
	if err != nil {
		o.log.Warn().Err(err).Msg("claiming due jobs failed")
		return
	}
	for _, job := range jobs {
		o.record(o.pollJob(job))
	}
}

// pollJob performs the single scheduled poll for a claimed job. The job
// always reaches a terminal state here: COMPLETE or FAILED as the stitcher
// reports, ABANDONED when the poll cannot produce an answer.
func (o *Orchestrator) pollJob(job database.ReconstructionJobRow) Outcome {
	out := Outcome{SessionID: job.SessionID, Action: "poll"}

	if job.ChatID == "" {
		out.Status = "no chat id"
		o.finishTerminal(o.ctx, job.SessionID, database.JobAbandoned)
		return out
	}

	resp, err := o.client.Poll(o.ctx, job.SessionID, job.ChatID)
	if err != nil {
		out.Err = err
		o.finishTerminal(o.ctx, job.SessionID, database.JobAbandoned)
		return out
	}
	out.Status = resp.Status

	switch resp.Status {
	case StitchComplete:
		o.finishComplete(o.ctx, job.SessionID, job.ChatID)
	case StitchFailed:
		o.finishTerminal(o.ctx, job.SessionID, database.JobFailed)
	default:
		// Still processing after the one scheduled poll; no retries.
		o.finishTerminal(o.ctx, job.SessionID, database.JobAbandoned)
	}
	return out
}

func (o *Orchestrator) finishComplete(ctx context.Context, sessionID, chatID string) {
	resultURL, err := ResolveAudioURL(ctx, o.store, chatID)
	if err != nil {
		o.log.Warn().Err(err).Str("session_id", sessionID).Msg("complete audio resolution failed")
	}

	if err := o.db.FinishJob(ctx, sessionID, database.JobComplete, resultURL); err != nil {
		o.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to mark job complete")
		return
	}
	metrics.ReconstructionJobsTotal.WithLabelValues(database.JobComplete).Inc()

	if err := o.db.SetArtifactStatuses(ctx, sessionID, database.ArtifactComplete); err != nil {
		o.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to advance artifact statuses")
	}

	if o.publish != nil {
		o.publish("reconstruction", sessionID, map[string]any{
			"session_id": sessionID,
			"chat_id":    chatID,
			"status":     database.JobComplete,
			"audio_url":  resultURL,
		})
	}
}

func (o *Orchestrator) finishTerminal(ctx context.Context, sessionID, status string) {
	if err := o.db.FinishJob(ctx, sessionID, status, ""); err != nil {
		o.log.Warn().Err(err).Str("session_id", sessionID).Str("status", status).Msg("failed to finish job")
		return
	}
	metrics.ReconstructionJobsTotal.WithLabelValues(status).Inc()

	if status == database.JobFailed {
		if err := o.db.SetArtifactStatuses(ctx, sessionID, database.ArtifactFailed); err != nil {
			o.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to advance artifact statuses")
		}
	}

	if o.publish != nil {
		o.publish("reconstruction", sessionID, map[string]any{
			"session_id": sessionID,
			"status":     status,
		})
	}
}
