package reconstruct

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxhall/iv-engine/internal/database"
	"github.com/voxhall/iv-engine/internal/metrics"
	"github.com/voxhall/iv-engine/internal/storage"
)

// EventPublishFunc is a callback for publishing SSE events.
type EventPublishFunc func(eventType, sessionID string, payload map[string]any)

// JobStore is the slice of the durable store the orchestrator drives jobs
// through. *database.DB satisfies it.
type JobStore interface {
	CreateJob(ctx context.Context, sessionID string) (bool, error)
	MarkJobPolling(ctx context.Context, sessionID, chatID string, pollAfter time.Time) error
	ClaimDueJobs(ctx context.Context, limit int) ([]database.ReconstructionJobRow, error)
	ClaimStaleRequested(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	FinishJob(ctx context.Context, sessionID, status, resultURL string) error
	GetConversation(ctx context.Context, sessionID string) (*database.ConversationRow, error)
	SetArtifactStatuses(ctx context.Context, sessionID, status string) error
}

// Options configures the reconstruction orchestrator.
type Options struct {
	DB           JobStore
	Client       *Client
	Store        storage.ArtifactStore
	PollDelay    time.Duration // delay between start and the single poll
	PollTick     time.Duration // worker loop interval
	PollBatch    int           // max jobs claimed per tick
	PublishEvent EventPublishFunc
	Log          zerolog.Logger
}

// Orchestrator drives audio-stitch jobs through their lifecycle. Job state
// lives in the database, not in timers, so pending polls survive restarts.
type Orchestrator struct {
	db      JobStore
	client  *Client
	store   storage.ArtifactStore
	opts    Options
	log     zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	publish EventPublishFunc
}

// NewOrchestrator creates a reconstruction orchestrator.
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.PollBatch <= 0 {
		opts.PollBatch = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		db:      opts.DB,
		client:  opts.Client,
		store:   opts.Store,
		opts:    opts,
		log:     opts.Log.With().Str("component", "reconstruct").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		publish: opts.PublishEvent,
	}
}

// Start launches the poll worker loop.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.pollLoop()
	o.log.Info().
		Dur("poll_delay", o.opts.PollDelay).
		Dur("poll_tick", o.opts.PollTick).
		Msg("reconstruction worker started")
}

// Stop halts the worker loop and waits for in-flight polls.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
	o.log.Info().Msg("reconstruction worker stopped")
}

// Outcome is the recorded result of one stitch control call. Fire-and-forget
// callers still produce one, so failures stay visible in logs and metrics.
type Outcome struct {
	SessionID string
	Action    string
	Status    string
	Err       error
}

func (o *Orchestrator) record(out Outcome) {
	result := "ok"
	ev := o.log.Info()
	if out.Err != nil {
		result = "error"
		ev = o.log.Warn().Err(out.Err)
	}
	metrics.ReconstructionCallsTotal.WithLabelValues(out.Action, result).Inc()
	ev.Str("session_id", out.SessionID).
		Str("action", out.Action).
		Str("status", out.Status).
		Msg("stitch control call")
}

// OnCompletion kicks off audio reconstruction for a completed conversation.
// It returns immediately; the start call runs in the background and its
// failure is never surfaced to the caller.
func (o *Orchestrator) OnCompletion(sessionID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.record(o.startJob(sessionID))
	}()
}

func (o *Orchestrator) startJob(sessionID string) Outcome {
	out := Outcome{SessionID: sessionID, Action: "start"}

	created, err := o.db.CreateJob(o.ctx, sessionID)
	if err != nil {
		out.Err = err
		return out
	}
	if !created {
		// A job already exists for this session; a repeated completion
		// call must not restart the stitch.
		out.Status = "duplicate"
		return out
	}

	return o.issueStart(out, sessionID)
}

// issueStart makes the stitch start call for an existing REQUESTED job and
// transitions the row: terminal when the stitcher answers terminally, POLLING
// otherwise, FAILED when the call itself fails.
func (o *Orchestrator) issueStart(out Outcome, sessionID string) Outcome {
	resp, err := o.client.Start(o.ctx, sessionID)
	if err != nil {
		out.Err = err
		if ferr := o.db.FinishJob(o.ctx, sessionID, database.JobFailed, ""); ferr != nil {
			o.log.Warn().Err(ferr).Str("session_id", sessionID).Msg("failed to mark job failed")
		}
		metrics.ReconstructionJobsTotal.WithLabelValues(database.JobFailed).Inc()
		return out
	}
	out.Status = resp.Status

	switch resp.Status {
	case StitchComplete:
		o.finishComplete(o.ctx, sessionID, resp.ChatID)
	case StitchFailed:
		o.finishTerminal(o.ctx, sessionID, database.JobFailed)
	default:
		// Non-terminal: schedule the single delayed poll.
		chatID := resp.ChatID
		if chatID == "" {
			chatID = o.lookupChatID(sessionID)
		}
		pollAfter := time.Now().Add(o.opts.PollDelay)
		if err := o.db.MarkJobPolling(o.ctx, sessionID, chatID, pollAfter); err != nil {
			out.Err = err
		}
	}
	return out
}

// lookupChatID falls back to the chat id recorded from chat_metadata events.
func (o *Orchestrator) lookupChatID(sessionID string) string {
	conv, err := o.db.GetConversation(o.ctx, sessionID)
	if err != nil || conv == nil {
		return ""
	}
	return conv.ChatID
}
