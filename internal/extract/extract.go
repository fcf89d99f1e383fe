package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/voxhall/iv-engine/internal/database"
	"github.com/voxhall/iv-engine/internal/metrics"
)

// TurnRequest is one turn-ingestion delivery: the outer envelope around a raw
// provider event.
type TurnRequest struct {
	SessionID  string          `json:"session_id"`
	UserID     string          `json:"user_id"`
	Message    json.RawMessage `json:"message"`
	TurnNumber int             `json:"turn_number"`
}

// Validate rejects requests missing required fields, before any extraction.
func (r *TurnRequest) Validate() error {
	var missing []string
	if r.SessionID == "" {
		missing = append(missing, "session_id")
	}
	if r.UserID == "" {
		missing = append(missing, "user_id")
	}
	if len(r.Message) == 0 {
		missing = append(missing, "message")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %v", missing)
	}
	return nil
}

// Result reports what an ingestion delivery produced. Processed is false when
// the event was valid but wrote no turn: metadata-only events, short or empty
// transcripts, or sessions with no active conversation.
type Result struct {
	Processed bool
}

// Store is the slice of the durable store the pipeline writes through.
// *database.DB satisfies it.
type Store interface {
	StartConversation(ctx context.Context, sessionID, userID string) (string, error)
	GetActiveConversation(ctx context.Context, sessionID string) (*database.ConversationRow, error)
	SetChatMetadata(ctx context.Context, sessionID, chatID string, metadata json.RawMessage) error
	AppendTurn(ctx context.Context, t *database.TurnRow) (bool, error)
	InsertProsody(ctx context.Context, p *database.ProsodyRow) error
	UpsertAudioArtifact(ctx context.Context, a *database.AudioArtifactRow) error
	AbandonStale(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Options configures the extraction pipeline.
type Options struct {
	DB                 Store
	Bus                *EventBus
	MinTranscriptChars int
	AbandonAfter       time.Duration
	SweepInterval      time.Duration
	Log                zerolog.Logger
}

// Pipeline normalizes raw provider events into canonical turns and their
// optional side rows. Each delivery is stateless; the durable store is the
// only buffer, so concurrent deliveries for one session are safe.
type Pipeline struct {
	db       Store
	bus      *EventBus
	minChars int

	abandonAfter  time.Duration
	sweepInterval time.Duration

	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewPipeline(opts Options) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	minChars := opts.MinTranscriptChars
	if minChars <= 0 {
		minChars = 10
	}
	return &Pipeline{
		db:            opts.DB,
		bus:           opts.Bus,
		minChars:      minChars,
		abandonAfter:  opts.AbandonAfter,
		sweepInterval: opts.SweepInterval,
		log:           opts.Log.With().Str("component", "extract").Logger(),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start begins the background abandon sweep.
func (p *Pipeline) Start() {
	if p.abandonAfter > 0 && p.sweepInterval > 0 {
		go p.sweepLoop()
	}
	p.log.Info().Int("min_transcript_chars", p.minChars).Msg("extraction pipeline started")
}

// Stop cancels background work.
func (p *Pipeline) Stop() {
	p.cancel()
	p.log.Info().Msg("extraction pipeline stopped")
}

// Process handles one validated turn delivery.
//
// Error contract: an error return means the primary turn write failed and the
// caller should report a server error. Everything else (metadata-only
// events, short transcripts, missing active conversation, side-table write
// failures) resolves to a nil error, with Processed reporting whether a turn
// was written. Auxiliary failures surface only in logs and metrics, never to
// the caller: auxiliary storage must not block the live conversation.
func (p *Pipeline) Process(ctx context.Context, req *TurnRequest) (Result, error) {
	var ev ProviderEvent
	if err := json.Unmarshal(req.Message, &ev); err != nil {
		p.log.Warn().Err(err).Str("session_id", req.SessionID).Msg("unparseable provider event, skipping")
		metrics.TurnsSkippedTotal.WithLabelValues("unparseable").Inc()
		return Result{Processed: false}, nil
	}

	kind := ev.Kind()
	metrics.EventsTotal.WithLabelValues(kind.String()).Inc()

	// Metadata events update the conversation and stop there: never a Turn.
	if kind == KindChatMetadata {
		return p.processChatMetadata(ctx, req, &ev)
	}

	if _, err := p.db.GetActiveConversation(ctx, req.SessionID); err != nil {
		if errors.Is(err, database.ErrNoActiveConversation) {
			p.log.Warn().Str("session_id", req.SessionID).Msg("turn for session with no active conversation, skipping")
			metrics.TurnsSkippedTotal.WithLabelValues("no_conversation").Inc()
			return Result{Processed: false}, nil
		}
		return Result{}, fmt.Errorf("lookup conversation: %w", err)
	}

	// Transcripts at or below the minimum are noise (fillers, fragments).
	// The bound is inclusive and counts runes, not bytes.
	text := ev.TranscriptText()
	if n := utf8.RuneCountInString(text); n <= p.minChars {
		p.log.Debug().
			Str("session_id", req.SessionID).
			Int("len", n).
			Msg("transcript at or below minimum length, skipping")
		metrics.TurnsSkippedTotal.WithLabelValues("short_transcript").Inc()
		return Result{Processed: false}, nil
	}

	turn := &database.TurnRow{
		SessionID:   req.SessionID,
		TurnNumber:  req.TurnNumber,
		Speaker:     kind.Speaker(),
		MessageType: ev.Type,
		Content:     text,
		TimeBegin:   ev.TimeBegin,
		TimeEnd:     ev.TimeEnd,
		Duration:    ev.Duration,
		Emotions:    ev.Emotions,
		Metadata:    ev.Metadata,
	}
	if ev.Timestamp > 0 {
		t := time.UnixMilli(ev.Timestamp)
		turn.SpokenAt = &t
	}

	inserted, err := p.db.AppendTurn(ctx, turn)
	if err != nil {
		return Result{}, fmt.Errorf("append turn: %w", err)
	}
	if inserted {
		metrics.TurnsAppendedTotal.Inc()
	} else {
		p.log.Debug().
			Str("session_id", req.SessionID).
			Int("turn_number", req.TurnNumber).
			Msg("duplicate turn delivery, already stored")
	}

	// Side tables are best effort: each write is independently retryable on
	// redelivery and a failure never aborts the turn that was just stored.
	p.writeProsody(ctx, turn, ev.Prosody)
	p.writeAudioArtifact(ctx, turn, ev.Audio)

	p.publishTurn(turn)

	return Result{Processed: true}, nil
}

func (p *Pipeline) processChatMetadata(ctx context.Context, req *TurnRequest, ev *ProviderEvent) (Result, error) {
	err := p.db.SetChatMetadata(ctx, req.SessionID, ev.ChatID, ev.Metadata)
	if errors.Is(err, database.ErrNoActiveConversation) {
		p.log.Warn().Str("session_id", req.SessionID).Msg("chat_metadata for session with no active conversation, skipping")
		metrics.TurnsSkippedTotal.WithLabelValues("no_conversation").Inc()
		return Result{Processed: false}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("set chat metadata: %w", err)
	}
	p.log.Debug().
		Str("session_id", req.SessionID).
		Str("chat_id", ev.ChatID).
		Msg("chat metadata recorded")
	return Result{Processed: false}, nil
}

func (p *Pipeline) writeProsody(ctx context.Context, turn *database.TurnRow, block *ProsodyBlock) {
	if block == nil {
		return
	}

	row := &database.ProsodyRow{
		SessionID:  turn.SessionID,
		TurnNumber: turn.TurnNumber,
		Speaker:    turn.Speaker,

		F0Mean:  block.F0.Mean,
		F0Std:   block.F0.Std,
		F0Min:   block.F0.Min,
		F0Max:   block.F0.Max,
		F0Range: derivedRange(block.F0),

		SpeechRate:    block.SpeechRate,
		PauseDuration: block.PauseDuration,

		IntensityMean:  block.Intensity.Mean,
		IntensityStd:   block.Intensity.Std,
		IntensityMin:   block.Intensity.Min,
		IntensityMax:   block.Intensity.Max,
		IntensityRange: derivedRange(block.Intensity),

		Jitter:   block.Jitter,
		Shimmer:  block.Shimmer,
		HNR:      block.HNR,
		Duration: block.Duration,
	}

	if err := p.db.InsertProsody(ctx, row); err != nil {
		p.log.Warn().Err(err).
			Str("session_id", turn.SessionID).
			Int("turn_number", turn.TurnNumber).
			Msg("prosody write failed, turn kept")
		metrics.SideWriteFailuresTotal.WithLabelValues("prosody_features").Inc()
	}
}

func (p *Pipeline) writeAudioArtifact(ctx context.Context, turn *database.TurnRow, block *AudioBlock) {
	if block == nil || block.URL == "" {
		return
	}

	row := &database.AudioArtifactRow{
		SessionID:        turn.SessionID,
		TurnNumber:       turn.TurnNumber,
		Speaker:          turn.Speaker,
		URL:              block.URL,
		Duration:         block.Duration,
		Format:           block.Format,
		SampleRate:       block.SampleRate,
		BitDepth:         block.BitDepth,
		FileSize:         block.FileSize,
		ProcessingStatus: database.ArtifactPending,
	}

	if err := p.db.UpsertAudioArtifact(ctx, row); err != nil {
		p.log.Warn().Err(err).
			Str("session_id", turn.SessionID).
			Int("turn_number", turn.TurnNumber).
			Msg("audio artifact write failed, turn kept")
		metrics.SideWriteFailuresTotal.WithLabelValues("audio_artifacts").Inc()
	}
}

func (p *Pipeline) publishTurn(turn *database.TurnRow) {
	if p.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"session_id":  turn.SessionID,
		"turn_number": turn.TurnNumber,
		"speaker":     turn.Speaker,
		"content":     turn.Content,
	})
	if err != nil {
		return
	}
	p.bus.Publish("turn", turn.SessionID, payload)
}

// PublishCompletion announces a completed session on the event stream.
func (p *Pipeline) PublishCompletion(sessionID string) {
	if p.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{"session_id": sessionID})
	p.bus.Publish("completion", sessionID, payload)
}

// sweepLoop periodically marks idle active conversations as abandoned.
func (p *Pipeline) sweepLoop() {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
			sessions, err := p.db.AbandonStale(ctx, time.Now().Add(-p.abandonAfter))
			cancel()
			if err != nil {
				p.log.Warn().Err(err).Msg("abandon sweep failed")
				continue
			}
			for _, s := range sessions {
				p.log.Info().Str("session_id", s).Msg("conversation abandoned after idle timeout")
			}
		}
	}
}
