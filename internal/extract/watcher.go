package extract

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// sessionExport is one exported per-session event batch dropped into the
// watch directory.
type sessionExport struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Events    []struct {
		TurnNumber int             `json:"turn_number"`
		Message    json.RawMessage `json:"message"`
	} `json:"events"`
}

// FileWatcher monitors a directory for exported session event files and
// backfills them through the Pipeline. This covers providers delivering batch
// exports instead of (or in addition to) live webhooks; the turns table's
// unique constraint deduplicates against live ingestion.
type FileWatcher struct {
	pipeline *Pipeline
	watchDir string
	log      zerolog.Logger

	watcher *fsnotify.Watcher
	cancel  func()

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	filesProcessed atomic.Int64
	filesSkipped   atomic.Int64
}

func NewFileWatcher(p *Pipeline, watchDir string) *FileWatcher {
	return &FileWatcher{
		pipeline:       p,
		watchDir:       watchDir,
		log:            p.log.With().Str("component", "watcher").Logger(),
		debounceTimers: make(map[string]*time.Timer),
	}
}

// Start begins watching. Existing files are processed once at startup, then
// new or rewritten files as they appear.
func (fw *FileWatcher) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	fw.watcher = w

	if err := w.Add(fw.watchDir); err != nil {
		w.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	fw.cancel = cancel

	go fw.backfill(ctx)
	go fw.loop(ctx)

	fw.log.Info().Str("dir", fw.watchDir).Msg("event file watcher started")
	return nil
}

// Stop tears down the watcher.
func (fw *FileWatcher) Stop() {
	if fw.cancel != nil {
		fw.cancel()
	}
	if fw.watcher != nil {
		fw.watcher.Close()
	}
	fw.log.Info().
		Int64("processed", fw.filesProcessed.Load()).
		Int64("skipped", fw.filesSkipped.Load()).
		Msg("event file watcher stopped")
}

func (fw *FileWatcher) backfill(ctx context.Context) {
	entries, err := os.ReadDir(fw.watchDir)
	if err != nil {
		fw.log.Warn().Err(err).Msg("backfill scan failed")
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		fw.processFile(ctx, filepath.Join(fw.watchDir, entry.Name()))
	}
}

func (fw *FileWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			fw.debounce(ctx, ev.Name)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Warn().Err(err).Msg("watcher error")
		}
	}
}

// debounce waits for writes to settle before processing a file.
func (fw *FileWatcher) debounce(ctx context.Context, path string) {
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	if t, ok := fw.debounceTimers[path]; ok {
		t.Stop()
	}
	fw.debounceTimers[path] = time.AfterFunc(500*time.Millisecond, func() {
		fw.debounceMu.Lock()
		delete(fw.debounceTimers, path)
		fw.debounceMu.Unlock()
		fw.processFile(ctx, path)
	})
}

func (fw *FileWatcher) processFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fw.log.Warn().Err(err).Str("path", path).Msg("failed to read event file")
		fw.filesSkipped.Add(1)
		return
	}

	var export sessionExport
	if err := json.Unmarshal(data, &export); err != nil {
		fw.log.Warn().Err(err).Str("path", path).Msg("malformed event file, skipping")
		fw.filesSkipped.Add(1)
		return
	}
	if export.SessionID == "" || export.UserID == "" {
		fw.log.Warn().Str("path", path).Msg("event file missing session_id/user_id, skipping")
		fw.filesSkipped.Add(1)
		return
	}

	procCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	// Exports may predate the live session: ensure a conversation exists.
	if _, err := fw.pipeline.db.StartConversation(procCtx, export.SessionID, export.UserID); err != nil {
		fw.log.Warn().Err(err).Str("session_id", export.SessionID).Msg("backfill conversation create failed")
		fw.filesSkipped.Add(1)
		return
	}

	var processed int
	for _, ev := range export.Events {
		req := &TurnRequest{
			SessionID:  export.SessionID,
			UserID:     export.UserID,
			Message:    ev.Message,
			TurnNumber: ev.TurnNumber,
		}
		if err := req.Validate(); err != nil {
			continue
		}
		res, err := fw.pipeline.Process(procCtx, req)
		if err != nil {
			fw.log.Warn().Err(err).
				Str("session_id", export.SessionID).
				Int("turn_number", ev.TurnNumber).
				Msg("backfill turn failed")
			continue
		}
		if res.Processed {
			processed++
		}
	}

	fw.filesProcessed.Add(1)
	fw.log.Info().
		Str("path", path).
		Str("session_id", export.SessionID).
		Int("events", len(export.Events)).
		Int("turns", processed).
		Msg("event file backfilled")
}
