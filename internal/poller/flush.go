package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
	"github.com/asheshgoplani/agent-relay/internal/transcript"
)

var flushLog = logging.ForComponent(logging.CompFlush)

// FlushPendingResponse saves whatever reply to the previous turn is sitting
// in the pane before a new user message stamped userTS goes out. The saved
// record is timestamped strictly before userTS. It returns nil when there
// was nothing to save. Failures are logged and swallowed: a broken flush
// must never block the send.
func (s *Scheduler) FlushPendingResponse(ctx context.Context, sessionID string, tool tmux.ToolVariant, userTS time.Time) *statedb.Message {
	log := flushLog.With(slog.String("session", sessionID), slog.String("tool", string(tool)))
	unlock := s.lockCursor(sessionID, tool)
	defer unlock()

	target, err := s.resolve(sessionID)
	if err != nil {
		log.Warn("flush_resolve_failed", slog.String("error", err.Error()))
		return nil
	}
	last, err := s.store.GetCursor(sessionID, string(tool))
	if err != nil {
		log.Warn("flush_cursor_read_failed", slog.String("error", err.Error()))
		return nil
	}
	raw, err := s.term.Capture(ctx, target, s.cfg.CaptureLines)
	if err != nil {
		log.Warn("flush_capture_failed", slog.String("error", err.Error()))
		return nil
	}

	p := s.registry.ProfileFor(tool)
	lines := tmux.Lines(tmux.Normalize(raw))
	total := len(lines)
	key := transcript.Key{SessionID: sessionID, Tool: tool}

	var window []string
	accumulated := s.acc.Lines(key)
	if p.Accumulate && len(accumulated) > 0 {
		// The poller already stitched the scrolled frames; the scrollback
		// of a full-screen TUI says nothing about growth.
		window = accumulated
	} else {
		if total <= last {
			log.Debug("flush_nothing_new", slog.Int("cursor", last), slog.Int("lines", total))
			return nil
		}
		// Growth rules out a reset, and the near-boundary lookback would
		// jump past the question typed at the bottom of a short pane.
		window = lines[max(0, last):]
	}

	var saved *statedb.Message
	content := transcript.Extract(window, p, transcript.BeforeLastPrompt)
	switch {
	case content == "":
		log.Debug("flush_empty", slog.Int("cursor", total))
	case s.alreadySaved(sessionID, content):
		log.Debug("flush_duplicate", slog.Int("cursor", total))
	default:
		msg := &statedb.Message{
			SessionID: sessionID,
			Role:      statedb.RoleAssistant,
			Content:   content,
			CreatedAt: userTS.Add(-time.Millisecond),
		}
		if err := s.store.AppendMessage(msg); err != nil {
			log.Warn("flush_persist_failed", slog.String("error", err.Error()))
			return nil
		}
		s.broadcast.Broadcast(Event{SessionID: sessionID, Tool: tool, Message: msg})
		saved = msg
		log.Info("flush_saved", slog.String("message", msg.ID), slog.Int("chars", len(content)))
	}

	if err := s.store.SetCursor(sessionID, string(tool), total); err != nil {
		log.Warn("flush_cursor_write_failed", slog.String("error", err.Error()))
	}
	if p.Accumulate {
		s.acc.Clear(key)
	}
	return saved
}
