package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/asheshgoplani/agent-relay/internal/statedb"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

// ErrEmptyMessage is returned by Send for blank text.
var ErrEmptyMessage = errors.New("poller: empty message")

// Sender delivers user messages to a session: it flushes the previous reply,
// records the user turn, types it into the terminal, and starts polling for
// the answer.
type Sender struct {
	sched *Scheduler
}

// NewSender returns a Sender that shares sched's terminal, store and
// broadcaster.
func NewSender(sched *Scheduler) *Sender {
	return &Sender{sched: sched}
}

// Send delivers text to sessionID and returns the persisted user message.
// Flush failures never block the send; persistence and injection failures
// are returned.
func (snd *Sender) Send(ctx context.Context, sessionID string, tool tmux.ToolVariant, text string) (*statedb.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	s := snd.sched
	target, err := s.resolve(sessionID)
	if err != nil {
		return nil, fmt.Errorf("poller: resolve %s: %w", sessionID, err)
	}

	userTS := s.now()
	s.FlushPendingResponse(ctx, sessionID, tool, userTS)

	msg := &statedb.Message{
		SessionID: sessionID,
		Role:      statedb.RoleUser,
		Content:   text,
		CreatedAt: userTS,
	}
	if err := s.store.AppendMessage(msg); err != nil {
		return nil, fmt.Errorf("poller: save user message: %w", err)
	}
	s.broadcast.Broadcast(Event{SessionID: sessionID, Tool: tool, Message: msg})

	if err := s.term.SendKeysAndEnter(ctx, target, text); err != nil {
		return msg, fmt.Errorf("poller: send to %s: %w", target, err)
	}
	if err := s.Start(ctx, sessionID, tool); err != nil {
		pollLog.Warn("send_poll_start_failed",
			slog.String("session", sessionID), slog.String("error", err.Error()))
	}
	return msg, nil
}
