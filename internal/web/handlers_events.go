package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/poller"
	"github.com/asheshgoplani/agent-relay/internal/session"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

var messageEventsHeartbeatInterval = 15 * time.Second

// sseStream writes server-sent events and flushes after each one.
type sseStream struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s sseStream) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// message emits one transcript message. The id is the message time in unix
// milliseconds so a reconnecting EventSource resumes via Last-Event-ID.
func (s sseStream) message(ev poller.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	var b strings.Builder
	if ev.Message != nil && !ev.Message.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "id: %d\n", ev.Message.CreatedAt.UnixMilli())
	}
	fmt.Fprintf(&b, "event: message\ndata: %s\n\n", data)
	if _, err := s.w.Write([]byte(b.String())); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// handleMessageEvents streams persisted messages as server-sent events.
// ?session=<id> narrows the stream to one session. A Last-Event-ID header
// (or ?since=) first replays messages stored after that point.
func (s *Server) handleMessageEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "stream unavailable")
		return
	}

	// A title or id prefix must subscribe under the real id, or live events
	// would never match.
	var inst *session.Instance
	if ref := strings.TrimSpace(r.URL.Query().Get("session")); ref != "" {
		if inst, ok = s.resolveSession(w, ref); !ok {
			return
		}
	}
	sessionID := ""
	if inst != nil {
		sessionID = inst.ID
	}

	resume := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if resume == "" {
		resume = strings.TrimSpace(r.URL.Query().Get("since"))
	}
	var since time.Time
	if resume != "" {
		ms, err := strconv.ParseInt(resume, 10, 64)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "event id must be unix milliseconds")
			return
		}
		since = time.UnixMilli(ms)
	}

	// Subscribe before replaying so nothing persisted in between is lost.
	events, cancel := s.hub.Subscribe(sessionID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := sseStream{w: w, f: flusher}
	if err := stream.comment("connected"); err != nil {
		return
	}

	replayed := map[string]bool{}
	if !since.IsZero() {
		for _, ev := range s.replay(r, inst, since) {
			if err := stream.message(ev); err != nil {
				return
			}
			replayed[ev.Message.ID] = true
		}
	}

	heartbeat := time.NewTicker(messageEventsHeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if err := stream.comment("keepalive"); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Message != nil && ev.Message.ID != "" && replayed[ev.Message.ID] {
				continue
			}
			if err := stream.message(ev); err != nil {
				return
			}
		}
	}
}

// replay loads messages stored after since, oldest first, for inst or, when
// inst is nil, for every registered session.
func (s *Server) replay(r *http.Request, inst *session.Instance, since time.Time) []poller.Event {
	if s.cfg.Messages == nil || s.cfg.Sessions == nil {
		return nil
	}
	var ids []string
	tools := map[string]tmux.ToolVariant{}
	if inst != nil {
		ids = append(ids, inst.ID)
		tools[inst.ID] = inst.Tool
	} else {
		list, err := s.cfg.Sessions.List(r.Context())
		if err != nil {
			webLog.Warn("replay_list_failed", slog.String("error", err.Error()))
			return nil
		}
		for _, inst := range list {
			ids = append(ids, inst.ID)
			tools[inst.ID] = inst.Tool
		}
	}

	var out []poller.Event
	for _, id := range ids {
		msgs, err := s.cfg.Messages.ListMessages(id, statedb.ListOptions{After: since})
		if err != nil {
			webLog.Warn("replay_load_failed", slog.String("session_id", id), slog.String("error", err.Error()))
			continue
		}
		for _, m := range msgs {
			out = append(out, poller.Event{SessionID: id, Tool: tools[id], Message: m})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Message.CreatedAt.Before(out[j].Message.CreatedAt)
	})
	return out
}
