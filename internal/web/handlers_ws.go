package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/agent-relay/internal/poller"
	"github.com/asheshgoplani/agent-relay/internal/session"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
)

const wsWriteTimeout = 10 * time.Second

type wsClientMessage struct {
	Type    string `json:"type"` // ping, send
	Content string `json:"content,omitempty"`
}

type wsServerMessage struct {
	Type      string           `json:"type"` // status, message, error
	Event     string           `json:"event,omitempty"`
	Code      string           `json:"code,omitempty"`
	Error     string           `json:"error,omitempty"`
	SessionID string           `json:"sessionId,omitempty"`
	ReadOnly  bool             `json:"readOnly,omitempty"`
	Message   *statedb.Message `json:"message,omitempty"`
	Time      time.Time        `json:"time"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}

	return strings.EqualFold(originURL.Host, r.Host)
}

// wsConnWriter serializes writes; gorilla connections allow one writer.
type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

// handleSessionWS pushes every new message of one session to the client and
// accepts "send" frames as user messages.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	inst, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	writer := &wsConnWriter{conn: conn}
	events, cancel := s.hub.Subscribe(inst.ID)
	defer cancel()

	_ = writer.WriteJSON(wsServerMessage{
		Type:      "status",
		Event:     "connected",
		SessionID: inst.ID,
		ReadOnly:  s.cfg.ReadOnly,
		Time:      time.Now().UTC(),
	})

	// Reader: returns when the client goes away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		s.readWS(r.Context(), conn, writer, inst)
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writer.WriteJSON(eventFrame(ev)); err != nil {
				return
			}
		}
	}
}

func eventFrame(ev poller.Event) wsServerMessage {
	return wsServerMessage{
		Type:      "message",
		SessionID: ev.SessionID,
		Message:   ev.Message,
		Time:      time.Now().UTC(),
	}
}

func (s *Server) readWS(ctx context.Context, conn *websocket.Conn, writer *wsConnWriter, inst *session.Instance) {
	sessionID := inst.ID
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Warn("websocket_closed_unexpectedly",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()))
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = writer.WriteJSON(wsError(sessionID, "INVALID_MESSAGE", "invalid json payload"))
			continue
		}

		switch msg.Type {
		case "ping":
			_ = writer.WriteJSON(wsServerMessage{
				Type:      "status",
				Event:     "pong",
				SessionID: sessionID,
				Time:      time.Now().UTC(),
			})
		case "send":
			s.sendFromWS(ctx, writer, inst, msg.Content)
		default:
			_ = writer.WriteJSON(wsError(sessionID, "UNSUPPORTED_MESSAGE", "supported message types: ping,send"))
		}
	}
}

func (s *Server) sendFromWS(ctx context.Context, writer *wsConnWriter, inst *session.Instance, content string) {
	sessionID := inst.ID
	if s.cfg.ReadOnly {
		_ = writer.WriteJSON(wsError(sessionID, "READ_ONLY", "sending is disabled in read-only mode"))
		return
	}
	if s.cfg.Sender == nil {
		_ = writer.WriteJSON(wsError(sessionID, "UNAVAILABLE", "sender is not configured"))
		return
	}
	// The user message itself reaches this client through the hub.
	if _, err := s.cfg.Sender.Send(ctx, sessionID, inst.Tool, content); err != nil {
		webLog.Warn("ws_send_failed",
			slog.String("session_id", sessionID),
			slog.String("tool", string(inst.Tool)),
			slog.String("error", err.Error()))
		_ = writer.WriteJSON(wsError(sessionID, "SEND_FAILED", err.Error()))
	}
}

func wsError(sessionID, code, message string) wsServerMessage {
	return wsServerMessage{
		Type:      "error",
		Code:      code,
		Error:     message,
		SessionID: sessionID,
		Time:      time.Now().UTC(),
	}
}
