package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/poller"
	"github.com/asheshgoplani/agent-relay/internal/session"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
)

// maxMessageBytes bounds a POSTed user message body.
const maxMessageBytes = 1 << 20

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type sessionView struct {
	*session.Instance
	Polling bool `json:"polling"`
}

type sessionsResponse struct {
	Profile  string        `json:"profile"`
	Sessions []sessionView `json:"sessions"`
}

type messagesResponse struct {
	SessionID string             `json:"session_id"`
	Messages  []*statedb.Message `json:"messages"`
}

type sendRequest struct {
	Content string `json:"content"`
}

type sendResponse struct {
	Message *statedb.Message `json:"message"`
	// Delivered is false when the message was stored but could not be typed
	// into the terminal.
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

type pollResponse struct {
	SessionID string `json:"session_id"`
	Polling   bool   `json:"polling"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if s.cfg.Sessions == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "session registry is not configured")
		return
	}

	list, err := s.cfg.Sessions.List(r.Context())
	if err != nil {
		webLog.Error("sessions_list_failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load sessions")
		return
	}

	resp := sessionsResponse{Profile: s.cfg.Profile, Sessions: make([]sessionView, 0, len(list))}
	for _, inst := range list {
		resp.Sessions = append(resp.Sessions, sessionView{
			Instance: inst,
			Polling:  s.cfg.Poller != nil && s.cfg.Poller.IsPolling(inst.ID),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listMessages(w, r)
	case http.MethodPost:
		s.sendMessage(w, r)
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	if s.cfg.Messages == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "message store is not configured")
		return
	}

	var opts statedb.ListOptions
	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("after")); raw != "" {
		after, err := parseAfter(raw)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "after must be RFC 3339 or unix milliseconds")
			return
		}
		opts.After = after
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a non-negative integer")
			return
		}
		opts.Limit = limit
	}

	msgs, err := s.cfg.Messages.ListMessages(inst.ID, opts)
	if err != nil {
		webLog.Error("messages_list_failed",
			slog.String("session_id", inst.ID),
			slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []*statedb.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{SessionID: inst.ID, Messages: msgs})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ReadOnly {
		writeAPIError(w, http.StatusForbidden, "READ_ONLY", "sending is disabled in read-only mode")
		return
	}
	inst, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	if s.cfg.Sender == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "sender is not configured")
		return
	}

	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid message payload")
		return
	}

	msg, err := s.cfg.Sender.Send(r.Context(), inst.ID, inst.Tool, req.Content)
	switch {
	case errors.Is(err, poller.ErrEmptyMessage):
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "content is required")
	case err != nil && msg == nil:
		webLog.Error("send_failed",
			slog.String("session_id", inst.ID),
			slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to send message")
	case err != nil:
		// Stored but not typed into the terminal.
		writeJSON(w, http.StatusBadGateway, sendResponse{Message: msg, Error: err.Error()})
	default:
		writeJSON(w, http.StatusCreated, sendResponse{Message: msg, Delivered: true})
	}
}

func (s *Server) handleSessionPoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if s.cfg.ReadOnly && r.Method == http.MethodPost {
		writeAPIError(w, http.StatusForbidden, "READ_ONLY", "polling control is disabled in read-only mode")
		return
	}
	inst, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	if s.cfg.Poller == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "poller is not configured")
		return
	}

	if r.Method == http.MethodDelete {
		s.cfg.Poller.Stop(inst.ID)
		writeJSON(w, http.StatusOK, pollResponse{SessionID: inst.ID, Polling: false})
		return
	}

	if err := s.cfg.Poller.Start(r.Context(), inst.ID, inst.Tool); err != nil {
		webLog.Warn("poll_start_failed",
			slog.String("session_id", inst.ID),
			slog.String("error", err.Error()))
		writeAPIError(w, http.StatusConflict, "POLL_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, pollResponse{SessionID: inst.ID, Polling: true})
}

// parseAfter accepts unix milliseconds or an RFC 3339 timestamp.
func parseAfter(raw string) (time.Time, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

// lookupSession resolves the {id} path value, writing the error response
// itself when it fails.
func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Instance, bool) {
	return s.resolveSession(w, strings.TrimSpace(r.PathValue("id")))
}

// resolveSession turns an id or exact title into a registered session,
// writing the error response itself when it fails.
func (s *Server) resolveSession(w http.ResponseWriter, ref string) (*session.Instance, bool) {
	if ref == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session id is required")
		return nil, false
	}
	if s.cfg.Sessions == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "session registry is not configured")
		return nil, false
	}

	inst, err := s.cfg.Sessions.Get(ref)
	switch {
	case errors.Is(err, statedb.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return nil, false
	case errors.Is(err, session.ErrAmbiguous):
		writeAPIError(w, http.StatusConflict, "AMBIGUOUS", "session reference matches more than one session")
		return nil, false
	case err != nil:
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load session")
		return nil, false
	}
	return inst, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}
