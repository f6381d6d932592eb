package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

type pushStatus struct {
	Enabled       bool   `json:"enabled"`
	PublicKey     string `json:"vapidPublicKey,omitempty"`
	Subject       string `json:"subject,omitempty"`
	Subscriptions int    `json:"subscriptions"`
}

// GET /api/push
func (s *Server) handlePushStatus(w http.ResponseWriter, r *http.Request) {
	status := pushStatus{}
	if s.push != nil {
		status.Enabled = true
		status.PublicKey = s.push.PublicKey()
		status.Subject = s.push.Subject()
		n, err := s.push.SubscriptionCount()
		if err != nil {
			webLog.Warn("push_count_failed", slog.String("error", err.Error()))
		}
		status.Subscriptions = n
	}
	writeJSON(w, http.StatusOK, status)
}

// PUT /api/push/subscription stores the browser's PushSubscription JSON.
// Re-sending the same endpoint replaces its keys.
func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if !s.pushEnabled(w) {
		return
	}
	var sub pushSubscription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&sub); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid subscription payload")
		return
	}
	sub = sub.normalize()
	if err := sub.validate(); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if err := s.push.Subscribe(sub); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not store subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"endpoint": sub.Endpoint})
}

// DELETE /api/push/subscription?endpoint=... (or a JSON body with endpoint).
func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if !s.pushEnabled(w) {
		return
	}
	endpoint := strings.TrimSpace(r.URL.Query().Get("endpoint"))
	if endpoint == "" {
		var body struct {
			Endpoint string `json:"endpoint"`
		}
		_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body)
		endpoint = strings.TrimSpace(body.Endpoint)
	}
	if endpoint == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "endpoint is required")
		return
	}
	if err := s.push.Unsubscribe(endpoint); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not remove subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pushEnabled(w http.ResponseWriter) bool {
	if s.push == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "PUSH_NOT_CONFIGURED", "push notifications are not enabled (serve --push)")
		return false
	}
	return true
}
