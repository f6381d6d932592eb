package web

import (
	"log/slog"
	"sync"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/poller"
)

// hubBuffer is the per-subscriber queue depth. A subscriber that falls this
// far behind misses events rather than stalling the poller.
const hubBuffer = 64

// Hub fans persisted messages out to live websocket and SSE clients.
type Hub struct {
	mu     sync.Mutex
	subs   map[*hubSub]struct{}
	closed bool
}

type hubSub struct {
	sessionID string // empty receives every session
	ch        chan poller.Event
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*hubSub]struct{})}
}

// Subscribe registers a receiver for sessionID ("" for all sessions). The
// returned cancel func unregisters it and closes the channel; it is safe to
// call more than once.
func (h *Hub) Subscribe(sessionID string) (<-chan poller.Event, func()) {
	sub := &hubSub{sessionID: sessionID, ch: make(chan poller.Event, hubBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[sub]; ok {
				delete(h.subs, sub)
				close(sub.ch)
			}
		})
	}
}

// Broadcast implements poller.Broadcaster. It never blocks.
func (h *Hub) Broadcast(ev poller.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			logging.Aggregate(logging.CompWeb, "hub_event_dropped",
				slog.String("session_id", ev.SessionID))
		}
	}
}

// Count reports the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
		delete(h.subs, sub)
	}
}
