package poller

import (
	"github.com/asheshgoplani/agent-relay/internal/statedb"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

// Event announces one newly persisted transcript message.
type Event struct {
	SessionID string           `json:"session_id"`
	Tool      tmux.ToolVariant `json:"tool"`
	Message   *statedb.Message `json:"message"`
}

// Broadcaster receives every persisted message exactly once. It is called on
// the poller goroutine and must not block.
type Broadcaster interface {
	Broadcast(ev Event)
}

// BroadcastFunc adapts a function to Broadcaster.
type BroadcastFunc func(ev Event)

// Broadcast calls f(ev).
func (f BroadcastFunc) Broadcast(ev Event) { f(ev) }

// Broadcasters fans an event out to several receivers in order.
type Broadcasters []Broadcaster

// Broadcast delivers ev to every non-nil receiver.
func (bs Broadcasters) Broadcast(ev Event) {
	for _, b := range bs {
		if b != nil {
			b.Broadcast(ev)
		}
	}
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(Event) {}
