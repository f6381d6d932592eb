package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/agent-relay/internal/logging"
)

var eventLog = logging.ForComponent(logging.CompSession)

const eventDebounce = 100 * time.Millisecond

// Nudger receives a session id whenever its hook fires.
// *poller.Scheduler satisfies it.
type Nudger interface {
	Nudge(sessionID string)
}

// EventWatcher watches the events directory with fsnotify and nudges the
// poller of every session whose event file is written.
type EventWatcher struct {
	dir     string
	watcher *fsnotify.Watcher
	nudger  Nudger
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

// NewEventWatcher creates dir if needed and starts watching it.
// Call Run in a goroutine, then Stop on shutdown.
func NewEventWatcher(dir string, nudger Nudger) (*EventWatcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &EventWatcher{
		dir:     dir,
		watcher: watcher,
		nudger:  nudger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}, nil
}

// Run processes file events until Stop. Rapid writes to the same file are
// coalesced into one nudge.
func (w *EventWatcher) Run() {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	defer close(w.done)

	var (
		pendingMu     sync.Mutex
		pendingFiles  = make(map[string]bool)
		debounceTimer *time.Timer
	)
	defer func() {
		pendingMu.Lock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		pendingMu.Unlock()
	}()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Only .json creates and writes; the writer's .tmp files are ignored
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			pendingMu.Lock()
			pendingFiles[event.Name] = true
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(eventDebounce, func() {
				pendingMu.Lock()
				files := make([]string, 0, len(pendingFiles))
				for f := range pendingFiles {
					files = append(files, f)
				}
				pendingFiles = make(map[string]bool)
				pendingMu.Unlock()

				for _, f := range files {
					w.processEventFile(f)
				}
			})
			pendingMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			eventLog.Warn("event_watcher_error", slog.String("error", err.Error()))
		}
	}
}

// Stop shuts the watcher down and waits for a running Run to return.
func (w *EventWatcher) Stop() {
	w.cancel()
	_ = w.watcher.Close()
	if w.running.Load() {
		<-w.done
	}
}

func (w *EventWatcher) processEventFile(path string) {
	if w.ctx.Err() != nil {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var ev HookEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		eventLog.Debug("event_parse_failed", slog.String("file", path), slog.String("error", err.Error()))
		return
	}
	if ev.SessionID == "" {
		return
	}

	eventLog.Debug("event_delivered",
		slog.String("session", ev.SessionID),
		slog.String("event", ev.Event))
	w.nudger.Nudge(ev.SessionID)
}
