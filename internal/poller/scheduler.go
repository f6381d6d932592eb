// Package poller turns a live terminal session into transcript messages. A
// Scheduler owns one polling goroutine per session; each tick captures the
// pane, classifies it, and persists the reply once the tool is back at its
// prompt. FlushPendingResponse and Sender cover the other entry point:
// saving the previous reply right before a new user message goes out.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/moby/locker"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
	"github.com/asheshgoplani/agent-relay/internal/transcript"
)

var pollLog = logging.ForComponent(logging.CompPoll)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("poller: scheduler closed")

// Terminal is the multiplexer capability the scheduler consumes.
// *tmux.Client satisfies it.
type Terminal interface {
	Capture(ctx context.Context, target string, maxLines int) (string, error)
	IsRunning(ctx context.Context, target string) bool
	SendKeysAndEnter(ctx context.Context, target, text string) error
}

// Store is the persistence capability the scheduler consumes.
// *statedb.StateDB satisfies it.
type Store interface {
	GetCursor(sessionID, tool string) (int, error)
	SetCursor(sessionID, tool string, line int) error
	AppendMessage(m *statedb.Message) error
	MostRecentMessage(sessionID string, role statedb.Role) (*statedb.Message, error)
}

// TargetResolver maps a session id to the multiplexer target to capture.
type TargetResolver func(sessionID string) (string, error)

// Config tunes polling.
type Config struct {
	// Interval between ticks (default: 1s)
	Interval time.Duration

	// MaxDuration after which a poller gives up waiting for completion (default: 5m)
	MaxDuration time.Duration

	// CaptureLines is the scrollback depth per capture (default: 2000)
	CaptureLines int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 5 * time.Minute
	}
	if c.CaptureLines <= 0 {
		c.CaptureLines = tmux.DefaultCaptureLines
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithConfig overrides the polling configuration.
func WithConfig(cfg Config) Option {
	return func(s *Scheduler) { s.cfg = cfg }
}

// WithBroadcaster sets the receiver of persisted messages.
func WithBroadcaster(b Broadcaster) Option {
	return func(s *Scheduler) {
		if b != nil {
			s.broadcast = b
		}
	}
}

// WithRegistry sets the pattern profiles used for classification and
// extraction.
func WithRegistry(r *tmux.Registry) Option {
	return func(s *Scheduler) { s.registry = r }
}

// WithResolver sets how session ids map to multiplexer targets. The default
// uses the session id as the target.
func WithResolver(r TargetResolver) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.resolve = r
		}
	}
}

// WithClock replaces time.Now for timeouts and message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAccumulator shares an accumulator with other components.
func WithAccumulator(a *transcript.Accumulator) Option {
	return func(s *Scheduler) { s.acc = a }
}

// Status describes one active poller.
type Status struct {
	SessionID string           `json:"session_id"`
	Tool      tmux.ToolVariant `json:"tool"`
	Started   time.Time        `json:"started"`
}

type handle struct {
	sessionID string
	tool      tmux.ToolVariant
	target    string
	started   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	nudge  chan struct{}

	// lastTotal is the line count seen on the previous incomplete tick.
	// It is progress tracking only; the persisted cursor moves on completion.
	lastTotal int
	// keepBuffer is set on timeout so FlushPendingResponse can still save
	// the stitched reply of a full-screen tool.
	keepBuffer bool
}

// Scheduler owns the per-session polling goroutines. It replaces any
// process-wide poller map: create one at startup and Close it on shutdown.
type Scheduler struct {
	term      Terminal
	store     Store
	registry  *tmux.Registry
	acc       *transcript.Accumulator
	broadcast Broadcaster
	resolve   TargetResolver
	now       func() time.Time
	cfg       Config

	// locks serializes cursor read-modify-write between ticks and flushes.
	locks *locker.Locker

	mu sync.Mutex
	// handles holds the active poller per session.
	handles map[string]*handle
	// running holds the newest goroutine per session until it exits, even
	// after Stop removed it from handles. Start waits on it.
	running map[string]*handle
	closed  bool
}

// NewScheduler returns a Scheduler that captures through term and persists
// into store.
func NewScheduler(term Terminal, store Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		term:      term,
		store:     store,
		broadcast: nopBroadcaster{},
		resolve:   func(id string) (string, error) { return id, nil },
		now:       time.Now,
		locks:     locker.New(),
		handles:   make(map[string]*handle),
		running:   make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg.applyDefaults()
	if s.registry == nil {
		s.registry = tmux.DefaultRegistry()
	}
	if s.acc == nil {
		s.acc = transcript.NewAccumulator(s.registry)
	}
	return s
}

func cursorKey(sessionID string, tool tmux.ToolVariant) string {
	return sessionID + "\x00" + string(tool)
}

// lockCursor holds the cursor lock for (sessionID, tool) until the returned
// func is called.
func (s *Scheduler) lockCursor(sessionID string, tool tmux.ToolVariant) (unlock func()) {
	key := cursorKey(sessionID, tool)
	s.locks.Lock(key)
	return func() { _ = s.locks.Unlock(key) }
}

// Start begins polling sessionID, replacing any poller already running for
// it. The poller outlives ctx's cancellation; only Stop, Close, completion,
// a dead session, or the timeout end it.
func (s *Scheduler) Start(ctx context.Context, sessionID string, tool tmux.ToolVariant) error {
	target, err := s.resolve(sessionID)
	if err != nil {
		return fmt.Errorf("poller: resolve %s: %w", sessionID, err)
	}

	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &handle{
		sessionID: sessionID,
		tool:      tool,
		target:    target,
		started:   s.now(),
		ctx:       hctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		nudge:     make(chan struct{}, 1),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return ErrClosed
	}
	_, replaced := s.handles[sessionID]
	prev := s.running[sessionID]
	s.handles[sessionID] = h
	s.running[sessionID] = h
	s.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}

	pollLog.Info("poll_started",
		slog.String("session", sessionID),
		slog.String("tool", string(tool)),
		slog.Bool("replaced", replaced))
	go s.run(h, prev)
	return nil
}

// Stop cancels the poller for sessionID. It never blocks and is safe to call
// from anywhere, including from inside a tick. It reports whether a poller
// was running. The goroutine may still be finishing its tick; a later Start
// waits for it.
func (s *Scheduler) Stop(sessionID string) bool {
	s.mu.Lock()
	h, ok := s.handles[sessionID]
	if ok {
		delete(s.handles, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	pollLog.Info("poll_stopped", slog.String("session", sessionID))
	return true
}

// Nudge requests an immediate tick for sessionID. It is a no-op when the
// session is not being polled or a nudge is already queued.
func (s *Scheduler) Nudge(sessionID string) {
	s.mu.Lock()
	h := s.handles[sessionID]
	s.mu.Unlock()
	if h == nil {
		return
	}
	select {
	case h.nudge <- struct{}{}:
	default:
	}
}

// IsPolling reports whether sessionID has an active poller.
func (s *Scheduler) IsPolling(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[sessionID]
	return ok
}

// Active lists the running pollers ordered by session id.
func (s *Scheduler) Active() []Status {
	s.mu.Lock()
	out := make([]Status, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, Status{SessionID: h.sessionID, Tool: h.tool, Started: h.started})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Close stops every poller, waits for their goroutines to exit, and makes
// further Start calls fail.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	handles := make([]*handle, 0, len(s.running))
	for _, h := range s.running {
		handles = append(handles, h)
	}
	clear(s.handles)
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
	}
}

func (s *Scheduler) release(h *handle) {
	s.mu.Lock()
	if s.handles[h.sessionID] == h {
		delete(s.handles, h.sessionID)
	}
	if s.running[h.sessionID] == h {
		delete(s.running, h.sessionID)
	}
	s.mu.Unlock()
}

// finish drops the accumulated frames unless a timeout left a reply the
// next flush should still save.
func (s *Scheduler) finish(h *handle) {
	h.cancel()
	if !h.keepBuffer && s.registry.ProfileFor(h.tool).Accumulate {
		s.acc.Clear(transcript.Key{SessionID: h.sessionID, Tool: h.tool})
	}
	close(h.done)
	s.release(h)
}

func (s *Scheduler) run(h *handle, prev *handle) {
	defer s.finish(h)

	// Never overlap a tick of the previous goroutine for this session,
	// whether it was replaced or stopped. prev is already cancelled, so
	// this waits at most for its current tick.
	if prev != nil {
		<-prev.done
	}
	if s.registry.ProfileFor(h.tool).Accumulate {
		s.acc.Init(transcript.Key{SessionID: h.sessionID, Tool: h.tool})
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
		case <-h.nudge:
		}
		if h.ctx.Err() != nil {
			return
		}
		if s.tick(h) {
			return
		}
	}
}

// tick runs one capture-classify-extract cycle and reports whether the
// poller should go idle.
func (s *Scheduler) tick(h *handle) bool {
	log := pollLog.With(slog.String("session", h.sessionID), slog.String("tool", string(h.tool)))

	if elapsed := s.now().Sub(h.started); elapsed > s.cfg.MaxDuration {
		log.Warn("poll_timeout", slog.Duration("elapsed", elapsed))
		h.keepBuffer = true
		return true
	}
	if !s.term.IsRunning(h.ctx, h.target) {
		log.Info("poll_session_gone", slog.String("target", h.target))
		return true
	}

	raw, err := s.term.Capture(h.ctx, h.target, s.cfg.CaptureLines)
	if err != nil {
		if h.ctx.Err() != nil {
			return true
		}
		logging.Aggregate(logging.CompPoll, "poll_capture_failed",
			slog.String("session", h.sessionID), slog.String("error", err.Error()))
		return false
	}
	logging.Aggregate(logging.CompPoll, "poll_tick", slog.String("tool", string(h.tool)))

	p := s.registry.ProfileFor(h.tool)
	lines := tmux.Lines(tmux.Normalize(raw))
	if p.Accumulate {
		s.acc.Accumulate(transcript.Key{SessionID: h.sessionID, Tool: h.tool}, raw)
	}

	window := lines
	if len(window) > tmux.ClassifyWindow {
		window = window[len(window)-tmux.ClassifyWindow:]
	}
	cls := tmux.ClassifyLines(window, p)
	if !cls.Done() {
		if len(lines) != h.lastTotal {
			log.Debug("poll_output_changed",
				slog.Int("lines", len(lines)),
				slog.String("state", string(cls.State())))
			h.lastTotal = len(lines)
		}
		return false
	}
	return s.complete(h, p, lines, cls)
}

// complete extracts and persists the finished reply. It returns false when
// there is nothing new to save or the save failed, so polling continues.
func (s *Scheduler) complete(h *handle, p *tmux.PatternProfile, lines []string, cls tmux.Classification) bool {
	log := pollLog.With(slog.String("session", h.sessionID), slog.String("tool", string(h.tool)))
	unlock := s.lockCursor(h.sessionID, h.tool)
	defer unlock()

	// A Stop that raced with this tick wins.
	if h.ctx.Err() != nil {
		return true
	}

	key := transcript.Key{SessionID: h.sessionID, Tool: h.tool}
	total := len(lines)

	var content string
	if p.Accumulate {
		content = transcript.Extract(s.acc.Lines(key), p, transcript.AfterLastPrompt)
	} else {
		last, err := s.store.GetCursor(h.sessionID, string(h.tool))
		if err != nil {
			log.Warn("poll_cursor_read_failed", slog.String("error", err.Error()))
			return false
		}
		start := transcript.ResolveStart(last, total, transcript.IsBufferReset(last, total), p,
			transcript.UserPromptFinder(lines, p))
		content = transcript.Extract(lines[start:], p, transcript.AfterLastPrompt)
	}

	if content == "" || s.alreadySaved(h.sessionID, content) {
		// Right after a send the pane can still show the previous idle
		// prompt; wait for real output instead of going idle.
		return false
	}

	msg := &statedb.Message{
		SessionID: h.sessionID,
		Role:      statedb.RoleAssistant,
		Content:   content,
		CreatedAt: s.now(),
	}
	if err := s.store.AppendMessage(msg); err != nil {
		log.Warn("poll_persist_failed", slog.String("error", err.Error()))
		return false
	}
	s.broadcast.Broadcast(Event{SessionID: h.sessionID, Tool: h.tool, Message: msg})

	if err := s.store.SetCursor(h.sessionID, string(h.tool), total); err != nil {
		log.Warn("poll_cursor_write_failed", slog.String("error", err.Error()))
	}
	if p.Accumulate {
		s.acc.Clear(key)
	}

	log.Info("poll_response_saved",
		slog.String("message", msg.ID),
		slog.Int("chars", len(content)),
		slog.Int("cursor", total),
		slog.Bool("choice", cls.ChoicePending))
	return true
}

// alreadySaved reports whether content equals the newest assistant message.
// Saturated scrollback keeps the cursor at the end of the buffer, which
// re-reads the last reply on every completion.
func (s *Scheduler) alreadySaved(sessionID, content string) bool {
	prev, err := s.store.MostRecentMessage(sessionID, statedb.RoleAssistant)
	if err != nil {
		pollLog.Debug("poll_recent_lookup_failed",
			slog.String("session", sessionID), slog.String("error", err.Error()))
		return false
	}
	return prev != nil && prev.Content == content
}
