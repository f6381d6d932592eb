package poller

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/statedb"
)

const rule = "────────────────────────────────────────"

func frame(lines ...string) string { return strings.Join(lines, "\n") }

var (
	claudeThinking = frame(
		"> what is 2+2?",
		"",
		"✳ Cogitating… (3s · esc to interrupt)",
		"",
		rule,
		">",
		rule,
	)
	claudeIdle = frame(
		"> what is 2+2?",
		"",
		"⏺ It is 4.",
		"",
		rule,
		">",
		rule,
		"  ? for shortcuts",
	)
	claudeEmptyIdle = frame(rule, ">", rule, "  ? for shortcuts")
)

// fakeTerm serves queued frames; the last frame repeats.
type fakeTerm struct {
	mu         sync.Mutex
	frames     []string
	running    bool
	captureErr error
	sendErr    error
	sent       []string
	onCapture  func()
	delay      time.Duration

	captures    atomic.Int32
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newFakeTerm(frames ...string) *fakeTerm {
	return &fakeTerm{frames: frames, running: true}
}

func (f *fakeTerm) setFrames(frames ...string) {
	f.mu.Lock()
	f.frames = frames
	f.mu.Unlock()
}

func (f *fakeTerm) setRunning(v bool) {
	f.mu.Lock()
	f.running = v
	f.mu.Unlock()
}

func (f *fakeTerm) setCaptureErr(err error) {
	f.mu.Lock()
	f.captureErr = err
	f.mu.Unlock()
}

func (f *fakeTerm) Capture(ctx context.Context, target string, maxLines int) (string, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		cur := f.maxInflight.Load()
		if n <= cur || f.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}
	f.captures.Add(1)

	f.mu.Lock()
	hook, delay := f.onCapture, f.delay
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captureErr != nil {
		return "", f.captureErr
	}
	if len(f.frames) == 0 {
		return "", nil
	}
	out := f.frames[0]
	if len(f.frames) > 1 {
		f.frames = f.frames[1:]
	}
	return out, nil
}

func (f *fakeTerm) IsRunning(ctx context.Context, target string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeTerm) SendKeysAndEnter(ctx context.Context, target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, target+":"+text)
	return nil
}

func (f *fakeTerm) sentKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu        sync.Mutex
	cursors   map[string]int
	messages  []*statedb.Message
	appendErr error
	cursorErr error
	seq       int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{cursors: make(map[string]int)}
}

func (s *fakeStore) GetCursor(sessionID, tool string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursorErr != nil {
		return 0, s.cursorErr
	}
	return s.cursors[sessionID+"/"+tool], nil
}

func (s *fakeStore) SetCursor(sessionID, tool string, line int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[sessionID+"/"+tool] = line
	return nil
}

func (s *fakeStore) cursor(sessionID, tool string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[sessionID+"/"+tool]
}

func (s *fakeStore) setAppendErr(err error) {
	s.mu.Lock()
	s.appendErr = err
	s.mu.Unlock()
}

func (s *fakeStore) AppendMessage(m *statedb.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.seq++
	if m.ID == "" {
		m.ID = fmt.Sprintf("m%d", s.seq)
	}
	m.Seq = s.seq
	cp := *m
	s.messages = append(s.messages, &cp)
	return nil
}

func (s *fakeStore) MostRecentMessage(sessionID string, role statedb.Role) (*statedb.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.SessionID == sessionID && m.Role == role {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

// list returns messages ordered the way statedb.ListMessages orders them.
func (s *fakeStore) list() []*statedb.Message {
	s.mu.Lock()
	out := append([]*statedb.Message(nil), s.messages...)
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// recorder collects broadcast events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Broadcast(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
