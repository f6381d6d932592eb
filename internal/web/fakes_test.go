package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/poller"
	"github.com/asheshgoplani/agent-relay/internal/session"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

type fakeDirectory struct {
	sessions []*session.Instance
	listErr  error
}

func (f *fakeDirectory) List(context.Context) ([]*session.Instance, error) {
	return f.sessions, f.listErr
}

func (f *fakeDirectory) Get(ref string) (*session.Instance, error) {
	var found *session.Instance
	for _, inst := range f.sessions {
		if inst.ID == ref {
			return inst, nil
		}
		if inst.Title == ref {
			if found != nil {
				return nil, session.ErrAmbiguous
			}
			found = inst
		}
	}
	if found == nil {
		return nil, fmt.Errorf("session %s: %w", ref, statedb.ErrNotFound)
	}
	return found, nil
}

type fakeMessages struct {
	mu   sync.Mutex
	msgs []*statedb.Message
	last statedb.ListOptions
}

func (f *fakeMessages) ListMessages(sessionID string, opts statedb.ListOptions) ([]*statedb.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = opts
	var out []*statedb.Message
	for _, m := range f.msgs {
		if m.SessionID == sessionID && m.CreatedAt.After(opts.After) {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakePoller struct {
	mu       sync.Mutex
	polling  map[string]tmux.ToolVariant
	startErr error
}

func newFakePoller() *fakePoller {
	return &fakePoller{polling: map[string]tmux.ToolVariant{}}
}

func (f *fakePoller) Start(_ context.Context, sessionID string, tool tmux.ToolVariant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.polling[sessionID] = tool
	return nil
}

func (f *fakePoller) Stop(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.polling[sessionID]
	delete(f.polling, sessionID)
	return ok
}

func (f *fakePoller) IsPolling(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.polling[sessionID]
	return ok
}

// fakeSender persists nothing; it records calls and echoes the user message
// through the hub the way poller.Sender does.
type fakeSender struct {
	mu      sync.Mutex
	hub     *Hub
	sent    []string
	tools   []tmux.ToolVariant
	sendErr error
	stored  bool // with sendErr: message stored but injection failed
}

func (f *fakeSender) Send(_ context.Context, sessionID string, tool tmux.ToolVariant, text string) (*statedb.Message, error) {
	if text == "" {
		return nil, poller.ErrEmptyMessage
	}
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.tools = append(f.tools, tool)
	f.mu.Unlock()

	msg := &statedb.Message{ID: "m-" + text, SessionID: sessionID, Role: statedb.RoleUser, Content: text, CreatedAt: time.Now()}
	if f.sendErr != nil && !f.stored {
		return nil, f.sendErr
	}
	if f.hub != nil {
		f.hub.Broadcast(poller.Event{SessionID: sessionID, Tool: tool, Message: msg})
	}
	return msg, f.sendErr
}

func (f *fakeSender) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakePushStore struct {
	mu   sync.Mutex
	subs map[string]*statedb.PushSubscriptionRow
}

func newFakePushStore() *fakePushStore {
	return &fakePushStore{subs: map[string]*statedb.PushSubscriptionRow{}}
}

func (s *fakePushStore) SavePushSubscription(sub *statedb.PushSubscriptionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.Endpoint] = sub
	return nil
}

func (s *fakePushStore) DeletePushSubscription(endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, endpoint)
	return nil
}

func (s *fakePushStore) LoadPushSubscriptions() ([]*statedb.PushSubscriptionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*statedb.PushSubscriptionRow, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out, nil
}

func (s *fakePushStore) has(endpoint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[endpoint]
	return ok
}

type sentPush struct {
	endpoint string
	payload  []byte
}

type fakeWebPushSender struct {
	mu     sync.Mutex
	status map[string]int
	sent   []sentPush
}

func (f *fakeWebPushSender) Send(payload []byte, sub *statedb.PushSubscriptionRow) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentPush{endpoint: sub.Endpoint, payload: payload})
	if code, ok := f.status[sub.Endpoint]; ok && code >= 400 {
		return code, errors.New(http.StatusText(code))
	}
	return http.StatusCreated, nil
}

func (f *fakeWebPushSender) deliveries() []sentPush {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentPush(nil), f.sent...)
}

func testSessions() *fakeDirectory {
	return &fakeDirectory{sessions: []*session.Instance{
		{ID: "s1", Title: "api", TmuxSession: "agentrelay_api_1", Tool: tmux.ToolClaude, Running: true},
		{ID: "s2", Title: "web", TmuxSession: "agentrelay_web_2", Tool: tmux.ToolOpenCode},
	}}
}

type testEnv struct {
	srv    *Server
	hub    *Hub
	msgs   *fakeMessages
	poll   *fakePoller
	sender *fakeSender
}

func newTestEnv(mutate func(*Config)) *testEnv {
	hub := NewHub()
	env := &testEnv{
		hub:    hub,
		msgs:   &fakeMessages{},
		poll:   newFakePoller(),
		sender: &fakeSender{hub: hub},
	}
	cfg := Config{
		ListenAddr: "127.0.0.1:0",
		Profile:    "test",
		Sessions:   testSessions(),
		Messages:   env.msgs,
		Poller:     env.poll,
		Sender:     env.sender,
		Hub:        hub,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	env.srv = NewServer(cfg)
	return env
}
