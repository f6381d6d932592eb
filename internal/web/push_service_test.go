package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/poller"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
)

func newTestNotifier(t *testing.T) (*PushNotifier, *fakePushStore, *fakeWebPushSender) {
	t.Helper()
	store := newFakePushStore()
	p, err := NewPushNotifier(PushConfig{
		PublicKey:  "pub",
		PrivateKey: "priv",
		Store:      store,
		Title: func(id string) string {
			if id == "s1" {
				return "api"
			}
			return ""
		},
		Token: "tok",
	})
	if err != nil {
		t.Fatalf("NewPushNotifier: %v", err)
	}
	sender := &fakeWebPushSender{status: map[string]int{}}
	p.sender = sender
	return p, store, sender
}

func validSub(endpoint string) pushSubscription {
	return pushSubscription{
		Endpoint: endpoint,
		Keys:     pushSubscriptionKeys{P256DH: "p256", Auth: "auth"},
	}
}

func TestNewPushNotifierValidation(t *testing.T) {
	if _, err := NewPushNotifier(PushConfig{PublicKey: "pub", Store: newFakePushStore()}); err == nil {
		t.Fatal("expected error without a private key")
	}
	if _, err := NewPushNotifier(PushConfig{PublicKey: "pub", PrivateKey: "priv"}); err == nil {
		t.Fatal("expected error without a store")
	}
	p, err := NewPushNotifier(PushConfig{PublicKey: " pub ", PrivateKey: "priv", Store: newFakePushStore()})
	if err != nil {
		t.Fatalf("NewPushNotifier: %v", err)
	}
	if p.PublicKey() != "pub" || p.Subject() != "mailto:agent-relay@localhost" {
		t.Fatalf("unexpected defaults: %q %q", p.PublicKey(), p.Subject())
	}
}

func TestPushSubscriptionValidate(t *testing.T) {
	tests := []struct {
		name string
		sub  pushSubscription
		ok   bool
	}{
		{"valid", validSub("https://push.example/abc"), true},
		{"no endpoint", validSub(""), false},
		{"plain http", validSub("http://push.example/abc"), false},
		{"no keys", pushSubscription{Endpoint: "https://push.example/abc"}, false},
	}
	for _, tt := range tests {
		if err := tt.sub.normalize().validate(); (err == nil) != tt.ok {
			t.Fatalf("%s: expected ok=%v, got %v", tt.name, tt.ok, err)
		}
	}
}

func TestPushNotifyAssistantOnly(t *testing.T) {
	p, _, sender := newTestNotifier(t)
	if err := p.Subscribe(validSub("https://push.example/a")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	p.Broadcast(poller.Event{SessionID: "s1", Message: &statedb.Message{Role: statedb.RoleUser, Content: "hi"}})
	p.Broadcast(poller.Event{SessionID: "s1"})
	if len(p.queue) != 0 {
		t.Fatalf("user messages must not be queued, queue=%d", len(p.queue))
	}

	ev := poller.Event{SessionID: "s1", Message: &statedb.Message{
		ID: "m1", Role: statedb.RoleAssistant, Content: "done\n\nall   tests pass", CreatedAt: time.Unix(1_700_000_000, 0),
	}}
	p.Broadcast(ev)
	if len(p.queue) != 1 {
		t.Fatalf("expected one queued event, got %d", len(p.queue))
	}
	p.notify(<-p.queue)

	sent := sender.deliveries()
	if len(sent) != 1 {
		t.Fatalf("expected one delivery, got %d", len(sent))
	}
	var msg pushMessage
	if err := json.Unmarshal(sent[0].payload, &msg); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if msg.Title != "Agent Relay: api replied" {
		t.Fatalf("unexpected title %q", msg.Title)
	}
	if msg.Body != "done all tests pass" {
		t.Fatalf("unexpected body %q", msg.Body)
	}
	if msg.MessageID != "m1" || !strings.Contains(msg.Path, "token=tok") {
		t.Fatalf("unexpected payload %+v", msg)
	}
}

func TestPushPrunesGoneSubscriptions(t *testing.T) {
	p, store, sender := newTestNotifier(t)
	for _, ep := range []string{"https://push.example/live", "https://push.example/gone", "https://push.example/missing", "https://push.example/flaky"} {
		if err := p.Subscribe(validSub(ep)); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}
	sender.status["https://push.example/gone"] = http.StatusGone
	sender.status["https://push.example/missing"] = http.StatusNotFound
	sender.status["https://push.example/flaky"] = http.StatusServiceUnavailable

	p.notify(poller.Event{SessionID: "s9", Message: &statedb.Message{Role: statedb.RoleAssistant, Content: "x"}})

	if len(sender.deliveries()) != 4 {
		t.Fatalf("expected four attempts, got %d", len(sender.deliveries()))
	}
	if store.has("https://push.example/gone") || store.has("https://push.example/missing") {
		t.Fatal("expected 404/410 subscriptions removed")
	}
	if !store.has("https://push.example/live") || !store.has("https://push.example/flaky") {
		t.Fatal("expected other subscriptions kept")
	}
}

func TestPushRunDeliversUntilCancelled(t *testing.T) {
	p, _, sender := newTestNotifier(t)
	if err := p.Subscribe(validSub("https://push.example/a")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	p.Broadcast(poller.Event{SessionID: "s1", Message: &statedb.Message{Role: statedb.RoleAssistant, Content: "ok"}})
	deadline := time.Now().Add(2 * time.Second)
	for len(sender.deliveries()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for delivery")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPushQueueFullDrops(t *testing.T) {
	p, _, _ := newTestNotifier(t)
	ev := poller.Event{SessionID: "s1", Message: &statedb.Message{Role: statedb.RoleAssistant, Content: "x"}}
	for i := 0; i < pushQueueSize+10; i++ {
		p.Broadcast(ev)
	}
	if len(p.queue) != pushQueueSize {
		t.Fatalf("expected a full queue of %d, got %d", pushQueueSize, len(p.queue))
	}
}

func TestPreviewBodyTruncatesByWidth(t *testing.T) {
	wide := strings.Repeat("界", 100)
	got := previewBody(wide)
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("expected ellipsis, got %q", got)
	}
	if n := len([]rune(got)); n > pushBodyWidth/2+1 {
		t.Fatalf("wide runes count double: got %d runes", n)
	}
}

func TestPushEndpoints(t *testing.T) {
	p, store, _ := newTestNotifier(t)
	env := newTestEnv(func(c *Config) { c.Push = p })

	rr := serve(env, http.MethodGet, "/api/push", "")
	if !strings.Contains(rr.Body.String(), `"enabled":true`) || !strings.Contains(rr.Body.String(), `"vapidPublicKey":"pub"`) {
		t.Fatalf("unexpected status: %s", rr.Body.String())
	}

	rr = serve(env, http.MethodPut, "/api/push/subscription", `{"endpoint":"https://push.example/x","keys":{"p256dh":"k","auth":"a"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("subscribe: expected %d, got %d: %s", http.StatusOK, rr.Code, rr.Body.String())
	}
	if !store.has("https://push.example/x") {
		t.Fatal("expected subscription stored")
	}

	rr = serve(env, http.MethodGet, "/api/push", "")
	if !strings.Contains(rr.Body.String(), `"subscriptions":1`) {
		t.Fatalf("expected one subscription, got: %s", rr.Body.String())
	}

	rr = serve(env, http.MethodPut, "/api/push/subscription", `{"endpoint":"https://push.example/y"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected %d for missing keys, got %d", http.StatusBadRequest, rr.Code)
	}

	rr = serve(env, http.MethodDelete, "/api/push/subscription?endpoint=https://push.example/x", "")
	if rr.Code != http.StatusNoContent || store.has("https://push.example/x") {
		t.Fatalf("unsubscribe failed: %d %s", rr.Code, rr.Body.String())
	}

	rr = serve(env, http.MethodDelete, "/api/push/subscription", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected %d for missing endpoint, got %d", http.StatusBadRequest, rr.Code)
	}

	rr = serve(env, http.MethodPost, "/api/push/subscription", `{}`)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected %d for POST, got %d", http.StatusMethodNotAllowed, rr.Code)
	}
}

func TestPushEndpointsDisabled(t *testing.T) {
	env := newTestEnv(nil)

	rr := serve(env, http.MethodGet, "/api/push", "")
	if !strings.Contains(rr.Body.String(), `"enabled":false`) {
		t.Fatalf("expected enabled=false payload, got: %s", rr.Body.String())
	}
	rr = serve(env, http.MethodPut, "/api/push/subscription", `{}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected %d, got %d", http.StatusServiceUnavailable, rr.Code)
	}
}
