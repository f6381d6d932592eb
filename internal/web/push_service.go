package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/mattn/go-runewidth"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/poller"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
)

var pushLog = logging.ForComponent(logging.CompPush)

const (
	pushQueueSize    = 64
	pushBodyWidth    = 120
	pushTTLSeconds   = 3600
	defaultPushTitle = "Agent Relay"
)

// PushStore persists browser subscriptions. statedb.StateDB satisfies it.
type PushStore interface {
	SavePushSubscription(sub *statedb.PushSubscriptionRow) error
	DeletePushSubscription(endpoint string) error
	LoadPushSubscriptions() ([]*statedb.PushSubscriptionRow, error)
}

type pushSubscription struct {
	Endpoint string               `json:"endpoint"`
	Keys     pushSubscriptionKeys `json:"keys"`
}

type pushSubscriptionKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

func (s pushSubscription) normalize() pushSubscription {
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	s.Keys.P256DH = strings.TrimSpace(s.Keys.P256DH)
	s.Keys.Auth = strings.TrimSpace(s.Keys.Auth)
	return s
}

func (s pushSubscription) validate() error {
	switch {
	case s.Endpoint == "":
		return fmt.Errorf("endpoint is required")
	case s.Keys.P256DH == "":
		return fmt.Errorf("keys.p256dh is required")
	case s.Keys.Auth == "":
		return fmt.Errorf("keys.auth is required")
	}
	if u, err := url.Parse(s.Endpoint); err != nil || u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("endpoint must be an https url")
	}
	return nil
}

type webPushSender interface {
	Send(payload []byte, sub *statedb.PushSubscriptionRow) (int, error)
}

type vapidPushSender struct {
	subject    string
	publicKey  string
	privateKey string
}

func (s *vapidPushSender) Send(payload []byte, sub *statedb.PushSubscriptionRow) (int, error) {
	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.subject,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             pushTTLSeconds,
	})

	status := 0
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		status = resp.StatusCode
	}

	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, fmt.Errorf("push gateway status %d", status)
	}
	return status, nil
}

type pushMessage struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Tag       string `json:"tag,omitempty"`
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Path      string `json:"path,omitempty"`
	Timestamp string `json:"timestamp"`
}

// PushConfig configures a PushNotifier.
type PushConfig struct {
	PublicKey  string
	PrivateKey string
	Subject    string
	Store      PushStore
	// Title names a session in notification titles; the session id is used
	// when nil or empty.
	Title func(sessionID string) string
	// Token is appended to the click-through path when auth is enabled.
	Token string
}

// PushNotifier sends a Web Push notification to every stored subscription
// for each assistant reply. It is a poller.Broadcaster; delivery happens on
// the Run goroutine so the poller never waits on the network.
type PushNotifier struct {
	publicKey string
	subject   string
	token     string
	title     func(sessionID string) string

	store  PushStore
	sender webPushSender

	queue   chan poller.Event
	runOnce sync.Once
}

// NewPushNotifier validates cfg and returns a notifier.
func NewPushNotifier(cfg PushConfig) (*PushNotifier, error) {
	publicKey := strings.TrimSpace(cfg.PublicKey)
	privateKey := strings.TrimSpace(cfg.PrivateKey)
	if publicKey == "" || privateKey == "" {
		return nil, fmt.Errorf("both push vapid public and private keys are required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("push subscription store is required")
	}
	subject := strings.TrimSpace(cfg.Subject)
	if subject == "" {
		subject = "mailto:agent-relay@localhost"
	}

	return &PushNotifier{
		publicKey: publicKey,
		subject:   subject,
		token:     strings.TrimSpace(cfg.Token),
		title:     cfg.Title,
		store:     cfg.Store,
		sender:    &vapidPushSender{subject: subject, publicKey: publicKey, privateKey: privateKey},
		queue:     make(chan poller.Event, pushQueueSize),
	}, nil
}

// PublicKey is the VAPID application server key browsers subscribe with.
func (p *PushNotifier) PublicKey() string { return p.publicKey }

// Subject is the VAPID contact.
func (p *PushNotifier) Subject() string { return p.subject }

// Broadcast queues assistant messages for delivery. User messages are
// ignored; a full queue drops the event.
func (p *PushNotifier) Broadcast(ev poller.Event) {
	if ev.Message == nil || ev.Message.Role != statedb.RoleAssistant {
		return
	}
	select {
	case p.queue <- ev:
	default:
		logging.Aggregate(logging.CompPush, "push_queue_full",
			slog.String("session_id", ev.SessionID))
	}
}

// Run delivers queued notifications until ctx is done. Only the first call
// does anything.
func (p *PushNotifier) Run(ctx context.Context) {
	p.runOnce.Do(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-p.queue:
				p.notify(ev)
			}
		}
	})
}

// Subscribe stores (or refreshes) a browser subscription.
func (p *PushNotifier) Subscribe(sub pushSubscription) error {
	sub = sub.normalize()
	if err := sub.validate(); err != nil {
		return err
	}
	return p.store.SavePushSubscription(&statedb.PushSubscriptionRow{
		Endpoint: sub.Endpoint,
		P256dh:   sub.Keys.P256DH,
		Auth:     sub.Keys.Auth,
	})
}

// Unsubscribe forgets endpoint.
func (p *PushNotifier) Unsubscribe(endpoint string) error {
	return p.store.DeletePushSubscription(strings.TrimSpace(endpoint))
}

// SubscriptionCount reports the number of stored subscriptions.
func (p *PushNotifier) SubscriptionCount() (int, error) {
	subs, err := p.store.LoadPushSubscriptions()
	return len(subs), err
}

func (p *PushNotifier) notify(ev poller.Event) {
	subs, err := p.store.LoadPushSubscriptions()
	if err != nil {
		pushLog.Error("push_list_subscriptions_failed", slog.String("error", err.Error()))
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(p.buildMessage(ev))
	if err != nil {
		pushLog.Error("push_marshal_failed", slog.String("error", err.Error()))
		return
	}

	pushLog.Debug("push_notifying",
		slog.String("session_id", ev.SessionID),
		slog.Int("subscribers", len(subs)))

	for _, sub := range subs {
		statusCode, err := p.sender.Send(payload, sub)
		if err == nil {
			pushLog.Debug("push_sent",
				slog.String("endpoint", endpointForLog(sub.Endpoint)),
				slog.Int("http_status", statusCode))
			continue
		}

		pushLog.Warn("push_send_failed",
			slog.String("endpoint", endpointForLog(sub.Endpoint)),
			slog.Int("http_status", statusCode),
			slog.String("session_id", ev.SessionID),
			slog.String("error", err.Error()))
		if statusCode == http.StatusGone || statusCode == http.StatusNotFound {
			if err := p.store.DeletePushSubscription(sub.Endpoint); err != nil {
				pushLog.Error("push_prune_failed",
					slog.String("endpoint", endpointForLog(sub.Endpoint)),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (p *PushNotifier) buildMessage(ev poller.Event) pushMessage {
	name := ""
	if p.title != nil {
		name = strings.TrimSpace(p.title(ev.SessionID))
	}
	if name == "" {
		name = ev.SessionID
	}

	return pushMessage{
		Title:     fmt.Sprintf("%s: %s replied", defaultPushTitle, name),
		Body:      previewBody(ev.Message.Content),
		Tag:       "agentrelay-" + ev.SessionID,
		SessionID: ev.SessionID,
		MessageID: ev.Message.ID,
		Path:      p.routePath("/api/sessions/" + url.PathEscape(ev.SessionID) + "/messages"),
		Timestamp: ev.Message.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// previewBody flattens content to one line and truncates it by display
// width so wide runes do not overflow the notification.
func previewBody(content string) string {
	flat := strings.Join(strings.Fields(content), " ")
	return runewidth.Truncate(flat, pushBodyWidth, "…")
}

func endpointForLog(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err == nil && u.Host != "" {
		return u.Host
	}
	endpoint = strings.TrimSpace(endpoint)
	if len(endpoint) <= 48 {
		return endpoint
	}
	return endpoint[:48] + "..."
}

func (p *PushNotifier) routePath(basePath string) string {
	if p.token == "" {
		return basePath
	}
	u := &url.URL{Path: basePath}
	query := u.Query()
	query.Set("token", p.token)
	u.RawQuery = query.Encode()
	return u.String()
}
