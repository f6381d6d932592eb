package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/session"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

var webLog = logging.ForComponent(logging.CompWeb)

// SessionDirectory resolves registered sessions.
type SessionDirectory interface {
	List(ctx context.Context) ([]*session.Instance, error)
	Get(ref string) (*session.Instance, error)
}

// MessageReader reads persisted transcripts.
type MessageReader interface {
	ListMessages(sessionID string, opts statedb.ListOptions) ([]*statedb.Message, error)
}

// PollController starts and stops per-session pollers.
type PollController interface {
	Start(ctx context.Context, sessionID string, tool tmux.ToolVariant) error
	Stop(sessionID string) bool
	IsPolling(sessionID string) bool
}

// MessageSender delivers a user message to a session.
type MessageSender interface {
	Send(ctx context.Context, sessionID string, tool tmux.ToolVariant, text string) (*statedb.Message, error)
}

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	Profile    string
	ReadOnly   bool
	Token      string

	Sessions SessionDirectory
	Messages MessageReader
	Poller   PollController
	Sender   MessageSender

	// Hub is created when nil. Register it (and Push) as scheduler
	// broadcasters so clients see new messages.
	Hub  *Hub
	Push *PushNotifier
}

// Server wraps an HTTP server for the relay API.
type Server struct {
	cfg        Config
	httpServer *http.Server
	hub        *Hub
	push       *PushNotifier
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates a new web server with routes and middleware.
func NewServer(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8420"
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub()
	}

	s := &Server{
		cfg:  cfg,
		hub:  cfg.Hub,
		push: cfg.Push,
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/api/sessions", s.withAuth(s.handleSessions))
	mux.Handle("/api/sessions/{id}/messages", s.withAuth(s.handleSessionMessages))
	mux.Handle("/api/sessions/{id}/poll", s.withAuth(s.handleSessionPoll))
	mux.Handle("GET /api/push", s.withAuth(s.handlePushStatus))
	mux.Handle("PUT /api/push/subscription", s.withAuth(s.handlePushSubscribe))
	mux.Handle("DELETE /api/push/subscription", s.withAuth(s.handlePushUnsubscribe))
	mux.Handle("/events/messages", s.withAuth(s.handleMessageEvents))
	mux.Handle("/ws/sessions/{id}", s.withAuth(s.handleSessionWS))

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Hub returns the live-update hub clients subscribe to.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start starts the HTTP server and blocks until shutdown or error.
// Returns nil on graceful shutdown.
func (s *Server) Start() error {
	if s.push != nil {
		go s.push.Run(s.baseCtx)
	}
	webLog.Info("web_listening",
		slog.String("addr", s.cfg.ListenAddr),
		slog.Bool("read_only", s.cfg.ReadOnly),
		slog.Bool("auth", s.cfg.Token != ""))

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	// Long-lived handlers (SSE/WS) watch the base context.
	s.cancelBase()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	// Long-lived connections may still block graceful shutdown. Force close
	// as a fallback so Ctrl+C exits promptly.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"profile":     s.cfg.Profile,
		"readOnly":    s.cfg.ReadOnly,
		"subscribers": s.hub.Count(),
		"time":        time.Now().UTC().Format(time.RFC3339),
	})
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("web.Server{addr=%s profile=%s}", s.cfg.ListenAddr, s.cfg.Profile)
}

