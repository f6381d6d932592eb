package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/poller"
	"github.com/asheshgoplani/agent-relay/internal/session"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
	"github.com/asheshgoplani/agent-relay/internal/web"
)

const (
	heartbeatInterval = 10 * time.Second
	leaseTimeout      = 30 * time.Second
	eventFileMaxAge   = time.Hour
	shutdownTimeout   = 5 * time.Second
)

var serveLog = logging.ForComponent(logging.CompSession)

type serveFlags struct {
	listen   string
	token    string
	readOnly bool
	push     bool
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	webCfg := session.GetWebSettings()
	push := session.GetPushSettings()
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay API and capture agent replies as they finish",
		Long: `Serve the HTTP API (REST, SSE and WebSocket) for the current profile.
Agent stop hooks ("agent-relay hook") trigger an immediate capture.

Only one process per profile runs pollers. Additional serve processes
serve the stored transcripts read-only, and "send" and "poll" hand their
work to the primary serve process over this API.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, flags)
		},
	}
	cmd.Flags().StringVar(&flags.listen, "listen", webCfg.Listen, "address to listen on")
	cmd.Flags().StringVar(&flags.token, "token", webCfg.Token, "require this bearer token on API requests")
	cmd.Flags().BoolVar(&flags.readOnly, "read-only", webCfg.ReadOnly, "reject message sends and poll control")
	cmd.Flags().BoolVar(&flags.push, "push", push.Enabled, "send Web Push notifications for agent replies")
	return cmd
}

func runServe(parent context.Context, opts *globalOptions, flags *serveFlags) error {
	if parent == nil {
		parent = context.Background()
	}
	if err := tmux.IsAvailable(); err != nil {
		return err
	}

	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.db.CleanDeadInstances(leaseTimeout); err != nil {
		serveLog.Warn("clean_dead_instances_failed", slog.String("error", err.Error()))
	}
	if err := a.db.RegisterInstance(false); err != nil {
		return fmt.Errorf("register instance: %w", err)
	}
	defer func() { _ = a.db.UnregisterInstance() }()

	primary, err := a.db.ElectPrimary(leaseTimeout)
	if err != nil {
		return fmt.Errorf("elect primary: %w", err)
	}
	if primary {
		defer func() { _ = a.db.ResignPrimary() }()
		// CLI send and poll route through this process while it holds the lease.
		if err := a.publishServeEndpoint(flags.listen, flags.token); err != nil {
			serveLog.Warn("serve_endpoint_publish_failed", slog.String("error", err.Error()))
		}
		defer a.clearServeEndpoint()
	} else {
		serveLog.Warn("serve_secondary",
			slog.String("profile", a.profile),
			slog.String("reason", "another agent-relay process owns the pollers"))
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go heartbeatLoop(ctx, a)
	go dumpOnSignal(ctx)

	hub := web.NewHub()
	defer hub.Close()

	cfg := web.Config{
		ListenAddr: flags.listen,
		Profile:    a.profile,
		ReadOnly:   flags.readOnly || !primary,
		Token:      flags.token,
		Sessions:   a.mgr,
		Messages:   a.db,
		Hub:        hub,
	}

	if flags.push {
		notifier, err := newPushNotifier(a, flags.token)
		if err != nil {
			return err
		}
		cfg.Push = notifier
	}

	if primary {
		broadcasters := poller.Broadcasters{hub}
		if cfg.Push != nil {
			broadcasters = append(broadcasters, cfg.Push)
		}
		sched := a.newScheduler(poller.WithBroadcaster(broadcasters))
		defer sched.Close()
		cfg.Poller = sched
		cfg.Sender = poller.NewSender(sched)

		eventsDir, err := session.GetEventsDir()
		if err != nil {
			return err
		}
		session.CleanStaleEventFiles(eventsDir, eventFileMaxAge)
		watcher, err := session.NewEventWatcher(eventsDir, &hookNudger{ctx: ctx, sched: sched, mgr: a.mgr})
		if err != nil {
			return err
		}
		go watcher.Run()
		defer watcher.Stop()
	}

	server := web.NewServer(cfg)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	}

	serveLog.Info("serve_shutdown", slog.String("profile", a.profile))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newPushNotifier(a *app, token string) (*web.PushNotifier, error) {
	pub, priv, generated, err := web.EnsureVAPIDKeys(a.db)
	if err != nil {
		return nil, fmt.Errorf("vapid keys: %w", err)
	}
	if generated {
		logging.ForComponent(logging.CompPush).Info("vapid_keys_generated", slog.String("profile", a.profile))
	}
	return web.NewPushNotifier(web.PushConfig{
		PublicKey:  pub,
		PrivateKey: priv,
		Subject:    session.GetPushSettings().Subject,
		Store:      a.db,
		Token:      token,
		Title: func(sessionID string) string {
			if inst, err := a.mgr.Get(sessionID); err == nil {
				return inst.Title
			}
			return sessionID
		},
	})
}

func heartbeatLoop(ctx context.Context, a *app) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.db.Heartbeat(); err != nil {
				serveLog.Warn("heartbeat_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// dumpOnSignal writes the in-memory log tail to disk on SIGUSR1.
func dumpOnSignal(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1)
	defer signal.Stop(sigs)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			path := crashDumpPath()
			if err := logging.DumpRecent(path); err != nil {
				serveLog.Warn("log_dump_failed", slog.String("error", err.Error()))
				continue
			}
			serveLog.Info("log_dumped", slog.String("path", path))
		}
	}
}

// hookNudger wakes the poller of a session whose agent hook fired. When no
// poller is running (the user typed into tmux directly), it starts one so
// the reply still lands in the transcript.
type hookNudger struct {
	ctx   context.Context
	sched *poller.Scheduler
	mgr   *session.Manager
}

func (n *hookNudger) Nudge(sessionID string) {
	if n.sched.IsPolling(sessionID) {
		n.sched.Nudge(sessionID)
		return
	}
	inst, err := n.mgr.Get(sessionID)
	if err != nil {
		serveLog.Debug("hook_unknown_session", slog.String("session", sessionID))
		return
	}
	if err := n.sched.Start(n.ctx, inst.ID, inst.Tool); err != nil {
		serveLog.Warn("hook_poll_start_failed",
			slog.String("session", inst.ID),
			slog.String("error", err.Error()))
	}
}
