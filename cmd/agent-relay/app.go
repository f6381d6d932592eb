package main

import (
	"context"
	"fmt"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/poller"
	"github.com/asheshgoplani/agent-relay/internal/session"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

// app bundles the per-profile state every command works against.
type app struct {
	profile string
	db      *statedb.StateDB
	tmux    *tmux.Client
	mgr     *session.Manager
}

func openApp(opts *globalOptions) (*app, error) {
	profile := session.GetEffectiveProfile(opts.profile)
	dbPath, err := session.GetStateDBPath(profile)
	if err != nil {
		return nil, fmt.Errorf("resolve state db: %w", err)
	}
	db, err := statedb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state db: %w", err)
	}
	statedb.SetGlobal(db)

	poll := session.GetPollSettings()
	client := tmux.NewClient(tmux.WithCaptureRate(poll.CapturesPerSecond))

	return &app{
		profile: profile,
		db:      db,
		tmux:    client,
		mgr:     session.NewManager(db, client),
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// newScheduler builds a scheduler configured from config.toml.
func (a *app) newScheduler(extra ...poller.Option) *poller.Scheduler {
	opts := []poller.Option{
		poller.WithConfig(session.GetPollSettings().SchedulerConfig()),
		poller.WithRegistry(session.BuildRegistry()),
		poller.WithResolver(a.mgr.Target),
	}
	return poller.NewScheduler(a.tmux, a.db, append(opts, extra...)...)
}

// waitForReply blocks until polling reports false (completion, timeout, or
// dead session) and returns the newest assistant message of sessionID newer
// than since, or nil.
func (a *app) waitForReply(ctx context.Context, polling func() bool, sessionID string, since time.Time) (*statedb.Message, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for polling() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	msg, err := a.db.MostRecentMessage(sessionID, statedb.RoleAssistant)
	if err != nil {
		return nil, err
	}
	if msg == nil || !msg.CreatedAt.After(since) {
		return nil, nil
	}
	return msg, nil
}

// remotePolling adapts relayClient.IsPolling for waitForReply. An
// unreachable server counts as done.
func remotePolling(ctx context.Context, c *relayClient, sessionID string) func() bool {
	return func() bool {
		polling, err := c.IsPolling(ctx, sessionID)
		return err == nil && polling
	}
}
