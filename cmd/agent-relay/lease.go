package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
)

// serveEndpointKey is the metadata row where the primary serve process
// records how to reach its API.
const serveEndpointKey = "serve_endpoint"

type serveEndpoint struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// endpointURL turns a listen address into a URL reachable from this host.
func endpointURL(listen string) (string, error) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("listen address %q: %w", listen, err)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

func (a *app) publishServeEndpoint(listen, token string) error {
	url, err := endpointURL(listen)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(serveEndpoint{URL: url, Token: token})
	if err != nil {
		return err
	}
	return a.db.SetMeta(serveEndpointKey, string(raw))
}

func (a *app) clearServeEndpoint() {
	if err := a.db.SetMeta(serveEndpointKey, ""); err != nil {
		serveLog.Warn("serve_endpoint_clear_failed", slog.String("error", err.Error()))
	}
}

// pollerLease marks this CLI process as the profile's primary while it runs
// a local scheduler, so no serve process polls the same panes.
type pollerLease struct {
	a      *app
	cancel context.CancelFunc
	done   chan struct{}
}

// acquirePollerLease claims the primary role. It returns nil when another
// live process already holds it; the caller must then go through that
// process instead of touching cursors itself.
func (a *app) acquirePollerLease(ctx context.Context) (*pollerLease, error) {
	if err := a.db.CleanDeadInstances(leaseTimeout); err != nil {
		serveLog.Warn("clean_dead_instances_failed", slog.String("error", err.Error()))
	}
	if err := a.db.RegisterInstance(false); err != nil {
		return nil, fmt.Errorf("register instance: %w", err)
	}
	primary, err := a.db.ElectPrimary(leaseTimeout)
	if err != nil || !primary {
		_ = a.db.UnregisterInstance()
		if err != nil {
			return nil, fmt.Errorf("elect primary: %w", err)
		}
		return nil, nil
	}

	// An endpoint left behind by a serve process that died is stale now.
	a.clearServeEndpoint()

	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := &pollerLease{a: a, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		heartbeatLoop(hctx, a)
	}()
	return l, nil
}

// Release stops the heartbeat and gives the primary role back.
func (l *pollerLease) Release() {
	l.cancel()
	<-l.done
	_ = l.a.db.ResignPrimary()
	_ = l.a.db.UnregisterInstance()
}

// primaryClient returns a client for the serve process holding the lease.
func (a *app) primaryClient() (*relayClient, error) {
	raw, err := a.db.GetMeta(serveEndpointKey)
	if err != nil {
		return nil, fmt.Errorf("read serve endpoint: %w", err)
	}
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("another agent-relay process is polling profile %s; retry when it finishes", a.profile)
	}
	var ep serveEndpoint
	if err := json.Unmarshal([]byte(raw), &ep); err != nil {
		return nil, fmt.Errorf("parse serve endpoint: %w", err)
	}
	return newRelayClient(ep.URL, ep.Token), nil
}
