package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/statedb"
)

// relayClient drives a running serve process over its HTTP API.
type relayClient struct {
	base  string
	token string
	http  *http.Client
}

func newRelayClient(base, token string) *relayClient {
	return &relayClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

type remoteError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// do sends a JSON request and decodes a 2xx body into out. Other statuses
// return the API's error message; the body is still decoded into out when
// keepBody is set so callers can read partial results.
func (c *relayClient) do(ctx context.Context, method, path string, in, out any, keepBody bool) (int, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("serve %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if out != nil && (ok || keepBody) {
		if err := json.Unmarshal(raw, out); err != nil && ok {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	if ok {
		return resp.StatusCode, nil
	}
	var apiErr remoteError
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
		return resp.StatusCode, fmt.Errorf("serve: %s (%s)", apiErr.Error.Message, apiErr.Error.Code)
	}
	return resp.StatusCode, fmt.Errorf("serve: %s %s: %s", method, path, resp.Status)
}

// Send posts a user message through the primary's sender.
func (c *relayClient) Send(ctx context.Context, sessionID, text string) (*statedb.Message, error) {
	var resp struct {
		Message   *statedb.Message `json:"message"`
		Delivered bool             `json:"delivered"`
		Error     string           `json:"error"`
	}
	status, err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/messages",
		map[string]string{"content": text}, &resp, true)
	if status == http.StatusBadGateway && resp.Message != nil {
		return resp.Message, fmt.Errorf("message stored but not delivered: %s", resp.Error)
	}
	if err != nil {
		return nil, err
	}
	return resp.Message, nil
}

// StartPoll asks the primary to poll sessionID.
func (c *relayClient) StartPoll(ctx context.Context, sessionID string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/poll", nil, nil, false)
	return err
}

// IsPolling reports whether the primary currently polls sessionID.
func (c *relayClient) IsPolling(ctx context.Context, sessionID string) (bool, error) {
	var resp struct {
		Sessions []struct {
			ID      string `json:"id"`
			Polling bool   `json:"polling"`
		} `json:"sessions"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &resp, false); err != nil {
		return false, err
	}
	for _, s := range resp.Sessions {
		if s.ID == sessionID {
			return s.Polling, nil
		}
	}
	return false, nil
}
