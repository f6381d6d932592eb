package tmux

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var captureLog = logging.ForComponent(logging.CompCapture)

// ErrCaptureTimeout is returned when capture-pane exceeds its timeout.
// Callers should skip the tick rather than treat the session as gone.
var ErrCaptureTimeout = errors.New("capture-pane timed out")

// ErrSessionNotFound is returned when tmux has no session with the target name.
var ErrSessionNotFound = errors.New("tmux session not found")

// SessionPrefix is prepended to every tmux session this program creates.
const SessionPrefix = "agentrelay_"

const (
	// DefaultCaptureLines bounds how much scrollback a capture returns.
	DefaultCaptureLines = 2000
	captureTimeout      = 3 * time.Second
	sessionCacheTTL     = time.Second
	chunkSize           = 4096
	chunkDelay          = 50 * time.Millisecond
	// Delay for TUI apps (Ink, curses) to finish processing bracketed paste
	// before Enter arrives. tmux 3.2+ wraps send-keys -l in paste sequences
	// and an Enter in the same PTY read gets swallowed.
	enterDelay = 100 * time.Millisecond
)

// runFunc executes one tmux invocation and returns its combined output.
type runFunc func(ctx context.Context, args ...string) ([]byte, error)

func execTmux(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, "tmux", args...).CombinedOutput()
}

// Client drives tmux through its CLI. It is safe for concurrent use:
// identical concurrent captures are collapsed into one subprocess, and a
// shared limiter caps the capture rate across every poller.
type Client struct {
	run            runFunc
	limiter        *rate.Limiter
	sleep          func(time.Duration)
	captureTimeout time.Duration

	captureSf singleflight.Group
	listSf    singleflight.Group

	// Session list cache - one list-sessions call per TTL instead of one
	// has-session call per poller per tick.
	cacheMu   sync.RWMutex
	cacheData map[string]bool
	cacheTime time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithCaptureRate caps captures per second across all targets. Zero or
// negative disables limiting.
func WithCaptureRate(perSecond float64) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// withRunner swaps the subprocess runner; used by tests.
func withRunner(run runFunc) Option {
	return func(c *Client) { c.run = run }
}

// NewClient returns a client that shells out to the tmux binary.
func NewClient(opts ...Option) *Client {
	c := &Client{run: execTmux, sleep: time.Sleep, captureTimeout: captureTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsAvailable checks that a tmux binary is on PATH and responds.
func IsAvailable() error {
	if _, err := exec.LookPath("tmux"); err != nil {
		return fmt.Errorf("tmux not found in PATH: %w", err)
	}
	if err := exec.Command("tmux", "-V").Run(); err != nil {
		return fmt.Errorf("tmux not working: %w", err)
	}
	return nil
}

// Capture returns the visible pane plus up to maxLines of scrollback.
// -J joins wrapped lines so line counts do not shift on resize.
func (c *Client) Capture(ctx context.Context, target string, maxLines int) (string, error) {
	if maxLines <= 0 {
		maxLines = DefaultCaptureLines
	}
	key := target + "\x00" + strconv.Itoa(maxLines)
	v, err, _ := c.captureSf.Do(key, func() (interface{}, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return "", err
			}
		}
		cctx, cancel := context.WithTimeout(ctx, c.captureTimeout)
		defer cancel()
		out, err := c.run(cctx, "capture-pane", "-t", target, "-p", "-J", "-S", "-"+strconv.Itoa(maxLines))
		if err != nil {
			if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				captureLog.Debug("capture_timeout", slog.String("target", target))
				return "", ErrCaptureTimeout
			}
			if isMissingSession(out) {
				return "", fmt.Errorf("%w: %s", ErrSessionNotFound, target)
			}
			return "", fmt.Errorf("failed to capture pane %s: %w", target, err)
		}
		return string(out), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func isMissingSession(out []byte) bool {
	s := string(out)
	return strings.Contains(s, "can't find session") ||
		strings.Contains(s, "can't find pane") ||
		strings.Contains(s, "no server running")
}

// ListSessions returns the names of all live tmux sessions.
func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if isMissingSession(out) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list tmux sessions: %w", err)
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// IsRunning reports whether target exists. Results come from a session
// list cached for one second.
func (c *Client) IsRunning(ctx context.Context, target string) bool {
	c.cacheMu.RLock()
	if c.cacheData != nil && time.Since(c.cacheTime) < sessionCacheTTL {
		ok := c.cacheData[target]
		c.cacheMu.RUnlock()
		return ok
	}
	c.cacheMu.RUnlock()

	v, err, _ := c.listSf.Do("list", func() (interface{}, error) {
		names, err := c.ListSessions(ctx)
		if err != nil {
			return nil, err
		}
		data := make(map[string]bool, len(names))
		for _, n := range names {
			data[n] = true
		}
		c.cacheMu.Lock()
		c.cacheData = data
		c.cacheTime = time.Now()
		c.cacheMu.Unlock()
		return data, nil
	})
	if err != nil {
		captureLog.Debug("list_sessions_failed", slog.String("error", err.Error()))
		return false
	}
	return v.(map[string]bool)[target]
}

func (c *Client) invalidateCache() {
	c.cacheMu.Lock()
	c.cacheData = nil
	c.cacheMu.Unlock()
}

// SendKeys sends literal text. The -l flag keeps tmux from interpreting
// words like "Enter" as key names.
func (c *Client) SendKeys(ctx context.Context, target, keys string) error {
	if out, err := c.run(ctx, "send-keys", "-l", "-t", target, "--", keys); err != nil {
		if isMissingSession(out) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, target)
		}
		return fmt.Errorf("send-keys to %s: %w", target, err)
	}
	return nil
}

// SendEnter presses Enter in target.
func (c *Client) SendEnter(ctx context.Context, target string) error {
	if _, err := c.run(ctx, "send-keys", "-t", target, "Enter"); err != nil {
		return fmt.Errorf("send Enter to %s: %w", target, err)
	}
	return nil
}

// SendKeysAndEnter types text into target and submits it. Text larger than
// 4KB is sent in newline-aligned chunks.
func (c *Client) SendKeysAndEnter(ctx context.Context, target, text string) error {
	chunks := splitIntoChunks(text, chunkSize)
	for i, chunk := range chunks {
		if err := c.SendKeys(ctx, target, chunk); err != nil {
			if len(chunks) > 1 {
				return fmt.Errorf("failed to send chunk %d/%d: %w", i+1, len(chunks), err)
			}
			return err
		}
		if i < len(chunks)-1 {
			c.sleep(chunkDelay)
		}
	}
	c.sleep(enterDelay)
	return c.SendEnter(ctx, target)
}

// NewSession creates a detached session named name in workDir and, when
// command is non-empty, starts it there.
func (c *Client) NewSession(ctx context.Context, name, workDir, command string) error {
	if workDir == "" {
		workDir = os.Getenv("HOME")
	}
	if out, err := c.run(ctx, "new-session", "-d", "-s", name, "-c", workDir); err != nil {
		return fmt.Errorf("failed to create tmux session: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	c.invalidateCache()

	// Large scrollback so long responses stay inside the capture window.
	_, _ = c.run(ctx,
		"set-option", "-t", name, "history-limit", "10000", ";",
		"set-option", "-t", name, "escape-time", "10")

	if command != "" {
		if err := c.SendKeysAndEnter(ctx, name, command); err != nil {
			return fmt.Errorf("failed to send command: %w", err)
		}
	}
	return nil
}

// KillSession terminates target.
func (c *Client) KillSession(ctx context.Context, target string) error {
	defer c.invalidateCache()
	if out, err := c.run(ctx, "kill-session", "-t", target); err != nil {
		if isMissingSession(out) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, target)
		}
		return fmt.Errorf("kill-session %s: %w", target, err)
	}
	return nil
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

// SessionName builds a unique tmux session name from a display title.
func SessionName(title string) string {
	sanitized := strings.Trim(unsafeNameChars.ReplaceAllString(title, "-"), "-")
	if sanitized == "" {
		sanitized = "session"
	}
	return SessionPrefix + sanitized + "_" + generateShortID()
}

func generateShortID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano()%0xffffffff, 16)
	}
	return hex.EncodeToString(b)
}

// splitIntoChunks splits content into chunks of at most maxSize bytes,
// preferring newline boundaries. A single line longer than maxSize is split
// at the byte boundary.
func splitIntoChunks(content string, maxSize int) []string {
	if content == "" {
		return []string{""}
	}
	if len(content) <= maxSize {
		return []string{content}
	}

	var chunks []string
	remaining := content
	for len(remaining) > 0 {
		if len(remaining) <= maxSize {
			chunks = append(chunks, remaining)
			break
		}
		cutPoint := strings.LastIndex(remaining[:maxSize], "\n")
		if cutPoint > 0 {
			chunks = append(chunks, remaining[:cutPoint+1])
			remaining = remaining[cutPoint+1:]
		} else {
			chunks = append(chunks, remaining[:maxSize])
			remaining = remaining[maxSize:]
		}
	}
	return chunks
}
