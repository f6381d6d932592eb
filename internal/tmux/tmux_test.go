package tmux

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	reply func(args []string) ([]byte, error)
}

func (f *fakeRunner) run(ctx context.Context, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), args...))
	f.mu.Unlock()
	if f.reply != nil {
		return f.reply(args)
	}
	return nil, nil
}

func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

func newTestClient(f *fakeRunner, opts ...Option) *Client {
	c := NewClient(append(opts, withRunner(f.run))...)
	c.sleep = func(time.Duration) {}
	return c
}

func TestCapture_Args(t *testing.T) {
	f := &fakeRunner{reply: func([]string) ([]byte, error) { return []byte("hello\n"), nil }}
	c := newTestClient(f)

	out, err := c.Capture(context.Background(), "agentrelay_x", 500)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
	assert.Equal(t, []string{"capture-pane -t agentrelay_x -p -J -S -500"}, f.commands())
}

func TestCapture_DefaultLines(t *testing.T) {
	f := &fakeRunner{}
	c := newTestClient(f)
	_, err := c.Capture(context.Background(), "t", 0)
	require.NoError(t, err)
	assert.Contains(t, f.commands()[0], "-S -2000")
}

func TestCapture_MissingSession(t *testing.T) {
	f := &fakeRunner{reply: func([]string) ([]byte, error) {
		return []byte("can't find session: gone"), errors.New("exit status 1")
	}}
	c := newTestClient(f)
	_, err := c.Capture(context.Background(), "gone", 100)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCapture_Timeout(t *testing.T) {
	c := NewClient(withRunner(func(ctx context.Context, args ...string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	c.captureTimeout = 20 * time.Millisecond

	_, err := c.Capture(context.Background(), "slow", 10)
	assert.ErrorIs(t, err, ErrCaptureTimeout)
}

func TestCapture_CallerCancelIsNotTimeout(t *testing.T) {
	c := NewClient(withRunner(func(ctx context.Context, args ...string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Capture(ctx, "t", 10)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCaptureTimeout)
}

func TestCapture_ConcurrentCallsShareSubprocess(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c := NewClient(withRunner(func(ctx context.Context, args ...string) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("frame"), nil
	}))

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.Capture(context.Background(), "shared", 100)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(5))
	for _, r := range results {
		assert.Equal(t, "frame", r)
	}
}

func TestIsRunning_UsesCachedList(t *testing.T) {
	f := &fakeRunner{reply: func(args []string) ([]byte, error) {
		return []byte("agentrelay_a\nagentrelay_b\n"), nil
	}}
	c := newTestClient(f)
	ctx := context.Background()

	assert.True(t, c.IsRunning(ctx, "agentrelay_a"))
	assert.True(t, c.IsRunning(ctx, "agentrelay_b"))
	assert.False(t, c.IsRunning(ctx, "agentrelay_c"))
	assert.Len(t, f.commands(), 1, "list-sessions runs once per TTL")
}

func TestIsRunning_NoServer(t *testing.T) {
	f := &fakeRunner{reply: func([]string) ([]byte, error) {
		return []byte("no server running on /tmp/tmux-0/default"), errors.New("exit status 1")
	}}
	c := newTestClient(f)
	assert.False(t, c.IsRunning(context.Background(), "x"))
}

func TestSendKeysAndEnter(t *testing.T) {
	f := &fakeRunner{}
	c := newTestClient(f)
	require.NoError(t, c.SendKeysAndEnter(context.Background(), "t", "Enter the dragon"))
	assert.Equal(t, []string{
		"send-keys -l -t t -- Enter the dragon",
		"send-keys -t t Enter",
	}, f.commands())
}

func TestSendKeysAndEnter_Chunked(t *testing.T) {
	f := &fakeRunner{}
	c := newTestClient(f)
	line := strings.Repeat("x", 3000) + "\n"
	require.NoError(t, c.SendKeysAndEnter(context.Background(), "t", line+line))
	cmds := f.commands()
	require.Len(t, cmds, 3)
	assert.True(t, strings.HasPrefix(cmds[0], "send-keys -l"))
	assert.True(t, strings.HasPrefix(cmds[1], "send-keys -l"))
	assert.Equal(t, "send-keys -t t Enter", cmds[2])
}

func TestSendKeysAndEnter_MissingSession(t *testing.T) {
	f := &fakeRunner{reply: func([]string) ([]byte, error) {
		return []byte("can't find session: t"), errors.New("exit status 1")
	}}
	c := newTestClient(f)
	err := c.SendKeysAndEnter(context.Background(), "t", "hi")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Len(t, f.commands(), 1, "Enter is not sent after a failed paste")
}

func TestNewSession(t *testing.T) {
	f := &fakeRunner{}
	c := newTestClient(f)
	require.NoError(t, c.NewSession(context.Background(), "agentrelay_s", "/tmp", "claude"))
	cmds := f.commands()
	require.Len(t, cmds, 4)
	assert.Equal(t, "new-session -d -s agentrelay_s -c /tmp", cmds[0])
	assert.Contains(t, cmds[1], "history-limit 10000")
	assert.Equal(t, "send-keys -l -t agentrelay_s -- claude", cmds[2])
}

func TestKillSession_InvalidatesCache(t *testing.T) {
	alive := true
	f := &fakeRunner{reply: func(args []string) ([]byte, error) {
		if args[0] == "kill-session" {
			alive = false
			return nil, nil
		}
		if alive {
			return []byte("s\n"), nil
		}
		return []byte(""), nil
	}}
	c := newTestClient(f)
	ctx := context.Background()
	require.True(t, c.IsRunning(ctx, "s"))
	require.NoError(t, c.KillSession(ctx, "s"))
	assert.False(t, c.IsRunning(ctx, "s"))
}

func TestSessionName(t *testing.T) {
	name := SessionName("my project!")
	assert.True(t, strings.HasPrefix(name, SessionPrefix+"my-project_"), name)
	assert.NotEqual(t, name, SessionName("my project!"))
	assert.True(t, strings.HasPrefix(SessionName("!!!"), SessionPrefix+"session_"))
}

func TestSplitIntoChunks(t *testing.T) {
	assert.Equal(t, []string{""}, splitIntoChunks("", 10))
	assert.Equal(t, []string{"short"}, splitIntoChunks("short", 10))
	assert.Equal(t, []string{"aaaa\n", "bbbb"}, splitIntoChunks("aaaa\nbbbb", 6))
	assert.Equal(t, []string{"aaaaa", "aaaaa", "a"}, splitIntoChunks("aaaaaaaaaaa", 5))
}

func TestWithCaptureRate(t *testing.T) {
	assert.Nil(t, NewClient(WithCaptureRate(0)).limiter)
	c := NewClient(WithCaptureRate(0.5))
	require.NotNil(t, c.limiter)
	assert.Equal(t, 1, c.limiter.Burst())
}
