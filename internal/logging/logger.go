package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component names used as the "component" attribute on every record.
const (
	CompPoll    = "poll"
	CompCapture = "capture"
	CompFlush   = "flush"
	CompStorage = "storage"
	CompSession = "session"
	CompConfig  = "config"
	CompWeb     = "web"
	CompPush    = "push"
	CompPerf    = "perf"
)

// LogFileName is the rotated log written into Config.LogDir.
const LogFileName = "debug.log"

// Config holds logging configuration.
type Config struct {
	// LogDir receives debug.log. Empty with Debug set logs to stderr.
	LogDir string

	// Level is "debug", "info" (default), "warn" or "error"
	Level string

	// Format is "json" (default) or "text"
	Format string

	// Rotation of debug.log: megabytes per file (10), files kept (5),
	// days kept (10).
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// TailBytes is how much recent output is kept in memory for
	// DumpRecent (default 10MB)
	TailBytes int

	// AggregateIntervalSecs is how often Aggregate summaries are written (30)
	AggregateIntervalSecs int

	// PprofAddr starts a pprof server when non-empty, e.g. "localhost:6060"
	PprofAddr string

	Debug bool
}

func (c Config) withDefaults() Config {
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 10
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 5
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 10
	}
	if c.TailBytes <= 0 {
		c.TailBytes = 10 * 1024 * 1024
	}
	if c.AggregateIntervalSecs <= 0 {
		c.AggregateIntervalSecs = 30
	}
	return c
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// sink is everything one Init call sets up; Shutdown tears it down.
type sink struct {
	logger *slog.Logger
	tail   *LogTail
	agg    *Aggregator
	closer io.Closer
}

var (
	mu      sync.RWMutex
	current *sink
	discard = slog.New(slog.NewJSONHandler(io.Discard, nil))
)

// Init installs the global logger, replacing any previous one. Without
// Debug and without a LogDir every record is discarded.
func Init(cfg Config) {
	cfg = cfg.withDefaults()
	next := &sink{tail: NewLogTail(cfg.TailBytes)}

	if !cfg.Debug && cfg.LogDir == "" {
		next.logger = discard
		next.agg = NewAggregator(nil, cfg.AggregateIntervalSecs)
	} else {
		var dest io.Writer = os.Stderr
		if cfg.LogDir != "" {
			rot := &lumberjack.Logger{
				Filename:   filepath.Join(cfg.LogDir, LogFileName),
				MaxSize:    cfg.MaxSizeMB,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAgeDays,
				Compress:   cfg.Compress,
			}
			dest, next.closer = rot, rot
		}
		out := io.MultiWriter(dest, next.tail)
		opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
		if cfg.Format == "text" {
			next.logger = slog.New(slog.NewTextHandler(out, opts))
		} else {
			next.logger = slog.New(slog.NewJSONHandler(out, opts))
		}
		next.agg = NewAggregator(next.logger, cfg.AggregateIntervalSecs)
		next.agg.Start()
	}

	mu.Lock()
	prev := current
	current = next
	mu.Unlock()
	prev.close()

	if cfg.PprofAddr != "" {
		startPprof(cfg.PprofAddr)
	}
}

func (s *sink) close() {
	if s == nil {
		return
	}
	s.agg.Stop()
	if s.closer != nil {
		_ = s.closer.Close()
	}
}

// Shutdown flushes pending summaries and closes debug.log. Logging after
// Shutdown is discarded until the next Init.
func Shutdown() {
	mu.Lock()
	prev := current
	current = nil
	mu.Unlock()
	prev.close()
}

func active() *sink {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Logger returns the global logger. Safe to call before Init.
func Logger() *slog.Logger {
	if s := active(); s != nil {
		return s.logger
	}
	return discard
}

// ForComponent returns a logger tagged with component. Package-level
// loggers exist before Init runs, so the handler is looked up per record.
func ForComponent(component string) *slog.Logger {
	return slog.New(lateHandler{}.with(func(h slog.Handler) slog.Handler {
		return h.WithAttrs([]slog.Attr{slog.String("component", component)})
	}))
}

// lateHandler replays its WithAttrs/WithGroup calls on whatever handler is
// installed when a record is written.
type lateHandler struct {
	ops []func(slog.Handler) slog.Handler
}

func (h lateHandler) with(op func(slog.Handler) slog.Handler) lateHandler {
	ops := make([]func(slog.Handler) slog.Handler, 0, len(h.ops)+1)
	return lateHandler{ops: append(append(ops, h.ops...), op)}
}

func (h lateHandler) resolve() slog.Handler {
	out := Logger().Handler()
	for _, op := range h.ops {
		out = op(out)
	}
	return out
}

func (h lateHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h lateHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.resolve().Handle(ctx, r)
}

func (h lateHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h lateHandler) WithGroup(name string) slog.Handler {
	return h.with(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

// Aggregate counts a high-frequency event; one summary per interval is
// logged instead of every occurrence.
func Aggregate(component, event string, attrs ...slog.Attr) {
	if s := active(); s != nil {
		s.agg.Record(component, event, attrs...)
	}
}

// DumpRecent writes the in-memory tail of recent log output to path.
func DumpRecent(path string) error {
	s := active()
	if s == nil {
		return nil
	}
	return s.tail.Dump(path)
}
