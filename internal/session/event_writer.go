package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// HookEvent is written by a tool's hook script when it finishes a turn.
// The watcher nudges the session's poller so completion is detected
// without waiting for the next tick.
type HookEvent struct {
	SessionID string `json:"session_id"`
	Event     string `json:"event"`
	Timestamp int64  `json:"ts"`
}

// WriteHookEvent atomically writes ev into dir as <session_id>.json.
// Uses tmp file + rename to avoid partial reads by watchers.
func WriteHookEvent(dir string, ev HookEvent) error {
	if ev.SessionID == "" {
		return fmt.Errorf("hook event: empty session id")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create events dir: %w", err)
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	filePath := filepath.Join(dir, filepath.Base(ev.SessionID)+".json")
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write tmp event: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return fmt.Errorf("rename event: %w", err)
	}

	eventLog.Debug("hook_event_written",
		slog.String("session", ev.SessionID),
		slog.String("event", ev.Event))
	return nil
}

// CleanStaleEventFiles removes event files older than maxAge.
func CleanStaleEventFiles(dir string, maxAge time.Duration) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}
