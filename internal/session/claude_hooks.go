package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	// relayHookMarker identifies our entries in settings.json.
	relayHookMarker = "agent-relay hook"

	// RelayHookCommand is the Stop hook command written by InstallClaudeStopHook.
	RelayHookCommand = relayHookMarker + " --optional"

	claudeStopEvent = "Stop"
)

type claudeHookEntry struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Async   bool   `json:"async,omitempty"`
}

type claudeHookMatcher struct {
	Matcher string            `json:"matcher,omitempty"`
	Hooks   []claudeHookEntry `json:"hooks"`
}

// ClaudeConfigDir returns $CLAUDE_CONFIG_DIR or ~/.claude.
func ClaudeConfigDir() (string, error) {
	if dir := os.Getenv("CLAUDE_CONFIG_DIR"); dir != "" {
		return expandTilde(dir), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home directory: %w", err)
	}
	return filepath.Join(home, ".claude"), nil
}

// InstallClaudeStopHook adds the relay Stop hook to configDir/settings.json,
// keeping every other setting and hook intact. It reports false when the
// hook was already present.
func InstallClaudeStopHook(configDir string) (bool, error) {
	settingsPath := filepath.Join(configDir, "settings.json")
	settings, err := readClaudeSettings(settingsPath)
	if err != nil {
		return false, err
	}
	hooks := settingsHooks(settings)
	if eventHasRelayHook(hooks[claudeStopEvent]) {
		return false, nil
	}

	var matchers []claudeHookMatcher
	if raw, ok := hooks[claudeStopEvent]; ok {
		if err := json.Unmarshal(raw, &matchers); err != nil {
			matchers = nil
		}
	}
	entry := claudeHookEntry{Type: "command", Command: RelayHookCommand, Async: true}
	appended := false
	for i := range matchers {
		if matchers[i].Matcher == "" {
			matchers[i].Hooks = append(matchers[i].Hooks, entry)
			appended = true
			break
		}
	}
	if !appended {
		matchers = append(matchers, claudeHookMatcher{Hooks: []claudeHookEntry{entry}})
	}

	raw, err := json.Marshal(matchers)
	if err != nil {
		return false, fmt.Errorf("marshal stop hooks: %w", err)
	}
	hooks[claudeStopEvent] = raw
	if err := writeClaudeSettings(settingsPath, settings, hooks); err != nil {
		return false, err
	}
	sessionLog.Info("claude_hook_installed", slog.String("config_dir", configDir))
	return true, nil
}

// RemoveClaudeStopHook removes relay hook entries. It reports false when
// there was nothing to remove.
func RemoveClaudeStopHook(configDir string) (bool, error) {
	settingsPath := filepath.Join(configDir, "settings.json")
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		return false, nil
	}
	settings, err := readClaudeSettings(settingsPath)
	if err != nil {
		return false, err
	}
	hooks := settingsHooks(settings)
	raw, ok := hooks[claudeStopEvent]
	if !ok {
		return false, nil
	}

	var matchers []claudeHookMatcher
	if err := json.Unmarshal(raw, &matchers); err != nil {
		return false, nil
	}
	removed := false
	var kept []claudeHookMatcher
	for _, m := range matchers {
		var entries []claudeHookEntry
		for _, h := range m.Hooks {
			if strings.Contains(h.Command, relayHookMarker) {
				removed = true
				continue
			}
			entries = append(entries, h)
		}
		if len(entries) > 0 {
			m.Hooks = entries
			kept = append(kept, m)
		}
	}
	if !removed {
		return false, nil
	}

	if len(kept) == 0 {
		delete(hooks, claudeStopEvent)
	} else {
		cleaned, err := json.Marshal(kept)
		if err != nil {
			return false, fmt.Errorf("marshal stop hooks: %w", err)
		}
		hooks[claudeStopEvent] = cleaned
	}
	if err := writeClaudeSettings(settingsPath, settings, hooks); err != nil {
		return false, err
	}
	sessionLog.Info("claude_hook_removed", slog.String("config_dir", configDir))
	return true, nil
}

// ClaudeStopHookInstalled reports whether settings.json already runs the
// relay hook on Stop.
func ClaudeStopHookInstalled(configDir string) bool {
	settings, err := readClaudeSettings(filepath.Join(configDir, "settings.json"))
	if err != nil {
		return false
	}
	return eventHasRelayHook(settingsHooks(settings)[claudeStopEvent])
}

func readClaudeSettings(path string) (map[string]json.RawMessage, error) {
	settings := make(map[string]json.RawMessage)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return settings, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings.json: %w", err)
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse settings.json: %w", err)
	}
	return settings, nil
}

// settingsHooks decodes the "hooks" object; a malformed value starts empty.
func settingsHooks(settings map[string]json.RawMessage) map[string]json.RawMessage {
	hooks := make(map[string]json.RawMessage)
	if raw, ok := settings["hooks"]; ok {
		if err := json.Unmarshal(raw, &hooks); err != nil {
			return make(map[string]json.RawMessage)
		}
	}
	return hooks
}

func writeClaudeSettings(path string, settings, hooks map[string]json.RawMessage) error {
	if len(hooks) == 0 {
		delete(settings, "hooks")
	} else {
		raw, err := json.Marshal(hooks)
		if err != nil {
			return fmt.Errorf("marshal hooks: %w", err)
		}
		settings["hooks"] = raw
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings.json.tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename settings.json: %w", err)
	}
	return nil
}

func eventHasRelayHook(raw json.RawMessage) bool {
	if raw == nil {
		return false
	}
	var matchers []claudeHookMatcher
	if err := json.Unmarshal(raw, &matchers); err != nil {
		return false
	}
	for _, m := range matchers {
		for _, h := range m.Hooks {
			if strings.Contains(h.Command, relayHookMarker) {
				return true
			}
		}
	}
	return false
}
