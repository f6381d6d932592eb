package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readSettings(t *testing.T, dir string) map[string]json.RawMessage {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "settings.json"))
	require.NoError(t, err)
	var settings map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &settings))
	return settings
}

func stopMatchers(t *testing.T, settings map[string]json.RawMessage) []claudeHookMatcher {
	t.Helper()
	var hooks map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(settings["hooks"], &hooks))
	var matchers []claudeHookMatcher
	require.NoError(t, json.Unmarshal(hooks["Stop"], &matchers))
	return matchers
}

func TestInstallClaudeStopHook_Fresh(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".claude")

	installed, err := InstallClaudeStopHook(dir)
	require.NoError(t, err)
	assert.True(t, installed)
	assert.True(t, ClaudeStopHookInstalled(dir))

	matchers := stopMatchers(t, readSettings(t, dir))
	require.Len(t, matchers, 1)
	require.Len(t, matchers[0].Hooks, 1)
	assert.Equal(t, RelayHookCommand, matchers[0].Hooks[0].Command)
	assert.True(t, matchers[0].Hooks[0].Async)
}

func TestInstallClaudeStopHook_Idempotent(t *testing.T) {
	dir := t.TempDir()

	_, err := InstallClaudeStopHook(dir)
	require.NoError(t, err)
	installed, err := InstallClaudeStopHook(dir)
	require.NoError(t, err)
	assert.False(t, installed)
	assert.Len(t, stopMatchers(t, readSettings(t, dir))[0].Hooks, 1)
}

func TestInstallClaudeStopHook_PreservesUserSettings(t *testing.T) {
	dir := t.TempDir()
	existing := `{
  "model": "opus",
  "hooks": {
    "Stop": [{"hooks": [{"type": "command", "command": "say done"}]}],
    "PreToolUse": [{"matcher": "Bash", "hooks": [{"type": "command", "command": "audit"}]}]
  }
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(existing), 0o644))

	_, err := InstallClaudeStopHook(dir)
	require.NoError(t, err)

	settings := readSettings(t, dir)
	assert.JSONEq(t, `"opus"`, string(settings["model"]))
	matchers := stopMatchers(t, settings)
	require.Len(t, matchers, 1)
	require.Len(t, matchers[0].Hooks, 2)
	assert.Equal(t, "say done", matchers[0].Hooks[0].Command)
	assert.Equal(t, RelayHookCommand, matchers[0].Hooks[1].Command)

	var hooks map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(settings["hooks"], &hooks))
	assert.Contains(t, hooks, "PreToolUse")
}

func TestInstallClaudeStopHook_RejectsCorruptSettings(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte("{oops"), 0o644))

	_, err := InstallClaudeStopHook(dir)
	assert.Error(t, err)
	data, _ := os.ReadFile(filepath.Join(dir, "settings.json"))
	assert.Equal(t, "{oops", string(data), "a corrupt file is left alone")
}

func TestRemoveClaudeStopHook(t *testing.T) {
	dir := t.TempDir()
	existing := `{"hooks": {"Stop": [{"hooks": [{"type": "command", "command": "say done"}]}]}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(existing), 0o644))
	_, err := InstallClaudeStopHook(dir)
	require.NoError(t, err)

	removed, err := RemoveClaudeStopHook(dir)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, ClaudeStopHookInstalled(dir))

	matchers := stopMatchers(t, readSettings(t, dir))
	require.Len(t, matchers, 1)
	assert.Equal(t, "say done", matchers[0].Hooks[0].Command)

	removed, err = RemoveClaudeStopHook(dir)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRemoveClaudeStopHook_DropsEmptyHooks(t *testing.T) {
	dir := t.TempDir()
	_, err := InstallClaudeStopHook(dir)
	require.NoError(t, err)

	removed, err := RemoveClaudeStopHook(dir)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NotContains(t, readSettings(t, dir), "hooks")
}

func TestRemoveClaudeStopHook_MissingFile(t *testing.T) {
	removed, err := RemoveClaudeStopHook(t.TempDir())
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestClaudeConfigDir(t *testing.T) {
	t.Setenv("CLAUDE_CONFIG_DIR", "/opt/claude")
	dir, err := ClaudeConfigDir()
	require.NoError(t, err)
	assert.Equal(t, "/opt/claude", dir)

	t.Setenv("CLAUDE_CONFIG_DIR", "")
	dir, err = ClaudeConfigDir()
	require.NoError(t, err)
	assert.Equal(t, ".claude", filepath.Base(dir))
}
