package session

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/poller"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

var configLog = logging.ForComponent(logging.CompConfig)

// UserConfigFileName is the TOML config file for user preferences
const UserConfigFileName = "config.toml"

// UserConfig represents user-facing configuration in TOML format
type UserConfig struct {
	// DefaultProfile is used when neither -p nor AGENTRELAY_PROFILE is set
	DefaultProfile string `toml:"default_profile"`

	// DefaultTool is the tool for new sessions when --tool is omitted
	DefaultTool string `toml:"default_tool"`

	// Poll defines the response polling loop
	Poll PollSettings `toml:"poll"`

	// Web defines the HTTP API server
	Web WebSettings `toml:"web"`

	// Push defines browser push notifications for finished replies
	Push PushSettings `toml:"push"`

	// Logs defines debug log settings
	Logs LogSettings `toml:"logs"`

	// Tools extends the built-in pattern profiles and launch commands.
	// Keys are tool names: claude, gemini, codex, opencode.
	Tools map[string]ToolDef `toml:"tools"`
}

// PollSettings tunes the polling scheduler
type PollSettings struct {
	// IntervalMS is the delay between captures (default: 1000)
	IntervalMS int `toml:"interval_ms"`

	// MaxDurationSecs stops a poller that never sees completion (default: 300)
	MaxDurationSecs int `toml:"max_duration_secs"`

	// CaptureLines is the scrollback depth per capture (default: 2000)
	CaptureLines int `toml:"capture_lines"`

	// CapturesPerSecond caps captures across all sessions (default: 20, 0 disables)
	CapturesPerSecond float64 `toml:"captures_per_second"`
}

// WebSettings configures the HTTP API server
type WebSettings struct {
	// Listen is the address to bind (default: "127.0.0.1:8420")
	Listen string `toml:"listen"`

	// Token is required as a bearer token or ?token= when non-empty
	Token string `toml:"token"`

	// ReadOnly rejects message sends and poll control
	ReadOnly bool `toml:"read_only"`
}

// PushSettings configures web push
type PushSettings struct {
	// Enabled turns on push notifications for assistant messages
	Enabled bool `toml:"enabled"`

	// Subject is the VAPID contact, a mailto: or https: URL
	// Default: "mailto:agent-relay@localhost"
	Subject string `toml:"subject"`
}

// LogSettings defines debug log configuration
type LogSettings struct {
	// DebugLevel sets the minimum log level: "debug", "info", "warn", "error"
	// Default: "info"
	DebugLevel string `toml:"debug_level"`

	// DebugFormat sets the log format: "json" (default) or "text"
	DebugFormat string `toml:"debug_format"`

	// DebugMaxMB is the max size in MB for debug.log before rotation
	// Default: 10
	DebugMaxMB int `toml:"debug_max_mb"`

	// DebugBackups is the number of rotated debug.log files to keep
	// Default: 5
	DebugBackups int `toml:"debug_backups"`

	// DebugRetentionDays is the number of days to keep rotated debug logs
	// Default: 10
	DebugRetentionDays int `toml:"debug_retention_days"`

	// DebugCompress enables gzip compression for rotated debug logs
	DebugCompress bool `toml:"debug_compress"`

	// CrashTailMB is how much recent log output (MB) is kept for SIGUSR1 dumps
	// Default: 10
	CrashTailMB int `toml:"crash_tail_mb"`

	// PprofEnabled starts a pprof server on localhost:6060 when debug mode is active
	PprofEnabled bool `toml:"pprof_enabled"`

	// AggregateIntervalS is the event aggregation flush interval in seconds
	// Default: 30
	AggregateIntervalS int `toml:"aggregate_interval_secs"`
}

// ToolDef customizes one tool. Pattern fields append to the built-in
// profile; patterns prefixed with "re:" are regexes, everything else is
// matched literally.
type ToolDef struct {
	// Command launches the tool in a new session (default: the tool name)
	Command string `toml:"command"`

	PromptPatternsExtra    []string `toml:"prompt_patterns_extra"`
	InputMarkerExtra       []string `toml:"input_marker_extra"`
	SeparatorPatternsExtra []string `toml:"separator_patterns_extra"`
	ThinkingPatternsExtra  []string `toml:"thinking_patterns_extra"`
	SkipPatternsExtra      []string `toml:"skip_patterns_extra"`
	SpinnerCharsExtra      []string `toml:"spinner_chars_extra"`
}

func (d ToolDef) hasPatterns() bool {
	return len(d.PromptPatternsExtra)+len(d.InputMarkerExtra)+len(d.SeparatorPatternsExtra)+
		len(d.ThinkingPatternsExtra)+len(d.SkipPatternsExtra)+len(d.SpinnerCharsExtra) > 0
}

func defaultUserConfig() *UserConfig {
	return &UserConfig{Tools: make(map[string]ToolDef)}
}

// Cache for user config (loaded once per process)
var (
	userConfigCache   *UserConfig
	userConfigCacheMu sync.RWMutex
)

// GetUserConfigPath returns the path to the user config file
func GetUserConfigPath() (string, error) {
	dir, err := GetRelayDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, UserConfigFileName), nil
}

// LoadUserConfig loads the user configuration from TOML file
// Returns cached config after first load
func LoadUserConfig() (*UserConfig, error) {
	userConfigCacheMu.RLock()
	if userConfigCache != nil {
		defer userConfigCacheMu.RUnlock()
		return userConfigCache, nil
	}
	userConfigCacheMu.RUnlock()

	userConfigCacheMu.Lock()
	defer userConfigCacheMu.Unlock()

	// Double-check after acquiring write lock
	if userConfigCache != nil {
		return userConfigCache, nil
	}

	configPath, err := GetUserConfigPath()
	if err != nil {
		userConfigCache = defaultUserConfig()
		return userConfigCache, nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		userConfigCache = defaultUserConfig()
		return userConfigCache, nil
	}

	var config UserConfig
	md, err := toml.DecodeFile(configPath, &config)
	if err != nil {
		// Cache defaults so a broken file is reported once, not on every call
		userConfigCache = defaultUserConfig()
		return userConfigCache, fmt.Errorf("config.toml parse error: %w", err)
	}
	for _, key := range md.Undecoded() {
		configLog.Warn("config_unknown_key", slog.String("key", key.String()))
	}
	if config.Tools == nil {
		config.Tools = make(map[string]ToolDef)
	}

	userConfigCache = &config
	return userConfigCache, nil
}

// ReloadUserConfig forces a reload of the user config
func ReloadUserConfig() (*UserConfig, error) {
	ClearUserConfigCache()
	return LoadUserConfig()
}

// ClearUserConfigCache drops the cached config; the next LoadUserConfig
// reads from disk.
func ClearUserConfigCache() {
	userConfigCacheMu.Lock()
	userConfigCache = nil
	userConfigCacheMu.Unlock()
}

// SaveUserConfig writes config.toml atomically and clears the cache.
func SaveUserConfig(config *UserConfig) error {
	configPath, err := GetUserConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# agent-relay configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	// Write to a temp file and rename so a crash never leaves a torn config.
	tmpPath := configPath + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, configPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize config save: %w", err)
	}

	ClearUserConfigCache()
	return nil
}

func loadOrDefault() *UserConfig {
	config, err := LoadUserConfig()
	if err != nil || config == nil {
		return defaultUserConfig()
	}
	return config
}

// GetPollSettings returns polling settings with defaults applied
func GetPollSettings() PollSettings {
	settings := loadOrDefault().Poll
	if settings.IntervalMS <= 0 {
		settings.IntervalMS = 1000
	}
	if settings.MaxDurationSecs <= 0 {
		settings.MaxDurationSecs = 300
	}
	if settings.CaptureLines <= 0 {
		settings.CaptureLines = tmux.DefaultCaptureLines
	}
	if settings.CapturesPerSecond == 0 {
		settings.CapturesPerSecond = 20
	}
	return settings
}

// SchedulerConfig converts the poll settings for poller.NewScheduler.
func (p PollSettings) SchedulerConfig() poller.Config {
	return poller.Config{
		Interval:     time.Duration(p.IntervalMS) * time.Millisecond,
		MaxDuration:  time.Duration(p.MaxDurationSecs) * time.Second,
		CaptureLines: p.CaptureLines,
	}
}

// GetWebSettings returns web server settings with defaults applied
func GetWebSettings() WebSettings {
	settings := loadOrDefault().Web
	if settings.Listen == "" {
		settings.Listen = "127.0.0.1:8420"
	}
	return settings
}

// GetPushSettings returns push settings with defaults applied
func GetPushSettings() PushSettings {
	settings := loadOrDefault().Push
	if settings.Subject == "" {
		settings.Subject = "mailto:agent-relay@localhost"
	}
	return settings
}

// GetLogSettings returns log settings with defaults applied
func GetLogSettings() LogSettings {
	settings := loadOrDefault().Logs
	if settings.DebugLevel == "" {
		settings.DebugLevel = "info"
	}
	if settings.DebugFormat == "" {
		settings.DebugFormat = "json"
	}
	if settings.DebugMaxMB <= 0 {
		settings.DebugMaxMB = 10
	}
	if settings.DebugBackups <= 0 {
		settings.DebugBackups = 5
	}
	if settings.DebugRetentionDays <= 0 {
		settings.DebugRetentionDays = 10
	}
	if settings.CrashTailMB <= 0 {
		settings.CrashTailMB = 10
	}
	if settings.AggregateIntervalS <= 0 {
		settings.AggregateIntervalS = 30
	}
	return settings
}

// LoggingConfig builds the logging configuration for logDir.
func (s LogSettings) LoggingConfig(logDir string, debug bool) logging.Config {
	cfg := logging.Config{
		LogDir:                logDir,
		Level:                 s.DebugLevel,
		Format:                s.DebugFormat,
		MaxSizeMB:             s.DebugMaxMB,
		MaxBackups:            s.DebugBackups,
		MaxAgeDays:            s.DebugRetentionDays,
		Compress:              s.DebugCompress,
		TailBytes:             s.CrashTailMB * 1024 * 1024,
		AggregateIntervalSecs: s.AggregateIntervalS,
		Debug:                 debug,
	}
	if debug {
		cfg.Level = "debug"
		if s.PprofEnabled {
			cfg.PprofAddr = "localhost:6060"
		}
	}
	return cfg
}

// GetDefaultTool returns the configured default tool, or tmux.DefaultTool.
func GetDefaultTool() tmux.ToolVariant {
	tool, _ := tmux.ParseTool(loadOrDefault().DefaultTool)
	return tool
}

// GetToolCommand returns the launch command for tool.
func GetToolCommand(tool tmux.ToolVariant) string {
	if def, ok := loadOrDefault().Tools[string(tool)]; ok && def.Command != "" {
		return def.Command
	}
	return string(tool)
}

// ToolPatternExtras collects the *_extra pattern lists per known tool.
// Unknown tool names are logged and ignored.
func ToolPatternExtras() map[tmux.ToolVariant]*tmux.RawProfile {
	extras := make(map[tmux.ToolVariant]*tmux.RawProfile)
	for name, def := range loadOrDefault().Tools {
		if !def.hasPatterns() {
			continue
		}
		tool, ok := tmux.ParseTool(name)
		if !ok {
			configLog.Warn("config_unknown_tool", slog.String("tool", name))
			continue
		}
		extras[tool] = &tmux.RawProfile{
			Prompt:       def.PromptPatternsExtra,
			InputMarker:  def.InputMarkerExtra,
			Separator:    def.SeparatorPatternsExtra,
			Thinking:     def.ThinkingPatternsExtra,
			Skip:         def.SkipPatternsExtra,
			SpinnerChars: def.SpinnerCharsExtra,
		}
	}
	return extras
}

// BuildRegistry compiles the pattern profiles with config extras applied.
func BuildRegistry() *tmux.Registry {
	return tmux.NewRegistry(ToolPatternExtras())
}
