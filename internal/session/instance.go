package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

var sessionLog = logging.ForComponent(logging.CompSession)

// ErrNotRunning is returned when registering a tmux session that does not exist.
var ErrNotRunning = errors.New("tmux session not running")

// ErrAmbiguous is returned when a title matches more than one session.
var ErrAmbiguous = errors.New("ambiguous session reference")

// Multiplexer is the subset of *tmux.Client the manager needs.
type Multiplexer interface {
	NewSession(ctx context.Context, name, workDir, command string) error
	KillSession(ctx context.Context, target string) error
	IsRunning(ctx context.Context, target string) bool
}

// Instance is a registered agent session.
type Instance struct {
	ID           string           `json:"id"`
	Title        string           `json:"title"`
	TmuxSession  string           `json:"tmux_session"`
	Tool         tmux.ToolVariant `json:"tool"`
	ProjectPath  string           `json:"project_path,omitempty"`
	Command      string           `json:"command,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	LastAccessed time.Time        `json:"last_accessed,omitzero"`

	// Running is filled in by Manager.List.
	Running bool `json:"running"`
}

func instanceFromRow(r *statedb.SessionRow) *Instance {
	tool, _ := tmux.ParseTool(r.Tool)
	return &Instance{
		ID:           r.ID,
		Title:        r.Title,
		TmuxSession:  r.TmuxSession,
		Tool:         tool,
		ProjectPath:  r.ProjectPath,
		Command:      r.Command,
		CreatedAt:    r.CreatedAt,
		LastAccessed: r.LastAccessed,
	}
}

func (inst *Instance) row() *statedb.SessionRow {
	return &statedb.SessionRow{
		ID:           inst.ID,
		Title:        inst.Title,
		TmuxSession:  inst.TmuxSession,
		Tool:         string(inst.Tool),
		ProjectPath:  inst.ProjectPath,
		Command:      inst.Command,
		CreatedAt:    inst.CreatedAt,
		LastAccessed: inst.LastAccessed,
	}
}

// Manager keeps the session registry in the state database in sync with
// tmux.
type Manager struct {
	db  *statedb.StateDB
	mux Multiplexer
}

// NewManager returns a Manager over db and mux.
func NewManager(db *statedb.StateDB, mux Multiplexer) *Manager {
	return &Manager{db: db, mux: mux}
}

// AddOptions describes a new session.
type AddOptions struct {
	Title       string
	Tool        tmux.ToolVariant
	ProjectPath string
	// Command overrides the configured launch command for Tool.
	Command string
}

// Add creates a tmux session running the tool and registers it.
func (m *Manager) Add(ctx context.Context, opts AddOptions) (*Instance, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return nil, fmt.Errorf("session title cannot be empty")
	}
	tool, ok := tmux.ParseTool(string(opts.Tool))
	if !ok && opts.Tool != "" {
		sessionLog.Warn("unknown_tool_fallback", slog.String("tool", string(opts.Tool)))
	}
	command := opts.Command
	if command == "" {
		command = GetToolCommand(tool)
	}
	projectPath := expandTilde(opts.ProjectPath)

	inst := &Instance{
		ID:          generateID(),
		Title:       title,
		TmuxSession: tmux.SessionName(title),
		Tool:        tool,
		ProjectPath: projectPath,
		Command:     command,
		CreatedAt:   time.Now(),
	}
	if err := m.mux.NewSession(ctx, inst.TmuxSession, projectPath, launchCommand(inst.ID, command)); err != nil {
		return nil, err
	}
	if err := m.db.SaveSession(inst.row()); err != nil {
		_ = m.mux.KillSession(context.WithoutCancel(ctx), inst.TmuxSession)
		return nil, fmt.Errorf("save session: %w", err)
	}
	inst.Running = true

	sessionLog.Info("session_added",
		slog.String("id", inst.ID),
		slog.String("tmux", inst.TmuxSession),
		slog.String("tool", string(tool)))
	return inst, nil
}

// Register adopts an existing tmux session.
func (m *Manager) Register(ctx context.Context, title, tmuxSession string, tool tmux.ToolVariant, projectPath string) (*Instance, error) {
	if !m.mux.IsRunning(ctx, tmuxSession) {
		return nil, fmt.Errorf("%s: %w", tmuxSession, ErrNotRunning)
	}
	if strings.TrimSpace(title) == "" {
		title = tmuxSession
	}
	t, _ := tmux.ParseTool(string(tool))
	inst := &Instance{
		ID:          generateID(),
		Title:       title,
		TmuxSession: tmuxSession,
		Tool:        t,
		ProjectPath: expandTilde(projectPath),
		CreatedAt:   time.Now(),
		Running:     true,
	}
	if err := m.db.SaveSession(inst.row()); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	sessionLog.Info("session_registered", slog.String("id", inst.ID), slog.String("tmux", tmuxSession))
	return inst, nil
}

// Get looks a session up by id, then by exact title.
func (m *Manager) Get(ref string) (*Instance, error) {
	row, err := m.db.GetSession(ref)
	if err == nil {
		return instanceFromRow(row), nil
	}
	if !errors.Is(err, statedb.ErrNotFound) {
		return nil, err
	}

	rows, err := m.db.LoadSessions()
	if err != nil {
		return nil, err
	}
	var found *Instance
	for _, r := range rows {
		if r.Title != ref {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%q: %w", ref, ErrAmbiguous)
		}
		found = instanceFromRow(r)
	}
	if found == nil {
		return nil, fmt.Errorf("session %s: %w", ref, statedb.ErrNotFound)
	}
	return found, nil
}

// List returns every session with its tmux liveness filled in.
func (m *Manager) List(ctx context.Context) ([]*Instance, error) {
	rows, err := m.db.LoadSessions()
	if err != nil {
		return nil, err
	}
	out := make([]*Instance, 0, len(rows))
	for _, r := range rows {
		inst := instanceFromRow(r)
		inst.Running = m.mux.IsRunning(ctx, inst.TmuxSession)
		out = append(out, inst)
	}
	return out, nil
}

// Remove unregisters a session and drops its transcript. With kill it also
// kills the tmux session; a session that is already gone is not an error.
func (m *Manager) Remove(ctx context.Context, ref string, kill bool) (*Instance, error) {
	inst, err := m.Get(ref)
	if err != nil {
		return nil, err
	}
	if kill {
		if err := m.mux.KillSession(ctx, inst.TmuxSession); err != nil && !errors.Is(err, tmux.ErrSessionNotFound) {
			return nil, err
		}
	}
	if err := m.db.DeleteSession(inst.ID); err != nil {
		return nil, fmt.Errorf("delete session: %w", err)
	}
	sessionLog.Info("session_removed", slog.String("id", inst.ID), slog.Bool("killed", kill))
	return inst, nil
}

// Target resolves a session id to its tmux session name and marks the
// session as accessed. It fits poller.TargetResolver.
func (m *Manager) Target(id string) (string, error) {
	row, err := m.db.GetSession(id)
	if err != nil {
		return "", err
	}
	if err := m.db.TouchSession(id); err != nil {
		sessionLog.Debug("touch_failed", slog.String("id", id), slog.String("error", err.Error()))
	}
	return row.TmuxSession, nil
}

// launchCommand prefixes command with the session id variable so hooks run by
// the agent inherit it.
func launchCommand(id, command string) string {
	if command == "" {
		return ""
	}
	return SessionIDEnv + "=" + id + " " + command
}

// generateID returns a random hex prefix plus the creation time.
func generateID() string {
	return fmt.Sprintf("%s-%d", randomString(8), time.Now().Unix())
}

func randomString(length int) string {
	b := make([]byte, length/2)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// expandTilde expands a leading ~ to the user's home directory.
func expandTilde(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		expanded := filepath.Clean(filepath.Join(home, path[1:]))
		// Refuse anything that escapes home after cleaning
		if !strings.HasPrefix(expanded, home) {
			sessionLog.Warn("path_traversal_detected", slog.String("path", path))
			return path
		}
		return expanded
	}
	return path
}
