package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionRow is a registered agent session: a tmux pane plus the tool tag
// that decides how its output is read.
type SessionRow struct {
	ID           string
	Title        string
	TmuxSession  string
	Tool         string
	ProjectPath  string
	Command      string
	CreatedAt    time.Time
	LastAccessed time.Time
}

const sessionColumns = `id, title, tmux_session, tool, project_path, command, created_at, last_accessed`

// SaveSession inserts or replaces a session.
func (s *StateDB) SaveSession(row *SessionRow) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	var accessed int64
	if !row.LastAccessed.IsZero() {
		accessed = row.LastAccessed.Unix()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		row.ID, row.Title, row.TmuxSession, row.Tool, row.ProjectPath, row.Command,
		row.CreatedAt.Unix(), accessed,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(sc rowScanner) (*SessionRow, error) {
	r := &SessionRow{}
	var createdUnix, accessedUnix int64
	if err := sc.Scan(
		&r.ID, &r.Title, &r.TmuxSession, &r.Tool, &r.ProjectPath, &r.Command,
		&createdUnix, &accessedUnix,
	); err != nil {
		return nil, err
	}
	r.CreatedAt = time.Unix(createdUnix, 0)
	if accessedUnix > 0 {
		r.LastAccessed = time.Unix(accessedUnix, 0)
	}
	return r, nil
}

// LoadSessions returns all sessions, oldest first.
func (s *StateDB) LoadSessions() ([]*SessionRow, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*SessionRow
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// GetSession looks a session up by ID. Returns ErrNotFound if absent.
func (s *StateDB) GetSession(id string) (*SessionRow, error) {
	r, err := scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return r, err
}

// TouchSession records that a session was just used.
func (s *StateDB) TouchSession(id string) error {
	_, err := s.db.Exec("UPDATE sessions SET last_accessed = ? WHERE id = ?", time.Now().Unix(), id)
	return err
}

// DeleteSession removes a session together with its transcript and cursor.
func (s *StateDB) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		"DELETE FROM messages WHERE session_id = ?",
		"DELETE FROM cursors WHERE session_id = ?",
		"DELETE FROM sessions WHERE id = ?",
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}
