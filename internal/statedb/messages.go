package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role says who authored a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one persisted transcript entry. CreatedAt has millisecond
// precision; messages of a session are ordered by CreatedAt then Seq.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Seq       int64     `json:"seq"`
}

// AppendMessage persists m, filling in ID, CreatedAt and Seq when unset.
func (s *StateDB) AppendMessage(m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO messages (id, session_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, m.ID, m.SessionID, string(m.Role), m.Content, m.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("statedb: append message: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		m.Seq = seq
	}
	return nil
}

// ListOptions filters ListMessages.
type ListOptions struct {
	// After returns only messages created strictly after this instant.
	After time.Time
	// Limit keeps the newest Limit messages when positive.
	Limit int
}

func scanMessage(sc rowScanner) (*Message, error) {
	m := &Message{}
	var role string
	var createdMs int64
	if err := sc.Scan(&m.Seq, &m.ID, &m.SessionID, &role, &m.Content, &createdMs); err != nil {
		return nil, err
	}
	m.Role = Role(role)
	m.CreatedAt = time.UnixMilli(createdMs)
	return m, nil
}

const messageColumns = `seq, id, session_id, role, content, created_at`

// ListMessages returns a session's transcript in chronological order.
func (s *StateDB) ListMessages(sessionID string, opts ListOptions) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ?`
	args := []any{sessionID}
	if !opts.After.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, opts.After.UnixMilli())
	}
	if opts.Limit > 0 {
		query = `SELECT * FROM (` + query + ` ORDER BY created_at DESC, seq DESC LIMIT ?)`
		args = append(args, opts.Limit)
	}
	query += ` ORDER BY created_at, seq`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// MostRecentMessage returns the newest message with the given role, or nil
// when the session has none.
func (s *StateDB) MostRecentMessage(sessionID string, role Role) (*Message, error) {
	m, err := scanMessage(s.db.QueryRow(`
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = ? AND role = ?
		ORDER BY created_at DESC, seq DESC LIMIT 1
	`, sessionID, string(role)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// --- Extraction cursors ---

// GetCursor returns the persisted line cursor for a (session, tool) pair,
// 0 if none.
func (s *StateDB) GetCursor(sessionID, tool string) (int, error) {
	var line int
	err := s.db.QueryRow("SELECT line FROM cursors WHERE session_id = ? AND tool = ?", sessionID, tool).Scan(&line)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return line, err
}

// SetCursor persists the line cursor for a (session, tool) pair.
func (s *StateDB) SetCursor(sessionID, tool string, line int) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO cursors (session_id, tool, line, updated_at) VALUES (?, ?, ?, ?)
	`, sessionID, tool, line, time.Now().Unix())
	return err
}
