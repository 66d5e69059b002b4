package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the
	// pool see the same data. Without this, each pooled connection gets a
	// separate empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) addColumnIfNotExists(table, column, definition string) error {
	_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil && strings.Contains(err.Error(), "duplicate column") {
		return nil
	}
	return err
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			backend_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'initialising',
			working_dir TEXT NOT NULL DEFAULT '',
			workspace_id TEXT NOT NULL DEFAULT '',
			config_snapshot TEXT NOT NULL DEFAULT '',
			resumable INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_activity DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id)`,
		`CREATE TABLE IF NOT EXISTS session_events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_session_id ON session_events(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_created_at ON session_events(created_at)`,
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			repo_path TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS workspace_agents (
			workspace_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (workspace_id, agent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)`,
		fmt.Sprintf(`INSERT OR IGNORE INTO schema_version (version) VALUES (%d)`, schemaVersion),
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, kind, backend_id, state, working_dir, workspace_id, config_snapshot, resumable, created_at, last_activity)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Kind, sess.BackendID, sess.State, sess.WorkingDir, sess.WorkspaceID,
		string(sess.ConfigSnapshot), sess.Resumable, sess.CreatedAt, sess.LastActivity,
	)
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, backend_id, state, working_dir, workspace_id, config_snapshot, resumable, created_at, last_activity
		 FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Kind, &sess.BackendID, &sess.State, &sess.WorkingDir, &sess.WorkspaceID,
		&snapshot, &sess.Resumable, &sess.CreatedAt, &sess.LastActivity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if snapshot != "" {
		sess.ConfigSnapshot = json.RawMessage(snapshot)
	}
	return &sess, err
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, backend_id, state, working_dir, workspace_id, config_snapshot, resumable, created_at, last_activity
		 FROM sessions ORDER BY last_activity DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	var sessions []Session
	for rows.Next() {
		var sess Session
		var snapshot string
		if err := rows.Scan(&sess.ID, &sess.Kind, &sess.BackendID, &sess.State, &sess.WorkingDir,
			&sess.WorkspaceID, &snapshot, &sess.Resumable, &sess.CreatedAt, &sess.LastActivity); err != nil {
			return nil, err
		}
		if snapshot != "" {
			sess.ConfigSnapshot = json.RawMessage(snapshot)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateSessionState(ctx context.Context, id, state string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET state = ?, last_activity = ? WHERE id = ?",
		state, time.Now(), id,
	)
	return err
}

func (s *SQLiteStore) SetBackendID(ctx context.Context, id, backendID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET backend_id = ?, last_activity = ? WHERE id = ?",
		backendID, time.Now(), id,
	)
	return err
}

func (s *SQLiteStore) SetConfigSnapshot(ctx context.Context, id string, snapshot json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET config_snapshot = ? WHERE id = ?",
		string(snapshot), id,
	)
	return err
}

func (s *SQLiteStore) SetResumable(ctx context.Context, id string, resumable bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET resumable = ? WHERE id = ?",
		resumable, id,
	)
	return err
}

func (s *SQLiteStore) TouchSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET last_activity = ? WHERE id = ?",
		time.Now(), id,
	)
	return err
}

func (s *SQLiteStore) ListResumableSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, backend_id, state, working_dir, workspace_id, config_snapshot, resumable, created_at, last_activity
		 FROM sessions WHERE state = 'idle' AND resumable = 1 AND backend_id != ''
		 ORDER BY last_activity DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *SQLiteStore) MarkAllIdle(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = 'idle'
		 WHERE state IN ('initialising', 'ready', 'processing', 'terminating')`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM session_events WHERE session_id = ?", id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	return err
}

// --- Messages ---

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, session_id, seq, role, content, created_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq),0)+1 FROM messages WHERE session_id = ?), ?, ?, ?)
		 RETURNING seq`,
		msg.ID, msg.SessionID, msg.SessionID, msg.Role, msg.Content, msg.CreatedAt,
	).Scan(&seq)
	return seq, err
}

func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, role, content, created_at
		 FROM messages WHERE session_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		sessionID, afterSeq, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// --- Session events ---

func (s *SQLiteStore) AppendSessionEvent(ctx context.Context, event *SessionEvent) error {
	payload := ""
	if event.Payload != nil {
		payload = string(event.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (id, session_id, event_type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.SessionID, event.EventType, payload, event.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]SessionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM session_events WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var e SessionEvent
		var payload string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if payload != "" {
			e.Payload = json.RawMessage(payload)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Workspaces ---

func (s *SQLiteStore) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO workspaces (id, name, repo_path, created_at) VALUES (?, ?, ?, ?)",
		ws.ID, ws.Name, ws.RepoPath, ws.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	var ws Workspace
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, repo_path, created_at FROM workspaces WHERE id = ?", id,
	).Scan(&ws.ID, &ws.Name, &ws.RepoPath, &ws.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &ws, err
}

func (s *SQLiteStore) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, repo_path, created_at FROM workspaces ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workspaces []Workspace
	for rows.Next() {
		var ws Workspace
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.RepoPath, &ws.CreatedAt); err != nil {
			return nil, err
		}
		workspaces = append(workspaces, ws)
	}
	return workspaces, rows.Err()
}

func (s *SQLiteStore) DeleteWorkspace(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM workspace_agents WHERE workspace_id = ?", id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM workspaces WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) LinkWorkspaceAgent(ctx context.Context, link *WorkspaceAgent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspace_agents (workspace_id, agent_id, session_id, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(workspace_id, agent_id) DO UPDATE SET session_id=excluded.session_id`,
		link.WorkspaceID, link.AgentID, link.SessionID, link.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) UnlinkWorkspaceAgent(ctx context.Context, workspaceID, agentID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM workspace_agents WHERE workspace_id = ? AND agent_id = ?",
		workspaceID, agentID,
	)
	return err
}

func (s *SQLiteStore) ListWorkspaceAgents(ctx context.Context, workspaceID string) ([]WorkspaceAgent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT workspace_id, agent_id, session_id, created_at FROM workspace_agents WHERE workspace_id = ? ORDER BY created_at",
		workspaceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []WorkspaceAgent
	for rows.Next() {
		var l WorkspaceAgent
		if err := rows.Scan(&l.WorkspaceID, &l.AgentID, &l.SessionID, &l.CreatedAt); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// --- Data retention ---

func (s *SQLiteStore) PurgeOldMessages(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE created_at < ?", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) PurgeOldSessionEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM session_events WHERE created_at < ?", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
