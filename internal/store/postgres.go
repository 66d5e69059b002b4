package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations. Zero pool
// limits take the defaults below.
func NewPostgres(dsn string, maxOpen, maxIdle int) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if maxOpen <= 0 {
		maxOpen = 25
	}
	if maxIdle <= 0 {
		maxIdle = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			backend_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'initialising',
			working_dir TEXT NOT NULL DEFAULT '',
			workspace_id TEXT NOT NULL DEFAULT '',
			config_snapshot JSONB,
			resumable BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_activity TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			seq BIGINT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(session_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id)`,
		`CREATE TABLE IF NOT EXISTS session_events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_session_id ON session_events(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_created_at ON session_events(created_at)`,
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			repo_path TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS workspace_agents (
			workspace_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (workspace_id, agent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)`,
		fmt.Sprintf(`INSERT INTO schema_version (version) VALUES (%d) ON CONFLICT(version) DO NOTHING`, schemaVersion),
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, kind, backend_id, state, working_dir, workspace_id, config_snapshot, resumable, created_at, last_activity)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, '')::jsonb, $8, $9, $10)`,
		sess.ID, sess.Kind, sess.BackendID, sess.State, sess.WorkingDir, sess.WorkspaceID,
		string(sess.ConfigSnapshot), sess.Resumable, sess.CreatedAt, sess.LastActivity,
	)
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var snapshot sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, backend_id, state, working_dir, workspace_id, config_snapshot, resumable, created_at, last_activity
		 FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.Kind, &sess.BackendID, &sess.State, &sess.WorkingDir, &sess.WorkspaceID,
		&snapshot, &sess.Resumable, &sess.CreatedAt, &sess.LastActivity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if snapshot.Valid && snapshot.String != "" {
		sess.ConfigSnapshot = json.RawMessage(snapshot.String)
	}
	return &sess, err
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, backend_id, state, working_dir, workspace_id, config_snapshot, resumable, created_at, last_activity
		 FROM sessions ORDER BY last_activity DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPgSessions(rows)
}

func scanPgSessions(rows *sql.Rows) ([]Session, error) {
	var sessions []Session
	for rows.Next() {
		var sess Session
		var snapshot sql.NullString
		if err := rows.Scan(&sess.ID, &sess.Kind, &sess.BackendID, &sess.State, &sess.WorkingDir,
			&sess.WorkspaceID, &snapshot, &sess.Resumable, &sess.CreatedAt, &sess.LastActivity); err != nil {
			return nil, err
		}
		if snapshot.Valid && snapshot.String != "" {
			sess.ConfigSnapshot = json.RawMessage(snapshot.String)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) UpdateSessionState(ctx context.Context, id, state string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET state = $1, last_activity = $2 WHERE id = $3",
		state, time.Now(), id,
	)
	return err
}

func (s *PostgresStore) SetBackendID(ctx context.Context, id, backendID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET backend_id = $1, last_activity = $2 WHERE id = $3",
		backendID, time.Now(), id,
	)
	return err
}

func (s *PostgresStore) SetConfigSnapshot(ctx context.Context, id string, snapshot json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET config_snapshot = NULLIF($1, '')::jsonb WHERE id = $2",
		string(snapshot), id,
	)
	return err
}

func (s *PostgresStore) SetResumable(ctx context.Context, id string, resumable bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET resumable = $1 WHERE id = $2",
		resumable, id,
	)
	return err
}

func (s *PostgresStore) TouchSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET last_activity = $1 WHERE id = $2",
		time.Now(), id,
	)
	return err
}

func (s *PostgresStore) ListResumableSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, backend_id, state, working_dir, workspace_id, config_snapshot, resumable, created_at, last_activity
		 FROM sessions WHERE state = 'idle' AND resumable AND backend_id != ''
		 ORDER BY last_activity DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPgSessions(rows)
}

func (s *PostgresStore) MarkAllIdle(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = 'idle'
		 WHERE state IN ('initialising', 'ready', 'processing', 'terminating')`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE session_id = $1", id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM session_events WHERE session_id = $1", id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = $1", id)
	return err
}

// --- Messages ---

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *Message) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, session_id, seq, role, content, created_at)
		 VALUES ($1, $2, (SELECT COALESCE(MAX(seq),0)+1 FROM messages WHERE session_id = $2), $3, $4, $5)
		 RETURNING seq`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, msg.CreatedAt,
	).Scan(&seq)
	return seq, err
}

func (s *PostgresStore) GetMessages(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, role, content, created_at
		 FROM messages WHERE session_id = $1 AND seq > $2 ORDER BY seq LIMIT $3`,
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

func (s *PostgresStore) AppendSessionEvent(ctx context.Context, event *SessionEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (id, session_id, event_type, payload, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, '')::jsonb, $5)`,
		event.ID, event.SessionID, event.EventType, string(event.Payload), event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]SessionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM session_events WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var e SessionEvent
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Workspaces ---

func (s *PostgresStore) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO workspaces (id, name, repo_path, created_at) VALUES ($1, $2, $3, $4)",
		ws.ID, ws.Name, ws.RepoPath, ws.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	var ws Workspace
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, repo_path, created_at FROM workspaces WHERE id = $1", id,
	).Scan(&ws.ID, &ws.Name, &ws.RepoPath, &ws.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &ws, err
}

func (s *PostgresStore) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
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

func (s *PostgresStore) DeleteWorkspace(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM workspace_agents WHERE workspace_id = $1", id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM workspaces WHERE id = $1", id)
	return err
}

func (s *PostgresStore) LinkWorkspaceAgent(ctx context.Context, link *WorkspaceAgent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspace_agents (workspace_id, agent_id, session_id, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT(workspace_id, agent_id) DO UPDATE SET session_id = excluded.session_id`,
		link.WorkspaceID, link.AgentID, link.SessionID, link.CreatedAt,
	)
	return err
}

func (s *PostgresStore) UnlinkWorkspaceAgent(ctx context.Context, workspaceID, agentID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM workspace_agents WHERE workspace_id = $1 AND agent_id = $2",
		workspaceID, agentID,
	)
	return err
}

func (s *PostgresStore) ListWorkspaceAgents(ctx context.Context, workspaceID string) ([]WorkspaceAgent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT workspace_id, agent_id, session_id, created_at FROM workspace_agents WHERE workspace_id = $1 ORDER BY created_at",
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

func (s *PostgresStore) PurgeOldMessages(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE created_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *PostgresStore) PurgeOldSessionEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM session_events WHERE created_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
