// Package store defines the persistence interface for the gateway and
// provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Session lifecycle states as persisted.
const (
	StateInitialising = "initialising"
	StateReady        = "ready"
	StateProcessing   = "processing"
	StateIdle         = "idle"
	StateTerminating  = "terminating"
	StateTerminated   = "terminated"
)

// Store is the persistence interface for the gateway.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	UpdateSessionState(ctx context.Context, id, state string) error
	SetBackendID(ctx context.Context, id, backendID string) error
	SetConfigSnapshot(ctx context.Context, id string, snapshot json.RawMessage) error
	SetResumable(ctx context.Context, id string, resumable bool) error
	TouchSession(ctx context.Context, id string) error
	ListResumableSessions(ctx context.Context) ([]Session, error)
	MarkAllIdle(ctx context.Context) (int64, error)
	DeleteSession(ctx context.Context, id string) error

	// Messages (transcript)
	AppendMessage(ctx context.Context, msg *Message) (int64, error)
	GetMessages(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Message, error)

	// Session events (append-only audit log)
	AppendSessionEvent(ctx context.Context, event *SessionEvent) error
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]SessionEvent, error)

	// Workspaces
	CreateWorkspace(ctx context.Context, ws *Workspace) error
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	ListWorkspaces(ctx context.Context) ([]Workspace, error)
	DeleteWorkspace(ctx context.Context, id string) error
	LinkWorkspaceAgent(ctx context.Context, link *WorkspaceAgent) error
	UnlinkWorkspaceAgent(ctx context.Context, workspaceID, agentID string) error
	ListWorkspaceAgents(ctx context.Context, workspaceID string) ([]WorkspaceAgent, error)

	// Data retention
	PurgeOldMessages(ctx context.Context, before time.Time) (int64, error)
	PurgeOldSessionEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Session is the persisted record of a gateway session.
type Session struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"` // "subprocess" or "sdk"
	BackendID      string          `json:"backend_id,omitempty"`
	State          string          `json:"state"`
	WorkingDir     string          `json:"working_dir,omitempty"`
	WorkspaceID    string          `json:"workspace_id,omitempty"`
	ConfigSnapshot json.RawMessage `json:"config_snapshot,omitempty"`
	Resumable      bool            `json:"resumable"`
	CreatedAt      time.Time       `json:"created_at"`
	LastActivity   time.Time       `json:"last_activity"`
}

// Message is one stored transcript entry.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"` // "user", "assistant", or "system"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionEvent is one entry of a session's append-only audit log.
type SessionEvent struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Workspace is a registered repository the gateway can cut worktrees from.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	RepoPath  string    `json:"repo_path"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkspaceAgent links an agent, and optionally a session, to a workspace.
type WorkspaceAgent struct {
	WorkspaceID string    `json:"workspace_id"`
	AgentID     string    `json:"agent_id"`
	SessionID   string    `json:"session_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Config selects and tunes a storage backend.
type Config struct {
	Driver       string // "sqlite" (default) or "postgres"
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// New builds the store the config names.
func New(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres":
		return NewPostgres(cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
