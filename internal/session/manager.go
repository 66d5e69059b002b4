package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/switchboard-ai/switchboard/internal/acp"
	"github.com/switchboard-ai/switchboard/internal/claudesdk"
	"github.com/switchboard-ai/switchboard/internal/store"
)

// DefaultMaxSessions caps concurrent live sessions per gateway.
const DefaultMaxSessions = 50

var (
	// ErrTooManySessions is returned when the concurrency cap is reached.
	// Retriable: terminate or wait out an existing session first.
	ErrTooManySessions = errors.New("too many concurrent sessions")

	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotResumable is returned by Connect for sessions that left nothing
	// to resume.
	ErrNotResumable = errors.New("session is not resumable")
)

// Auth modes accepted on session creation.
const (
	AuthNone        = "none"
	AuthInlineKey   = "inline-key"
	AuthStoredKey   = "stored-key"
	AuthInteractive = "interactive"
)

// CreateRequest describes a new session.
type CreateRequest struct {
	Agent        Kind              `json:"agent"`
	AuthMode     string            `json:"auth_mode,omitempty"`
	APIKey       string            `json:"api_key,omitempty"`
	CredentialID string            `json:"credential_id,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	WorkspaceID  string            `json:"workspace_id,omitempty"`
	RepoPath     string            `json:"repo_path,omitempty"`
	MCPServers   []acp.MCPServer   `json:"mcp_servers,omitempty"`

	// Config is the backend-specific configuration block. For SDK sessions
	// it decodes into claudesdk.Options.
	Config json.RawMessage `json:"config,omitempty"`
}

// CredentialResolver turns a stored credential id into its secret. The
// secret stays in memory; it is never logged or persisted by callers here.
type CredentialResolver interface {
	Resolve(id string) (string, error)
}

// Policy vets session creation before any resources are committed.
type Policy interface {
	ValidateCreate(agent Kind, authMode string, env map[string]string) error
}

// WorktreePreparer cuts per-session git worktrees out of a workspace.
type WorktreePreparer interface {
	PrepareWorktree(ctx context.Context, workspaceID, sessionID string) (string, error)
	RemoveWorktree(ctx context.Context, workspaceID, sessionID string) error
}

// ManagerConfig tunes the manager and the sessions it builds.
type ManagerConfig struct {
	MaxSessions     int
	IdleTimeout     time.Duration
	QueueSize       int
	KillGrace       time.Duration
	CallTimeout     time.Duration
	MaxMessageBytes int
	PrePopulateInfo bool

	// DefaultWorkDir is used when a request names neither a repo path nor
	// a workspace.
	DefaultWorkDir string
}

// ManagerDeps are the collaborators the manager drives. Store is required;
// the rest degrade gracefully when nil.
type ManagerDeps struct {
	Store       store.Store
	Credentials CredentialResolver
	Policy      Policy
	Worktrees   WorktreePreparer
	Subprocess  Backend
	SDK         QueryStarter

	// BaseEnv is the sanitized environment inherited by subprocess
	// children, with provider secrets already stripped.
	BaseEnv []string

	Logger *slog.Logger
}

// Manager owns the live sessions of one gateway process.
type Manager struct {
	cfg    ManagerConfig
	deps   ManagerDeps
	rec    Recorder
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]Session
}

// NewManager builds a manager. Sessions are created empty; persisted ones
// are picked up through Connect.
func NewManager(cfg ManagerConfig, deps ManagerDeps) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger.With("component", "manager")

	var rec Recorder = nopRecorder{}
	if deps.Store != nil {
		rec = &storeRecorder{st: deps.Store, logger: logger}
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		rec:      rec,
		logger:   logger,
		sessions: make(map[string]Session),
	}
}

// Create runs the full creation pipeline: policy check, credential
// resolution, working directory, backend construction, start, register.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Session, error) {
	switch req.Agent {
	case KindSubprocess, KindSDK:
	default:
		return nil, fmt.Errorf("unknown agent kind %q", req.Agent)
	}
	authMode := req.AuthMode
	if authMode == "" {
		authMode = AuthNone
	}

	if m.deps.Policy != nil {
		if err := m.deps.Policy.ValidateCreate(req.Agent, authMode, req.Env); err != nil {
			return nil, err
		}
	}

	secret, err := m.resolveSecret(authMode, req)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	workDir, err := m.workingDir(ctx, id, req)
	if err != nil {
		return nil, err
	}

	if err := m.reserve(id); err != nil {
		return nil, err
	}

	now := time.Now()
	if m.deps.Store != nil {
		row := &store.Session{
			ID:           id,
			Kind:         string(req.Agent),
			State:        store.StateInitialising,
			WorkingDir:   workDir,
			WorkspaceID:  req.WorkspaceID,
			Resumable:    req.Agent == KindSDK,
			CreatedAt:    now,
			LastActivity: now,
		}
		if err := m.deps.Store.CreateSession(ctx, row); err != nil {
			m.release(id)
			return nil, fmt.Errorf("persist session: %w", err)
		}
	}

	sess, err := m.build(id, workDir, secret, "", req)
	if err != nil {
		m.release(id)
		m.rec.RecordState(id, StateTerminated)
		return nil, err
	}
	if err := m.startAndRegister(ctx, id, sess); err != nil {
		return nil, err
	}
	m.logger.Info("session created", "session_id", id, "agent", req.Agent, "auth_mode", authMode)
	return sess, nil
}

func (m *Manager) resolveSecret(authMode string, req CreateRequest) (string, error) {
	switch authMode {
	case AuthNone, AuthInteractive:
		return "", nil
	case AuthInlineKey:
		if req.APIKey == "" {
			return "", errors.New("inline-key auth requires api_key")
		}
		return req.APIKey, nil
	case AuthStoredKey:
		if m.deps.Credentials == nil {
			return "", errors.New("credential vault is not configured")
		}
		if req.CredentialID == "" {
			return "", errors.New("stored-key auth requires credential_id")
		}
		secret, err := m.deps.Credentials.Resolve(req.CredentialID)
		if err != nil {
			return "", fmt.Errorf("resolve credential: %w", err)
		}
		return secret, nil
	default:
		return "", fmt.Errorf("unknown auth mode %q", authMode)
	}
}

func (m *Manager) workingDir(ctx context.Context, id string, req CreateRequest) (string, error) {
	if req.RepoPath != "" {
		return req.RepoPath, nil
	}
	if req.WorkspaceID != "" {
		if m.deps.Worktrees == nil {
			return "", errors.New("workspaces are not configured")
		}
		dir, err := m.deps.Worktrees.PrepareWorktree(ctx, req.WorkspaceID, id)
		if err != nil {
			return "", fmt.Errorf("prepare worktree: %w", err)
		}
		return dir, nil
	}
	return m.cfg.DefaultWorkDir, nil
}

// reserve claims a registry slot under the concurrency cap before the
// session exists, so parallel creates cannot overshoot it.
func (m *Manager) reserve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) >= m.cfg.MaxSessions {
		return ErrTooManySessions
	}
	m.sessions[id] = nil
	return nil
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *Manager) build(id, workDir, secret, resumeID string, req CreateRequest) (Session, error) {
	switch req.Agent {
	case KindSubprocess:
		if m.deps.Subprocess == nil {
			return nil, errors.New("no subprocess backend configured")
		}
		env := append([]string(nil), m.deps.BaseEnv...)
		for k, v := range req.Env {
			env = append(env, k+"="+v)
		}
		if secret != "" {
			env = append(env, "ANTHROPIC_API_KEY="+secret)
		}
		return NewSubprocessSession(id, m.deps.Subprocess, SubprocessConfig{
			WorkingDir:      workDir,
			WorkspaceID:     req.WorkspaceID,
			MCPServers:      req.MCPServers,
			Env:             env,
			ResumeBackendID: resumeID,
			IdleTimeout:     m.cfg.IdleTimeout,
			KillGrace:       m.cfg.KillGrace,
			CallTimeout:     m.cfg.CallTimeout,
			MaxMessageBytes: m.cfg.MaxMessageBytes,
			QueueSize:       m.cfg.QueueSize,
			CreateParentDirs: true,
		}, m.rec, m.deps.Logger), nil

	case KindSDK:
		if m.deps.SDK == nil {
			return nil, errors.New("no sdk backend configured")
		}
		var opts claudesdk.Options
		if len(req.Config) > 0 {
			if err := json.Unmarshal(req.Config, &opts); err != nil {
				return nil, fmt.Errorf("decode sdk config: %w", err)
			}
		}
		if workDir != "" {
			opts.CWD = workDir
		}
		if len(req.Env) > 0 || secret != "" {
			if opts.Env == nil {
				opts.Env = make(map[string]string, len(req.Env)+1)
			}
			for k, v := range req.Env {
				opts.Env[k] = v
			}
			if secret != "" {
				opts.Env["ANTHROPIC_API_KEY"] = secret
			}
		}
		return NewSDKSession(id, m.deps.SDK, SDKConfig{
			Options:         opts,
			ResumeBackendID: resumeID,
			WorkspaceID:     req.WorkspaceID,
			IdleTimeout:     m.cfg.IdleTimeout,
			QueueSize:       m.cfg.QueueSize,
			PrePopulateInfo: m.cfg.PrePopulateInfo,
		}, m.rec, m.deps.Logger), nil
	}
	return nil, fmt.Errorf("unknown agent kind %q", req.Agent)
}

type starter interface {
	Start(ctx context.Context) error
}

func (m *Manager) startAndRegister(ctx context.Context, id string, sess Session) error {
	if err := sess.(starter).Start(ctx); err != nil {
		m.release(id)
		return err
	}
	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	go func() {
		<-sess.Done()
		m.release(id)
	}()
	return nil
}

// Get returns the live session with the given id.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok || sess == nil {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// List summarises the live sessions, newest first not guaranteed.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess != nil {
			out = append(out, sess.Info())
		}
	}
	return out
}

// Count reports the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Delete terminates the session if live, removes its persisted record, and
// cleans up its worktree. Idempotent: deleting an unknown id succeeds.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	sess := m.sessions[id]
	m.mu.Unlock()

	var workspaceID string
	if sess != nil {
		workspaceID = sess.Info().WorkspaceID
		if err := sess.Terminate(ctx); err != nil {
			return err
		}
	}

	if m.deps.Store != nil {
		row, err := m.deps.Store.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if row != nil {
			if workspaceID == "" {
				workspaceID = row.WorkspaceID
			}
			if err := m.deps.Store.DeleteSession(ctx, id); err != nil {
				return err
			}
		}
	}

	if workspaceID != "" && m.deps.Worktrees != nil {
		if err := m.deps.Worktrees.RemoveWorktree(ctx, workspaceID, id); err != nil {
			m.logger.Warn("worktree cleanup failed", "session_id", id, "error", err)
		}
	}
	return nil
}

// ListResumable returns persisted sessions that can be reattached.
func (m *Manager) ListResumable(ctx context.Context) ([]store.Session, error) {
	if m.deps.Store == nil {
		return nil, nil
	}
	return m.deps.Store.ListResumableSessions(ctx)
}

// Connect attaches to a session: the live one when it exists, otherwise a
// rebuild from the persisted backend id and config snapshot. The second
// return reports whether the session was restored.
func (m *Manager) Connect(ctx context.Context, id string) (Session, bool, error) {
	m.mu.Lock()
	sess := m.sessions[id]
	m.mu.Unlock()
	if sess != nil {
		return sess, false, nil
	}
	if m.deps.Store == nil {
		return nil, false, ErrSessionNotFound
	}

	row, err := m.deps.Store.GetSession(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if row == nil {
		return nil, false, ErrSessionNotFound
	}
	if row.State != store.StateIdle || !row.Resumable || row.BackendID == "" {
		return nil, false, ErrNotResumable
	}

	if err := m.reserve(id); err != nil {
		return nil, false, err
	}

	req := CreateRequest{
		Agent:       Kind(row.Kind),
		WorkspaceID: row.WorkspaceID,
		Config:      row.ConfigSnapshot,
	}
	restored, err := m.build(id, row.WorkingDir, "", row.BackendID, req)
	if err != nil {
		m.release(id)
		return nil, false, err
	}
	if err := m.startAndRegister(ctx, id, restored); err != nil {
		return nil, false, err
	}
	m.logger.Info("session restored", "session_id", id, "agent", row.Kind)
	return restored, true, nil
}

// MarkAllIdle transitions persisted active sessions to idle. Run at
// startup, before any session is created, so records from a previous
// process become resumable instead of appearing live.
func (m *Manager) MarkAllIdle(ctx context.Context) (int64, error) {
	if m.deps.Store == nil {
		return 0, nil
	}
	return m.deps.Store.MarkAllIdle(ctx)
}

// CloseAll terminates every live session and waits for them.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess != nil {
			all = append(all, sess)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range all {
		wg.Add(1)
		go func(s Session) {
			defer wg.Done()
			if err := s.Terminate(ctx); err != nil {
				m.logger.Warn("session shutdown failed", "session_id", s.ID(), "error", err)
			}
		}(sess)
	}
	wg.Wait()
}

// storeRecorder persists session runtime facts, absorbing storage failures
// so a flaky database never stalls a session.
type storeRecorder struct {
	st     store.Store
	logger *slog.Logger
}

const recordTimeout = 5 * time.Second

func (r *storeRecorder) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), recordTimeout)
}

func (r *storeRecorder) RecordState(sessionID string, st State) {
	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.st.UpdateSessionState(ctx, sessionID, string(st)); err != nil {
		r.logger.Warn("persist state failed", "session_id", sessionID, "error", err)
	}
}

func (r *storeRecorder) RecordBackendID(sessionID, backendID string) {
	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.st.SetBackendID(ctx, sessionID, backendID); err != nil {
		r.logger.Warn("persist backend id failed", "session_id", sessionID, "error", err)
	}
}

func (r *storeRecorder) RecordResumable(sessionID string, resumable bool) {
	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.st.SetResumable(ctx, sessionID, resumable); err != nil {
		r.logger.Warn("persist resumable failed", "session_id", sessionID, "error", err)
	}
}

func (r *storeRecorder) RecordConfig(sessionID string, config json.RawMessage) {
	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.st.SetConfigSnapshot(ctx, sessionID, config); err != nil {
		r.logger.Warn("persist config failed", "session_id", sessionID, "error", err)
	}
}

func (r *storeRecorder) RecordEvent(sessionID, eventType string, payload json.RawMessage) {
	ctx, cancel := r.ctx()
	defer cancel()
	event := &store.SessionEvent{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := r.st.AppendSessionEvent(ctx, event); err != nil {
		r.logger.Warn("persist event failed", "session_id", sessionID, "event_type", eventType, "error", err)
	}
}

func (r *storeRecorder) RecordTranscript(sessionID, role, content string) {
	ctx, cancel := r.ctx()
	defer cancel()
	msg := &store.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if _, err := r.st.AppendMessage(ctx, msg); err != nil {
		r.logger.Warn("persist transcript failed", "session_id", sessionID, "error", err)
	}
}

func (r *storeRecorder) Touch(sessionID string) {
	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.st.TouchSession(ctx, sessionID); err != nil {
		r.logger.Warn("touch session failed", "session_id", sessionID, "error", err)
	}
}
