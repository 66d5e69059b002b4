// Package api provides the gateway's HTTP, WebSocket, and SSE surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os/exec"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/internal/session"
	"github.com/switchboard-ai/switchboard/internal/store"
	"github.com/switchboard-ai/switchboard/internal/vault"
	"github.com/switchboard-ai/switchboard/internal/workspace"
	"github.com/switchboard-ai/switchboard/pkg/protocol"
)

// DefaultMaxFrameBytes caps one WebSocket frame from a client.
const DefaultMaxFrameBytes = 256 * 1024

// SessionManager is the slice of the session manager the API drives.
type SessionManager interface {
	Create(ctx context.Context, req session.CreateRequest) (session.Session, error)
	Get(id string) (session.Session, error)
	List() []session.Info
	Count() int
	Delete(ctx context.Context, id string) error
	Connect(ctx context.Context, id string) (session.Session, bool, error)
	ListResumable(ctx context.Context) ([]store.Session, error)
}

// Server is the HTTP API server.
type Server struct {
	mgr        SessionManager
	store      store.Store
	vault      *vault.Vault
	workspaces *workspace.Manager
	validator  TokenValidator
	logger     *slog.Logger
	mux        *chi.Mux
	rl         *rateLimiter

	startTime        time.Time
	maxBodyBytes     int64
	maxFrameBytes    int64
	rpcTimeout       time.Duration
	connRate         float64
	connBurst        int
	allowedOrigins   []string
	discoverBinaries bool
}

// NewServer wires the routes. The vault and workspace manager may be nil
// when those subsystems are not configured.
func NewServer(mgr SessionManager, st store.Store, vlt *vault.Vault, ws *workspace.Manager, validator TokenValidator, cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		mgr:              mgr,
		store:            st,
		vault:            vlt,
		workspaces:       ws,
		validator:        validator,
		logger:           logger.With("component", "api"),
		startTime:        time.Now(),
		maxBodyBytes:     cfg.Server.MaxBodyBytes,
		maxFrameBytes:    DefaultMaxFrameBytes,
		rpcTimeout:       cfg.Session.RPCTimeout.Duration,
		connRate:         cfg.RateLimit.RequestsPerSecond,
		connBurst:        cfg.RateLimit.Burst,
		allowedOrigins:   cfg.Server.AllowedOrigins,
		discoverBinaries: cfg.Backends.DiscoverBinaries == nil || *cfg.Backends.DiscoverBinaries,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health routes are unauthenticated.
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/v1/sessions", srv.handleListSessions)
		r.Post("/v1/sessions", srv.handleCreateSession)
		r.Get("/v1/sessions/{sessionID}", srv.handleGetSession)
		r.Delete("/v1/sessions/{sessionID}", srv.handleDeleteSession)
		r.Post("/v1/sessions/{sessionID}/rpc", srv.handleSessionRPC)
		r.Get("/v1/sessions/{sessionID}/events", srv.handleSessionEvents)
		r.Get("/v1/sessions/{sessionID}/ws", srv.handleSessionWS)
		r.Get("/v1/sessions/{sessionID}/messages", srv.handleSessionMessages)
		r.Get("/v1/sessions/{sessionID}/log", srv.handleSessionLog)

		r.Get("/v1/credentials", srv.handleListCredentials)
		r.Post("/v1/credentials", srv.handleAddCredential)
		r.Delete("/v1/credentials/{credentialID}", srv.handleDeleteCredential)

		r.Get("/v1/workspaces", srv.handleListWorkspaces)
		r.Post("/v1/workspaces", srv.handleCreateWorkspace)
		r.Post("/v1/workspaces/clone", srv.handleCloneWorkspace)
		r.Get("/v1/workspaces/{workspaceID}", srv.handleGetWorkspace)
		r.Delete("/v1/workspaces/{workspaceID}", srv.handleDeleteWorkspace)
		r.Get("/v1/workspaces/{workspaceID}/agents", srv.handleListWorkspaceAgents)
		r.Delete("/v1/workspaces/{workspaceID}/agents/{agentID}", srv.handleUnlinkWorkspaceAgent)
		r.Get("/v1/workspaces/{workspaceID}/worktrees", srv.handleListWorktrees)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts the rate-limiter cleanup loop.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := protocol.HealthStatus{
		Status:   "ready",
		Sessions: s.mgr.Count(),
	}
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			status.Status = "not_ready"
			status.Details = map[string]string{"store": err.Error()}
			writeJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	if s.discoverBinaries {
		status.Backends = DiscoverBackendBinaries()
	}
	writeJSON(w, http.StatusOK, status)
}

// DiscoverBackendBinaries scans PATH for the known agent executables.
func DiscoverBackendBinaries() map[string]bool {
	found := make(map[string]bool)
	for _, caps := range protocol.KnownAgents {
		for _, bin := range caps.Binaries {
			_, err := exec.LookPath(bin)
			found[bin] = err == nil
		}
	}
	return found
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// errStatus maps domain sentinels to HTTP status codes in one place.
func errStatus(err error, fallback int) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, vault.ErrNotFound),
		errors.Is(err, workspace.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrTooManySessions):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrNotResumable),
		errors.Is(err, session.ErrPromptInFlight):
		return http.StatusConflict
	case errors.Is(err, session.ErrSessionTerminated):
		return http.StatusGone
	case errors.Is(err, vault.ErrDisabled):
		return http.StatusBadRequest
	case errors.Is(err, vault.ErrVaultAuth):
		return http.StatusInternalServerError
	default:
		return fallback
	}
}

func summaryFromInfo(info session.Info) protocol.SessionSummary {
	return protocol.SessionSummary{
		ID:           info.ID,
		Kind:         string(info.Kind),
		State:        string(info.State),
		BackendID:    info.BackendID,
		WorkingDir:   info.WorkingDir,
		WorkspaceID:  info.WorkspaceID,
		CreatedAt:    info.CreatedAt,
		LastActivity: info.LastActivity,
	}
}
