// Package workspace manages registered git repositories and the
// per-session worktrees cut from them.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/switchboard-ai/switchboard/internal/store"
)

// ErrNotFound is returned for unknown workspace ids.
var ErrNotFound = errors.New("workspace not found")

// Worktree describes one checked-out worktree of a workspace repository.
type Worktree struct {
	Path   string `json:"path"`
	Branch string `json:"branch,omitempty"`
	Head   string `json:"head,omitempty"`
}

// Manager is the store-backed workspace registry. Worktrees live under
// <dataDir>/worktrees/<workspaceID>/<sessionID>, cloned repositories
// under <dataDir>/repos.
type Manager struct {
	store   store.Store
	dataDir string
	logger  *slog.Logger
}

// NewManager builds a workspace manager rooted in dataDir.
func NewManager(st store.Store, dataDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   st,
		dataDir: dataDir,
		logger:  logger.With("component", "workspace"),
	}
}

// Create registers an existing local repository as a workspace.
func (m *Manager) Create(ctx context.Context, name, repoPath string) (*store.Workspace, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolve repo path: %w", err)
	}
	if _, err := m.git(ctx, abs, "rev-parse", "--git-dir"); err != nil {
		return nil, fmt.Errorf("%s is not a git repository: %w", abs, err)
	}

	ws := &store.Workspace{
		ID:        uuid.New().String(),
		Name:      name,
		RepoPath:  abs,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateWorkspace(ctx, ws); err != nil {
		return nil, fmt.Errorf("persist workspace: %w", err)
	}
	m.logger.Info("workspace created", "workspace_id", ws.ID, "name", name, "repo", abs)
	return ws, nil
}

// Clone fetches a remote repository into the data directory and registers
// it as a workspace.
func (m *Manager) Clone(ctx context.Context, url, name string) (*store.Workspace, error) {
	if name == "" {
		name = repoNameFromURL(url)
	}
	id := uuid.New().String()
	dest := filepath.Join(m.dataDir, "repos", id)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("prepare repos dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "clone", "--", url, dest)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("git clone: %w: %s", err, strings.TrimSpace(string(out)))
	}

	ws := &store.Workspace{
		ID:        id,
		Name:      name,
		RepoPath:  dest,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateWorkspace(ctx, ws); err != nil {
		os.RemoveAll(dest)
		return nil, fmt.Errorf("persist workspace: %w", err)
	}
	m.logger.Info("workspace cloned", "workspace_id", ws.ID, "name", name, "url", url)
	return ws, nil
}

// Get returns one workspace.
func (m *Manager) Get(ctx context.Context, id string) (*store.Workspace, error) {
	ws, err := m.store.GetWorkspace(ctx, id)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, ErrNotFound
	}
	return ws, nil
}

// List returns all registered workspaces.
func (m *Manager) List(ctx context.Context) ([]store.Workspace, error) {
	return m.store.ListWorkspaces(ctx)
}

// Delete unregisters a workspace and removes its worktree directory. The
// repository itself is kept unless it was cloned into the data dir.
func (m *Manager) Delete(ctx context.Context, id string) error {
	ws, err := m.store.GetWorkspace(ctx, id)
	if err != nil {
		return err
	}
	if ws == nil {
		return ErrNotFound
	}
	if err := m.store.DeleteWorkspace(ctx, id); err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}

	if dir := filepath.Join(m.dataDir, "worktrees", id); dirExists(dir) {
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Warn("remove worktree dir failed", "workspace_id", id, "error", err)
		}
	}
	if managed := filepath.Join(m.dataDir, "repos", id); ws.RepoPath == managed {
		if err := os.RemoveAll(managed); err != nil {
			m.logger.Warn("remove cloned repo failed", "workspace_id", id, "error", err)
		}
	}
	m.logger.Info("workspace deleted", "workspace_id", id)
	return nil
}

// PrepareWorktree checks out a fresh worktree on branch session/<id> and
// returns its path.
func (m *Manager) PrepareWorktree(ctx context.Context, workspaceID, sessionID string) (string, error) {
	ws, err := m.Get(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	dir := m.worktreeDir(workspaceID, sessionID)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", fmt.Errorf("prepare worktrees dir: %w", err)
	}

	branch := "session/" + sessionID
	if _, err := m.git(ctx, ws.RepoPath, "worktree", "add", "-b", branch, dir); err != nil {
		return "", fmt.Errorf("add worktree: %w", err)
	}
	m.logger.Info("worktree prepared", "workspace_id", workspaceID, "session_id", sessionID, "dir", dir)
	return dir, nil
}

// RemoveWorktree drops a session's worktree and its branch.
func (m *Manager) RemoveWorktree(ctx context.Context, workspaceID, sessionID string) error {
	ws, err := m.Get(ctx, workspaceID)
	if err != nil {
		return err
	}
	dir := m.worktreeDir(workspaceID, sessionID)
	if _, err := m.git(ctx, ws.RepoPath, "worktree", "remove", "--force", dir); err != nil {
		// The checkout may already be gone; prune bookkeeping and move on.
		if _, pruneErr := m.git(ctx, ws.RepoPath, "worktree", "prune"); pruneErr != nil {
			return fmt.Errorf("remove worktree: %w", err)
		}
	}
	if _, err := m.git(ctx, ws.RepoPath, "branch", "-D", "session/"+sessionID); err != nil {
		m.logger.Debug("delete session branch failed", "session_id", sessionID, "error", err)
	}
	m.logger.Info("worktree removed", "workspace_id", workspaceID, "session_id", sessionID)
	return nil
}

// ListWorktrees parses `git worktree list --porcelain` for a workspace.
func (m *Manager) ListWorktrees(ctx context.Context, workspaceID string) ([]Worktree, error) {
	ws, err := m.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	out, err := m.git(ctx, ws.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	return parseWorktrees(out), nil
}

// LinkAgent associates an agent (and optionally its session) with a
// workspace.
func (m *Manager) LinkAgent(ctx context.Context, workspaceID, agentID, sessionID string) error {
	if _, err := m.Get(ctx, workspaceID); err != nil {
		return err
	}
	return m.store.LinkWorkspaceAgent(ctx, &store.WorkspaceAgent{
		WorkspaceID: workspaceID,
		AgentID:     agentID,
		SessionID:   sessionID,
		CreatedAt:   time.Now().UTC(),
	})
}

// UnlinkAgent removes a workspace↔agent association.
func (m *Manager) UnlinkAgent(ctx context.Context, workspaceID, agentID string) error {
	return m.store.UnlinkWorkspaceAgent(ctx, workspaceID, agentID)
}

// ListAgents returns the agents linked to a workspace.
func (m *Manager) ListAgents(ctx context.Context, workspaceID string) ([]store.WorkspaceAgent, error) {
	if _, err := m.Get(ctx, workspaceID); err != nil {
		return nil, err
	}
	return m.store.ListWorkspaceAgents(ctx, workspaceID)
}

func (m *Manager) worktreeDir(workspaceID, sessionID string) string {
	return filepath.Join(m.dataDir, "worktrees", workspaceID, sessionID)
}

// git runs a git subcommand against a repository and returns its combined
// output.
func (m *Manager) git(ctx context.Context, repo string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", repo}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// parseWorktrees reads the porcelain stanza format: one block per
// worktree, blank-line separated.
func parseWorktrees(out string) []Worktree {
	var (
		trees []Worktree
		cur   *Worktree
	)
	flush := func() {
		if cur != nil {
			trees = append(trees, *cur)
			cur = nil
		}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case cur == nil:
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return trees
}

func repoNameFromURL(url string) string {
	name := strings.TrimSuffix(filepath.Base(strings.TrimRight(url, "/")), ".git")
	if name == "" || name == "." {
		return "workspace"
	}
	return name
}

func dirExists(dir string) bool {
	fi, err := os.Stat(dir)
	return err == nil && fi.IsDir()
}
