package workspace

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/switchboard-ai/switchboard/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
}

// initRepo creates a repository with one commit so worktrees can branch
// off it.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewManager(st, t.TempDir(), testLogger())
}

func TestCreateAndGetWorkspace(t *testing.T) {
	requireGit(t)
	m := newTestManager(t)
	ctx := context.Background()
	repo := initRepo(t)

	ws, err := m.Create(ctx, "demo", repo)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ws.Name != "demo" || ws.RepoPath != repo {
		t.Fatalf("unexpected workspace: %+v", ws)
	}

	got, err := m.Get(ctx, ws.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != ws.ID {
		t.Fatalf("expected workspace %s, got %s", ws.ID, got.ID)
	}

	all, err := m.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 workspace, got %d", len(all))
	}
}

func TestCreateRejectsNonRepo(t *testing.T) {
	requireGit(t)
	m := newTestManager(t)
	if _, err := m.Create(context.Background(), "bad", t.TempDir()); err == nil {
		t.Fatal("expected error for non-repository path")
	}
}

func TestGetUnknownWorkspace(t *testing.T) {
	requireGit(t)
	m := newTestManager(t)
	if _, err := m.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWorktreeLifecycle(t *testing.T) {
	requireGit(t)
	m := newTestManager(t)
	ctx := context.Background()
	repo := initRepo(t)

	ws, err := m.Create(ctx, "demo", repo)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	dir, err := m.PrepareWorktree(ctx, ws.ID, "sess-1")
	if err != nil {
		t.Fatalf("prepare worktree: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "README.md")); err != nil {
		t.Fatalf("expected checked-out file in worktree: %v", err)
	}

	trees, err := m.ListWorktrees(ctx, ws.ID)
	if err != nil {
		t.Fatalf("list worktrees: %v", err)
	}
	found := false
	for _, wt := range trees {
		if wt.Branch == "session/sess-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected session/sess-1 among worktrees, got %+v", trees)
	}

	if err := m.RemoveWorktree(ctx, ws.ID, "sess-1"); err != nil {
		t.Fatalf("remove worktree: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected worktree dir to be removed, stat err %v", err)
	}

	trees, err = m.ListWorktrees(ctx, ws.ID)
	if err != nil {
		t.Fatalf("list worktrees after remove: %v", err)
	}
	for _, wt := range trees {
		if wt.Branch == "session/sess-1" {
			t.Fatalf("expected session worktree to be gone, got %+v", trees)
		}
	}
}

func TestCloneLocalRepo(t *testing.T) {
	requireGit(t)
	m := newTestManager(t)
	ctx := context.Background()
	src := initRepo(t)

	ws, err := m.Clone(ctx, src, "")
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws.RepoPath, "README.md")); err != nil {
		t.Fatalf("expected cloned file: %v", err)
	}

	if err := m.Delete(ctx, ws.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(ws.RepoPath); !os.IsNotExist(err) {
		t.Fatalf("expected cloned repo dir removed, stat err %v", err)
	}
	if _, err := m.Get(ctx, ws.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestAgentLinks(t *testing.T) {
	requireGit(t)
	m := newTestManager(t)
	ctx := context.Background()
	ws, err := m.Create(ctx, "demo", initRepo(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.LinkAgent(ctx, ws.ID, "agent-1", "sess-1"); err != nil {
		t.Fatalf("link: %v", err)
	}
	agents, err := m.ListAgents(ctx, ws.ID)
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 1 || agents[0].AgentID != "agent-1" || agents[0].SessionID != "sess-1" {
		t.Fatalf("unexpected agents: %+v", agents)
	}

	if err := m.UnlinkAgent(ctx, ws.ID, "agent-1"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	agents, err = m.ListAgents(ctx, ws.ID)
	if err != nil {
		t.Fatalf("list agents after unlink: %v", err)
	}
	if len(agents) != 0 {
		t.Fatalf("expected no agents, got %+v", agents)
	}

	if err := m.LinkAgent(ctx, "missing", "agent-1", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestParseWorktrees(t *testing.T) {
	out := "worktree /repo\nHEAD abc123\nbranch refs/heads/main\n\n" +
		"worktree /data/worktrees/ws/sess\nHEAD def456\nbranch refs/heads/session/sess\n\n" +
		"worktree /repo/detached\nHEAD 789aaa\ndetached\n\n"
	trees := parseWorktrees(out)
	if len(trees) != 3 {
		t.Fatalf("expected 3 worktrees, got %d", len(trees))
	}
	if trees[0].Branch != "main" || trees[0].Head != "abc123" {
		t.Fatalf("unexpected first worktree: %+v", trees[0])
	}
	if trees[1].Branch != "session/sess" {
		t.Fatalf("unexpected second worktree: %+v", trees[1])
	}
	if trees[2].Branch != "" || trees[2].Head != "789aaa" {
		t.Fatalf("unexpected detached worktree: %+v", trees[2])
	}
}
