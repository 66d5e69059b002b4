package terminal

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	m := NewManager(opts)
	t.Cleanup(m.ReleaseAll)
	return m
}

func waitExit(t *testing.T, m *Manager, id string) ExitStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exit, err := m.WaitForExit(ctx, id)
	if err != nil {
		t.Fatalf("wait for exit: %v", err)
	}
	return exit
}

func TestCreateCollectsOutput(t *testing.T) {
	m := newTestManager(t, Options{})

	id := m.Create(CreateSpec{Command: "echo", Args: []string{"hello"}})
	if id != "term-1" {
		t.Errorf("expected dense id term-1, got %s", id)
	}

	exit := waitExit(t, m, id)
	if exit.Code == nil || *exit.Code != 0 {
		t.Errorf("expected exit code 0, got %v", exit.Code)
	}
	if exit.Signal != nil {
		t.Errorf("expected nil signal, got %v", *exit.Signal)
	}

	out, err := m.Output(id)
	if err != nil {
		t.Fatal(err)
	}
	if out.Data != "hello\n" {
		t.Errorf("expected %q, got %q", "hello\n", out.Data)
	}
	if out.Truncated {
		t.Error("expected untruncated output")
	}
	if out.Exit == nil || out.Exit.Code == nil || *out.Exit.Code != 0 {
		t.Errorf("expected exit status in output, got %+v", out.Exit)
	}
}

func TestCombinedStreams(t *testing.T) {
	m := newTestManager(t, Options{})

	id := m.Create(CreateSpec{Command: "echo out; echo err 1>&2"})
	waitExit(t, m, id)

	out, err := m.Output(id)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Data, "out\n") || !strings.Contains(out.Data, "err\n") {
		t.Errorf("expected both streams in one buffer, got %q", out.Data)
	}
}

func TestEnvAndCwd(t *testing.T) {
	m := newTestManager(t, Options{})

	dir := t.TempDir()
	id := m.Create(CreateSpec{
		Command: "echo $GREETING; pwd",
		CWD:     dir,
		Env:     []string{"GREETING=salut"},
	})
	waitExit(t, m, id)

	out, _ := m.Output(id)
	if !strings.Contains(out.Data, "salut\n") {
		t.Errorf("expected env override in output, got %q", out.Data)
	}
	if !strings.Contains(out.Data, dir) {
		t.Errorf("expected cwd %s in output, got %q", dir, out.Data)
	}
}

func TestExitCodePropagated(t *testing.T) {
	m := newTestManager(t, Options{})

	id := m.Create(CreateSpec{Command: "exit 3"})
	exit := waitExit(t, m, id)
	if exit.Code == nil || *exit.Code != 3 {
		t.Errorf("expected exit code 3, got %v", exit.Code)
	}
	if exit.Signal != nil {
		t.Errorf("expected nil signal, got %v", *exit.Signal)
	}
}

func TestSignalExit(t *testing.T) {
	m := newTestManager(t, Options{})

	id := m.Create(CreateSpec{Command: "kill -KILL $$"})
	exit := waitExit(t, m, id)
	if exit.Signal == nil || *exit.Signal != "SIGKILL" {
		t.Errorf("expected SIGKILL, got %v", exit.Signal)
	}
	if exit.Code != nil {
		t.Errorf("expected nil code for signalled exit, got %d", *exit.Code)
	}
}

func TestOutputCap(t *testing.T) {
	m := newTestManager(t, Options{OutputLimit: 8})

	// 16 bytes up front, then more after the cap is hit. Only the first
	// 8 bytes survive.
	id := m.Create(CreateSpec{Command: "printf aaaaaaaaaaaaaaaa; sleep 0.2; printf bbbb"})
	waitExit(t, m, id)

	out, err := m.Output(id)
	if err != nil {
		t.Fatal(err)
	}
	if out.Data != "aaaaaaaa" {
		t.Errorf("expected buffer filled to exactly the cap, got %q", out.Data)
	}
	if !out.Truncated {
		t.Error("expected truncated flag")
	}
}

func TestOutputExactlyAtCapNotTruncated(t *testing.T) {
	m := newTestManager(t, Options{OutputLimit: 6})

	id := m.Create(CreateSpec{Command: "printf abcdef"})
	waitExit(t, m, id)

	out, _ := m.Output(id)
	if out.Data != "abcdef" {
		t.Errorf("expected full output, got %q", out.Data)
	}
	if out.Truncated {
		t.Error("output that exactly fits must not be marked truncated")
	}
}

func TestPerTerminalLimitOverride(t *testing.T) {
	m := newTestManager(t, Options{OutputLimit: 4})

	id := m.Create(CreateSpec{Command: "printf abcdefgh", OutputLimit: 16})
	waitExit(t, m, id)

	out, _ := m.Output(id)
	if out.Data != "abcdefgh" || out.Truncated {
		t.Errorf("expected per-create limit to win, got %q (truncated=%v)", out.Data, out.Truncated)
	}
}

func TestKillTermsCooperativeProcess(t *testing.T) {
	m := newTestManager(t, Options{})

	id := m.Create(CreateSpec{Command: "sleep", Args: []string{"60"}})
	time.Sleep(100 * time.Millisecond)

	if err := m.Kill(id); err != nil {
		t.Fatal(err)
	}
	exit := waitExit(t, m, id)
	if exit.Signal == nil || *exit.Signal != "SIGTERM" {
		t.Errorf("expected SIGTERM exit, got code=%v signal=%v", exit.Code, exit.Signal)
	}
}

func TestKillEscalatesToSigkill(t *testing.T) {
	m := newTestManager(t, Options{KillGrace: 150 * time.Millisecond})

	// The shell ignores SIGTERM; short-lived children keep the output
	// pipe from outliving the escalation for long.
	id := m.Create(CreateSpec{Command: `trap "" TERM; while :; do sleep 0.1; done`})
	time.Sleep(100 * time.Millisecond)

	if err := m.Kill(id); err != nil {
		t.Fatal(err)
	}
	exit := waitExit(t, m, id)
	if exit.Signal == nil || *exit.Signal != "SIGKILL" {
		t.Errorf("expected SIGKILL after grace, got code=%v signal=%v", exit.Code, exit.Signal)
	}
}

func TestWaitForExitAfterExit(t *testing.T) {
	m := newTestManager(t, Options{})

	id := m.Create(CreateSpec{Command: "true"})
	first := waitExit(t, m, id)

	// Already exited: resolves immediately with the recorded status.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	second, err := m.WaitForExit(ctx, id)
	if err != nil {
		t.Fatalf("second wait should resolve immediately, got %v", err)
	}
	if *first.Code != *second.Code {
		t.Errorf("expected same status, got %d and %d", *first.Code, *second.Code)
	}
}

func TestReleaseRemovesRecord(t *testing.T) {
	m := newTestManager(t, Options{})

	id := m.Create(CreateSpec{Command: "sleep", Args: []string{"60"}})
	if err := m.Release(id); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Output(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after release, got %v", err)
	}
	if err := m.Kill(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after release, got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := m.WaitForExit(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after release, got %v", err)
	}
	if err := m.Release(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double release, got %v", err)
	}
}

func TestErrNotFoundMessage(t *testing.T) {
	if ErrNotFound.Error() != "Terminal not found" {
		t.Errorf("agent-visible message changed: %q", ErrNotFound.Error())
	}
}

func TestSpawnFailure(t *testing.T) {
	m := newTestManager(t, Options{})

	id := m.Create(CreateSpec{Command: "true", CWD: "/nonexistent/dir/for/test"})
	exit := waitExit(t, m, id)
	if exit.Code == nil || *exit.Code != -1 {
		t.Errorf("expected exit code -1 on spawn failure, got %v", exit.Code)
	}

	out, err := m.Output(id)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.Data, "\nProcess error: ") {
		t.Errorf("expected process error suffix, got %q", out.Data)
	}
}

func TestReleaseAll(t *testing.T) {
	m := newTestManager(t, Options{})

	a := m.Create(CreateSpec{Command: "sleep", Args: []string{"60"}})
	b := m.Create(CreateSpec{Command: "sleep", Args: []string{"60"}})
	if a != "term-1" || b != "term-2" {
		t.Errorf("expected dense ids, got %s and %s", a, b)
	}

	m.ReleaseAll()
	if got := len(m.List()); got != 0 {
		t.Errorf("expected no terminals after ReleaseAll, got %d", got)
	}
	if _, err := m.Output(a); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
