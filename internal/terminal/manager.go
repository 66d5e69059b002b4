// Package terminal runs the child processes an agent asks for over the
// terminal/* methods and buffers their combined output. Every terminal
// belongs to exactly one session; the session releases them all when it
// terminates.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// DefaultOutputLimit caps a terminal's combined stdout+stderr buffer.
	DefaultOutputLimit = 1024 * 1024

	// DefaultKillGrace is how long a SIGTERM gets before SIGKILL.
	DefaultKillGrace = 5 * time.Second
)

// ErrNotFound is returned for operations on unknown or released terminal
// ids. The text is agent-visible.
var ErrNotFound = errors.New("Terminal not found")

// CreateSpec describes the child to spawn. The command line is shell
// interpreted. Env entries are "KEY=VALUE" overrides layered on top of the
// gateway's own environment.
type CreateSpec struct {
	Command     string
	Args        []string
	CWD         string
	Env         []string
	OutputLimit int64
}

// ExitStatus mirrors the wire convention: exactly one of Code and Signal is
// set once the process has exited.
type ExitStatus struct {
	Code   *int
	Signal *string
}

// Output is a point-in-time view of a terminal's buffer.
type Output struct {
	Data      string
	Truncated bool
	Exit      *ExitStatus
}

// Info is a summary row for listings.
type Info struct {
	ID      string
	Command string
	Exited  bool
}

// Options tunes a Manager. Zero values take the defaults above.
type Options struct {
	KillGrace   time.Duration
	OutputLimit int64
	Logger      *slog.Logger
}

// Manager owns the terminals of one session.
type Manager struct {
	logger    *slog.Logger
	killGrace time.Duration
	defLimit  int64

	mu        sync.Mutex
	terminals map[string]*terminal
	nextID    int
}

// NewManager returns an empty Manager.
func NewManager(opts Options) *Manager {
	if opts.KillGrace == 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.OutputLimit == 0 {
		opts.OutputLimit = DefaultOutputLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		logger:    opts.Logger.With("component", "terminal"),
		killGrace: opts.KillGrace,
		defLimit:  opts.OutputLimit,
		terminals: make(map[string]*terminal),
	}
}

type terminal struct {
	id      string
	command string

	mu        sync.Mutex
	buf       []byte
	limit     int64
	truncated bool
	exited    bool
	exit      ExitStatus

	proc *os.Process
	done chan struct{}
}

// Create spawns a shell-interpreted child and returns its terminal id. A
// spawn failure still yields a terminal: it is born exited with code -1 and
// the error message appended to its buffer, so the agent can read what went
// wrong through the normal output call.
func (m *Manager) Create(spec CreateSpec) string {
	limit := spec.OutputLimit
	if limit <= 0 {
		limit = m.defLimit
	}

	line := spec.Command
	if len(spec.Args) > 0 {
		line += " " + strings.Join(spec.Args, " ")
	}

	m.mu.Lock()
	m.nextID++
	t := &terminal{
		id:      fmt.Sprintf("term-%d", m.nextID),
		command: line,
		limit:   limit,
		done:    make(chan struct{}),
	}
	m.terminals[t.id] = t
	m.mu.Unlock()

	cmd := exec.Command("/bin/sh", "-c", line)
	cmd.Dir = spec.CWD
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdin = nil
	w := &cappedWriter{t: t}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		m.logger.Warn("terminal spawn failed", "terminal_id", t.id, "error", err)
		t.failSpawn(err)
		return t.id
	}

	t.mu.Lock()
	t.proc = cmd.Process
	t.mu.Unlock()
	m.logger.Debug("terminal started", "terminal_id", t.id, "pid", cmd.Process.Pid)

	go func() {
		err := cmd.Wait()
		t.markExited(exitStatusFromWait(err))
		m.logger.Debug("terminal exited", "terminal_id", t.id,
			"code", formatCode(t.exit.Code), "signal", formatSignal(t.exit.Signal))
	}()
	return t.id
}

// Output returns the buffered output, the truncation flag, and the exit
// status when the process has finished.
func (m *Manager) Output(id string) (Output, error) {
	t, err := m.lookup(id)
	if err != nil {
		return Output{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := Output{Data: string(t.buf), Truncated: t.truncated}
	if t.exited {
		exit := t.exit
		out.Exit = &exit
	}
	return out, nil
}

// Kill sends SIGTERM and arranges a SIGKILL if the process is still alive
// after the grace period. It does not wait for the exit.
func (m *Manager) Kill(id string) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	t.terminate(m.killGrace)
	return nil
}

// WaitForExit blocks until the process exits or the context is done.
func (m *Manager) WaitForExit(ctx context.Context, id string) (ExitStatus, error) {
	t, err := m.lookup(id)
	if err != nil {
		return ExitStatus{}, err
	}
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.exit, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Release kills the process if still running and forgets the terminal.
// Later operations on the id fail with ErrNotFound.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	t, ok := m.terminals[id]
	if ok {
		delete(m.terminals, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	t.terminate(m.killGrace)
	return nil
}

// ReleaseAll kills and forgets every terminal. Used at session termination.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	all := make([]*terminal, 0, len(m.terminals))
	for _, t := range m.terminals {
		all = append(all, t)
	}
	m.terminals = make(map[string]*terminal)
	m.mu.Unlock()

	for _, t := range all {
		t.terminate(m.killGrace)
	}
}

// List returns a summary of the live records, ordered arbitrarily.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.terminals))
	for _, t := range m.terminals {
		t.mu.Lock()
		out = append(out, Info{ID: t.id, Command: t.command, Exited: t.exited})
		t.mu.Unlock()
	}
	return out
}

func (m *Manager) lookup(id string) (*terminal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.terminals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// cappedWriter feeds both stdout and stderr of the child into the shared
// buffer, chronologically as delivered.
type cappedWriter struct {
	t *terminal
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	w.t.append(p)
	return len(p), nil
}

// append accepts a chunk up to the byte cap. Once the buffer sits at the
// cap the terminal is marked truncated and later bytes are dropped. The
// buffer is frozen after exit.
func (t *terminal) append(p []byte) {
	if len(p) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exited || t.truncated {
		return
	}
	space := t.limit - int64(len(t.buf))
	if space <= 0 {
		t.truncated = true
		return
	}
	if int64(len(p)) > space {
		t.buf = append(t.buf, p[:space]...)
		t.truncated = true
		return
	}
	t.buf = append(t.buf, p...)
}

func (t *terminal) failSpawn(err error) {
	code := -1
	t.mu.Lock()
	t.buf = append(t.buf, []byte(fmt.Sprintf("\nProcess error: %s", err.Error()))...)
	t.exited = true
	t.exit = ExitStatus{Code: &code}
	t.mu.Unlock()
	close(t.done)
}

func (t *terminal) markExited(exit ExitStatus) {
	t.mu.Lock()
	if t.exited {
		t.mu.Unlock()
		return
	}
	t.exited = true
	t.exit = exit
	t.mu.Unlock()
	close(t.done)
}

// terminate sends SIGTERM now and SIGKILL after the grace period, unless
// the process exits first. Safe to call concurrently and on exited
// terminals.
func (t *terminal) terminate(grace time.Duration) {
	t.mu.Lock()
	proc := t.proc
	exited := t.exited
	t.mu.Unlock()
	if exited || proc == nil {
		return
	}
	_ = proc.Signal(syscall.SIGTERM)
	go func() {
		select {
		case <-t.done:
		case <-time.After(grace):
			_ = proc.Kill()
		}
	}()
}

func exitStatusFromWait(err error) ExitStatus {
	if err == nil {
		code := 0
		return ExitStatus{Code: &code}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				name := unix.SignalName(ws.Signal())
				if name == "" {
					name = ws.Signal().String()
				}
				return ExitStatus{Signal: &name}
			}
			code := ws.ExitStatus()
			return ExitStatus{Code: &code}
		}
		code := ee.ExitCode()
		return ExitStatus{Code: &code}
	}
	code := -1
	return ExitStatus{Code: &code}
}

func formatCode(code *int) any {
	if code == nil {
		return nil
	}
	return *code
}

func formatSignal(sig *string) any {
	if sig == nil {
		return nil
	}
	return *sig
}
