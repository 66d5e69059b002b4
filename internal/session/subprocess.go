package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/switchboard-ai/switchboard/internal/acp"
	"github.com/switchboard-ai/switchboard/internal/terminal"
	"golang.org/x/sys/unix"
)

// Child is a spawned agent process as the session sees it. Tests substitute
// pipe-backed children; production children come from ExecBackend.
type Child struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader

	// Signal and Kill may be nil when there is no real process.
	Signal func(sig os.Signal) error
	Kill   func() error

	// Wait blocks until the process exits and returns its exit error.
	Wait func() error
}

// Backend spawns the agent child process for a subprocess session.
type Backend interface {
	Spawn(ctx context.Context, workDir string, env []string) (*Child, error)
}

// ExecBackend spawns a real agent binary over stdio pipes.
type ExecBackend struct {
	Path string
	Args []string
}

// Spawn starts the agent process in workDir with exactly the given
// environment.
func (b *ExecBackend) Spawn(ctx context.Context, workDir string, env []string) (*Child, error) {
	cmd := exec.Command(b.Path, b.Args...)
	cmd.Dir = workDir
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}
	return &Child{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		Signal: cmd.Process.Signal,
		Kill:   cmd.Process.Kill,
		Wait:   cmd.Wait,
	}, nil
}

// SubprocessConfig tunes one subprocess session. Zero values take the
// package defaults.
type SubprocessConfig struct {
	WorkingDir  string
	WorkspaceID string
	MCPServers  []acp.MCPServer

	// Env is the complete child environment, including resolved auth
	// material. It is passed through verbatim and never logged.
	Env []string

	// ResumeBackendID requests session/load instead of session/new.
	ResumeBackendID string

	IdleTimeout         time.Duration
	KillGrace           time.Duration
	CallTimeout         time.Duration
	MaxMessageBytes     int
	QueueSize           int
	TerminalOutputLimit int64

	// CreateParentDirs makes fs/write_text_file create missing parents.
	CreateParentDirs bool
}

// SubprocessSession drives one ACP agent child process. It serves the
// agent's fs and terminal requests, mediates its permission requests, and
// fans its session/update stream out to subscribers.
type SubprocessSession struct {
	id      string
	cfg     SubprocessConfig
	backend Backend
	logger  *slog.Logger
	rec     Recorder

	bc    *Broadcaster
	perms *permTable
	terms *terminal.Manager

	conn  *acp.Conn
	child *Child

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu           sync.Mutex
	state        State
	backendID    string
	agentCaps    acp.AgentCapabilities
	created      time.Time
	lastActivity time.Time
	idleTimer    *time.Timer
	terminating  bool
	idled        bool

	done     chan struct{}
	termOnce sync.Once
}

// NewSubprocessSession builds an unstarted session. Call Start to spawn the
// child and run the handshake.
func NewSubprocessSession(id string, backend Backend, cfg SubprocessConfig, rec Recorder, logger *slog.Logger) *SubprocessSession {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.KillGrace == 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session", "session_id", id)

	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	now := time.Now()
	return &SubprocessSession{
		id:      id,
		cfg:     cfg,
		backend: backend,
		logger:  logger,
		rec:     rec,
		bc:      NewBroadcaster(cfg.QueueSize),
		perms:   newPermTable(),
		terms: terminal.NewManager(terminal.Options{
			KillGrace:   cfg.KillGrace,
			OutputLimit: cfg.TerminalOutputLimit,
			Logger:      logger,
		}),
		lifeCtx:      lifeCtx,
		lifeCancel:   lifeCancel,
		state:        StateInitialising,
		created:      now,
		lastActivity: now,
		done:         make(chan struct{}),
	}
}

func (s *SubprocessSession) ID() string          { return s.id }
func (s *SubprocessSession) Kind() Kind          { return KindSubprocess }
func (s *SubprocessSession) Done() <-chan struct{} { return s.done }

func (s *SubprocessSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *SubprocessSession) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.id,
		Kind:         KindSubprocess,
		State:        s.state,
		BackendID:    s.backendID,
		WorkingDir:   s.cfg.WorkingDir,
		WorkspaceID:  s.cfg.WorkspaceID,
		CreatedAt:    s.created,
		LastActivity: s.lastActivity,
	}
}

// Subscribe attaches an event stream.
func (s *SubprocessSession) Subscribe() *Subscription { return s.bc.Subscribe() }

// BackendID returns the agent-assigned session id, once the handshake has
// completed.
func (s *SubprocessSession) BackendID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendID
}

// Start spawns the child, runs the initialize and session/new handshake on
// the reserved request ids, and moves the session to ready. A handshake
// failure tears the session down.
func (s *SubprocessSession) Start(ctx context.Context) error {
	s.rec.RecordState(s.id, StateInitialising)

	child, err := s.backend.Spawn(ctx, s.cfg.WorkingDir, s.cfg.Env)
	if err != nil {
		s.mu.Lock()
		s.state = StateTerminated
		s.mu.Unlock()
		s.rec.RecordState(s.id, StateTerminated)
		s.lifeCancel()
		s.bc.Close()
		close(s.done)
		return fmt.Errorf("spawn agent: %w", err)
	}
	s.child = child

	s.conn = acp.NewConn(child.Stdin, child.Stdout, acp.Options{
		CallTimeout:     s.cfg.CallTimeout,
		MaxMessageBytes: s.cfg.MaxMessageBytes,
		Logger:          s.logger,
		Hooks: acp.Hooks{
			OnOrphanResponse: func(m *acp.Message) {
				s.rec.RecordEvent(s.id, "orphan_response", json.RawMessage(m.ID))
			},
			OnProtocolError: func(err error, line []byte) {
				s.rec.RecordEvent(s.id, "protocol_error", mustJSON(map[string]string{"error": err.Error()}))
			},
		},
	})

	go s.readStderr(child.Stderr)
	go s.serve()
	go s.watchChild()

	if err := s.handshake(ctx); err != nil {
		s.logger.Error("handshake failed", "error", err)
		tctx, cancel := context.WithTimeout(context.Background(), s.cfg.KillGrace+time.Second)
		defer cancel()
		_ = s.Terminate(tctx)
		return err
	}

	s.setState(StateReady)
	s.mu.Lock()
	s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout, s.onIdle)
	s.mu.Unlock()
	s.touch()
	return nil
}

func (s *SubprocessSession) handshake(ctx context.Context) error {
	res, err := s.conn.CallReserved(ctx, acp.InitializeRequestID, acp.MethodInitialize, acp.InitializeParams{
		ProtocolVersion: acp.ProtocolVersion,
		ClientCapabilities: acp.ClientCapabilities{
			FS:       acp.FSCapabilities{ReadTextFile: true, WriteTextFile: true},
			Terminal: true,
		},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	var init acp.InitializeResult
	if err := json.Unmarshal(res.Result, &init); err != nil {
		return fmt.Errorf("initialize result: %w", err)
	}
	s.mu.Lock()
	s.agentCaps = init.AgentCapabilities
	s.mu.Unlock()
	// Agents that can session/load leave a resumable trail.
	s.rec.RecordResumable(s.id, init.AgentCapabilities.LoadSession)

	if s.cfg.ResumeBackendID != "" && init.AgentCapabilities.LoadSession {
		_, err := s.conn.CallReserved(ctx, acp.NewSessionRequestID, acp.MethodSessionLoad, acp.LoadSessionParams{
			SessionID:  s.cfg.ResumeBackendID,
			CWD:        s.cfg.WorkingDir,
			MCPServers: s.cfg.MCPServers,
		})
		if err != nil {
			return fmt.Errorf("session/load: %w", err)
		}
		s.setBackendID(s.cfg.ResumeBackendID)
		return nil
	}
	if s.cfg.ResumeBackendID != "" {
		s.logger.Warn("agent does not support session loading, starting fresh")
	}

	res, err = s.conn.CallReserved(ctx, acp.NewSessionRequestID, acp.MethodSessionNew, acp.NewSessionParams{
		CWD:        s.cfg.WorkingDir,
		MCPServers: s.cfg.MCPServers,
	})
	if err != nil {
		return fmt.Errorf("session/new: %w", err)
	}
	var created acp.NewSessionResult
	if err := json.Unmarshal(res.Result, &created); err != nil {
		return fmt.Errorf("session/new result: %w", err)
	}
	backendID := created.SessionID
	if backendID == "" {
		backendID = s.id
	}
	s.setBackendID(backendID)
	return nil
}

func (s *SubprocessSession) setBackendID(id string) {
	s.mu.Lock()
	s.backendID = id
	s.mu.Unlock()
	s.rec.RecordBackendID(s.id, id)
}

// SendPrompt submits one prompt turn and blocks until the agent reports a
// stop reason.
func (s *SubprocessSession) SendPrompt(ctx context.Context, text string) (*PromptResult, error) {
	if err := s.beginPrompt(); err != nil {
		return nil, err
	}
	defer s.endPrompt()

	s.rec.RecordTranscript(s.id, "user", text)
	s.touch()

	res, err := s.conn.Call(ctx, acp.MethodSessionPrompt, acp.PromptParams{
		SessionID: s.BackendID(),
		Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
	})
	s.touch()
	if err != nil {
		if ctx.Err() != nil {
			return &PromptResult{StopReason: StopReasonCancelled}, nil
		}
		s.publish(newEvent(EventError, s.id, ErrorPayload{Message: err.Error()}))
		return nil, err
	}

	var pr acp.PromptResult
	if len(res.Result) > 0 {
		if err := json.Unmarshal(res.Result, &pr); err != nil {
			return nil, fmt.Errorf("prompt result: %w", err)
		}
	}
	out := &PromptResult{StopReason: pr.StopReason, Usage: pr.Usage}
	if out.StopReason == "" {
		out.StopReason = StopReasonEndTurn
	}
	payload := ResultPayload{StopReason: out.StopReason, Usage: out.Usage}
	ev := newEvent(EventResult, s.id, payload)
	s.publish(ev)
	s.rec.RecordEvent(s.id, EventResult, ev.Payload)
	return out, nil
}

func (s *SubprocessSession) beginPrompt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateProcessing:
		return ErrPromptInFlight
	case StateTerminating, StateTerminated:
		return ErrSessionTerminated
	case StateInitialising:
		return errors.New("session not ready")
	}
	s.state = StateProcessing
	s.publishLocked(StateProcessing)
	return nil
}

func (s *SubprocessSession) endPrompt() {
	s.mu.Lock()
	if s.state == StateProcessing {
		s.state = StateReady
		s.publishLocked(StateReady)
	}
	s.mu.Unlock()
}

// publishLocked emits a state event while s.mu is held. The broadcaster has
// its own lock, never taken the other way round.
func (s *SubprocessSession) publishLocked(st State) {
	s.bc.Publish(newEvent(EventState, s.id, StatePayload{State: st}))
	s.rec.RecordState(s.id, st)
}

// CancelPrompt asks the agent to stop the current turn and resolves any open
// permission requests as cancelled. A no-op when nothing is processing.
func (s *SubprocessSession) CancelPrompt(ctx context.Context) error {
	s.mu.Lock()
	processing := s.state == StateProcessing
	s.mu.Unlock()
	if !processing {
		return nil
	}
	if err := s.conn.Notify(acp.MethodSessionCancel, acp.CancelParams{SessionID: s.BackendID()}); err != nil {
		return err
	}
	s.perms.drain(permOutcome{message: "prompt cancelled"})
	return nil
}

// RespondPermission settles a pending permission request. An empty option id
// cancels the request.
func (s *SubprocessSession) RespondPermission(toolCallID string, answer PermissionAnswer) error {
	s.touch()
	out := permOutcome{}
	if answer.OptionID != "" {
		a := answer
		out.answer = &a
	}
	return s.perms.resolve(toolCallID, out)
}

// RelayRaw forwards a client-supplied JSON-RPC message to the agent.
// Notifications go out as-is; requests are re-issued under a gateway-minted
// id and the response is published as an event carrying the client's
// original id.
func (s *SubprocessSession) RelayRaw(ctx context.Context, payload json.RawMessage) error {
	msg, err := acp.Decode(payload)
	if err != nil {
		return err
	}
	switch msg.Kind() {
	case acp.KindNotification:
		return s.conn.Notify(msg.Method, msg.Params)
	case acp.KindRequest:
		clientID := append(json.RawMessage(nil), msg.ID...)
		go func() {
			res, err := s.conn.Call(s.lifeCtx, msg.Method, msg.Params)
			reply := map[string]any{"jsonrpc": "2.0", "id": clientID}
			switch {
			case err != nil:
				var wire *acp.WireError
				if errors.As(err, &wire) {
					reply["error"] = wire
				} else {
					reply["error"] = &acp.WireError{Code: acp.CodeInternalError, Message: err.Error()}
				}
			default:
				reply["result"] = res.Result
			}
			s.publish(newEvent(EventSDKMessage, s.id, reply))
		}()
		return nil
	default:
		return errors.New("raw relay accepts requests and notifications only")
	}
}

// Terminate shuts the session down: cancels the turn, signals the child
// SIGTERM then SIGKILL after the grace period, and waits for teardown.
func (s *SubprocessSession) Terminate(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return nil
	}
	already := s.terminating
	s.terminating = true
	idled := s.idled
	if s.state != StateTerminating {
		s.state = StateTerminating
	}
	s.mu.Unlock()

	if !already {
		if !idled {
			s.bc.Publish(newEvent(EventState, s.id, StatePayload{State: StateTerminating}))
		}
		_ = s.conn.Notify(acp.MethodSessionCancel, acp.CancelParams{SessionID: s.BackendID()})
		if s.child.Signal != nil {
			_ = s.child.Signal(syscall.SIGTERM)
		}
		go func() {
			select {
			case <-s.done:
			case <-time.After(s.cfg.KillGrace):
				if s.child.Kill != nil {
					_ = s.child.Kill()
				}
			}
		}()
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// watchChild reaps the child process. All exit paths converge here: the
// child dying on its own and the kill sequence from Terminate both end in
// the Wait returning.
func (s *SubprocessSession) watchChild() {
	err := s.child.Wait()
	exit := exitFromWait(err)
	cause := fmt.Errorf("child process exited (code: %v, signal: %v)",
		jsonField(exit.Code), jsonField(exit.Signal))
	s.finish(cause, exit)
}

// finish is the single teardown path. It closes the conn, denies open
// permission requests with an interrupt, releases terminals, emits the exit
// event, and closes the broadcaster so no events follow it.
func (s *SubprocessSession) finish(cause error, exit ExitPayload) {
	s.termOnce.Do(func() {
		s.mu.Lock()
		deliberate := s.terminating
		idled := s.idled
		s.state = StateTerminated
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
		s.mu.Unlock()

		// A deliberate shutdown rejects in-flight calls as terminated; the
		// exit cause is reserved for the child dying on its own.
		closeCause := cause
		if deliberate {
			closeCause = errors.New("session terminated")
		}

		s.lifeCancel()
		s.conn.CloseWith(closeCause)
		s.perms.drain(permOutcome{message: "session terminated", interrupt: true})
		s.terms.ReleaseAll()

		if !deliberate {
			ev := newEvent(EventError, s.id, ErrorPayload{Message: cause.Error()})
			s.publish(ev)
			s.rec.RecordEvent(s.id, EventError, ev.Payload)
			s.logger.Warn("agent exited unexpectedly", "error", cause)
		}
		ev := newEvent(EventExit, s.id, exit)
		s.publish(ev)
		s.rec.RecordEvent(s.id, EventExit, ev.Payload)
		s.publish(newEvent(EventState, s.id, StatePayload{State: StateTerminated}))
		if idled {
			s.rec.RecordState(s.id, StateIdle)
		} else {
			s.rec.RecordState(s.id, StateTerminated)
		}

		s.bc.Close()
		close(s.done)
	})
}

// onIdle fires when the idle timeout elapses with no traffic. The session
// announces idle, records the resumable state, and shuts itself down.
func (s *SubprocessSession) onIdle() {
	s.mu.Lock()
	if s.state != StateReady {
		if s.idleTimer != nil {
			s.idleTimer.Reset(s.cfg.IdleTimeout)
		}
		s.mu.Unlock()
		return
	}
	s.idled = true
	s.mu.Unlock()

	s.logger.Info("session idle, shutting down", "idle_timeout", s.cfg.IdleTimeout)
	s.publish(newEvent(EventIdle, s.id, nil))
	s.rec.RecordState(s.id, StateIdle)
	s.rec.RecordEvent(s.id, EventIdle, nil)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.KillGrace+5*time.Second)
	defer cancel()
	_ = s.Terminate(ctx)
}

func (s *SubprocessSession) serve() {
	for msg := range s.conn.Incoming() {
		s.touch()
		switch msg.Kind() {
		case acp.KindNotification:
			s.handleNotification(msg)
		case acp.KindRequest:
			go s.handleRequest(msg)
		}
	}
}

func (s *SubprocessSession) handleNotification(msg *acp.Message) {
	if msg.Method != acp.MethodSessionUpdate {
		s.logger.Debug("ignoring notification", "method", msg.Method)
		return
	}
	var note acp.SessionNotification
	if err := json.Unmarshal(msg.Params, &note); err != nil {
		s.logger.Warn("bad session/update params", "error", err)
		return
	}
	var header acp.UpdateHeader
	_ = json.Unmarshal(note.Update, &header)

	ev := Event{
		Type:      EventSessionUpdate,
		SessionID: s.id,
		Timestamp: time.Now(),
		Payload:   note.Update,
	}
	switch header.SessionUpdate {
	case acp.UpdateToolCall, acp.UpdateToolCallUpdate:
		ev.Critical = true
	}
	s.publish(ev)

	if header.SessionUpdate == acp.UpdateAgentMessageChunk {
		var chunk struct {
			Content acp.ContentBlock `json:"content"`
		}
		if err := json.Unmarshal(note.Update, &chunk); err == nil && chunk.Content.Text != "" {
			s.rec.RecordTranscript(s.id, "assistant", chunk.Content.Text)
		}
	}
}

func (s *SubprocessSession) handleRequest(msg *acp.Message) {
	switch msg.Method {
	case acp.MethodRequestPermission:
		s.handlePermissionRequest(msg)
	case acp.MethodFSReadTextFile:
		s.handleReadTextFile(msg)
	case acp.MethodFSWriteTextFile:
		s.handleWriteTextFile(msg)
	case acp.MethodTerminalCreate:
		s.handleTerminalCreate(msg)
	case acp.MethodTerminalOutput:
		s.handleTerminalOutput(msg)
	case acp.MethodTerminalKill:
		s.handleTerminalKill(msg)
	case acp.MethodTerminalWaitExit:
		s.handleTerminalWaitExit(msg)
	case acp.MethodTerminalRelease:
		s.handleTerminalRelease(msg)
	default:
		_ = s.conn.RespondError(msg.ID, acp.CodeMethodNotFound, "Method not found")
	}
}

func (s *SubprocessSession) handlePermissionRequest(msg *acp.Message) {
	var p acp.RequestPermissionParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		_ = s.conn.RespondError(msg.ID, acp.CodeInvalidParams, "invalid permission request params")
		return
	}
	toolCallID := p.ToolCall.ToolCallID

	reqID := append(json.RawMessage(nil), msg.ID...)
	s.perms.add(toolCallID, func(out permOutcome) {
		res := acp.RequestPermissionResult{Outcome: acp.PermissionOutcome{Outcome: acp.OutcomeCancelled}}
		if out.answer != nil {
			res.Outcome = acp.PermissionOutcome{
				Outcome:      acp.OutcomeSelected,
				OptionID:     out.answer.OptionID,
				UpdatedInput: out.answer.Answers,
			}
		}
		_ = s.conn.Respond(reqID, res)
	})

	options := make([]PermissionOption, 0, len(p.Options))
	for _, opt := range p.Options {
		options = append(options, PermissionOption{OptionID: opt.OptionID, Name: opt.Name, Kind: opt.Kind})
	}
	ev := newEvent(EventPermissionRequest, s.id, PermissionRequestPayload{
		ToolCallID: toolCallID,
		Title:      p.ToolCall.Title,
		ToolName:   p.ToolCall.Kind,
		Input:      p.ToolCall.RawInput,
		Options:    options,
	})
	s.publish(ev)
	s.rec.RecordEvent(s.id, EventPermissionRequest, ev.Payload)
}

func (s *SubprocessSession) handleReadTextFile(msg *acp.Message) {
	var p acp.ReadTextFileParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		_ = s.conn.RespondError(msg.ID, acp.CodeInvalidParams, "invalid read params")
		return
	}
	data, err := os.ReadFile(p.Path)
	if err != nil {
		_ = s.conn.RespondError(msg.ID, acp.CodeInternalError, err.Error())
		return
	}
	content := string(data)
	if p.Line != nil || p.Limit != nil {
		content = sliceLines(content, p.Line, p.Limit)
	}
	_ = s.conn.Respond(msg.ID, acp.ReadTextFileResult{Content: content})
}

// sliceLines applies the optional 0-based line offset and line count of a
// fs/read_text_file request.
func sliceLines(content string, line, limit *int) string {
	lines := strings.Split(content, "\n")
	start := 0
	if line != nil && *line > 0 {
		start = *line
	}
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if limit != nil && *limit > 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "\n")
}

func (s *SubprocessSession) handleWriteTextFile(msg *acp.Message) {
	var p acp.WriteTextFileParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		_ = s.conn.RespondError(msg.ID, acp.CodeInvalidParams, "invalid write params")
		return
	}
	if s.cfg.CreateParentDirs {
		if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
			_ = s.conn.RespondError(msg.ID, acp.CodeInternalError, err.Error())
			return
		}
	}
	if err := os.WriteFile(p.Path, []byte(p.Content), 0o644); err != nil {
		_ = s.conn.RespondError(msg.ID, acp.CodeInternalError, err.Error())
		return
	}
	_ = s.conn.Respond(msg.ID, struct{}{})
}

func (s *SubprocessSession) handleTerminalCreate(msg *acp.Message) {
	var p acp.CreateTerminalParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		_ = s.conn.RespondError(msg.ID, acp.CodeInvalidParams, "invalid terminal params")
		return
	}
	cwd := p.CWD
	if cwd == "" {
		cwd = s.cfg.WorkingDir
	}
	env := make([]string, 0, len(p.Env))
	for _, e := range p.Env {
		env = append(env, e.Name+"="+e.Value)
	}
	id := s.terms.Create(terminal.CreateSpec{
		Command:     p.Command,
		Args:        p.Args,
		CWD:         cwd,
		Env:         env,
		OutputLimit: p.OutputByteLimit,
	})
	_ = s.conn.Respond(msg.ID, acp.CreateTerminalResult{TerminalID: id})
}

func (s *SubprocessSession) handleTerminalOutput(msg *acp.Message) {
	var p acp.TerminalIDParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		_ = s.conn.RespondError(msg.ID, acp.CodeInvalidParams, "invalid terminal params")
		return
	}
	out, err := s.terms.Output(p.TerminalID)
	if err != nil {
		_ = s.conn.RespondError(msg.ID, acp.CodeInternalError, err.Error())
		return
	}
	res := acp.TerminalOutputResult{Output: out.Data, Truncated: out.Truncated}
	if out.Exit != nil {
		res.ExitStatus = &acp.TerminalExitStatus{ExitCode: out.Exit.Code, Signal: out.Exit.Signal}
	}
	_ = s.conn.Respond(msg.ID, res)
}

func (s *SubprocessSession) handleTerminalKill(msg *acp.Message) {
	var p acp.TerminalIDParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		_ = s.conn.RespondError(msg.ID, acp.CodeInvalidParams, "invalid terminal params")
		return
	}
	if err := s.terms.Kill(p.TerminalID); err != nil {
		_ = s.conn.RespondError(msg.ID, acp.CodeInternalError, err.Error())
		return
	}
	_ = s.conn.Respond(msg.ID, struct{}{})
}

func (s *SubprocessSession) handleTerminalWaitExit(msg *acp.Message) {
	var p acp.TerminalIDParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		_ = s.conn.RespondError(msg.ID, acp.CodeInvalidParams, "invalid terminal params")
		return
	}
	exit, err := s.terms.WaitForExit(s.lifeCtx, p.TerminalID)
	if err != nil {
		_ = s.conn.RespondError(msg.ID, acp.CodeInternalError, err.Error())
		return
	}
	_ = s.conn.Respond(msg.ID, acp.WaitForExitResult{ExitCode: exit.Code, Signal: exit.Signal})
}

func (s *SubprocessSession) handleTerminalRelease(msg *acp.Message) {
	var p acp.TerminalIDParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		_ = s.conn.RespondError(msg.ID, acp.CodeInvalidParams, "invalid terminal params")
		return
	}
	if err := s.terms.Release(p.TerminalID); err != nil {
		_ = s.conn.RespondError(msg.ID, acp.CodeInternalError, err.Error())
		return
	}
	_ = s.conn.Respond(msg.ID, struct{}{})
}

func (s *SubprocessSession) readStderr(r io.Reader) {
	if r == nil {
		return
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 256*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		s.logger.Debug("agent stderr", "line", line)
		s.publish(newEvent(EventStderr, s.id, StderrPayload{Line: line}))
	}
}

func (s *SubprocessSession) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	s.publish(newEvent(EventState, s.id, StatePayload{State: st}))
	s.rec.RecordState(s.id, st)
}

// touch refreshes the activity clock and pushes the idle deadline out.
func (s *SubprocessSession) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.cfg.IdleTimeout)
	}
	s.mu.Unlock()
	s.rec.Touch(s.id)
}

func (s *SubprocessSession) publish(ev Event) {
	s.bc.Publish(ev)
}

// exitFromWait maps a Wait error onto the exit-code-or-signal convention.
func exitFromWait(err error) ExitPayload {
	if err == nil {
		code := 0
		return ExitPayload{Code: &code}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				name := unix.SignalName(ws.Signal())
				if name == "" {
					name = ws.Signal().String()
				}
				return ExitPayload{Signal: &name}
			}
			code := ws.ExitStatus()
			return ExitPayload{Code: &code}
		}
		code := ee.ExitCode()
		return ExitPayload{Code: &code}
	}
	code := -1
	return ExitPayload{Code: &code}
}

// jsonField renders an optional exit field the way it appears on the wire:
// the value, or null.
func jsonField(v any) any {
	switch p := v.(type) {
	case *int:
		if p == nil {
			return "null"
		}
		return *p
	case *string:
		if p == nil {
			return "null"
		}
		return *p
	}
	return v
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
