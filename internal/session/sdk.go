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
	"github.com/switchboard-ai/switchboard/internal/claudesdk"
)

// Permission option ids the SDK session presents alongside any suggestions.
const (
	OptionIDAllow       = "allow"
	OptionIDAllowAlways = "allow_always"
	OptionIDDeny        = "deny"

	suggestionPrefix = "suggest-"
)

// Info cache kinds.
const (
	InfoSupportedModels   = "supported_models"
	InfoSupportedCommands = "supported_commands"
	InfoAccountInfo       = "account_info"
	InfoMcpServerStatus   = "mcp_server_status"
)

// SDKQuery is the slice of claudesdk.Query the session drives. Tests
// substitute a fake.
type SDKQuery interface {
	Messages() <-chan *claudesdk.Message
	Done() <-chan struct{}
	Interrupt(ctx context.Context) error
	SetPermissionMode(ctx context.Context, mode string) error
	SetModel(ctx context.Context, model string) error
	SetMaxThinkingTokens(ctx context.Context, n int) error
	SetMcpServers(ctx context.Context, servers map[string]json.RawMessage) (json.RawMessage, error)
	RewindFiles(ctx context.Context, messageID string) (json.RawMessage, error)
	SupportedModels(ctx context.Context) (json.RawMessage, error)
	SupportedCommands(ctx context.Context) (json.RawMessage, error)
	AccountInfo(ctx context.Context) (json.RawMessage, error)
	McpServerStatus(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// QueryStarter launches one SDK prompt turn.
type QueryStarter func(ctx context.Context, prompt string, opts claudesdk.Options) (SDKQuery, error)

// NewClientStarter adapts a claudesdk.Client into a QueryStarter.
func NewClientStarter(c *claudesdk.Client) QueryStarter {
	return func(ctx context.Context, prompt string, opts claudesdk.Options) (SDKQuery, error) {
		q, err := c.Query(ctx, prompt, opts)
		if err != nil {
			return nil, err
		}
		return q, nil
	}
}

// SDKConfig tunes one SDK session.
type SDKConfig struct {
	// Options is the initial configuration snapshot. Later mutations are
	// applied to the live query when one exists and persisted for the next.
	Options claudesdk.Options

	// ResumeBackendID carries the CLI conversation across gateway restarts.
	ResumeBackendID string

	WorkspaceID     string
	IdleTimeout     time.Duration
	QueueSize       int
	PrePopulateInfo bool
}

// SDKSession drives the Claude Code CLI through the in-process SDK. One
// prompt turn runs one query; the conversation is carried across turns by
// resuming the CLI-assigned backend id.
type SDKSession struct {
	id     string
	cfg    SDKConfig
	start  QueryStarter
	logger *slog.Logger
	rec    Recorder

	bc    *Broadcaster
	perms *permTable

	mu           sync.Mutex
	state        State
	opts         claudesdk.Options
	backendID    string
	created      time.Time
	lastActivity time.Time
	idleTimer    *time.Timer
	query        SDKQuery
	queryCancel  context.CancelFunc
	cancelled    bool
	terminating  bool
	idled        bool
	caches       map[string]json.RawMessage

	done     chan struct{}
	termOnce sync.Once
}

// NewSDKSession builds an unstarted session.
func NewSDKSession(id string, start QueryStarter, cfg SDKConfig, rec Recorder, logger *slog.Logger) *SDKSession {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	return &SDKSession{
		id:           id,
		cfg:          cfg,
		start:        start,
		logger:       logger.With("component", "session", "session_id", id),
		rec:          rec,
		bc:           NewBroadcaster(cfg.QueueSize),
		perms:        newPermTable(),
		state:        StateInitialising,
		opts:         cfg.Options.Clone(),
		backendID:    cfg.ResumeBackendID,
		created:      now,
		lastActivity: now,
		caches:       make(map[string]json.RawMessage),
		done:         make(chan struct{}),
	}
}

func (s *SDKSession) ID() string            { return s.id }
func (s *SDKSession) Kind() Kind            { return KindSDK }
func (s *SDKSession) Done() <-chan struct{} { return s.done }

func (s *SDKSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *SDKSession) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.id,
		Kind:         KindSDK,
		State:        s.state,
		BackendID:    s.backendID,
		WorkingDir:   s.opts.CWD,
		WorkspaceID:  s.cfg.WorkspaceID,
		CreatedAt:    s.created,
		LastActivity: s.lastActivity,
	}
}

func (s *SDKSession) Subscribe() *Subscription { return s.bc.Subscribe() }

// Start moves the session to ready. No process is spawned until the first
// prompt.
func (s *SDKSession) Start(ctx context.Context) error {
	s.setState(StateReady)
	s.mu.Lock()
	s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout, s.onIdle)
	s.mu.Unlock()
	s.rec.RecordConfig(s.id, s.configSnapshot())
	if s.backendID != "" {
		s.rec.RecordBackendID(s.id, s.backendID)
	}
	return nil
}

// SendPrompt runs one query turn and blocks until the CLI reports a result.
func (s *SDKSession) SendPrompt(ctx context.Context, text string) (*PromptResult, error) {
	s.mu.Lock()
	switch s.state {
	case StateProcessing:
		s.mu.Unlock()
		return nil, ErrPromptInFlight
	case StateTerminating, StateTerminated:
		s.mu.Unlock()
		return nil, ErrSessionTerminated
	case StateInitialising:
		s.mu.Unlock()
		return nil, errors.New("session not ready")
	}
	s.state = StateProcessing
	s.cancelled = false
	snapshot := s.opts.Clone()
	backendID := s.backendID
	s.publishLocked(StateProcessing)
	s.mu.Unlock()

	if backendID != "" {
		snapshot.Resume = backendID
		snapshot.Continue = true
	}
	snapshot.CanUseTool = s.canUseTool
	snapshot.OnStderr = func(line string) {
		s.publish(newEvent(EventStderr, s.id, StderrPayload{Line: line}))
	}

	qctx, qcancel := context.WithCancel(context.Background())
	q, err := s.start(qctx, text, snapshot)
	if err != nil {
		qcancel()
		s.endPrompt()
		ev := newEvent(EventError, s.id, ErrorPayload{Message: err.Error()})
		s.publish(ev)
		s.rec.RecordEvent(s.id, EventError, ev.Payload)
		return nil, fmt.Errorf("start query: %w", err)
	}

	s.mu.Lock()
	s.query = q
	s.queryCancel = qcancel
	s.mu.Unlock()

	s.rec.RecordTranscript(s.id, "user", text)
	s.touch()
	if s.cfg.PrePopulateInfo {
		go s.prepopulate(q)
	}

	result := s.consume(q)

	s.mu.Lock()
	s.query = nil
	s.queryCancel = nil
	cancelled := s.cancelled
	s.mu.Unlock()

	qcancel()
	_ = q.Close()
	s.perms.drain(permOutcome{message: "prompt cancelled", interrupt: true})
	s.endPrompt()
	s.touch()

	if result == nil {
		if cancelled {
			return &PromptResult{StopReason: StopReasonCancelled}, nil
		}
		err := errors.New("query ended without a result")
		ev := newEvent(EventError, s.id, ErrorPayload{Message: err.Error()})
		s.publish(ev)
		s.rec.RecordEvent(s.id, EventError, ev.Payload)
		return nil, err
	}
	if cancelled {
		result.StopReason = StopReasonCancelled
	}
	return result, nil
}

func (s *SDKSession) endPrompt() {
	s.mu.Lock()
	if s.state == StateProcessing {
		s.state = StateReady
		s.publishLocked(StateReady)
	}
	s.mu.Unlock()
}

func (s *SDKSession) publishLocked(st State) {
	s.bc.Publish(newEvent(EventState, s.id, StatePayload{State: st}))
	s.rec.RecordState(s.id, st)
}

func (s *SDKSession) consume(q SDKQuery) *PromptResult {
	var result *PromptResult
	for msg := range q.Messages() {
		s.touch()
		s.handleMessage(msg, &result)
	}
	return result
}

func (s *SDKSession) handleMessage(msg *claudesdk.Message, result **PromptResult) {
	if msg.SessionID != "" {
		s.adoptBackendID(msg.SessionID)
	}

	switch msg.Type {
	case claudesdk.MessageTypeSystem:
		s.publish(newEvent(EventMessage, s.id, MessagePayload{
			Kind:    MessageSystem,
			Subtype: msg.Subtype,
			Detail:  msg.Raw,
		}))

	case claudesdk.MessageTypeAssistant:
		body, err := msg.Body()
		if err != nil {
			s.logger.Warn("bad assistant message", "error", err)
			return
		}
		for _, block := range body.ContentBlocks() {
			switch block.Type {
			case "text":
				s.publish(newEvent(EventMessage, s.id, MessagePayload{Kind: MessageText, Text: block.Text}))
				s.rec.RecordTranscript(s.id, "assistant", block.Text)
			case "thinking":
				s.publish(newEvent(EventMessage, s.id, MessagePayload{Kind: MessageThinking, Thinking: block.Thinking}))
			case "tool_use":
				ev := Event{
					Type:      EventMessage,
					SessionID: s.id,
					Timestamp: time.Now(),
					Payload: mustJSON(MessagePayload{
						Kind:      MessageToolCall,
						ToolUseID: block.ID,
						ToolName:  block.Name,
						Input:     block.Input,
					}),
					Critical: true,
				}
				s.publish(ev)
			}
		}
		if body.StopReason != "" {
			s.publish(newEvent(EventMessage, s.id, MessagePayload{
				Kind:       MessageAssistantComplete,
				StopReason: body.StopReason,
				Usage:      body.Usage,
			}))
		}

	case claudesdk.MessageTypeUser:
		body, err := msg.Body()
		if err != nil {
			return
		}
		s.publish(newEvent(EventMessage, s.id, MessagePayload{Kind: MessageUser, Content: body.Content}))

	case claudesdk.MessageTypeStreamEvent:
		ev, err := msg.StreamEvent()
		if err != nil || ev.Delta == nil {
			return
		}
		s.publish(newEvent(EventMessage, s.id, MessagePayload{
			Kind:        MessageDelta,
			Index:       ev.Index,
			DeltaType:   ev.Delta.Type,
			Text:        ev.Delta.Text,
			Thinking:    ev.Delta.Thinking,
			PartialJSON: ev.Delta.PartialJSON,
		}))

	case claudesdk.MessageTypeResult:
		stop := StopReasonEndTurn
		if msg.IsError {
			stop = StopReasonError
		}
		payload := ResultPayload{
			StopReason:        stop,
			IsError:           msg.IsError,
			NumTurns:          msg.NumTurns,
			DurationMS:        msg.DurationMS,
			TotalCostUSD:      msg.TotalCostUSD,
			Usage:             msg.Usage,
			ModelUsage:        msg.ModelUsage,
			PermissionDenials: msg.PermissionDenials,
			StructuredOutput:  msg.StructuredOutput,
		}
		ev := newEvent(EventResult, s.id, payload)
		s.publish(ev)
		s.rec.RecordEvent(s.id, EventResult, ev.Payload)
		*result = &PromptResult{StopReason: stop, Usage: msg.Usage}

	default:
		s.publish(newEvent(EventSDKMessage, s.id, msg.Raw))
	}
}

// adoptBackendID picks up the CLI-assigned conversation id, including a
// replacement id after a resume fork, and persists it.
func (s *SDKSession) adoptBackendID(id string) {
	s.mu.Lock()
	if s.backendID == id {
		s.mu.Unlock()
		return
	}
	s.backendID = id
	s.mu.Unlock()
	s.rec.RecordBackendID(s.id, id)
}

// canUseTool is the permission callback wired into every query. It publishes
// a permission request to subscribers and blocks until a client answers or
// the query shuts down.
func (s *SDKSession) canUseTool(ctx context.Context, tool string, input json.RawMessage, meta claudesdk.PermissionMeta) (claudesdk.PermissionResult, error) {
	toolCallID := meta.ToolUseID
	if toolCallID == "" {
		toolCallID = uuid.New().String()
	}

	ch := make(chan permOutcome, 1)
	s.perms.add(toolCallID, func(out permOutcome) { ch <- out })

	ev := newEvent(EventPermissionRequest, s.id, PermissionRequestPayload{
		ToolCallID:     toolCallID,
		ToolName:       tool,
		Input:          input,
		Options:        permissionOptions(meta.Suggestions),
		BlockedPath:    meta.BlockedPath,
		DecisionReason: meta.DecisionReason,
		AgentID:        meta.AgentID,
	})
	s.publish(ev)
	s.rec.RecordEvent(s.id, EventPermissionRequest, ev.Payload)

	select {
	case out := <-ch:
		return s.permissionResult(toolCallID, meta, out), nil
	case <-ctx.Done():
		s.perms.remove(toolCallID)
		return claudesdk.PermissionResult{
			Behavior:  claudesdk.BehaviorDeny,
			ToolUseID: toolCallID,
			Message:   "session closed",
			Interrupt: true,
		}, nil
	}
}

// permissionOptions prepends the CLI's suggested permission updates to the
// standard allow / always-allow / deny choices.
func permissionOptions(suggestions []json.RawMessage) []PermissionOption {
	opts := make([]PermissionOption, 0, len(suggestions)+3)
	for i, raw := range suggestions {
		name := fmt.Sprintf("Apply suggestion %d", i+1)
		var s struct {
			Type        string `json:"type"`
			Destination string `json:"destination"`
		}
		if err := json.Unmarshal(raw, &s); err == nil && s.Type != "" {
			name = s.Type
			if s.Destination != "" {
				name += " (" + s.Destination + ")"
			}
		}
		opts = append(opts, PermissionOption{
			OptionID: fmt.Sprintf("%s%d", suggestionPrefix, i),
			Name:     name,
			Kind:     "allow_always",
		})
	}
	opts = append(opts,
		PermissionOption{OptionID: OptionIDAllow, Name: "Allow", Kind: "allow_once"},
		PermissionOption{OptionID: OptionIDAllowAlways, Name: "Always Allow", Kind: "allow_always"},
		PermissionOption{OptionID: OptionIDDeny, Name: "Deny", Kind: "reject_once"},
	)
	return opts
}

func (s *SDKSession) permissionResult(toolCallID string, meta claudesdk.PermissionMeta, out permOutcome) claudesdk.PermissionResult {
	if out.answer == nil || out.answer.OptionID == OptionIDDeny {
		msg := out.message
		if msg == "" {
			msg = "denied by user"
		}
		return claudesdk.PermissionResult{
			Behavior:  claudesdk.BehaviorDeny,
			ToolUseID: toolCallID,
			Message:   msg,
			Interrupt: out.interrupt,
		}
	}

	res := claudesdk.PermissionResult{
		Behavior:     claudesdk.BehaviorAllow,
		ToolUseID:    toolCallID,
		UpdatedInput: out.answer.Answers,
	}
	switch {
	case out.answer.OptionID == OptionIDAllowAlways:
		res.UpdatedPermissions = meta.Suggestions
	case len(out.answer.OptionID) > len(suggestionPrefix) && out.answer.OptionID[:len(suggestionPrefix)] == suggestionPrefix:
		var idx int
		if _, err := fmt.Sscanf(out.answer.OptionID, suggestionPrefix+"%d", &idx); err == nil && idx >= 0 && idx < len(meta.Suggestions) {
			res.UpdatedPermissions = []json.RawMessage{meta.Suggestions[idx]}
		}
	}
	return res
}

// CancelPrompt interrupts the in-flight turn. Open permission requests are
// resolved as denied with an interrupt so the CLI stops the blocked tool.
func (s *SDKSession) CancelPrompt(ctx context.Context) error {
	s.mu.Lock()
	processing := s.state == StateProcessing
	if processing {
		s.cancelled = true
	}
	q := s.query
	cancel := s.queryCancel
	s.mu.Unlock()
	if !processing {
		return nil
	}

	s.perms.drain(permOutcome{message: "prompt cancelled", interrupt: true})
	if cancel != nil {
		cancel()
	}
	if q != nil {
		ictx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := q.Interrupt(ictx); err != nil {
			go func() { _ = q.Close() }()
		}
	}
	return nil
}

// RespondPermission settles a pending permission request. An empty option id
// denies.
func (s *SDKSession) RespondPermission(toolCallID string, answer PermissionAnswer) error {
	s.touch()
	out := permOutcome{}
	if answer.OptionID != "" {
		a := answer
		out.answer = &a
	}
	return s.perms.resolve(toolCallID, out)
}

// SetPermissionMode applies to the live query when one exists and persists
// for subsequent turns either way.
func (s *SDKSession) SetPermissionMode(ctx context.Context, mode string) error {
	s.mu.Lock()
	s.opts.PermissionMode = mode
	q := s.query
	s.mu.Unlock()
	s.rec.RecordConfig(s.id, s.configSnapshot())
	if q != nil {
		return q.SetPermissionMode(ctx, mode)
	}
	return nil
}

// SetModel applies to the live query when one exists and persists for
// subsequent turns either way.
func (s *SDKSession) SetModel(ctx context.Context, model string) error {
	s.mu.Lock()
	s.opts.Model = model
	q := s.query
	s.mu.Unlock()
	s.rec.RecordConfig(s.id, s.configSnapshot())
	if q != nil {
		return q.SetModel(ctx, model)
	}
	return nil
}

// SetMaxThinkingTokens applies to the live query when one exists and
// persists for subsequent turns either way.
func (s *SDKSession) SetMaxThinkingTokens(ctx context.Context, tokens int) error {
	s.mu.Lock()
	s.opts.MaxThinkingTokens = tokens
	q := s.query
	s.mu.Unlock()
	s.rec.RecordConfig(s.id, s.configSnapshot())
	if q != nil {
		return q.SetMaxThinkingTokens(ctx, tokens)
	}
	return nil
}

// SetMcpServers replaces the MCP server set. The CLI's status payload for
// the new set is returned when a query is live.
func (s *SDKSession) SetMcpServers(ctx context.Context, servers map[string]json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	s.opts.McpServers = servers
	q := s.query
	s.mu.Unlock()
	s.rec.RecordConfig(s.id, s.configSnapshot())
	if q != nil {
		return q.SetMcpServers(ctx, servers)
	}
	return nil, nil
}

// RewindFiles needs a live query; checkpoints belong to the CLI process.
func (s *SDKSession) RewindFiles(ctx context.Context, messageID string) (json.RawMessage, error) {
	s.mu.Lock()
	q := s.query
	s.mu.Unlock()
	if q == nil {
		return nil, ErrNoActiveQuery
	}
	return q.RewindFiles(ctx, messageID)
}

func (s *SDKSession) SupportedModels(ctx context.Context) (json.RawMessage, error) {
	return s.infoCall(InfoSupportedModels, func(q SDKQuery) (json.RawMessage, error) {
		return q.SupportedModels(ctx)
	})
}

func (s *SDKSession) SupportedCommands(ctx context.Context) (json.RawMessage, error) {
	return s.infoCall(InfoSupportedCommands, func(q SDKQuery) (json.RawMessage, error) {
		return q.SupportedCommands(ctx)
	})
}

func (s *SDKSession) AccountInfo(ctx context.Context) (json.RawMessage, error) {
	return s.infoCall(InfoAccountInfo, func(q SDKQuery) (json.RawMessage, error) {
		return q.AccountInfo(ctx)
	})
}

func (s *SDKSession) McpServerStatus(ctx context.Context) (json.RawMessage, error) {
	return s.infoCall(InfoMcpServerStatus, func(q SDKQuery) (json.RawMessage, error) {
		return q.McpServerStatus(ctx)
	})
}

// infoCall serves a capability lookup live when a query is running, falling
// back to the cache, and failing with ErrNoActiveQuery when neither exists.
func (s *SDKSession) infoCall(kind string, call func(SDKQuery) (json.RawMessage, error)) (json.RawMessage, error) {
	s.mu.Lock()
	q := s.query
	cached, ok := s.caches[kind]
	s.mu.Unlock()

	if q != nil {
		val, err := call(q)
		if err == nil {
			s.setCache(kind, val)
			return val, nil
		}
		if ok {
			return cached, nil
		}
		return nil, err
	}
	if ok {
		return cached, nil
	}
	return nil, ErrNoActiveQuery
}

func (s *SDKSession) setCache(kind string, val json.RawMessage) {
	s.mu.Lock()
	s.caches[kind] = val
	s.mu.Unlock()
	s.publish(newEvent(EventInfo, s.id, InfoPayload{Kind: kind, Value: val}))
}

// prepopulate warms the info caches in the background at the start of a
// turn. Failures are silent; lookups will retry live.
func (s *SDKSession) prepopulate(q SDKQuery) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	lookups := []struct {
		kind string
		call func(context.Context) (json.RawMessage, error)
	}{
		{InfoSupportedModels, q.SupportedModels},
		{InfoSupportedCommands, q.SupportedCommands},
		{InfoAccountInfo, q.AccountInfo},
		{InfoMcpServerStatus, q.McpServerStatus},
	}
	for _, l := range lookups {
		val, err := l.call(ctx)
		if err != nil {
			continue
		}
		s.setCache(l.kind, val)
	}
}

// Terminate shuts the session down, denying open permission requests with
// an interrupt and closing any live query.
func (s *SDKSession) Terminate(ctx context.Context) error {
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
	q := s.query
	cancel := s.queryCancel
	s.mu.Unlock()

	if !already {
		if !idled {
			s.bc.Publish(newEvent(EventState, s.id, StatePayload{State: StateTerminating}))
		}
		s.perms.drain(permOutcome{message: "session terminated", interrupt: true})
		if cancel != nil {
			cancel()
		}
		go func() {
			if q != nil {
				_ = q.Close()
				<-q.Done()
			}
			s.finish()
		}()
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SDKSession) finish() {
	s.termOnce.Do(func() {
		s.mu.Lock()
		idled := s.idled
		s.state = StateTerminated
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
		s.mu.Unlock()

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

func (s *SDKSession) onIdle() {
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = s.Terminate(ctx)
}

func (s *SDKSession) setState(st State) {
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

func (s *SDKSession) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.cfg.IdleTimeout)
	}
	s.mu.Unlock()
	s.rec.Touch(s.id)
}

func (s *SDKSession) publish(ev Event) {
	s.bc.Publish(ev)
}

// configSnapshot serialises the current options for persistence. Runtime
// callbacks carry no JSON tags and are excluded automatically.
func (s *SDKSession) configSnapshot() json.RawMessage {
	s.mu.Lock()
	opts := s.opts.Clone()
	s.mu.Unlock()
	return mustJSON(opts)
}

var (
	_ Session        = (*SubprocessSession)(nil)
	_ Session        = (*SDKSession)(nil)
	_ RawRelayer     = (*SubprocessSession)(nil)
	_ ModeSetter     = (*SDKSession)(nil)
	_ ModelSetter    = (*SDKSession)(nil)
	_ ThinkingSetter = (*SDKSession)(nil)
	_ McpSetter      = (*SDKSession)(nil)
	_ FileRewinder   = (*SDKSession)(nil)
	_ InfoProvider   = (*SDKSession)(nil)
)
