package claudesdk

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
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultInitTimeout bounds the initialize handshake.
	DefaultInitTimeout = 30 * time.Second

	// closeGrace is how long Close waits for a clean exit after shutting
	// stdin before killing the process.
	closeGrace = 5 * time.Second

	// Stream lines can carry whole file contents inside tool payloads.
	maxLineBytes  = 10 * 1024 * 1024
	lineBufBytes  = 64 * 1024
	messageBuffer = 64
)

// ErrQueryClosed is returned by control calls once the stream has ended.
var ErrQueryClosed = errors.New("query closed")

// Client spawns CLI queries. The zero value runs "claude" from PATH.
type Client struct {
	// Path is the CLI binary. Empty means "claude".
	Path string
	// ExtraArgs are appended after the option-derived flags.
	ExtraArgs []string
	Logger    *slog.Logger
}

// BinaryPath resolves the effective CLI binary.
func (c *Client) BinaryPath() string {
	if c.Path != "" {
		return c.Path
	}
	return "claude"
}

// Query starts one prompt turn: spawn the CLI, run the initialize control
// handshake, then submit the prompt. The returned Query streams messages
// until the CLI finishes the turn.
func (c *Client) Query(ctx context.Context, prompt string, opts Options) (*Query, error) {
	args, err := opts.args()
	if err != nil {
		return nil, err
	}
	args = append(args, c.ExtraArgs...)

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(c.BinaryPath(), args...)
	cmd.Dir = opts.CWD
	// Strip the CLI's own nesting marker so it does not refuse to start
	// when the gateway itself runs under an agent.
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "CLAUDECODE=") {
			cmd.Env = append(cmd.Env, e)
		}
	}
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

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
		return nil, fmt.Errorf("start %s: %w", c.BinaryPath(), err)
	}

	q := newQuery(stdin, stdout, opts, logger)
	q.cmd = cmd
	go q.stderrLoop(stderr)

	if err := q.handshake(ctx, prompt); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

type controlOutcome struct {
	payload json.RawMessage
	err     error
}

// Query is one live prompt turn. Messages are delivered in arrival order on
// Messages; control calls run concurrently over the same stdin.
type Query struct {
	logger *slog.Logger
	opts   Options

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]chan controlOutcome
	ended     bool

	messages chan *Message
	readDone chan struct{}

	initResp json.RawMessage

	closeOnce sync.Once
	closeErr  error
}

// newQuery wires a query over an existing pipe pair and starts the read
// loop. Tests drive it without a process.
func newQuery(stdin io.WriteCloser, stdout io.Reader, opts Options, logger *slog.Logger) *Query {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Query{
		logger:   logger.With("component", "claudesdk"),
		opts:     opts,
		stdin:    stdin,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]chan controlOutcome),
		messages: make(chan *Message, messageBuffer),
		readDone: make(chan struct{}),
	}
	go q.readLoop(stdout)
	return q
}

func (q *Query) handshake(ctx context.Context, prompt string) error {
	timeout := q.opts.InitTimeout
	if timeout == 0 {
		timeout = DefaultInitTimeout
	}
	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := q.control(initCtx, q.opts.initializeBody())
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	q.initResp = resp

	if err := q.sendUser(prompt); err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	return nil
}

// Messages yields the stream in arrival order. The channel closes when the
// CLI closes its stdout.
func (q *Query) Messages() <-chan *Message {
	return q.messages
}

// Done is closed when the stream has ended.
func (q *Query) Done() <-chan struct{} {
	return q.readDone
}

// Context is cancelled when the query closes. Permission callbacks receive
// it so termination unblocks them.
func (q *Query) Context() context.Context {
	return q.ctx
}

// InitializeResult is the raw payload of the initialize response.
func (q *Query) InitializeResult() json.RawMessage {
	return q.initResp
}

// Interrupt asks the CLI to stop the in-flight turn. The turn still ends
// with a result message.
func (q *Query) Interrupt(ctx context.Context) error {
	_, err := q.control(ctx, controlRequestBody{Subtype: SubtypeInterrupt})
	return err
}

// SetPermissionMode switches the permission mode for the rest of the turn.
func (q *Query) SetPermissionMode(ctx context.Context, mode string) error {
	_, err := q.control(ctx, controlRequestBody{Subtype: SubtypeSetPermissionMode, Mode: mode})
	return err
}

// SetModel switches the model for the rest of the turn.
func (q *Query) SetModel(ctx context.Context, model string) error {
	_, err := q.control(ctx, controlRequestBody{Subtype: SubtypeSetModel, Model: model})
	return err
}

// SetMaxThinkingTokens adjusts the thinking budget for the rest of the turn.
func (q *Query) SetMaxThinkingTokens(ctx context.Context, n int) error {
	_, err := q.control(ctx, controlRequestBody{Subtype: SubtypeSetMaxThinkingTokens, MaxThinkingTokens: n})
	return err
}

// SetMcpServers replaces the MCP server set and returns the CLI's status
// payload for the new set.
func (q *Query) SetMcpServers(ctx context.Context, servers map[string]json.RawMessage) (json.RawMessage, error) {
	raw, err := json.Marshal(servers)
	if err != nil {
		return nil, fmt.Errorf("encode mcp servers: %w", err)
	}
	return q.control(ctx, controlRequestBody{Subtype: SubtypeSetMcpServers, McpServers: raw})
}

// RewindFiles restores checkpointed files to the state at the given user
// message, or the start of the turn when messageID is empty.
func (q *Query) RewindFiles(ctx context.Context, messageID string) (json.RawMessage, error) {
	return q.control(ctx, controlRequestBody{Subtype: SubtypeRewindFiles, MessageID: messageID})
}

// SupportedModels lists the models the CLI can run with.
func (q *Query) SupportedModels(ctx context.Context) (json.RawMessage, error) {
	return q.control(ctx, controlRequestBody{Subtype: SubtypeSupportedModels})
}

// SupportedCommands lists the slash commands available in this session.
func (q *Query) SupportedCommands(ctx context.Context) (json.RawMessage, error) {
	return q.control(ctx, controlRequestBody{Subtype: SubtypeSupportedCommands})
}

// AccountInfo reports the authenticated account.
func (q *Query) AccountInfo(ctx context.Context) (json.RawMessage, error) {
	return q.control(ctx, controlRequestBody{Subtype: SubtypeAccountInfo})
}

// McpServerStatus reports the connection state of configured MCP servers.
func (q *Query) McpServerStatus(ctx context.Context) (json.RawMessage, error) {
	return q.control(ctx, controlRequestBody{Subtype: SubtypeMcpServerStatus})
}

// Close ends the turn: cancels callbacks, shuts stdin, and reaps the
// process, killing it if it lingers past the grace period.
func (q *Query) Close() error {
	q.closeOnce.Do(func() {
		q.cancel()
		_ = q.stdin.Close()
		if q.cmd != nil {
			select {
			case <-q.readDone:
			case <-time.After(closeGrace):
				_ = q.cmd.Process.Kill()
				<-q.readDone
			}
			q.closeErr = q.cmd.Wait()
		} else {
			select {
			case <-q.readDone:
			case <-time.After(closeGrace):
			}
		}
	})
	return q.closeErr
}

func (q *Query) control(ctx context.Context, body controlRequestBody) (json.RawMessage, error) {
	id := uuid.New().String()
	ch := make(chan controlOutcome, 1)

	q.pendingMu.Lock()
	if q.ended {
		q.pendingMu.Unlock()
		return nil, ErrQueryClosed
	}
	q.pending[id] = ch
	q.pendingMu.Unlock()

	req := controlRequest{Type: MessageTypeControlRequest, RequestID: id, Request: body}
	if err := q.send(req); err != nil {
		q.removePending(id)
		return nil, err
	}

	select {
	case out := <-ch:
		return out.payload, out.err
	case <-ctx.Done():
		q.removePending(id)
		return nil, ctx.Err()
	}
}

func (q *Query) removePending(id string) {
	q.pendingMu.Lock()
	delete(q.pending, id)
	q.pendingMu.Unlock()
}

func (q *Query) sendUser(content string) error {
	return q.send(map[string]any{
		"type": MessageTypeUser,
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
	})
}

func (q *Query) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	data = append(data, '\n')

	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	if _, err := q.stdin.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (q *Query) readLoop(stdout io.Reader) {
	defer func() {
		q.pendingMu.Lock()
		q.ended = true
		drained := q.pending
		q.pending = make(map[string]chan controlOutcome)
		q.pendingMu.Unlock()
		for _, ch := range drained {
			ch <- controlOutcome{err: ErrQueryClosed}
		}
		close(q.messages)
		close(q.readDone)
		q.cancel()
	}()

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, lineBufBytes), maxLineBytes)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			q.logger.Warn("dropping unparseable stream line", "error", err)
			continue
		}

		switch msg.Type {
		case MessageTypeControlResponse:
			var env controlResponseMessage
			if err := json.Unmarshal(line, &env); err != nil {
				q.logger.Warn("dropping malformed control response", "error", err)
				continue
			}
			q.resolveControl(env.Response)
		case MessageTypeControlRequest:
			var req struct {
				RequestID string                 `json:"request_id"`
				Request   incomingControlRequest `json:"request"`
			}
			if err := json.Unmarshal(line, &req); err != nil {
				q.logger.Warn("dropping malformed control request", "error", err)
				continue
			}
			q.handleControlRequest(req.RequestID, req.Request)
		default:
			msg.Raw = append(json.RawMessage(nil), line...)
			q.messages <- &msg
		}
	}

	if err := sc.Err(); err != nil {
		q.logger.Warn("stream read ended", "error", err)
	}
}

func (q *Query) resolveControl(body controlResponseBody) {
	q.pendingMu.Lock()
	ch, ok := q.pending[body.RequestID]
	if ok {
		delete(q.pending, body.RequestID)
	}
	q.pendingMu.Unlock()

	if !ok {
		q.logger.Warn("dropping control response with unknown id", "request_id", body.RequestID)
		return
	}
	if body.Subtype == "error" {
		ch <- controlOutcome{err: errors.New(body.Error)}
		return
	}
	ch <- controlOutcome{payload: body.Response}
}

func (q *Query) handleControlRequest(id string, req incomingControlRequest) {
	switch req.Subtype {
	case SubtypeCanUseTool:
		fn := q.opts.CanUseTool
		if fn == nil {
			q.respondControlError(id, "no permission handler registered")
			return
		}
		meta := PermissionMeta{
			ToolUseID:      req.ToolUseID,
			Suggestions:    req.Suggestions,
			BlockedPath:    req.BlockedPath,
			DecisionReason: req.DecisionReason,
			AgentID:        req.AgentID,
		}
		// The decision can take as long as a human takes; never block the
		// read loop on it.
		go func() {
			result, err := fn(q.ctx, req.ToolName, req.Input, meta)
			if err != nil {
				q.respondControlError(id, err.Error())
				return
			}
			q.respondControl(id, result)
		}()
	default:
		q.respondControlError(id, fmt.Sprintf("unsupported control request: %s", req.Subtype))
	}
}

func (q *Query) respondControl(id string, result any) {
	payload, err := json.Marshal(result)
	if err != nil {
		q.respondControlError(id, fmt.Sprintf("encode result: %v", err))
		return
	}
	msg := controlResponseMessage{
		Type: MessageTypeControlResponse,
		Response: controlResponseBody{
			Subtype:   "success",
			RequestID: id,
			Response:  payload,
		},
	}
	if err := q.send(msg); err != nil {
		q.logger.Warn("failed to send control response", "request_id", id, "error", err)
	}
}

func (q *Query) respondControlError(id string, errMsg string) {
	msg := controlResponseMessage{
		Type: MessageTypeControlResponse,
		Response: controlResponseBody{
			Subtype:   "error",
			RequestID: id,
			Error:     errMsg,
		},
	}
	if err := q.send(msg); err != nil {
		q.logger.Warn("failed to send control error", "request_id", id, "error", err)
	}
}

func (q *Query) stderrLoop(stderr io.Reader) {
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, lineBufBytes), maxLineBytes)
	for sc.Scan() {
		line := sc.Text()
		if q.opts.OnStderr != nil {
			q.opts.OnStderr(line)
			continue
		}
		q.logger.Debug("cli stderr", "line", line)
	}
}
