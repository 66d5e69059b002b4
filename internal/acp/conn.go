package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Reserved request ids for the initialisation handshake. Ids minted for
// regular outbound requests start above this range.
const (
	InitializeRequestID = 1
	NewSessionRequestID = 2

	firstOutboundID = 10
)

const (
	// DefaultCallTimeout bounds every outbound request.
	DefaultCallTimeout = 5 * time.Minute

	// DefaultMaxMessageBytes caps a single encoded outbound message.
	DefaultMaxMessageBytes = 256 * 1024

	minReadBuffer = 64 * 1024
	maxReadBuffer = 1024 * 1024
)

var (
	ErrRequestTimeout = errors.New("request timeout")
	ErrConnClosed     = errors.New("connection closed")
)

// Options configures a Conn.
type Options struct {
	// CallTimeout bounds each outbound request. Zero means DefaultCallTimeout.
	CallTimeout time.Duration
	// MaxMessageBytes caps each encoded outbound message. Zero means
	// DefaultMaxMessageBytes.
	MaxMessageBytes int
	Logger          *slog.Logger
	Hooks           Hooks
}

// Hooks let the owner observe protocol anomalies without coupling the conn
// to session bookkeeping. Both are optional.
type Hooks struct {
	// OnOrphanResponse fires for a response whose id matches no pending
	// request. The message is dropped after the hook returns.
	OnOrphanResponse func(m *Message)
	// OnProtocolError fires for segments that fail to decode.
	OnProtocolError func(err error, line []byte)
}

type callResult struct {
	msg *Message
	err error
}

type pendingCall struct {
	ch    chan callResult
	timer *time.Timer
}

// Conn correlates JSON-RPC traffic over a stdio pair. Writes are serialised
// by a mutex so the bytes of distinct messages never interleave. Incoming
// requests and notifications are delivered, in arrival order, on the
// Incoming channel; responses resolve their pending calls.
type Conn struct {
	w        io.Writer
	writeMu  sync.Mutex
	timeout  time.Duration
	maxBytes int
	logger   *slog.Logger
	hooks    Hooks

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingCall
	closed  bool
	cause   error

	incoming chan *Message
	readDone chan struct{}
}

// NewConn wraps a stdio pair and starts the read loop.
func NewConn(w io.Writer, r io.Reader, opts Options) *Conn {
	if opts.CallTimeout == 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.MaxMessageBytes == 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Conn{
		w:        w,
		timeout:  opts.CallTimeout,
		maxBytes: opts.MaxMessageBytes,
		logger:   opts.Logger.With("component", "acp"),
		hooks:    opts.Hooks,
		pending:  make(map[int64]*pendingCall),
		incoming: make(chan *Message, 32),
		readDone: make(chan struct{}),
	}
	c.nextID.Store(firstOutboundID - 1)
	go c.readLoop(r)
	return c
}

// Incoming yields agent-originated requests and notifications in arrival
// order. The channel is closed when the agent side of the pipe closes.
func (c *Conn) Incoming() <-chan *Message {
	return c.incoming
}

// Call sends a request with a freshly minted id and waits for the paired
// response, the per-request timeout, or cancellation.
func (c *Conn) Call(ctx context.Context, method string, params any) (*Message, error) {
	return c.call(ctx, c.nextID.Add(1), method, params)
}

// CallReserved sends a request with one of the reserved handshake ids.
func (c *Conn) CallReserved(ctx context.Context, id int64, method string, params any) (*Message, error) {
	return c.call(ctx, id, method, params)
}

func (c *Conn) call(ctx context.Context, id int64, method string, params any) (*Message, error) {
	msg, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	p := &pendingCall{ch: make(chan callResult, 1)}
	c.mu.Lock()
	if c.closed {
		cause := c.cause
		c.mu.Unlock()
		return nil, cause
	}
	p.timer = time.AfterFunc(c.timeout, func() {
		c.complete(id, callResult{err: ErrRequestTimeout})
	})
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.write(msg); err != nil {
		c.abandon(id)
		return nil, err
	}

	select {
	case res := <-p.ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return res.msg, res.msg.Error
		}
		return res.msg, nil
	case <-ctx.Done():
		c.abandon(id)
		return nil, ctx.Err()
	}
}

// Notify sends a notification. It does not wait for anything.
func (c *Conn) Notify(method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.write(msg)
}

// Respond replies to an agent-originated request, echoing its id.
func (c *Conn) Respond(id json.RawMessage, result any) error {
	msg, err := NewResponse(id, result)
	if err != nil {
		return err
	}
	return c.write(msg)
}

// RespondError replies to an agent-originated request with a wire error.
func (c *Conn) RespondError(id json.RawMessage, code int, errMsg string) error {
	return c.write(NewErrorResponse(id, code, errMsg))
}

// CloseWith fails every pending call with the given cause and marks the
// conn closed. Idempotent; the first cause wins. The underlying pipes are
// owned by the caller and are not touched.
func (c *Conn) CloseWith(cause error) {
	if cause == nil {
		cause = ErrConnClosed
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cause = cause
	drained := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	for _, p := range drained {
		p.timer.Stop()
		p.ch <- callResult{err: cause}
	}
}

// Err returns the close cause, or nil while the conn is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// complete resolves a pending call exactly once. Reports whether the id was
// still pending.
func (c *Conn) complete(id int64, res callResult) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		p.timer.Stop()
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.ch <- res
	return true
}

// abandon removes a pending call without resolving it.
func (c *Conn) abandon(id int64) {
	c.mu.Lock()
	if p, ok := c.pending[id]; ok {
		delete(c.pending, id)
		p.timer.Stop()
	}
	c.mu.Unlock()
}

func (c *Conn) write(m *Message) error {
	data, err := Encode(m, c.maxBytes)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		cause := c.cause
		c.mu.Unlock()
		return cause
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *Conn) readLoop(r io.Reader) {
	defer close(c.readDone)
	defer close(c.incoming)

	sc := bufio.NewScanner(r)
	bufMax := c.maxBytes
	if bufMax < maxReadBuffer {
		bufMax = maxReadBuffer
	}
	sc.Buffer(make([]byte, minReadBuffer), bufMax)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := Decode(line)
		if err != nil {
			c.logger.Warn("dropping undecodable line", "error", err)
			if c.hooks.OnProtocolError != nil {
				c.hooks.OnProtocolError(err, append([]byte(nil), line...))
			}
			continue
		}

		switch msg.Kind() {
		case KindResponse:
			id, ok := msg.IntID()
			if !ok || !c.complete(id, callResult{msg: msg}) {
				c.logger.Warn("dropping response with unknown id", "id", string(msg.ID))
				if c.hooks.OnOrphanResponse != nil {
					c.hooks.OnOrphanResponse(msg)
				}
			}
		case KindRequest, KindNotification:
			c.incoming <- msg
		default:
			c.logger.Warn("dropping structurally invalid message")
			if c.hooks.OnProtocolError != nil {
				c.hooks.OnProtocolError(ErrNotJSONRPC, append([]byte(nil), line...))
			}
		}
	}

	if err := sc.Err(); err != nil {
		c.logger.Warn("read loop ended", "error", err)
	}
}
