package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/switchboard-ai/switchboard/internal/session"
	"github.com/switchboard-ai/switchboard/pkg/protocol"
)

const (
	// wsPingInterval is how often the gateway sends WebSocket ping frames.
	wsPingInterval = 30 * time.Second
	// wsPongWait is the maximum time to wait for a pong from the peer.
	wsPongWait = 60 * time.Second
	// wsWriteWait bounds a single frame write.
	wsWriteWait = 10 * time.Second
	// wsReplayLimit caps how many missed transcript entries are replayed
	// to a reconnecting client.
	wsReplayLimit = 500
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			// Non-browser clients send no Origin header.
			return origin == "" || originSet[origin]
		},
	}
}

// startWSKeepalive sets up WebSocket-level ping/pong on a connection. It sets
// a read deadline, installs a pong handler, and starts a goroutine that sends
// periodic pings. The returned cancel function stops the ping goroutine.
// The provided mutex must be the same one used for all writes to the connection.
func startWSKeepalive(conn *websocket.Conn, mu *sync.Mutex) (cancel func()) {
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
				mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}

// wsConn is one attached client connection. All writes go through writeFrame
// so the event pump and control responses never interleave.
type wsConn struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	limiter *rate.Limiter
	logger  *slog.Logger
}

func (c *wsConn) writeFrame(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// handleSessionWS attaches a WebSocket client to a session. Attaching through
// Connect restores idle sessions from their persisted snapshot first.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, restored, err := s.mgr.Connect(r.Context(), id)
	if err != nil {
		writeError(w, errStatus(err, http.StatusInternalServerError), err.Error())
		return
	}

	upgrader := makeUpgrader(s.allowedOrigins)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session_id", id, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(s.maxFrameBytes)

	c := &wsConn{
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(s.connRate), s.connBurst),
		logger:  s.logger.With("session_id", id),
	}

	cancelKeepalive := startWSKeepalive(conn, &c.mu)
	defer cancelKeepalive()

	c.logger.Info("client attached", "restored", restored)

	sub := sess.Subscribe()
	defer sub.Cancel()

	// Tell the client where the session stands before events flow, and
	// whether attaching revived it from a persisted snapshot.
	_ = c.writeFrame(protocol.NewEnvelope(protocol.TypeState, id,
		protocol.StatePayload{State: string(sess.State()), Restored: restored}))

	// Reconnecting clients pass the last transcript seq they saw; replay
	// what they missed before live events start.
	if v := r.URL.Query().Get("after_seq"); v != "" && s.store != nil {
		if afterSeq, err := strconv.ParseInt(v, 10, 64); err == nil && afterSeq >= 0 {
			s.replayTranscript(r.Context(), c, id, afterSeq)
		}
	}

	// Event pump: session events out to the client. A write failure tears
	// the connection down; the read loop then exits on its own.
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for ev := range sub.Events() {
			env := protocol.Envelope{
				Type:      ev.Type,
				SessionID: ev.SessionID,
				Timestamp: ev.Timestamp,
				Payload:   ev.Payload,
			}
			if err := c.writeFrame(env); err != nil {
				_ = conn.Close()
				return
			}
		}
	}()
	defer func() {
		sub.Cancel()
		<-pumpDone
		c.logger.Info("client detached", "dropped_events", sub.Dropped())
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.logger.Debug("client read error", "error", err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		if !c.limiter.Allow() {
			c.logger.Debug("client frame rate limited")
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.logger.Warn("invalid frame from client", "error", err)
			continue
		}

		s.dispatchControl(r.Context(), c, sess, env)
	}
}

// replayTranscript sends persisted transcript entries newer than afterSeq
// as message frames, oldest first.
func (s *Server) replayTranscript(ctx context.Context, c *wsConn, sessionID string, afterSeq int64) {
	messages, err := s.store.GetMessages(ctx, sessionID, afterSeq, wsReplayLimit)
	if err != nil {
		c.logger.Warn("transcript replay failed", "error", err)
		return
	}
	for _, m := range messages {
		payload, err := json.Marshal(protocol.TranscriptEntry{
			ID:        m.ID,
			SessionID: m.SessionID,
			Seq:       m.Seq,
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.CreatedAt,
		})
		if err != nil {
			continue
		}
		env := protocol.Envelope{
			Type:      protocol.TypeMessage,
			SessionID: sessionID,
			Timestamp: m.CreatedAt,
			Payload:   payload,
		}
		if err := c.writeFrame(env); err != nil {
			return
		}
	}
}

// dispatchControl routes one client control frame to the session. Controls
// with an id are answered with a response frame echoing it.
func (s *Server) dispatchControl(ctx context.Context, c *wsConn, sess session.Session, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePing:
		pong := protocol.NewEnvelope(protocol.TypePong, sess.ID(), nil)
		pong.ID = env.ID
		_ = c.writeFrame(pong)

	case protocol.TypeUserMessage:
		var um protocol.UserMessage
		if err := json.Unmarshal(env.Payload, &um); err != nil || um.Text == "" {
			c.respondError(sess.ID(), env.ID, "invalid user_message payload")
			return
		}
		// SendPrompt blocks for the whole turn; run it off the read loop so
		// cancel and permission_response frames still get through. The
		// outcome reaches the client as result and state events.
		go func() {
			if _, err := sess.SendPrompt(context.WithoutCancel(ctx), um.Text); err != nil {
				if errors.Is(err, session.ErrPromptInFlight) {
					c.respondError(sess.ID(), env.ID, err.Error())
					return
				}
				c.logger.Debug("prompt failed", "error", err)
			}
		}()
		c.respond(sess.ID(), env.ID, nil)

	case protocol.TypeCancel, protocol.TypeInterrupt:
		s.respondTo(c, sess.ID(), env.ID, func() (json.RawMessage, error) {
			return nil, sess.CancelPrompt(ctx)
		})

	case protocol.TypePermissionResponse:
		var pr protocol.PermissionResponse
		if err := json.Unmarshal(env.Payload, &pr); err != nil || pr.ToolCallID == "" {
			c.respondError(sess.ID(), env.ID, "invalid permission_response payload")
			return
		}
		s.respondTo(c, sess.ID(), env.ID, func() (json.RawMessage, error) {
			return nil, sess.RespondPermission(pr.ToolCallID, session.PermissionAnswer{
				OptionID: pr.OptionID,
				Answers:  pr.Answers,
			})
		})

	case protocol.TypeSetPermissionMode:
		setter, ok := sess.(session.ModeSetter)
		if !ok {
			c.respondError(sess.ID(), env.ID, unsupportedControl(env.Type))
			return
		}
		var sp protocol.SetPermissionMode
		if err := json.Unmarshal(env.Payload, &sp); err != nil {
			c.respondError(sess.ID(), env.ID, "invalid set_permission_mode payload")
			return
		}
		s.respondTo(c, sess.ID(), env.ID, func() (json.RawMessage, error) {
			return nil, setter.SetPermissionMode(ctx, sp.Mode)
		})

	case protocol.TypeSetModel:
		setter, ok := sess.(session.ModelSetter)
		if !ok {
			c.respondError(sess.ID(), env.ID, unsupportedControl(env.Type))
			return
		}
		var sm protocol.SetModel
		if err := json.Unmarshal(env.Payload, &sm); err != nil {
			c.respondError(sess.ID(), env.ID, "invalid set_model payload")
			return
		}
		s.respondTo(c, sess.ID(), env.ID, func() (json.RawMessage, error) {
			return nil, setter.SetModel(ctx, sm.Model)
		})

	case protocol.TypeSetThinkingTokens:
		setter, ok := sess.(session.ThinkingSetter)
		if !ok {
			c.respondError(sess.ID(), env.ID, unsupportedControl(env.Type))
			return
		}
		var st protocol.SetThinkingTokens
		if err := json.Unmarshal(env.Payload, &st); err != nil {
			c.respondError(sess.ID(), env.ID, "invalid set_thinking_tokens payload")
			return
		}
		s.respondTo(c, sess.ID(), env.ID, func() (json.RawMessage, error) {
			return nil, setter.SetMaxThinkingTokens(ctx, st.MaxThinkingTokens)
		})

	case protocol.TypeRewindFiles:
		rewinder, ok := sess.(session.FileRewinder)
		if !ok {
			c.respondError(sess.ID(), env.ID, unsupportedControl(env.Type))
			return
		}
		var rf protocol.RewindFiles
		if err := json.Unmarshal(env.Payload, &rf); err != nil || rf.MessageID == "" {
			c.respondError(sess.ID(), env.ID, "invalid rewind_files payload")
			return
		}
		s.respondTo(c, sess.ID(), env.ID, func() (json.RawMessage, error) {
			return rewinder.RewindFiles(ctx, rf.MessageID)
		})

	case protocol.TypeSetMCPServers:
		setter, ok := sess.(session.McpSetter)
		if !ok {
			c.respondError(sess.ID(), env.ID, unsupportedControl(env.Type))
			return
		}
		var sm protocol.SetMCPServers
		if err := json.Unmarshal(env.Payload, &sm); err != nil {
			c.respondError(sess.ID(), env.ID, "invalid set_mcp_servers payload")
			return
		}
		s.respondTo(c, sess.ID(), env.ID, func() (json.RawMessage, error) {
			return setter.SetMcpServers(ctx, sm.Servers)
		})

	case protocol.TypeGetMCPStatus:
		s.respondInfo(ctx, c, sess, env, func(p session.InfoProvider) (json.RawMessage, error) {
			return p.McpServerStatus(ctx)
		})
	case protocol.TypeGetAccountInfo:
		s.respondInfo(ctx, c, sess, env, func(p session.InfoProvider) (json.RawMessage, error) {
			return p.AccountInfo(ctx)
		})
	case protocol.TypeGetSupportedModels:
		s.respondInfo(ctx, c, sess, env, func(p session.InfoProvider) (json.RawMessage, error) {
			return p.SupportedModels(ctx)
		})
	case protocol.TypeGetSupportedCommands:
		s.respondInfo(ctx, c, sess, env, func(p session.InfoProvider) (json.RawMessage, error) {
			return p.SupportedCommands(ctx)
		})

	case protocol.TypeUpdateConfig:
		var uc protocol.UpdateConfig
		if err := json.Unmarshal(env.Payload, &uc); err != nil {
			c.respondError(sess.ID(), env.ID, "invalid update_config payload")
			return
		}
		s.respondTo(c, sess.ID(), env.ID, func() (json.RawMessage, error) {
			return nil, applyConfigUpdate(ctx, sess, uc)
		})

	case protocol.TypeRPC:
		relay, ok := sess.(session.RawRelayer)
		if !ok {
			c.respondError(sess.ID(), env.ID, "raw rpc is not supported for this session kind")
			return
		}
		s.respondTo(c, sess.ID(), env.ID, func() (json.RawMessage, error) {
			return nil, relay.RelayRaw(ctx, env.Payload)
		})

	default:
		c.respondError(sess.ID(), env.ID, unsupportedControl(env.Type))
	}
}

// applyConfigUpdate dispatches the set fields of a partial config change to
// the session's individual setters. The first failure wins.
func applyConfigUpdate(ctx context.Context, sess session.Session, uc protocol.UpdateConfig) error {
	if uc.Model != "" {
		setter, ok := sess.(session.ModelSetter)
		if !ok {
			return errors.New(unsupportedControl(protocol.TypeSetModel))
		}
		if err := setter.SetModel(ctx, uc.Model); err != nil {
			return err
		}
	}
	if uc.PermissionMode != "" {
		setter, ok := sess.(session.ModeSetter)
		if !ok {
			return errors.New(unsupportedControl(protocol.TypeSetPermissionMode))
		}
		if err := setter.SetPermissionMode(ctx, uc.PermissionMode); err != nil {
			return err
		}
	}
	if uc.MaxThinkingTokens != nil {
		setter, ok := sess.(session.ThinkingSetter)
		if !ok {
			return errors.New(unsupportedControl(protocol.TypeSetThinkingTokens))
		}
		if err := setter.SetMaxThinkingTokens(ctx, *uc.MaxThinkingTokens); err != nil {
			return err
		}
	}
	return nil
}

// respondInfo answers a capability lookup control.
func (s *Server) respondInfo(ctx context.Context, c *wsConn, sess session.Session, env protocol.Envelope, lookup func(session.InfoProvider) (json.RawMessage, error)) {
	provider, ok := sess.(session.InfoProvider)
	if !ok {
		c.respondError(sess.ID(), env.ID, unsupportedControl(env.Type))
		return
	}
	s.respondTo(c, sess.ID(), env.ID, func() (json.RawMessage, error) {
		return lookup(provider)
	})
}

// respondTo runs a control operation and answers with its outcome.
func (s *Server) respondTo(c *wsConn, sessionID, frameID string, op func() (json.RawMessage, error)) {
	result, err := op()
	if err != nil {
		c.respondError(sessionID, frameID, err.Error())
		return
	}
	c.respond(sessionID, frameID, result)
}

func (c *wsConn) respond(sessionID, frameID string, result json.RawMessage) {
	env := protocol.NewEnvelope(protocol.TypeResponse, sessionID,
		protocol.Response{OK: true, Result: result})
	env.ID = frameID
	_ = c.writeFrame(env)
}

func (c *wsConn) respondError(sessionID, frameID, message string) {
	env := protocol.NewEnvelope(protocol.TypeResponse, sessionID,
		protocol.Response{OK: false, Error: message})
	env.ID = frameID
	_ = c.writeFrame(env)
}

func unsupportedControl(frameType string) string {
	return "control " + frameType + " is not supported for this session kind"
}
