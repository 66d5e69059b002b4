package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/switchboard-ai/switchboard/internal/session"
	"github.com/switchboard-ai/switchboard/pkg/protocol"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	live := s.mgr.List()
	out := make([]protocol.SessionSummary, 0, len(live))
	seen := make(map[string]bool, len(live))
	for _, info := range live {
		out = append(out, summaryFromInfo(info))
		seen[info.ID] = true
	}

	// Idle persisted sessions are listed too; they can be reattached.
	resumable, err := s.mgr.ListResumable(r.Context())
	if err != nil {
		s.logger.Warn("list resumable sessions failed", "error", err)
	}
	for _, row := range resumable {
		if seen[row.ID] {
			continue
		}
		out = append(out, protocol.SessionSummary{
			ID:           row.ID,
			Kind:         row.Kind,
			State:        row.State,
			BackendID:    row.BackendID,
			WorkingDir:   row.WorkingDir,
			WorkspaceID:  row.WorkspaceID,
			CreatedAt:    row.CreatedAt,
			LastActivity: row.LastActivity,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req session.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.mgr.Create(r.Context(), req)
	if err != nil {
		// Creation failures are caller errors unless a sentinel says
		// otherwise. The raw error is safe here: resolve failures wrap
		// the credential id, never the secret.
		writeError(w, errStatus(err, http.StatusBadRequest), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, summaryFromInfo(sess.Info()))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if sess, err := s.mgr.Get(id); err == nil {
		writeJSON(w, http.StatusOK, summaryFromInfo(sess.Info()))
		return
	}
	if s.store != nil {
		row, err := s.store.GetSession(r.Context(), id)
		if err == nil && row != nil {
			writeJSON(w, http.StatusOK, protocol.SessionSummary{
				ID:           row.ID,
				Kind:         row.Kind,
				State:        row.State,
				BackendID:    row.BackendID,
				WorkingDir:   row.WorkingDir,
				WorkspaceID:  row.WorkspaceID,
				CreatedAt:    row.CreatedAt,
				LastActivity: row.LastActivity,
			})
			return
		}
	}
	writeError(w, http.StatusNotFound, "session not found")
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.mgr.Delete(r.Context(), id); err != nil {
		writeError(w, errStatus(err, http.StatusInternalServerError), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleSessionRPC relays a raw JSON-RPC frame to a subprocess backend.
// Requests block until the matching response arrives or the RPC timeout
// expires; notifications are accepted with 202.
func (s *Server) handleSessionRPC(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.mgr.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	relay, ok := sess.(session.RawRelayer)
	if !ok {
		writeError(w, http.StatusBadRequest, "raw rpc is not supported for this session kind")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var frame json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json-rpc frame")
		return
	}

	clientID := rpcFrameID(frame)
	isRequest := len(clientID) > 0

	// Subscribe before relaying so the response cannot slip past.
	var sub *session.Subscription
	if isRequest {
		sub = sess.Subscribe()
		defer sub.Cancel()
	}

	if err := relay.RelayRaw(r.Context(), frame); err != nil {
		writeError(w, errStatus(err, http.StatusBadRequest), err.Error())
		return
	}
	if !isRequest {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.rpcTimeout)
	defer cancel()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				writeError(w, http.StatusGone, "session ended before the response arrived")
				return
			}
			if ev.Type != session.EventSDKMessage {
				continue
			}
			if string(rpcFrameID(ev.Payload)) != string(clientID) {
				continue
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(ev.Payload)
			return
		case <-ctx.Done():
			writeError(w, http.StatusGatewayTimeout, "rpc timed out")
			return
		}
	}
}

// rpcFrameID extracts the id of a JSON-RPC frame, nil for notifications.
func rpcFrameID(frame json.RawMessage) json.RawMessage {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return nil
	}
	return probe.ID
}

// handleSessionEvents streams session events over SSE. Event ids are the
// event timestamps in unix nanoseconds; a Last-Event-ID header replays
// persisted events recorded after that point before going live.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.mgr.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := sess.Subscribe()
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" && s.store != nil {
		s.replayEvents(r.Context(), w, flusher, id, lastID)
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			writeSSE(w, strconv.FormatInt(ev.Timestamp.UnixNano(), 10), ev.Type, ev.Payload)
			flusher.Flush()
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// replayEvents re-sends persisted events newer than the client's last
// seen id.
func (s *Server) replayEvents(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sessionID, lastID string) {
	after, err := strconv.ParseInt(lastID, 10, 64)
	if err != nil {
		return
	}
	rows, err := s.store.ListSessionEvents(ctx, sessionID, 500)
	if err != nil {
		s.logger.Warn("event replay failed", "session_id", sessionID, "error", err)
		return
	}
	// Rows arrive newest first; replay oldest first.
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		ts := row.CreatedAt.UnixNano()
		if ts <= after {
			continue
		}
		writeSSE(w, strconv.FormatInt(ts, 10), row.EventType, row.Payload)
	}
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, id, event string, data []byte) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	_, _ = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", id, event, data)
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "transcript storage is not configured")
		return
	}
	id := chi.URLParam(r, "sessionID")

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	afterSeq := int64(0)
	if v := r.URL.Query().Get("after_seq"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			afterSeq = n
		}
	}

	messages, err := s.store.GetMessages(r.Context(), id, afterSeq, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}
	out := make([]protocol.TranscriptEntry, 0, len(messages))
	for _, m := range messages {
		out = append(out, protocol.TranscriptEntry{
			ID:        m.ID,
			SessionID: m.SessionID,
			Seq:       m.Seq,
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSessionLog(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "event storage is not configured")
		return
	}
	id := chi.URLParam(r, "sessionID")

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	events, err := s.store.ListSessionEvents(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get session log")
		return
	}
	writeJSON(w, http.StatusOK, events)
}
