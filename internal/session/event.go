// Package session implements the gateway's session runtime: the subprocess
// and SDK-backed sessions, the per-session event fan-out, permission
// mediation, and the process-wide session manager.
package session

import (
	"encoding/json"
	"time"
)

// Event types emitted to subscribers.
const (
	EventMessage           = "message"
	EventSessionUpdate     = "session_update"
	EventPermissionRequest = "permission_request"
	EventExit              = "exit"
	EventActivity          = "activity"
	EventIdle              = "idle"
	EventError             = "error"
	EventStderr            = "stderr"
	EventState             = "state"
	EventResult            = "result"
	EventSDKMessage        = "sdk_message"
	EventInfo              = "info"
)

// Event is one entry on a session's subscriber stream.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// Critical events are never dropped under backpressure: permission
	// requests, tool-call traffic, completions, exits, and errors.
	Critical bool `json:"-"`
}

// newEvent builds an event, encoding the payload. Marshal failures produce a
// payload-less event rather than losing the event entirely.
func newEvent(eventType, sessionID string, payload any) Event {
	ev := Event{Type: eventType, SessionID: sessionID, Timestamp: time.Now()}
	if payload != nil {
		if raw, ok := payload.(json.RawMessage); ok {
			ev.Payload = raw
		} else if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	switch eventType {
	case EventPermissionRequest, EventExit, EventError, EventResult, EventState, EventIdle:
		ev.Critical = true
	}
	return ev
}

// MessagePayload is the shape of EventMessage payloads. Kind discriminates
// which of the optional fields carry data.
type MessagePayload struct {
	Kind string `json:"kind"`

	// text, thinking, delta
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// delta
	Index       int    `json:"index,omitempty"`
	DeltaType   string `json:"delta_type,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`

	// tool_call
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`

	// assistant_complete
	StopReason string          `json:"stop_reason,omitempty"`
	Usage      json.RawMessage `json:"usage,omitempty"`

	// user
	Content json.RawMessage `json:"content,omitempty"`

	// system
	Subtype string          `json:"subtype,omitempty"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// Message payload kinds.
const (
	MessageText              = "text"
	MessageThinking          = "thinking"
	MessageDelta             = "delta"
	MessageToolCall          = "tool_call"
	MessageAssistantComplete = "assistant_complete"
	MessageUser              = "user"
	MessageSystem            = "system"
)

// PermissionRequestPayload is the shape of EventPermissionRequest payloads.
type PermissionRequestPayload struct {
	ToolCallID     string             `json:"tool_call_id"`
	ToolName       string             `json:"tool_name,omitempty"`
	Title          string             `json:"title,omitempty"`
	Input          json.RawMessage    `json:"input,omitempty"`
	Options        []PermissionOption `json:"options"`
	BlockedPath    string             `json:"blocked_path,omitempty"`
	DecisionReason json.RawMessage    `json:"decision_reason,omitempty"`
	AgentID        string             `json:"agent_id,omitempty"`
}

// PermissionOption is one choice presented to the client.
type PermissionOption struct {
	OptionID string `json:"option_id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// ExitPayload is the shape of EventExit payloads. Null fields are explicit
// on the wire.
type ExitPayload struct {
	Code   *int    `json:"code"`
	Signal *string `json:"signal"`
}

// ResultPayload is the shape of EventResult payloads.
type ResultPayload struct {
	StopReason        string          `json:"stop_reason"`
	IsError           bool            `json:"is_error,omitempty"`
	NumTurns          int             `json:"num_turns,omitempty"`
	DurationMS        int64           `json:"duration_ms,omitempty"`
	TotalCostUSD      float64         `json:"total_cost_usd,omitempty"`
	Usage             json.RawMessage `json:"usage,omitempty"`
	ModelUsage        json.RawMessage `json:"model_usage,omitempty"`
	PermissionDenials json.RawMessage `json:"permission_denials,omitempty"`
	StructuredOutput  json.RawMessage `json:"structured_output,omitempty"`
}

// StatePayload is the shape of EventState payloads.
type StatePayload struct {
	State State `json:"state"`
}

// StderrPayload is the shape of EventStderr payloads.
type StderrPayload struct {
	Line string `json:"line"`
}

// ErrorPayload is the shape of EventError payloads.
type ErrorPayload struct {
	Message string `json:"message"`
}

// InfoPayload is the shape of EventInfo payloads: one cached capability
// lookup (supported models, account info, MCP status, commands).
type InfoPayload struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value"`
}
