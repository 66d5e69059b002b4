// Package protocol defines the wire messages exchanged between the
// Switchboard gateway and its clients (web UI, dashboard, CLI) over
// WebSocket and SSE.
//
// All frames are JSON-encoded and share a common envelope with a "type"
// field that determines the payload structure.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the top-level wire format for all frames.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"` // correlates controls with responses
	SessionID string          `json:"session_id,omitempty"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds a frame, encoding the payload. A payload that fails
// to marshal yields a payload-less frame.
func NewEnvelope(frameType, sessionID string, payload any) Envelope {
	env := Envelope{Type: frameType, SessionID: sessionID, Timestamp: time.Now()}
	if payload != nil {
		if raw, ok := payload.(json.RawMessage); ok {
			env.Payload = raw
		} else if data, err := json.Marshal(payload); err == nil {
			env.Payload = data
		}
	}
	return env
}

// Server → client event frames. These mirror the session event stream.
const (
	TypeMessage           = "message"
	TypeSessionUpdate     = "session_update"
	TypePermissionRequest = "permission_request"
	TypeExit              = "exit"
	TypeActivity          = "activity"
	TypeIdle              = "idle"
	TypeError             = "error"
	TypeStderr            = "stderr"
	TypeState             = "state"
	TypeResult            = "result"
	TypeSDKMessage        = "sdk_message"
	TypeInfo              = "info"
)

// Client → server control frames.
const (
	TypeUserMessage          = "user_message"
	TypeCancel               = "cancel"
	TypeInterrupt            = "interrupt"
	TypePermissionResponse   = "permission_response"
	TypeSetPermissionMode    = "set_permission_mode"
	TypeSetModel             = "set_model"
	TypeSetThinkingTokens    = "set_thinking_tokens"
	TypeRewindFiles          = "rewind_files"
	TypeGetMCPStatus         = "get_mcp_status"
	TypeSetMCPServers        = "set_mcp_servers"
	TypeGetAccountInfo       = "get_account_info"
	TypeGetSupportedModels   = "get_supported_models"
	TypeGetSupportedCommands = "get_supported_commands"
	TypeUpdateConfig         = "update_config"

	// TypeRPC carries a raw JSON-RPC frame to the backend verbatim.
	// Subprocess sessions only.
	TypeRPC = "rpc"

	TypePing = "ping"
	TypePong = "pong"

	// TypeResponse answers a control frame, echoing its id.
	TypeResponse = "response"
)

// --- Control payloads ---

// UserMessage carries one prompt turn.
type UserMessage struct {
	Text string `json:"text"`
}

// PermissionResponse settles a pending permission request. An empty
// OptionID cancels the request.
type PermissionResponse struct {
	ToolCallID string          `json:"tool_call_id"`
	OptionID   string          `json:"option_id,omitempty"`
	Answers    json.RawMessage `json:"answers,omitempty"`
}

// SetPermissionMode switches the live permission mode.
type SetPermissionMode struct {
	Mode string `json:"mode"`
}

// SetModel switches the live model.
type SetModel struct {
	Model string `json:"model"`
}

// SetThinkingTokens adjusts the thinking-token budget.
type SetThinkingTokens struct {
	MaxThinkingTokens int `json:"max_thinking_tokens"`
}

// RewindFiles restores workspace files to an earlier conversation point.
type RewindFiles struct {
	MessageID string `json:"message_id"`
}

// SetMCPServers replaces the MCP server set of a live session.
type SetMCPServers struct {
	Servers map[string]json.RawMessage `json:"servers"`
}

// UpdateConfig applies a partial configuration change to a live session.
// Absent fields are left untouched.
type UpdateConfig struct {
	Model             string `json:"model,omitempty"`
	PermissionMode    string `json:"permission_mode,omitempty"`
	MaxThinkingTokens *int   `json:"max_thinking_tokens,omitempty"`
}

// Response answers a control frame.
type Response struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// --- Event payloads ---

// MessagePayload is the body of TypeMessage frames. Kind discriminates
// which optional fields carry data.
type MessagePayload struct {
	Kind string `json:"kind"`

	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	Index       int    `json:"index,omitempty"`
	DeltaType   string `json:"delta_type,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`

	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`

	StopReason string          `json:"stop_reason,omitempty"`
	Usage      json.RawMessage `json:"usage,omitempty"`

	Content json.RawMessage `json:"content,omitempty"`

	Subtype string          `json:"subtype,omitempty"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// PermissionRequestPayload is the body of TypePermissionRequest frames.
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

// ExitPayload is the body of TypeExit frames. Null fields are explicit on
// the wire.
type ExitPayload struct {
	Code   *int    `json:"code"`
	Signal *string `json:"signal"`
}

// StatePayload is the body of TypeState frames. Restored is set on the
// initial frame when attaching revived the session from its persisted
// snapshot.
type StatePayload struct {
	State    string `json:"state"`
	Restored bool   `json:"restored,omitempty"`
}

// ResultPayload is the body of TypeResult frames.
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

// ErrorPayload is the body of TypeError frames.
type ErrorPayload struct {
	Message string `json:"message"`
}

// StderrPayload is the body of TypeStderr frames.
type StderrPayload struct {
	Line string `json:"line"`
}

// InfoPayload is the body of TypeInfo frames: one capability lookup.
type InfoPayload struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// --- REST resources shared with the dashboard ---

// SessionSummary describes a session as returned by the sessions API.
type SessionSummary struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	State        string    `json:"state"`
	BackendID    string    `json:"backend_id,omitempty"`
	WorkingDir   string    `json:"working_dir,omitempty"`
	WorkspaceID  string    `json:"workspace_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// TranscriptEntry is one persisted transcript message.
type TranscriptEntry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"ts"`
}

// HealthStatus is the /readyz response body.
type HealthStatus struct {
	Status   string            `json:"status"`
	Sessions int               `json:"sessions"`
	Backends map[string]bool   `json:"backends,omitempty"` // binary name → found on PATH
	Details  map[string]string `json:"details,omitempty"`
}
