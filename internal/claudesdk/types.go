// Package claudesdk drives the Claude Code CLI over its bidirectional
// stream-json protocol: newline-delimited JSON messages on stdout, user
// messages and control traffic on stdin. One Query is one prompt turn; the
// conversation is carried across turns with resume ids.
package claudesdk

import "encoding/json"

// Message types on the stream.
const (
	MessageTypeSystem          = "system"
	MessageTypeAssistant       = "assistant"
	MessageTypeUser            = "user"
	MessageTypeResult          = "result"
	MessageTypeStreamEvent     = "stream_event"
	MessageTypeControlRequest  = "control_request"
	MessageTypeControlResponse = "control_response"
)

// System message subtypes.
const (
	SystemSubtypeInit            = "init"
	SystemSubtypeStatus          = "status"
	SystemSubtypeCompactBoundary = "compact_boundary"
)

// Control request subtypes the CLI sends to us.
const (
	SubtypeCanUseTool   = "can_use_tool"
	SubtypeHookCallback = "hook_callback"
)

// Control request subtypes we send to the CLI.
const (
	SubtypeInitialize           = "initialize"
	SubtypeInterrupt            = "interrupt"
	SubtypeSetPermissionMode    = "set_permission_mode"
	SubtypeSetModel             = "set_model"
	SubtypeSetMaxThinkingTokens = "set_max_thinking_tokens"
	SubtypeSetMcpServers        = "set_mcp_servers"
	SubtypeRewindFiles          = "rewind_files"
	SubtypeSupportedModels      = "supported_models"
	SubtypeSupportedCommands    = "supported_commands"
	SubtypeAccountInfo          = "account_info"
	SubtypeMcpServerStatus      = "mcp_server_status"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Message is one line of the CLI's stdout stream. Type selects which fields
// carry data; Raw always holds the full line for verbatim forwarding.
type Message struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	UUID      string `json:"uuid,omitempty"`

	// assistant and user messages
	Message         json.RawMessage `json:"message,omitempty"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`

	// stream_event messages wrap one API streaming event
	Event json.RawMessage `json:"event,omitempty"`

	// system:init fields
	Model string   `json:"model,omitempty"`
	CWD   string   `json:"cwd,omitempty"`
	Tools []string `json:"tools,omitempty"`

	// result fields
	Result            json.RawMessage `json:"result,omitempty"`
	IsError           bool            `json:"is_error,omitempty"`
	NumTurns          int             `json:"num_turns,omitempty"`
	DurationMS        int64           `json:"duration_ms,omitempty"`
	DurationAPIMS     int64           `json:"duration_api_ms,omitempty"`
	TotalCostUSD      float64         `json:"total_cost_usd,omitempty"`
	Usage             json.RawMessage `json:"usage,omitempty"`
	ModelUsage        json.RawMessage `json:"modelUsage,omitempty"`
	PermissionDenials json.RawMessage `json:"permission_denials,omitempty"`
	StructuredOutput  json.RawMessage `json:"structured_output,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// MessageBody is the inner API message of assistant and user messages.
type MessageBody struct {
	Role       string          `json:"role"`
	Model      string          `json:"model,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	Usage      json.RawMessage `json:"usage,omitempty"`
}

// Body parses the inner message of an assistant or user message.
func (m *Message) Body() (*MessageBody, error) {
	var b MessageBody
	if err := json.Unmarshal(m.Message, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// ContentBlocks parses the body content as a block list. User messages may
// instead carry a bare string; callers get an empty list for those.
func (b *MessageBody) ContentBlocks() []ContentBlock {
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// ContentText returns the body content when it is a bare string.
func (b *MessageBody) ContentText() string {
	var s string
	if err := json.Unmarshal(b.Content, &s); err != nil {
		return ""
	}
	return s
}

// ContentBlock is one element of an assistant content array.
type ContentBlock struct {
	Type string `json:"type"`

	// text blocks
	Text string `json:"text,omitempty"`

	// thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// tool_use blocks
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result blocks
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// StreamEvent is the API event inside a stream_event message.
type StreamEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index,omitempty"`
	ContentBlock json.RawMessage `json:"content_block,omitempty"`
	Delta        *Delta          `json:"delta,omitempty"`
}

// Delta carries the incremental payload of a content_block_delta event.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
}

// StreamEvent parses the wrapped API event of a stream_event message.
func (m *Message) StreamEvent() (*StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(m.Event, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// controlRequest is the envelope for control traffic we send to the CLI.
type controlRequest struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Request   controlRequestBody `json:"request"`
}

type controlRequestBody struct {
	Subtype string `json:"subtype"`

	// initialize
	Hooks        json.RawMessage   `json:"hooks,omitempty"`
	OutputFormat json.RawMessage   `json:"outputFormat,omitempty"`
	Sandbox      json.RawMessage   `json:"sandbox,omitempty"`
	Plugins      []json.RawMessage `json:"plugins,omitempty"`
	Persist      *bool             `json:"persistSession,omitempty"`
	Checkpoint   bool              `json:"enableFileCheckpointing,omitempty"`

	// set_permission_mode
	Mode string `json:"mode,omitempty"`

	// set_model
	Model string `json:"model,omitempty"`

	// set_max_thinking_tokens
	MaxThinkingTokens int `json:"max_thinking_tokens,omitempty"`

	// set_mcp_servers
	McpServers json.RawMessage `json:"mcp_servers,omitempty"`

	// rewind_files
	MessageID string `json:"message_id,omitempty"`
}

// incomingControlRequest is a control request originated by the CLI, most
// importantly can_use_tool.
type incomingControlRequest struct {
	Subtype string `json:"subtype"`

	ToolName       string            `json:"tool_name,omitempty"`
	Input          json.RawMessage   `json:"input,omitempty"`
	ToolUseID      string            `json:"tool_use_id,omitempty"`
	Suggestions    []json.RawMessage `json:"permission_suggestions,omitempty"`
	BlockedPath    string            `json:"blocked_path,omitempty"`
	DecisionReason json.RawMessage   `json:"decision_reason,omitempty"`
	AgentID        string            `json:"agent_id,omitempty"`
}

// controlResponseMessage is the envelope for control responses in either
// direction. The request id lives inside the response object.
type controlResponseMessage struct {
	Type     string              `json:"type"`
	Response controlResponseBody `json:"response"`
}

type controlResponseBody struct {
	Subtype   string          `json:"subtype"` // success or error
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// PermissionMeta is the context the CLI attaches to a can_use_tool request.
// Suggestions are kept raw; an accepted suggestion is echoed back verbatim
// as an updated permission.
type PermissionMeta struct {
	ToolUseID      string
	Suggestions    []json.RawMessage
	BlockedPath    string
	DecisionReason json.RawMessage
	AgentID        string
}

// PermissionResult is the decision returned for a can_use_tool request.
type PermissionResult struct {
	Behavior           string            `json:"behavior"`
	ToolUseID          string            `json:"toolUseID,omitempty"`
	UpdatedInput       json.RawMessage   `json:"updatedInput,omitempty"`
	UpdatedPermissions []json.RawMessage `json:"updatedPermissions,omitempty"`
	Message            string            `json:"message,omitempty"`
	Interrupt          bool              `json:"interrupt,omitempty"`
}
