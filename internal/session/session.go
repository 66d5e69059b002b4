package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Kind identifies the backend driving a session.
type Kind string

const (
	KindSubprocess Kind = "subprocess"
	KindSDK        Kind = "sdk"
)

// State is a session's lifecycle phase.
type State string

const (
	StateInitialising State = "initialising"
	StateReady        State = "ready"
	StateProcessing   State = "processing"
	StateIdle         State = "idle"
	StateTerminating  State = "terminating"
	StateTerminated   State = "terminated"
)

var (
	// ErrPromptInFlight is returned when a prompt arrives while another is
	// still processing. One prompt at a time per session.
	ErrPromptInFlight = errors.New("a prompt is already being processed")

	// ErrSessionTerminated is returned for operations on a session that has
	// shut down.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrNoActiveQuery is returned by SDK capability lookups before the
	// first prompt, when nothing is cached yet.
	ErrNoActiveQuery = errors.New("no active query — send a prompt first")
)

// Default runtime knobs.
const (
	DefaultIdleTimeout = 10 * time.Minute
	DefaultKillGrace   = 5 * time.Second
)

// Info is a session's externally visible summary.
type Info struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	State        State     `json:"state"`
	BackendID    string    `json:"backend_id,omitempty"`
	WorkingDir   string    `json:"working_dir,omitempty"`
	WorkspaceID  string    `json:"workspace_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// PromptResult is the terminal outcome of one prompt turn.
type PromptResult struct {
	StopReason string          `json:"stop_reason"`
	Usage      json.RawMessage `json:"usage,omitempty"`
}

// Prompt turn stop reasons shared by both backends.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonCancelled = "cancelled"
	StopReasonError     = "error"
)

// Session is the behaviour common to both backends. Backend-specific
// capabilities are exposed through the optional interfaces below.
type Session interface {
	ID() string
	Kind() Kind
	State() State
	Info() Info

	// SendPrompt submits one prompt turn and blocks until it completes,
	// is cancelled, or fails. A second concurrent call returns
	// ErrPromptInFlight.
	SendPrompt(ctx context.Context, text string) (*PromptResult, error)

	// CancelPrompt interrupts the in-flight prompt, if any. Open
	// permission requests belonging to the turn are resolved as cancelled.
	CancelPrompt(ctx context.Context) error

	// RespondPermission settles a pending permission request.
	RespondPermission(toolCallID string, answer PermissionAnswer) error

	// Subscribe attaches a new event stream.
	Subscribe() *Subscription

	// Terminate shuts the session down. Idempotent.
	Terminate(ctx context.Context) error

	// Done is closed once the session has fully terminated.
	Done() <-chan struct{}
}

// RawRelayer is implemented by sessions that accept raw JSON-RPC traffic
// from advanced clients and forward it to the backend verbatim.
type RawRelayer interface {
	RelayRaw(ctx context.Context, payload json.RawMessage) error
}

// ModeSetter adjusts the permission mode of a live session.
type ModeSetter interface {
	SetPermissionMode(ctx context.Context, mode string) error
}

// ModelSetter switches the model of a live session.
type ModelSetter interface {
	SetModel(ctx context.Context, model string) error
}

// ThinkingSetter adjusts the thinking-token budget of a live session.
type ThinkingSetter interface {
	SetMaxThinkingTokens(ctx context.Context, tokens int) error
}

// McpSetter replaces the MCP server set of a live session.
type McpSetter interface {
	SetMcpServers(ctx context.Context, servers map[string]json.RawMessage) (json.RawMessage, error)
}

// FileRewinder restores workspace files to an earlier conversation point.
type FileRewinder interface {
	RewindFiles(ctx context.Context, messageID string) (json.RawMessage, error)
}

// InfoProvider answers capability lookups. Results are served live when a
// query is active and from cache otherwise; with neither, ErrNoActiveQuery.
type InfoProvider interface {
	SupportedModels(ctx context.Context) (json.RawMessage, error)
	SupportedCommands(ctx context.Context) (json.RawMessage, error)
	AccountInfo(ctx context.Context) (json.RawMessage, error)
	McpServerStatus(ctx context.Context) (json.RawMessage, error)
}

// Recorder is the narrow persistence surface the session runtime writes
// through. Implementations absorb and log storage failures; a session never
// stalls on the database.
type Recorder interface {
	RecordState(sessionID string, state State)
	RecordBackendID(sessionID, backendID string)
	RecordResumable(sessionID string, resumable bool)
	RecordConfig(sessionID string, config json.RawMessage)
	RecordEvent(sessionID, eventType string, payload json.RawMessage)
	RecordTranscript(sessionID, role, content string)
	Touch(sessionID string)
}

// nopRecorder is used when no store is wired, mainly in tests.
type nopRecorder struct{}

func (nopRecorder) RecordState(string, State)               {}
func (nopRecorder) RecordBackendID(string, string)          {}
func (nopRecorder) RecordResumable(string, bool)            {}
func (nopRecorder) RecordConfig(string, json.RawMessage)    {}
func (nopRecorder) RecordEvent(string, string, json.RawMessage) {}
func (nopRecorder) RecordTranscript(string, string, string) {}
func (nopRecorder) Touch(string)                            {}
