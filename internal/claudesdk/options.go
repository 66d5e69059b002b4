package claudesdk

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// CanUseToolFunc decides a permission request. The context is cancelled
// when the query closes; implementations should return promptly then.
type CanUseToolFunc func(ctx context.Context, tool string, input json.RawMessage, meta PermissionMeta) (PermissionResult, error)

// Options is the per-query configuration snapshot. The JSON tags match the
// client-facing field names, so a session's stored config block round-trips
// through this struct unchanged.
type Options struct {
	PermissionMode          string                     `json:"permissionMode,omitempty"`
	AllowedTools            []string                   `json:"allowedTools,omitempty"`
	DisallowedTools         []string                   `json:"disallowedTools,omitempty"`
	MaxTurns                int                        `json:"maxTurns,omitempty"`
	MaxBudgetUSD            float64                    `json:"maxBudgetUsd,omitempty"`
	MaxThinkingTokens       int                        `json:"maxThinkingTokens,omitempty"`
	Model                   string                     `json:"model,omitempty"`
	FallbackModel           string                     `json:"fallbackModel,omitempty"`
	McpServers              map[string]json.RawMessage `json:"mcpServers,omitempty"`
	Agents                  map[string]json.RawMessage `json:"agents,omitempty"`
	Sandbox                 json.RawMessage            `json:"sandbox,omitempty"`
	Plugins                 []json.RawMessage          `json:"plugins,omitempty"`
	OutputFormat            json.RawMessage            `json:"outputFormat,omitempty"`
	SystemPrompt            string                     `json:"systemPrompt,omitempty"`
	AdditionalDirectories   []string                   `json:"additionalDirectories,omitempty"`
	Resume                  string                     `json:"resume,omitempty"`
	Continue                bool                       `json:"continue,omitempty"`
	ForkSession             bool                       `json:"forkSession,omitempty"`
	PersistSession          *bool                      `json:"persistSession,omitempty"`
	EnableFileCheckpointing bool                       `json:"enableFileCheckpointing,omitempty"`

	CWD string            `json:"cwd,omitempty"`
	Env map[string]string `json:"env,omitempty"`

	// Runtime wiring, never serialised.
	CanUseTool  CanUseToolFunc    `json:"-"`
	OnStderr    func(line string) `json:"-"`
	InitTimeout time.Duration     `json:"-"`
}

// args translates the options into CLI flags. Fields without a stable flag
// (outputFormat, sandbox, plugins, persistSession, enableFileCheckpointing)
// travel in the initialize control request instead; see initializeBody.
func (o *Options) args() ([]string, error) {
	args := []string{"--input-format", "stream-json", "--output-format", "stream-json", "--verbose"}

	if o.PermissionMode != "" {
		args = append(args, "--permission-mode", o.PermissionMode)
	}
	for _, tool := range o.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	for _, tool := range o.DisallowedTools {
		args = append(args, "--disallowedTools", tool)
	}
	if o.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(o.MaxTurns))
	}
	if o.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(o.MaxBudgetUSD, 'f', -1, 64))
	}
	if o.MaxThinkingTokens > 0 {
		args = append(args, "--max-thinking-tokens", strconv.Itoa(o.MaxThinkingTokens))
	}
	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	if o.FallbackModel != "" {
		args = append(args, "--fallback-model", o.FallbackModel)
	}
	if len(o.McpServers) > 0 {
		cfg, err := json.Marshal(map[string]any{"mcpServers": o.McpServers})
		if err != nil {
			return nil, fmt.Errorf("encode mcp config: %w", err)
		}
		args = append(args, "--mcp-config", string(cfg))
	}
	if len(o.Agents) > 0 {
		cfg, err := json.Marshal(o.Agents)
		if err != nil {
			return nil, fmt.Errorf("encode agents: %w", err)
		}
		args = append(args, "--agents", string(cfg))
	}
	if o.SystemPrompt != "" {
		args = append(args, "--system-prompt", o.SystemPrompt)
	}
	for _, dir := range o.AdditionalDirectories {
		args = append(args, "--add-dir", dir)
	}
	if o.Resume != "" {
		args = append(args, "--resume", o.Resume)
	}
	if o.Continue {
		args = append(args, "--continue")
	}
	if o.ForkSession {
		args = append(args, "--fork-session")
	}
	return args, nil
}

// initializeBody builds the initialize control request carrying the options
// that have no CLI flag.
func (o *Options) initializeBody() controlRequestBody {
	return controlRequestBody{
		Subtype:      SubtypeInitialize,
		OutputFormat: o.OutputFormat,
		Sandbox:      o.Sandbox,
		Plugins:      o.Plugins,
		Persist:      o.PersistSession,
		Checkpoint:   o.EnableFileCheckpointing,
	}
}

// Clone returns a deep copy, so a running query's snapshot is unaffected by
// later configuration mutations.
func (o *Options) Clone() Options {
	out := *o
	out.AllowedTools = append([]string(nil), o.AllowedTools...)
	out.DisallowedTools = append([]string(nil), o.DisallowedTools...)
	out.AdditionalDirectories = append([]string(nil), o.AdditionalDirectories...)
	out.Plugins = append([]json.RawMessage(nil), o.Plugins...)
	if o.McpServers != nil {
		out.McpServers = make(map[string]json.RawMessage, len(o.McpServers))
		for k, v := range o.McpServers {
			out.McpServers[k] = v
		}
	}
	if o.Agents != nil {
		out.Agents = make(map[string]json.RawMessage, len(o.Agents))
		for k, v := range o.Agents {
			out.Agents[k] = v
		}
	}
	if o.Env != nil {
		out.Env = make(map[string]string, len(o.Env))
		for k, v := range o.Env {
			out.Env[k] = v
		}
	}
	if o.PersistSession != nil {
		v := *o.PersistSession
		out.PersistSession = &v
	}
	return out
}
