package protocol

// KnownAgents defines the built-in agent kinds and their capabilities.
var KnownAgents = map[string]AgentCaps{
	AgentSubprocess: {
		RawRPC:          true,
		Resume:          false,
		ConfigMutations: false,
		Terminals:       true,
		Binaries:        []string{"claude-code-acp", "gemini"},
	},
	AgentSDK: {
		RawRPC:          false,
		Resume:          true,
		ConfigMutations: true,
		Terminals:       false,
		Binaries:        []string{"claude"},
	},
}

// Agent kind constants.
const (
	AgentSubprocess = "subprocess"
	AgentSDK        = "sdk"
)

// AgentCaps declares what one agent kind supports.
type AgentCaps struct {
	// RawRPC allows clients to relay raw JSON-RPC frames to the backend.
	RawRPC bool `json:"raw_rpc"`

	// Resume means idle sessions can be rebuilt from persisted state.
	Resume bool `json:"resume"`

	// ConfigMutations covers live model/permission-mode/thinking changes.
	ConfigMutations bool `json:"config_mutations"`

	// Terminals means the backend may request gateway-managed terminals.
	Terminals bool `json:"terminals"`

	// Binaries are the executables the gateway looks for at startup to
	// report backend availability.
	Binaries []string `json:"binaries,omitempty"`
}
