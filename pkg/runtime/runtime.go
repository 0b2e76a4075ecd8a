// Package runtime adapts agent CLI backends (claude, amp, plus a mock for
// tests) into a uniform launch interface. An adapter turns a launch request
// into the argv, working directory, and environment for one agent
// subprocess, writing whatever sidecar files the backend needs (MCP config,
// settings) before the supervisor spawns it.
package runtime

// MCPTools lists the tool names an agent is allowed to call on its cord
// server. Backends that support tool allowlists receive exactly this set.
var MCPTools = []string{
	"mcp__cord__read_tree",
	"mcp__cord__read_node",
	"mcp__cord__create",
	"mcp__cord__complete",
	"mcp__cord__stop",
	"mcp__cord__pause",
	"mcp__cord__resume",
	"mcp__cord__modify",
	"mcp__cord__ask",
}

// LaunchRequest carries everything an adapter needs to plan one agent
// subprocess.
type LaunchRequest struct {
	// NodeID is the node the subprocess works on; it becomes the tool
	// server's agent identity.
	NodeID int64

	// Prompt is the assembled prompt text, passed as a CLI argument.
	Prompt string

	// DBPath is the store DSN handed to the per-agent tool server.
	DBPath string

	// ConfigDir is where adapters write sidecar files. The supervisor
	// creates it next to the store file.
	ConfigDir string

	// WorkDir is the subprocess working directory.
	WorkDir string

	// Model overrides the backend's default model when supported.
	Model string

	// BudgetUSD is the per-process spend cap when the backend supports one.
	BudgetUSD float64
}

// LaunchSpec is a resolved subprocess plan: argv, working directory, and
// environment (nil means inherit the parent environment).
type LaunchSpec struct {
	Args []string
	Dir  string
	Env  []string
}

// Capabilities reports which launch request fields a backend can honor.
// The supervisor uses it for logging; adapters already degrade gracefully.
type Capabilities struct {
	SupportsModel        bool `json:"supports_model"`
	SupportsBudget       bool `json:"supports_budget"`
	SupportsAllowedTools bool `json:"supports_allowed_tools"`
	RequiresMCPConfig    bool `json:"requires_mcp_config"`
}

// Runtime is an agent CLI backend.
type Runtime interface {
	// Name is the registry key ("claude", "amp", "mock").
	Name() string

	// DefaultModel is the model used when the request leaves Model empty.
	DefaultModel() string

	// Capabilities reports what the backend can honor.
	Capabilities() Capabilities

	// CommandPlan resolves a request into a concrete subprocess plan,
	// writing any sidecar files the backend needs.
	CommandPlan(req LaunchRequest) (LaunchSpec, error)
}
