// Package toolserver implements the per-agent MCP server. Each agent
// subprocess spawns its own instance over stdio, bound to one node id; every
// tool call is checked against that identity before it touches the store.
package toolserver

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/cordkit/cord/pkg/store"
	"github.com/cordkit/cord/pkg/version"
)

// Server is one agent's view of the coordination tree.
type Server struct {
	store *store.Store
	agent int64
	mcp   *server.MCPServer
}

// New builds a tool server for the agent bound to agentID.
func New(st *store.Store, agentID int64) *Server {
	s := &Server{store: st, agent: agentID}
	m := server.NewMCPServer(version.AppName, version.GitCommit,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerTools(m)
	s.mcp = m
	return s
}

// MCPServer exposes the underlying server for in-process clients.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// ServeStdio blocks serving the agent's stdio transport until EOF.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools(m *server.MCPServer) {
	m.AddTool(mcp.NewTool("read_tree",
		mcp.WithDescription("Returns the full coordination tree as JSON."),
	), s.handleReadTree)

	m.AddTool(mcp.NewTool("read_node",
		mcp.WithDescription("Returns a single node's details by id (e.g. '#1')."),
		mcp.WithString("id", mcp.Required(),
			mcp.Description("Node id, '#N' or bare integer")),
	), s.handleReadNode)

	m.AddTool(mcp.NewTool("create",
		mcp.WithDescription("Create a child task under your node. The child only sees its own prompt. "+
			"Use needs to make it wait for other nodes (e.g. ['#2', '#3'])."),
		mcp.WithString("goal", mcp.Required(),
			mcp.Description("Short label for the child task")),
		mcp.WithString("prompt",
			mcp.Description("Full instructions the child will receive")),
		mcp.WithString("returns",
			mcp.Description("Result contract the child must honor"),
			mcp.Enum("text", "boolean", "list", "structured", "file", "approval")),
		mcp.WithArray("needs",
			mcp.Description("Node ids the child waits for before starting"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("kind",
			mcp.Description("task runs in parallel, serial runs its children one at a time, ask poses a question"),
			mcp.Enum("task", "serial", "ask")),
	), s.handleCreate)

	m.AddTool(mcp.NewTool("complete",
		mcp.WithDescription("Mark your task done with a result. Call this when your task is finished."),
		mcp.WithString("result",
			mcp.Description("The result matching your declared returns type")),
	), s.handleComplete)

	m.AddTool(mcp.NewTool("stop",
		mcp.WithDescription("Cancel a node in your subtree along with all of its descendants."),
		mcp.WithString("id", mcp.Required(),
			mcp.Description("Node id, '#N' or bare integer")),
	), s.handleStop)

	m.AddTool(mcp.NewTool("pause",
		mcp.WithDescription("Pause an active node in your subtree. The runtime stops its process."),
		mcp.WithString("id", mcp.Required(),
			mcp.Description("Node id, '#N' or bare integer")),
	), s.handlePause)

	m.AddTool(mcp.NewTool("resume",
		mcp.WithDescription("Resume a paused node in your subtree. The scheduler relaunches it once its dependencies allow."),
		mcp.WithString("id", mcp.Required(),
			mcp.Description("Node id, '#N' or bare integer")),
	), s.handleResume)

	m.AddTool(mcp.NewTool("modify",
		mcp.WithDescription("Update the goal and/or prompt of a pending or paused node in your subtree."),
		mcp.WithString("id", mcp.Required(),
			mcp.Description("Node id, '#N' or bare integer")),
		mcp.WithString("goal", mcp.Description("New goal label")),
		mcp.WithString("prompt", mcp.Description("New prompt text")),
	), s.handleModify)

	m.AddTool(mcp.NewTool("ask",
		mcp.WithDescription("Ask a question. target 'human' routes to the operator, 'parent' escalates above you, "+
			"'children' delegates the question to a new child task."),
		mcp.WithString("question", mcp.Required(),
			mcp.Description("The question to ask")),
		mcp.WithString("target", mcp.Required(),
			mcp.Description("Who should answer"),
			mcp.Enum("human", "parent", "children")),
		mcp.WithArray("options",
			mcp.Description("Optional fixed choices"),
			mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("default",
			mcp.Description("Answer assumed when none arrives")),
		mcp.WithNumber("timeout",
			mcp.Description("Seconds to wait before falling back to the default")),
	), s.handleAsk)
}
