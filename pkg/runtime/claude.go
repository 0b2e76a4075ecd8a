package runtime

import (
	"fmt"
	"strconv"
	"strings"
)

// Claude launches agents through the Claude Code CLI.
type Claude struct{}

func (Claude) Name() string         { return "claude" }
func (Claude) DefaultModel() string { return "sonnet" }

func (Claude) Capabilities() Capabilities {
	return Capabilities{
		SupportsModel:        true,
		SupportsBudget:       true,
		SupportsAllowedTools: true,
		RequiresMCPConfig:    true,
	}
}

func (c Claude) CommandPlan(req LaunchRequest) (LaunchSpec, error) {
	servers, err := mcpServers(req.DBPath, req.NodeID)
	if err != nil {
		return LaunchSpec{}, err
	}
	configPath, err := writeSidecar(req.ConfigDir,
		fmt.Sprintf("mcp-%d.json", req.NodeID),
		map[string]any{"mcpServers": servers})
	if err != nil {
		return LaunchSpec{}, err
	}

	model := req.Model
	if model == "" {
		model = c.DefaultModel()
	}

	args := []string{
		"claude",
		"-p", req.Prompt,
		"--model", model,
		"--mcp-config", configPath,
		"--allowedTools", strings.Join(MCPTools, " "),
		"--dangerously-skip-permissions",
	}
	if req.BudgetUSD > 0 {
		args = append(args, "--max-budget-usd",
			strconv.FormatFloat(req.BudgetUSD, 'f', -1, 64))
	}
	return LaunchSpec{Args: args, Dir: req.WorkDir}, nil
}
