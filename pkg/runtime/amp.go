package runtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// defaultBudgetUSD matches the stock per-process budget; Amp only warns
// about budgets it is actually dropping.
const defaultBudgetUSD = 2.0

// Amp launches agents through the Amp CLI. Amp has no model or budget
// flags, so those request fields are ignored with a one-time warning.
type Amp struct {
	warnModel  sync.Once
	warnBudget sync.Once
}

func (*Amp) Name() string         { return "amp" }
func (*Amp) DefaultModel() string { return "sonnet" }

func (*Amp) Capabilities() Capabilities {
	return Capabilities{
		SupportsModel:        false,
		SupportsBudget:       false,
		SupportsAllowedTools: true,
		RequiresMCPConfig:    true,
	}
}

func (a *Amp) CommandPlan(req LaunchRequest) (LaunchSpec, error) {
	servers, err := mcpServers(req.DBPath, req.NodeID)
	if err != nil {
		return LaunchSpec{}, err
	}
	// Amp takes the server map directly, without the mcpServers wrapper.
	mcpPath, err := writeSidecar(req.ConfigDir,
		fmt.Sprintf("mcp-%d.json", req.NodeID), servers)
	if err != nil {
		return LaunchSpec{}, err
	}

	settings := a.baseSettings()
	delete(settings, "amp.tools.disable")
	settings["amp.tools.enable"] = MCPTools
	settingsPath, err := writeSidecar(req.ConfigDir,
		fmt.Sprintf("amp-settings-%d.json", req.NodeID), settings)
	if err != nil {
		return LaunchSpec{}, err
	}

	a.warnOptionGaps(req)

	args := []string{
		"amp",
		"-x", req.Prompt,
		"--mcp-config", mcpPath,
		"--settings-file", settingsPath,
		"--no-color",
	}
	env := append(os.Environ(), "TERM=dumb")
	return LaunchSpec{Args: args, Dir: req.WorkDir, Env: env}, nil
}

func (a *Amp) warnOptionGaps(req LaunchRequest) {
	if req.Model != "" && req.Model != a.DefaultModel() {
		a.warnModel.Do(func() {
			slog.Warn("model override is not mapped to the Amp CLI; ignoring",
				"model", req.Model)
		})
	}
	if req.BudgetUSD > 0 && req.BudgetUSD != defaultBudgetUSD {
		a.warnBudget.Do(func() {
			slog.Warn("budget is not mapped to the Amp CLI; ignoring",
				"budget_usd", req.BudgetUSD)
		})
	}
}

// baseSettings loads the user's Amp settings so existing permissions stay
// intact when the per-agent settings file replaces them.
func (a *Amp) baseSettings() map[string]any {
	path := os.Getenv("AMP_SETTINGS_FILE")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return map[string]any{}
		}
		path = filepath.Join(home, ".config", "amp", "settings.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]any{}
	}
	var settings map[string]any
	if err := json.Unmarshal(data, &settings); err != nil {
		slog.Warn("failed to parse Amp settings file", "path", path, "error", err)
		return map[string]any{}
	}
	return settings
}
