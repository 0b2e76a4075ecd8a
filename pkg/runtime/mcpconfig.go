package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cordkit/cord/pkg/node"
)

// mcpServers builds the MCP server block that points an agent back at its
// own tool server: the cord binary re-invoked in toolserver mode, bound to
// the store and to this node's identity.
func mcpServers(dbPath string, nodeID int64) (map[string]any, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cord binary path: %w", err)
	}
	return map[string]any{
		"cord": map[string]any{
			"command": exe,
			"args": []string{
				"toolserver",
				"--db", dbPath,
				"--agent", node.FormatID(nodeID),
			},
		},
	}, nil
}

// writeSidecar writes a JSON payload under the config dir and returns its
// path.
func writeSidecar(configDir, name string, payload any) (string, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", name, err)
	}
	path := filepath.Join(configDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	return path, nil
}
