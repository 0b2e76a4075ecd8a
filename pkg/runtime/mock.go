package runtime

import (
	"os"

	"github.com/cordkit/cord/pkg/node"
)

// Mock launches a shell command instead of an agent CLI. The prompt, node
// id, and store path are exported through the environment so test scripts
// can act on them. The default command completes implicitly by printing to
// stdout and exiting zero.
type Mock struct {
	// Argv replaces the default command when set.
	Argv []string
}

func (*Mock) Name() string         { return "mock" }
func (*Mock) DefaultModel() string { return "mock" }

func (*Mock) Capabilities() Capabilities {
	return Capabilities{}
}

func (m *Mock) CommandPlan(req LaunchRequest) (LaunchSpec, error) {
	args := m.Argv
	if len(args) == 0 {
		args = []string{"/bin/sh", "-c", "echo ok"}
	}
	env := append(os.Environ(),
		"CORD_NODE="+node.FormatID(req.NodeID),
		"CORD_PROMPT="+req.Prompt,
		"CORD_DB="+req.DBPath,
	)
	return LaunchSpec{Args: args, Dir: req.WorkDir, Env: env}, nil
}
