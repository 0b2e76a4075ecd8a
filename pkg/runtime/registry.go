package runtime

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownRuntime indicates a runtime name outside the registry.
var ErrUnknownRuntime = errors.New("unknown runtime")

// DefaultName is the runtime used when configuration names none.
const DefaultName = "claude"

// Names returns the registered runtime names.
func Names() []string {
	return []string{"claude", "amp", "mock"}
}

// New constructs the runtime registered under name.
func New(name string) (Runtime, error) {
	switch name {
	case "claude":
		return Claude{}, nil
	case "amp":
		return &Amp{}, nil
	case "mock":
		return &Mock{}, nil
	default:
		return nil, fmt.Errorf("%w: %q (expected one of: %s)",
			ErrUnknownRuntime, name, strings.Join(Names(), ", "))
	}
}
