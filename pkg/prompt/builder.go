// Package prompt assembles the text handed to agent subprocesses: identity,
// goal chain, dependency results, output contract, and tool instructions.
package prompt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cordkit/cord/pkg/node"
	"github.com/cordkit/cord/pkg/store"
)

// Builder assembles prompts from store state. It holds no state of its own;
// every build re-reads the tree so a relaunch always sees current results.
type Builder struct {
	store *store.Store
}

// NewBuilder creates a prompt builder backed by the store.
func NewBuilder(s *store.Store) *Builder {
	return &Builder{store: s}
}

// Agent builds the prompt for a node's initial launch.
func (b *Builder) Agent(ctx context.Context, id int64) (string, error) {
	n, err := b.store.Get(ctx, id)
	if err != nil {
		return "", err
	}

	var parts []string

	parts = append(parts, fmt.Sprintf("You are node %s in a coordination tree.", n.Ref()))
	parts = append(parts, "")

	chain, err := b.store.AncestorChain(ctx, id)
	if err != nil {
		return "", err
	}
	if len(chain) > 1 {
		parts = append(parts, "Goal chain:")
		for i, link := range chain {
			indent := strings.Repeat("  ", i)
			marker := ""
			if link.ID == n.ID {
				marker = " <- your task"
			}
			parts = append(parts, fmt.Sprintf("  %s%s %q%s", indent, link.Ref(), link.Goal, marker))
		}
		parts = append(parts, "")
	}

	parts = append(parts, fmt.Sprintf("Your goal: %s", n.Goal))
	parts = append(parts, "")

	if n.Prompt != "" {
		parts = append(parts, "Your task:")
		parts = append(parts, n.Prompt)
		parts = append(parts, "")
	}

	deps, err := b.completedNeeds(ctx, n)
	if err != nil {
		return "", err
	}
	if len(deps) > 0 {
		parts = append(parts, "Results from completed dependencies:")
		parts = append(parts, "")
		for _, dep := range deps {
			parts = append(parts, fmt.Sprintf("--- %s %q ---", dep.Ref(), dep.Goal))
			parts = append(parts, dep.Result)
			parts = append(parts, "")
		}
	}

	parts = append(parts, outputInstructions(n.Returns))
	parts = append(parts, "")
	parts = append(parts, toolInstructions...)

	return strings.Join(parts, "\n"), nil
}

// Synthesis builds the prompt for a parent's synthesis relaunch: the
// children's results replace the dependency section and the call is framed
// as producing the final output.
func (b *Builder) Synthesis(ctx context.Context, id int64) (string, error) {
	n, err := b.store.Get(ctx, id)
	if err != nil {
		return "", err
	}

	var parts []string

	parts = append(parts, fmt.Sprintf("You are node %s: %q", n.Ref(), n.Goal))
	parts = append(parts, "")
	parts = append(parts, "Your child tasks have completed. Here are their results:")
	parts = append(parts, "")

	children, err := b.store.Children(ctx, id)
	if err != nil {
		return "", err
	}
	for _, child := range children {
		if child.Status != node.StatusComplete || child.Result == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("--- %s %q ---", child.Ref(), child.Goal))
		parts = append(parts, child.Result)
		parts = append(parts, "")
	}

	if n.Prompt != "" {
		parts = append(parts, "Original instructions:")
		parts = append(parts, n.Prompt)
		parts = append(parts, "")
	}

	parts = append(parts, "Synthesize the results from your child tasks into your final output.")
	parts = append(parts, "")
	parts = append(parts, "IMPORTANT: When you are done, you MUST call the `complete` tool with your result.")
	parts = append(parts, "")
	parts = append(parts, outputInstructions(n.Returns))

	return strings.Join(parts, "\n"), nil
}

// completedNeeds returns the node's needs targets that completed with a
// result, in needs order.
func (b *Builder) completedNeeds(ctx context.Context, n *node.Node) ([]*node.Node, error) {
	var deps []*node.Node
	for _, needID := range n.Needs {
		dep, err := b.store.Get(ctx, needID)
		if err != nil {
			return nil, err
		}
		if dep.Status == node.StatusComplete && dep.Result != "" {
			deps = append(deps, dep)
		}
	}
	return deps, nil
}

// toolInstructions is the fixed trailer describing the coordination tools.
var toolInstructions = []string{
	"You have MCP tools available for coordination:",
	"- create(goal, prompt, returns, needs, kind): Create a child task (the child only sees its own prompt)",
	"- complete(result): Mark your task done with a result",
	"- read_tree(): View the full coordination tree",
	"- read_node(id): Read a single node",
	"- stop(id): Cancel a node in your subtree",
	"- pause(id) / resume(id): Suspend and relaunch a node in your subtree",
	"- modify(id, goal, prompt): Rewrite a pending or paused node in your subtree",
	"- ask(question, target, options, default): Ask the human, escalate to your parent, or delegate to a child",
	"",
	"WORKFLOW:",
	"1. Assess whether your goal has independent parts",
	"2. If yes: create children, then call complete()",
	"3. If no: do the work, then call complete()",
	"",
	"needs = child waits for the listed nodes to complete before starting.",
	"kind=serial = children run one at a time in creation order.",
	"",
	"IMPORTANT: When you are done, you MUST call the `complete` tool with your result.",
}

// outputInstructions maps a return contract to its one-line format
// instruction.
func outputInstructions(returns node.ReturnType) string {
	switch returns {
	case node.ReturnList:
		return "Output ONLY a JSON array. No markdown formatting, no explanation."
	case node.ReturnStructured:
		return "Output ONLY valid JSON. No markdown formatting, no explanation."
	case node.ReturnFile:
		return "Write your result to a file and output the file path."
	case node.ReturnBoolean:
		return "Output ONLY 'true' or 'false'. No explanation."
	case node.ReturnApproval:
		return "Output ONLY 'approved' or 'rejected'. No explanation."
	case node.ReturnText:
		return "Output your result as plain text."
	default:
		return fmt.Sprintf("Output your result (expected type: %s).", returns)
	}
}

// AskQuestion renders the prompt text stored on an ask node from its
// question, optional choices, and answer deadline.
func AskQuestion(question string, options []string, defaultAnswer string, timeout time.Duration) string {
	text := question
	if len(options) > 0 {
		text += "\nOptions: " + strings.Join(options, ", ")
	}
	if defaultAnswer != "" {
		text += "\nDefault: " + defaultAnswer
	}
	if timeout > 0 {
		text += "\nTimeout: " + timeout.String()
	}
	return text
}

// ParseDefault extracts the "Default:" line from an ask node's prompt, if
// present. The driver falls back to it when no interactive answer arrives.
func ParseDefault(prompt string) (string, bool) {
	for _, line := range strings.Split(prompt, "\n") {
		if rest, ok := strings.CutPrefix(line, "Default: "); ok {
			return rest, true
		}
	}
	return "", false
}

// ParseOptions extracts the "Options:" choices from an ask node's prompt.
// A nil result means the question is free-form.
func ParseOptions(prompt string) []string {
	for _, line := range strings.Split(prompt, "\n") {
		rest, ok := strings.CutPrefix(line, "Options: ")
		if !ok {
			continue
		}
		parts := strings.Split(rest, ",")
		options := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				options = append(options, p)
			}
		}
		return options
	}
	return nil
}

// ParseTimeout extracts the "Timeout:" deadline from an ask node's prompt.
func ParseTimeout(prompt string) (time.Duration, bool) {
	for _, line := range strings.Split(prompt, "\n") {
		if rest, ok := strings.CutPrefix(line, "Timeout: "); ok {
			d, err := time.ParseDuration(strings.TrimSpace(rest))
			if err == nil && d > 0 {
				return d, true
			}
		}
	}
	return 0, false
}
