package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cordkit/cord/pkg/node"
	"github.com/cordkit/cord/pkg/prompt"
	"github.com/cordkit/cord/pkg/store"
)

func (s *Server) handleReadTree(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tree, err := s.store.Snapshot(ctx)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(tree)
}

func (s *Server) handleReadNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, res := nodeArg(req, "id")
	if res != nil {
		return res, nil
	}
	n, err := s.store.Get(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(n)
}

func (s *Server) handleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	goal := strings.TrimSpace(req.GetString("goal", ""))
	if goal == "" {
		return mcp.NewToolResultError("goal is required"), nil
	}

	kind := node.Kind(req.GetString("kind", string(node.KindTask)))
	if !kind.CreatableByAgent() {
		return mcp.NewToolResultError(fmt.Sprintf(
			"invalid kind %q: agents create task, serial, or ask nodes", kind)), nil
	}
	returns := node.ReturnType(req.GetString("returns", string(node.ReturnText)))
	if !returns.IsValid() {
		return mcp.NewToolResultError(fmt.Sprintf("invalid returns %q", returns)), nil
	}

	var needs []int64
	for _, ref := range req.GetStringSlice("needs", nil) {
		id, err := node.ParseID(ref)
		if err != nil {
			return toolError(fmt.Errorf("%w: %q is not a node id", node.ErrInvalidNeeds, ref)), nil
		}
		needs = append(needs, id)
	}

	in := store.CreateChildInput{
		ParentID: s.agent,
		Kind:     kind,
		Goal:     goal,
		Prompt:   req.GetString("prompt", ""),
		Returns:  returns,
		Needs:    needs,
	}
	if kind == node.KindAsk {
		// Questions created through create (rather than ask) go to the human.
		in.AskTarget = node.AskHuman
	}
	n, err := s.store.CreateChild(ctx, in)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]any{"created": n.Ref(), "goal": n.Goal})
}

func (s *Server) handleComplete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	outcome, n, err := s.store.Complete(ctx, s.agent, req.GetString("result", ""))
	if err != nil {
		return toolError(err), nil
	}
	if outcome == store.OutcomeStaged {
		return jsonResult(map[string]any{
			"staged": n.Ref(),
			"note": "result recorded; your children are still listed under you, " +
				"so you will be relaunched to synthesize once they finish",
		})
	}
	return jsonResult(map[string]any{"completed": n.Ref()})
}

func (s *Server) handleStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, res := nodeArg(req, "id")
	if res != nil {
		return res, nil
	}
	if err := s.requireSubtree(ctx, id); err != nil {
		return toolError(err), nil
	}
	if _, err := s.store.CancelSubtree(ctx, id); err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]any{"cancelled": node.FormatID(id)})
}

func (s *Server) handlePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, res := nodeArg(req, "id")
	if res != nil {
		return res, nil
	}
	if err := s.requireSubtree(ctx, id); err != nil {
		return toolError(err), nil
	}
	n, err := s.store.Get(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	if n.Status != node.StatusActive {
		return toolError(fmt.Errorf("%w: %s is %s, not active. Only active nodes can be paused",
			node.ErrInvalidStatus, n.Ref(), n.Status)), nil
	}
	if _, err := s.store.Transition(ctx, id, node.StatusActive, node.StatusPaused); err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]any{"paused": node.FormatID(id)})
}

func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, res := nodeArg(req, "id")
	if res != nil {
		return res, nil
	}
	if err := s.requireSubtree(ctx, id); err != nil {
		return toolError(err), nil
	}
	n, err := s.store.Get(ctx, id)
	if err != nil {
		return toolError(err), nil
	}
	if n.Status != node.StatusPaused {
		return toolError(fmt.Errorf("%w: %s is %s, not paused. Only paused nodes can be resumed",
			node.ErrInvalidStatus, n.Ref(), n.Status)), nil
	}
	if _, err := s.store.Transition(ctx, id, node.StatusPaused, node.StatusPending); err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]any{"resumed": node.FormatID(id)})
}

func (s *Server) handleModify(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, res := nodeArg(req, "id")
	if res != nil {
		return res, nil
	}
	if err := s.requireSubtree(ctx, id); err != nil {
		return toolError(err), nil
	}

	in := store.ModifyInput{ID: id}
	args := req.GetArguments()
	if v, ok := args["goal"].(string); ok {
		in.Goal = &v
	}
	if v, ok := args["prompt"].(string); ok {
		in.Prompt = &v
	}
	if in.Goal == nil && in.Prompt == nil {
		return mcp.NewToolResultError("provide at least one of goal or prompt"), nil
	}
	n, err := s.store.Modify(ctx, in)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]any{"modified": n.Ref(), "goal": n.Goal})
}

func (s *Server) handleAsk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question := strings.TrimSpace(req.GetString("question", ""))
	if question == "" {
		return mcp.NewToolResultError("question is required"), nil
	}
	target := node.AskTarget(req.GetString("target", ""))
	if !target.IsValid() {
		return mcp.NewToolResultError(`target must be "human", "parent", or "children"`), nil
	}

	options := req.GetStringSlice("options", nil)
	def := req.GetString("default", "")
	timeout := time.Duration(req.GetFloat("timeout", 0) * float64(time.Second))

	// Asks live under the caller, except escalation: target parent puts the
	// question beside the caller so the parent agent picks it up. The root
	// has no parent, so its escalations go to the human instead.
	parentID := s.agent
	if target == node.AskParent {
		caller, err := s.store.Get(ctx, s.agent)
		if err != nil {
			return toolError(err), nil
		}
		if caller.IsRoot() {
			target = node.AskHuman
		} else {
			parentID = caller.ParentID
		}
	}

	n, err := s.store.CreateChild(ctx, store.CreateChildInput{
		ParentID:  parentID,
		Kind:      node.KindAsk,
		Goal:      question,
		Prompt:    prompt.AskQuestion(question, options, def, timeout),
		Returns:   node.ReturnText,
		AskTarget: target,
	})
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]any{"created": n.Ref(), "question": question, "target": target})
}

// ── helpers ─────────────────────────────────────────────────────────────────

// requireSubtree gates the subtree tools: the target must exist and be a
// proper descendant of the agent. The agent's own node is excluded; agents
// finish their own work through complete.
func (s *Server) requireSubtree(ctx context.Context, id int64) error {
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	if id == s.agent {
		return fmt.Errorf("%w: %s is your own node. Subtree tools act on your descendants; use complete to finish your own work",
			node.ErrAuthorityDenied, node.FormatID(id))
	}
	ok, err := s.store.IsAncestor(ctx, s.agent, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s is not in your subtree. You can only act on your own descendants. Use ask to escalate to your parent",
			node.ErrAuthorityDenied, node.FormatID(id))
	}
	return nil
}

// nodeArg reads a node id argument, accepting "#N", a bare integer string,
// or a JSON number.
func nodeArg(req mcp.CallToolRequest, key string) (int64, *mcp.CallToolResult) {
	if v := req.GetString(key, ""); v != "" {
		id, err := node.ParseID(v)
		if err != nil {
			return 0, toolError(err)
		}
		return id, nil
	}
	if f := req.GetFloat(key, 0); f > 0 {
		return int64(f), nil
	}
	return 0, mcp.NewToolResultError(fmt.Sprintf("%s is required (a node id like \"#3\")", key))
}

// jsonResult renders v as an indented JSON text result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// toolError renders err as a structured tool error with its stable kind, so
// agents can react to the category without parsing prose.
func toolError(err error) *mcp.CallToolResult {
	payload := map[string]any{"error": map[string]string{
		"kind":    node.ErrorKind(err),
		"message": err.Error(),
	}}
	b, mErr := json.Marshal(payload)
	if mErr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(string(b))
}
