// Package node defines the core vocabulary of the coordination tree:
// node kinds, statuses, return contracts, ask targets, and the error
// taxonomy surfaced to tool callers.
package node

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind defines the node kinds in the coordination tree
type Kind string

const (
	// KindGoal is the singleton root node seeded by the driver
	KindGoal Kind = "goal"
	// KindTask is a unit of delegated work executed by one agent
	KindTask Kind = "task"
	// KindSerial is a task whose children run strictly one at a time
	KindSerial Kind = "serial"
	// KindAsk is a question node answered by a human or another agent
	KindAsk Kind = "ask"
)

// IsValid checks if the kind is a known value
func (k Kind) IsValid() bool {
	switch k {
	case KindGoal, KindTask, KindSerial, KindAsk:
		return true
	default:
		return false
	}
}

// CreatableByAgent reports whether an agent may create a node of this kind.
// The goal root is seeded by the driver only.
func (k Kind) CreatableByAgent() bool {
	return k == KindTask || k == KindSerial || k == KindAsk
}

// Status defines the node lifecycle states
type Status string

const (
	// StatusPending means created and waiting on needs / a launch slot
	StatusPending Status = "pending"
	// StatusActive means supervising a live subtree or a running process
	StatusActive Status = "active"
	// StatusPaused means halted by pause(); eligible for resume()
	StatusPaused Status = "paused"
	// StatusComplete means finished with an immutable result
	StatusComplete Status = "complete"
	// StatusCancelled means stopped by stop() or a cancel cascade
	StatusCancelled Status = "cancelled"
	// StatusFailed means the agent or the engine recorded a failure
	StatusFailed Status = "failed"
)

// IsValid checks if the status is a known value
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusActive, StatusPaused,
		StatusComplete, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a terminal state.
// Paused is not terminal: the node remains eligible for resume.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusCancelled || s == StatusFailed
}

// ReturnType declares the shape of a node's result. It is a contract for
// the prompt's output instructions only; payloads are never validated.
type ReturnType string

const (
	ReturnText       ReturnType = "text"
	ReturnBoolean    ReturnType = "boolean"
	ReturnList       ReturnType = "list"
	ReturnStructured ReturnType = "structured"
	ReturnFile       ReturnType = "file"
	ReturnApproval   ReturnType = "approval"
)

// IsValid checks if the return type is a known value
func (r ReturnType) IsValid() bool {
	switch r {
	case ReturnText, ReturnBoolean, ReturnList, ReturnStructured, ReturnFile, ReturnApproval:
		return true
	default:
		return false
	}
}

// AskTarget defines who answers an ask node
type AskTarget string

const (
	// AskHuman routes the question through the driver's human-input channel
	AskHuman AskTarget = "human"
	// AskParent escalates: the ask node is created under the caller's parent
	AskParent AskTarget = "parent"
	// AskChildren creates the ask under the caller, answered by a child agent
	AskChildren AskTarget = "children"
)

// IsValid checks if the ask target is a known value
func (t AskTarget) IsValid() bool {
	return t == AskHuman || t == AskParent || t == AskChildren
}

// Node is a unit of work in the coordination tree.
//
// Result is non-empty only once the node is complete and never changes
// after that. InterimResult holds the phase-1 result a parent recorded
// while its children were still running; it never becomes the Result.
type Node struct {
	ID            int64      `json:"id"`
	Kind          Kind       `json:"kind"`
	ParentID      int64      `json:"parent_id,omitempty"` // 0 for the root
	Ordinal       int        `json:"ordinal"`
	Goal          string     `json:"goal"`
	Prompt        string     `json:"prompt,omitempty"`
	Returns       ReturnType `json:"returns"`
	Status        Status     `json:"status"`
	Result        string     `json:"result,omitempty"`
	InterimResult string     `json:"interim_result,omitempty"`
	Synthesized   bool       `json:"synthesized"`
	AskTarget     AskTarget  `json:"ask_target,omitempty"`
	Needs         []int64    `json:"needs,omitempty"`
	CreatedAt     int64      `json:"created_at"`
	UpdatedAt     int64      `json:"updated_at"`
}

// IsRoot reports whether the node is the goal root.
func (n *Node) IsRoot() bool {
	return n.ParentID == 0
}

// Ref renders the node's wire id ("#N").
func (n *Node) Ref() string {
	return FormatID(n.ID)
}

// Tree is a node with its children attached in ordinal order, as returned
// by Store.Snapshot.
type Tree struct {
	Node
	Children []*Tree `json:"children,omitempty"`
}

// Walk visits the tree depth-first in ordinal order.
func (t *Tree) Walk(visit func(*Tree)) {
	if t == nil {
		return
	}
	visit(t)
	for _, c := range t.Children {
		c.Walk(visit)
	}
}

// Find returns the subtree rooted at id, or nil.
func (t *Tree) Find(id int64) *Tree {
	var found *Tree
	t.Walk(func(n *Tree) {
		if n.ID == id && found == nil {
			found = n
		}
	})
	return found
}

// FormatID renders a node id in the wire form used everywhere an agent or
// a human sees one.
func FormatID(id int64) string {
	return fmt.Sprintf("#%d", id)
}

// ParseID accepts "#N" or a bare integer string.
func ParseID(s string) (int64, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "#")
	id, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid node id %q", ErrNotFound, s)
	}
	return id, nil
}
