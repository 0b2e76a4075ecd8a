package render

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cordkit/cord/pkg/node"
)

func sampleTree() *node.Tree {
	return &node.Tree{
		Node: node.Node{ID: 1, Kind: node.KindGoal, Status: node.StatusActive, Goal: "write the report"},
		Children: []*node.Tree{
			{Node: node.Node{ID: 2, ParentID: 1, Kind: node.KindTask, Status: node.StatusComplete,
				Goal: "gather sources", Result: "found three solid sources\nwith notes"}},
			{Node: node.Node{ID: 3, ParentID: 1, Kind: node.KindTask, Status: node.StatusPending,
				Goal: "draft text", Needs: []int64{2}}},
		},
	}
}

func TestDrawPlain(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, true)

	require.True(t, r.Draw(sampleTree(), []int64{1}))
	out := buf.String()

	assert.NotContains(t, out, "\033", "plain mode must not emit escapes")
	assert.Contains(t, out, "cord run")
	assert.Contains(t, out, "● #1 [active] GOAL write the report")
	assert.Contains(t, out, "✓ #2 [complete] TASK gather sources")
	assert.Contains(t, out, "○ #3 [pending] TASK draft text")
	assert.Contains(t, out, "blocked-by: #2")
	assert.Contains(t, out, "result: found three solid sources with notes")
	assert.Contains(t, out, "running: #1")

	// Children are indented one level below the root.
	var rootIndent, childIndent int
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "#1 [") {
			rootIndent = len(line) - len(strings.TrimLeft(line, " "))
		}
		if strings.Contains(line, "#2 [") {
			childIndent = len(line) - len(strings.TrimLeft(line, " "))
		}
	}
	assert.Equal(t, rootIndent+2, childIndent)
}

func TestDrawColor(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, false)

	require.True(t, r.Draw(sampleTree(), nil))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "\033[2J\033[H"))
	assert.Contains(t, out, "\033[32m✓")
	assert.Contains(t, out, "\033[90m○")
	assert.Contains(t, out, "\033[34m●")
}

func TestDrawSkipsUnchangedFrames(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, true)
	tree := sampleTree()

	require.True(t, r.Draw(tree, nil))
	first := buf.Len()

	assert.False(t, r.Draw(tree, nil))
	assert.Equal(t, first, buf.Len())

	tree.Children[1].Status = node.StatusActive
	assert.True(t, r.Draw(tree, nil))
	assert.Greater(t, buf.Len(), first)
}

func TestDrawNilTree(t *testing.T) {
	var buf bytes.Buffer
	assert.False(t, New(&buf, true).Draw(nil, nil))
	assert.Zero(t, buf.Len())
}

func TestResultPreviewTruncated(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, true)
	tree := &node.Tree{Node: node.Node{ID: 1, Kind: node.KindGoal, Status: node.StatusComplete,
		Goal: "g", Result: strings.Repeat("a", 200)}}

	require.True(t, r.Draw(tree, nil))
	out := buf.String()
	assert.Contains(t, out, strings.Repeat("a", 57)+"...")
	assert.NotContains(t, out, strings.Repeat("a", 61))
}

func TestHumanAskGlyph(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, true)
	tree := &node.Tree{
		Node: node.Node{ID: 1, Kind: node.KindGoal, Status: node.StatusActive, Goal: "g"},
		Children: []*node.Tree{
			{Node: node.Node{ID: 2, ParentID: 1, Kind: node.KindAsk, AskTarget: node.AskHuman,
				Status: node.StatusActive, Goal: "which color?"}},
		},
	}

	require.True(t, r.Draw(tree, nil))
	assert.Contains(t, buf.String(), "? #2 [active] ASK which color?")
}
