// Package render draws the node tree as a colored status view.
//
// The output format is one line per node, indented by depth, with a
// status glyph, the node ref, kind, and goal, plus dim detail lines for
// dependencies and result previews. In plain mode all ANSI sequences are
// dropped so the view stays readable in logs and pipes.
package render

import (
	"fmt"
	"hash/fnv"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/cordkit/cord/pkg/node"
)

const (
	reset = "\033[0m"
	bold  = "\033[1m"
	dim   = "\033[2m"
	gray  = "\033[90m"

	clearScreen = "\033[2J\033[H"

	// resultWidth caps the result preview, measured in display cells.
	resultWidth = 60
)

// Renderer writes tree snapshots to w, skipping redraws when nothing
// visible changed.
type Renderer struct {
	w     io.Writer
	plain bool
	last  uint64
}

// New returns a renderer. With plain set, output carries no ANSI escapes
// and the screen is never cleared.
func New(w io.Writer, plain bool) *Renderer {
	return &Renderer{w: w, plain: plain}
}

// Draw renders the tree with the given live agent ids appended as a
// footer. It reports whether anything was written; identical consecutive
// frames are suppressed.
func (r *Renderer) Draw(tree *node.Tree, running []int64) bool {
	if tree == nil {
		return false
	}

	var b strings.Builder
	b.WriteString(r.style(bold) + "cord run" + r.style(reset) + "\n\n")
	r.renderNode(&b, tree, 0)
	b.WriteString("\n")
	if len(running) > 0 {
		b.WriteString(r.style(gray) + "  running: " + strings.Join(refs(running), ", ") + r.style(reset) + "\n")
	}

	frame := b.String()
	h := fnv.New64a()
	io.WriteString(h, frame)
	sum := h.Sum64()
	if sum == r.last {
		return false
	}
	r.last = sum

	if !r.plain {
		frame = clearScreen + frame
	}
	io.WriteString(r.w, frame)
	return true
}

func (r *Renderer) renderNode(b *strings.Builder, t *node.Tree, depth int) {
	prefix := strings.Repeat("  ", depth)
	color, icon := statusStyle(t)

	fmt.Fprintf(b, "  %s%s%s %s%s%s %s[%s]%s %s%s%s %s\n",
		prefix,
		r.style(color), icon,
		r.style(bold), t.Ref(), r.style(reset),
		r.style(color), t.Status, r.style(reset),
		r.style(dim), strings.ToUpper(string(t.Kind)), r.style(reset),
		t.Goal)

	if len(t.Needs) > 0 {
		fmt.Fprintf(b, "  %s  %sblocked-by: %s%s\n",
			prefix, r.style(dim), strings.Join(refs(t.Needs), ", "), r.style(reset))
	}
	if t.Result != "" {
		fmt.Fprintf(b, "  %s  %sresult: %s%s\n",
			prefix, r.style(dim), preview(t.Result), r.style(reset))
	}

	for _, c := range t.Children {
		r.renderNode(b, c, depth+1)
	}
}

func (r *Renderer) style(code string) string {
	if r.plain {
		return ""
	}
	return code
}

// statusStyle picks the color and glyph for a node. An active ask waiting
// on the human renders as a question mark so it stands out from working
// agents.
func statusStyle(t *node.Tree) (color, icon string) {
	if t.Status == node.StatusActive && t.Kind == node.KindAsk && t.AskTarget == node.AskHuman {
		return "\033[36m", "?"
	}
	switch t.Status {
	case node.StatusPending:
		return gray, "○"
	case node.StatusActive:
		return "\033[34m", "●"
	case node.StatusPaused:
		return "\033[36m", "∥"
	case node.StatusComplete:
		return "\033[32m", "✓"
	case node.StatusFailed:
		return "\033[31m", "✗"
	case node.StatusCancelled:
		return "\033[33m", "⊘"
	}
	return reset, "?"
}

func preview(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return runewidth.Truncate(s, resultWidth, "...")
}

func refs(ids []int64) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = node.FormatID(id)
	}
	return out
}
