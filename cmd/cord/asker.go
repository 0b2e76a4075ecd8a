package main

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/huh"

	"github.com/cordkit/cord/pkg/node"
	"github.com/cordkit/cord/pkg/prompt"
)

// formAsker surfaces questions as interactive terminal forms. One form at
// a time; the renderer checks asking and stays off the screen meanwhile.
type formAsker struct {
	mu     sync.Mutex
	asking *atomic.Bool
}

func (a *formAsker) Ask(ctx context.Context, n *node.Node) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.asking.Store(true)
	defer a.asking.Store(false)

	if timeout, ok := prompt.ParseTimeout(n.Prompt); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	options := prompt.ParseOptions(n.Prompt)
	def, _ := prompt.ParseDefault(n.Prompt)

	var answer string
	var field huh.Field
	if len(options) > 0 {
		answer = def
		field = huh.NewSelect[string]().
			Title(n.Goal).
			Description(n.Ref() + " is asking").
			Options(huh.NewOptions(options...)...).
			Value(&answer)
	} else {
		field = huh.NewInput().
			Title(n.Goal).
			Description(n.Ref() + " is asking").
			Placeholder(def).
			Value(&answer)
	}

	if err := huh.NewForm(huh.NewGroup(field)).RunWithContext(ctx); err != nil {
		return "", err
	}
	return answer, nil
}

// defaultAsker resolves questions without a terminal. The empty answer
// makes the engine fall back to the question's declared default, then to
// the no-answer sentinel.
type defaultAsker struct{}

func (defaultAsker) Ask(ctx context.Context, n *node.Node) (string, error) {
	return "", nil
}
