// Package engine runs the coordination loop: it drains subprocess exits,
// reconciles signals, triggers parent synthesis, launches ready nodes, and
// decides when the run is finished or wedged.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cordkit/cord/pkg/events"
	"github.com/cordkit/cord/pkg/node"
	"github.com/cordkit/cord/pkg/proc"
	"github.com/cordkit/cord/pkg/prompt"
	"github.com/cordkit/cord/pkg/store"
)

// Asker answers human ask nodes. Implementations may block until the human
// responds; the engine calls it from its own goroutine per ask.
type Asker interface {
	Ask(ctx context.Context, n *node.Node) (string, error)
}

// noAnswer is the sentinel result for an ask nobody answered.
const noAnswer = "(no answer)"

// Options configures an Engine.
type Options struct {
	// Supervisor launches and tracks agent subprocesses. Required.
	Supervisor *proc.Supervisor

	// Bus receives run events. Optional; nil events are dropped.
	Bus *events.Bus

	// Asker answers human asks. Nil leaves human asks active until
	// something else (the inspection API) completes them.
	Asker Asker

	// PollInterval is the inter-tick sleep.
	PollInterval time.Duration

	// StdoutLimit caps how many bytes of stdout become an implicit result.
	StdoutLimit int
}

// Outcome summarizes a finished run.
type Outcome struct {
	// RootStatus is the root's terminal (or last observed) status.
	RootStatus node.Status

	// Result is the root's result when it completed.
	Result string

	// Stuck lists non-terminal nodes that can never run, when the engine
	// stopped because the run wedged.
	Stuck []int64
}

// Engine drives one coordination run to termination.
type Engine struct {
	store   *store.Store
	sup     *proc.Supervisor
	prompts *prompt.Builder
	bus     *events.Bus
	asker   Asker
	poll    time.Duration
	outCap  int
	tracer  trace.Tracer

	mu    sync.Mutex
	spans map[int64]trace.Span

	askWG sync.WaitGroup
}

// New creates an engine over the store.
func New(st *store.Store, opts Options) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.StdoutLimit <= 0 {
		opts.StdoutLimit = 500
	}
	return &Engine{
		store:   st,
		sup:     opts.Supervisor,
		prompts: prompt.NewBuilder(st),
		bus:     opts.Bus,
		asker:   opts.Asker,
		poll:    opts.PollInterval,
		outCap:  opts.StdoutLimit,
		tracer:  otel.Tracer("cord/engine"),
		spans:   make(map[int64]trace.Span),
	}
}

// Run drives the loop until every node is terminal, the run wedges, or ctx
// is cancelled. Cancellation cancels all non-terminal nodes, terminates
// their processes, and preserves the store.
func (e *Engine) Run(ctx context.Context) (*Outcome, error) {
	if err := e.recoverOrphans(ctx); err != nil {
		return nil, err
	}

	for {
		res, err := e.tick(ctx)
		if err != nil {
			e.stopProcesses()
			return nil, err
		}
		if res.done || len(res.stuck) > 0 {
			if len(res.stuck) > 0 {
				slog.Error("Run is stuck, nothing can make progress",
					"stuck", refs(res.stuck))
			}
			e.stopProcesses()
			e.askWG.Wait()
			return e.finish(res.stuck)
		}

		select {
		case <-ctx.Done():
			e.cancelRun()
			out, ferr := e.finish(nil)
			if ferr != nil {
				return nil, ferr
			}
			return out, ctx.Err()
		case ev, ok := <-e.sup.Exits():
			// An exit wakes the loop early; the next tick drains the rest.
			if ok {
				e.handleExit(ctx, ev)
			}
		case <-time.After(e.poll):
		}
	}
}

type tickResult struct {
	launched  int
	ready     int
	synthesis int
	done      bool
	stuck     []int64
}

// tick runs one scheduler pass.
func (e *Engine) tick(ctx context.Context) (tickResult, error) {
	var res tickResult

	e.drainExits(ctx)

	if err := e.reconcileSignals(ctx); err != nil {
		return res, err
	}

	fired, err := e.synthesisScan(ctx)
	if err != nil {
		return res, err
	}
	res.synthesis = fired

	launched, ready, err := e.launchReady(ctx)
	if err != nil {
		return res, err
	}
	res.launched = launched
	res.ready = ready

	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return res, err
	}
	e.sweepSpans(snap)

	var open, waiting []int64
	humanAsks := 0
	snap.Walk(func(t *node.Tree) {
		switch t.Status {
		case node.StatusPending, node.StatusPaused:
			waiting = append(waiting, t.ID)
			open = append(open, t.ID)
		case node.StatusActive:
			open = append(open, t.ID)
			if t.Kind == node.KindAsk && t.AskTarget == node.AskHuman {
				humanAsks++
			}
		}
	})

	if len(open) == 0 {
		res.done = true
		return res, nil
	}

	// Wedge detection: nothing is running, nothing became ready or
	// advanced this tick, nobody is being asked, yet unfinished nodes
	// remain. Their needs can never complete, so waiting is pointless.
	if res.launched == 0 && res.ready == 0 && res.synthesis == 0 &&
		e.sup.Count() == 0 && humanAsks == 0 && len(waiting) > 0 {
		res.stuck = waiting
	}
	return res, nil
}

// drainExits reaps every exit the supervisor has queued.
func (e *Engine) drainExits(ctx context.Context) {
	for {
		select {
		case ev, ok := <-e.sup.Exits():
			if !ok {
				return
			}
			e.handleExit(ctx, ev)
		default:
			return
		}
	}
}

// handleExit decides what a subprocess exit means for its node.
//
// Order matters: a status the tools already settled wins; a parent whose
// children are still attached stays active for its synthesis phase; a clean
// exit with output completes implicitly; everything else failed.
func (e *Engine) handleExit(ctx context.Context, ev proc.ExitEvent) {
	e.publish(events.Event{Type: events.TypeAgentExited, NodeID: ev.NodeID,
		Detail: fmt.Sprintf("exit %d", ev.ExitCode)})

	n, err := e.store.Get(ctx, ev.NodeID)
	if err != nil {
		slog.Error("Reap failed, node vanished", "node", node.FormatID(ev.NodeID), "error", err)
		return
	}

	switch n.Status {
	case node.StatusComplete:
		e.endSpan(n.ID, n.Status)
		return
	case node.StatusCancelled, node.StatusPaused:
		slog.Debug("Agent exit honored prior state",
			"node", n.Ref(), "status", n.Status)
		e.endSpan(n.ID, n.Status)
		return
	}

	stdout := strings.TrimSpace(ev.Stdout)

	children, err := e.store.Children(ctx, n.ID)
	if err != nil {
		slog.Error("Reap failed to list children", "node", n.Ref(), "error", err)
		return
	}
	if len(children) > 0 && !n.Synthesized {
		// Phase-1 parent: it delegated and exits while its children run.
		// The node stays active supervising them; any output is kept as
		// the interim result.
		if stdout != "" && n.InterimResult == "" {
			if _, _, err := e.store.Complete(ctx, n.ID, capBytes(stdout, e.outCap)); err != nil {
				slog.Warn("Failed to stage interim result", "node", n.Ref(), "error", err)
			}
		}
		slog.Debug("Parent stays active while children run",
			"node", n.Ref(), "children", len(children))
		return
	}

	if ev.ExitCode == 0 && stdout != "" {
		result := capBytes(stdout, e.outCap)
		if _, _, err := e.store.Complete(ctx, n.ID, result); err != nil {
			slog.Warn("Implicit completion failed", "node", n.Ref(), "error", err)
			return
		}
		slog.Info("Node completed from stdout", "node", n.Ref())
		e.publish(events.Event{Type: events.TypeNodeStatus, NodeID: n.ID,
			From: node.StatusActive, To: node.StatusComplete})
		e.endSpan(n.ID, node.StatusComplete)
		return
	}

	if _, err := e.store.Transition(ctx, n.ID, node.StatusActive, node.StatusFailed); err != nil {
		slog.Debug("Failure transition skipped", "node", n.Ref(), "error", err)
		return
	}
	slog.Warn("Node failed",
		"node", n.Ref(), "exit_code", ev.ExitCode,
		"stderr", capBytes(strings.TrimSpace(ev.Stderr), 200))
	e.publish(events.Event{Type: events.TypeNodeStatus, NodeID: n.ID,
		From: node.StatusActive, To: node.StatusFailed})
	e.endSpan(n.ID, node.StatusFailed)
}

// reconcileSignals terminates live processes whose nodes were cancelled or
// paused through the tool server since the last tick.
func (e *Engine) reconcileSignals(ctx context.Context) error {
	for _, id := range e.sup.Live() {
		n, err := e.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, node.ErrNotFound) {
				continue
			}
			return err
		}
		if n.Status == node.StatusCancelled || n.Status == node.StatusPaused {
			if e.sup.Signal(id) {
				slog.Info("Signalled agent after status change",
					"node", n.Ref(), "status", n.Status)
			}
		}
	}
	return nil
}

// synthesisScan flips finished parents into their synthesis relaunch, or
// fails them when no child produced anything to synthesize.
func (e *Engine) synthesisScan(ctx context.Context) (int, error) {
	cands, err := e.store.SynthesisCandidates(ctx)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, parent := range cands {
		// A live process means the parent's own phase 1 has not exited
		// yet; its exit is the reap path's business, not ours.
		if e.sup.IsLive(parent.ID) {
			continue
		}

		children, err := e.store.Children(ctx, parent.ID)
		if err != nil {
			return fired, err
		}
		anyComplete := false
		for _, c := range children {
			if c.Status == node.StatusComplete {
				anyComplete = true
				break
			}
		}

		if !anyComplete {
			if _, err := e.store.Transition(ctx, parent.ID, node.StatusActive, node.StatusFailed); err != nil {
				slog.Debug("Parent failure transition skipped", "node", parent.Ref(), "error", err)
				continue
			}
			slog.Warn("Parent failed, no child completed", "node", parent.Ref())
			e.publish(events.Event{Type: events.TypeNodeStatus, NodeID: parent.ID,
				From: node.StatusActive, To: node.StatusFailed})
			e.endSpan(parent.ID, node.StatusFailed)
			fired++
			continue
		}

		if _, err := e.store.BeginSynthesis(ctx, parent.ID); err != nil {
			if errors.Is(err, node.ErrConflict) || errors.Is(err, node.ErrInvalidStatus) {
				slog.Debug("Synthesis skipped", "node", parent.Ref(), "error", err)
				continue
			}
			return fired, err
		}
		slog.Info("Parent queued for synthesis", "node", parent.Ref())
		e.publish(events.Event{Type: events.TypeNodeStatus, NodeID: parent.ID,
			From: node.StatusActive, To: node.StatusPending, Detail: "synthesis"})
		e.endSpan(parent.ID, node.StatusPending)
		fired++
	}
	return fired, nil
}

// launchReady launches ready nodes in ascending id order until capacity or
// the rate limiter says stop. Returns how many launched and how many were
// ready.
func (e *Engine) launchReady(ctx context.Context) (int, int, error) {
	ready, err := e.store.ReadySet(ctx)
	if err != nil {
		return 0, 0, err
	}

	launched := 0
	for _, n := range ready {
		if n.Kind == node.KindAsk && n.AskTarget == node.AskHuman {
			if e.startHumanAsk(ctx, n) {
				launched++
			}
			continue
		}

		if e.sup.Free() == 0 {
			break
		}

		text, err := e.buildPrompt(ctx, n)
		if err != nil {
			return launched, len(ready), err
		}

		err = e.sup.Launch(ctx, n.ID, text)
		switch {
		case err == nil:
			if e.sup.IsLive(n.ID) {
				launched++
				e.startSpan(n)
				e.publish(events.Event{Type: events.TypeNodeStatus, NodeID: n.ID,
					From: node.StatusPending, To: node.StatusActive})
				e.publish(events.Event{Type: events.TypeAgentStarted, NodeID: n.ID})
			}
		case errors.Is(err, proc.ErrRateLimited), errors.Is(err, proc.ErrAtCapacity):
			return launched, len(ready), nil
		case errors.Is(err, proc.ErrAlreadyRunning):
			continue
		default:
			// The supervisor already failed the node; the run continues.
			slog.Error("Launch failed", "node", n.Ref(), "error", err)
		}
	}
	return launched, len(ready), nil
}

// buildPrompt picks the prompt variant for a launch: a synthesized parent
// relaunches with its children's results, everything else gets the standard
// agent prompt.
func (e *Engine) buildPrompt(ctx context.Context, n *node.Node) (string, error) {
	if n.Synthesized {
		return e.prompts.Synthesis(ctx, n.ID)
	}
	return e.prompts.Agent(ctx, n.ID)
}

// startHumanAsk activates a human ask and hands it to the asker. Returns
// false when the activation lost a race.
func (e *Engine) startHumanAsk(ctx context.Context, n *node.Node) bool {
	if _, err := e.store.Transition(ctx, n.ID, node.StatusPending, node.StatusActive); err != nil {
		slog.Debug("Ask activation skipped", "node", n.Ref(), "error", err)
		return false
	}
	e.startSpan(n)
	e.publish(events.Event{Type: events.TypeNodeStatus, NodeID: n.ID,
		From: node.StatusPending, To: node.StatusActive})
	e.publish(events.Event{Type: events.TypeAskWaiting, NodeID: n.ID, Detail: n.Goal})
	slog.Info("Waiting for human input", "node", n.Ref(), "question", n.Goal)

	if e.asker == nil {
		// Something external (the API answer endpoint) completes it.
		return true
	}

	ask := *n
	e.askWG.Add(1)
	go func() {
		defer e.askWG.Done()
		answer, err := e.asker.Ask(ctx, &ask)
		if err != nil {
			slog.Warn("Human input failed, using fallback", "node", ask.Ref(), "error", err)
			answer = ""
		}
		e.finishAsk(&ask, answer)
	}()
	return true
}

// finishAsk completes an ask with the given answer, falling back to the
// prompt's declared default and then to the no-answer sentinel.
func (e *Engine) finishAsk(n *node.Node, answer string) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		if def, ok := prompt.ParseDefault(n.Prompt); ok {
			answer = def
		} else {
			answer = noAnswer
		}
	}

	// Background context: the answer must land even when the run is
	// shutting down.
	if _, _, err := e.store.Complete(context.Background(), n.ID, answer); err != nil {
		slog.Debug("Ask completion skipped", "node", n.Ref(), "error", err)
		return
	}
	slog.Info("Ask answered", "node", n.Ref())
	e.publish(events.Event{Type: events.TypeNodeStatus, NodeID: n.ID,
		From: node.StatusActive, To: node.StatusComplete})
	e.endSpan(n.ID, node.StatusComplete)
}

// recoverOrphans cancels subtrees left active by a previous process: with
// no supervisor state they can never report an exit.
func (e *Engine) recoverOrphans(ctx context.Context) error {
	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		if errors.Is(err, node.ErrNotFound) {
			return fmt.Errorf("store has no tree to run: %w", err)
		}
		return err
	}

	var orphans []int64
	snap.Walk(func(t *node.Tree) {
		if t.Status == node.StatusActive {
			orphans = append(orphans, t.ID)
		}
	})
	for _, id := range orphans {
		// The cascade may already have taken a node down with its parent.
		n, err := e.store.Get(ctx, id)
		if err != nil || n.Status != node.StatusActive {
			continue
		}
		if _, err := e.store.CancelSubtree(ctx, id); err != nil {
			return fmt.Errorf("cancel orphaned %s: %w", node.FormatID(id), err)
		}
		slog.Warn("Cancelled orphaned active node", "node", node.FormatID(id))
	}
	return nil
}

// cancelRun cancels every non-terminal node and terminates their processes.
func (e *Engine) cancelRun() {
	// The run context is gone; writes use a background context so the
	// final statuses land.
	ctx := context.Background()

	root, err := e.store.Root(ctx)
	if err != nil {
		slog.Error("Cancel could not find the root", "error", err)
		e.stopProcesses()
		return
	}
	wasActive, err := e.store.CancelSubtree(ctx, root.ID)
	if err != nil {
		slog.Error("Cancel cascade failed", "error", err)
	}
	for _, id := range wasActive {
		e.sup.Signal(id)
	}
	slog.Info("Run cancelled", "signalled", len(wasActive))
	e.stopProcesses()
	e.askWG.Wait()
}

// stopProcesses terminates whatever is still running and reaps the exits.
func (e *Engine) stopProcesses() {
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.sup.StopAll(stopCtx); err != nil {
		slog.Warn("Processes did not stop cleanly", "error", err)
	}
	e.drainExits(context.Background())
}

// finish reads the final root state and closes out the run.
func (e *Engine) finish(stuck []int64) (*Outcome, error) {
	ctx := context.Background()
	root, err := e.store.Root(ctx)
	if err != nil {
		return nil, err
	}

	snap, err := e.store.Snapshot(ctx)
	if err == nil {
		e.sweepSpans(snap)
	}
	e.closeSpans()

	e.publish(events.Event{Type: events.TypeRunFinished, NodeID: root.ID,
		To: root.Status})
	slog.Info("Run finished", "root", root.Ref(), "status", root.Status)
	return &Outcome{
		RootStatus: root.Status,
		Result:     root.Result,
		Stuck:      stuck,
	}, nil
}

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// ── tracing ─────────────────────────────────────────────────────────────────

func (e *Engine) startSpan(n *node.Node) {
	_, span := e.tracer.Start(context.Background(), "node.run",
		trace.WithAttributes(
			attribute.String("node", n.Ref()),
			attribute.String("kind", string(n.Kind)),
			attribute.String("goal", n.Goal),
		))
	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.spans[n.ID]; ok {
		prev.End()
	}
	e.spans[n.ID] = span
}

func (e *Engine) endSpan(id int64, status node.Status) {
	e.mu.Lock()
	span, ok := e.spans[id]
	delete(e.spans, id)
	e.mu.Unlock()
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("status", string(status)))
	if status == node.StatusFailed {
		span.SetStatus(codes.Error, "node failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// sweepSpans ends spans for nodes that went terminal without passing
// through a reap, such as a cancel cascade.
func (e *Engine) sweepSpans(snap *node.Tree) {
	e.mu.Lock()
	tracked := make(map[int64]struct{}, len(e.spans))
	for id := range e.spans {
		tracked[id] = struct{}{}
	}
	e.mu.Unlock()

	snap.Walk(func(t *node.Tree) {
		if _, ok := tracked[t.ID]; ok && t.Status.IsTerminal() {
			e.endSpan(t.ID, t.Status)
		}
	})
}

func (e *Engine) closeSpans() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, span := range e.spans {
		span.End()
		delete(e.spans, id)
	}
}

// ── helpers ─────────────────────────────────────────────────────────────────

// capBytes truncates s to at most n bytes without splitting a rune.
func capBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

func refs(ids []int64) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = node.FormatID(id)
	}
	return out
}
