// Package proc supervises agent subprocesses: it launches them through a
// runtime adapter, tracks them by node id, delivers SIGTERM with a SIGKILL
// grace period, and reports exits back to the scheduler as events.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/cordkit/cord/pkg/node"
	"github.com/cordkit/cord/pkg/runtime"
	"github.com/cordkit/cord/pkg/store"
)

var (
	// ErrAtCapacity means the concurrent subprocess cap is exhausted.
	ErrAtCapacity = errors.New("subprocess capacity exhausted")

	// ErrRateLimited means the launch rate limiter has no token; try again
	// next tick.
	ErrRateLimited = errors.New("launch rate limited")

	// ErrAlreadyRunning means the node already has a live subprocess.
	ErrAlreadyRunning = errors.New("node already has a live process")
)

// tailBytes is how much captured output goes into run bookkeeping.
const tailBytes = 2048

// ExitEvent reports one subprocess exit to the scheduler.
type ExitEvent struct {
	NodeID   int64
	RunID    int64
	ExitCode int
	Stdout   string
	Stderr   string
}

// Options configures a Supervisor.
type Options struct {
	// DBPath is the store DSN handed to per-agent tool servers.
	DBPath string

	// ConfigDir is where runtime adapters write sidecar files.
	ConfigDir string

	// WorkDir is the working directory for agent subprocesses.
	WorkDir string

	// Model and BudgetUSD are forwarded to the runtime adapter.
	Model     string
	BudgetUSD float64

	// MaxProcs caps concurrent subprocesses.
	MaxProcs int

	// LaunchRate limits launches per second, with bursts up to MaxProcs.
	LaunchRate float64

	// Grace is the SIGTERM to SIGKILL delay.
	Grace time.Duration

	// MaxRuntime terminates a subprocess after this long. Zero disables
	// the limit.
	MaxRuntime time.Duration

	// ExtraEnv is appended to every subprocess environment.
	ExtraEnv []string
}

// Supervisor launches and tracks agent subprocesses. All methods are safe
// for concurrent use.
type Supervisor struct {
	store   *store.Store
	runtime runtime.Runtime
	opts    Options
	limiter *rate.Limiter
	exits   chan ExitEvent

	mu    sync.Mutex
	procs map[int64]*process

	wg sync.WaitGroup
}

type process struct {
	nodeID int64
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// NewSupervisor creates a supervisor over the store and runtime adapter.
func NewSupervisor(s *store.Store, rt runtime.Runtime, opts Options) *Supervisor {
	if opts.MaxProcs < 1 {
		opts.MaxProcs = 1
	}
	if opts.LaunchRate <= 0 {
		opts.LaunchRate = 2
	}
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	return &Supervisor{
		store:   s,
		runtime: rt,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.LaunchRate), opts.MaxProcs),
		// Each live process sends exactly one event; the scheduler drains
		// every tick, so this buffer keeps reapers from ever blocking.
		exits: make(chan ExitEvent, 2*opts.MaxProcs+8),
		procs: make(map[int64]*process),
	}
}

// Exits delivers one event per subprocess exit.
func (s *Supervisor) Exits() <-chan ExitEvent {
	return s.exits
}

// Launch moves a pending node to active and spawns its agent subprocess.
//
// The status transition happens before the spawn so the node is never
// pending with a live process. Losing the CAS is not an error: a cancel or
// pause got there first and the launch is skipped. A spawn failure after
// the transition marks the node failed.
func (s *Supervisor) Launch(ctx context.Context, nodeID int64, prompt string) error {
	if err := s.reserve(nodeID); err != nil {
		return err
	}
	launched := false
	defer func() {
		if !launched {
			s.release(nodeID)
		}
	}()

	if !s.limiter.Allow() {
		return ErrRateLimited
	}

	if _, err := s.store.Transition(ctx, nodeID, node.StatusPending, node.StatusActive); err != nil {
		if errors.Is(err, node.ErrConflict) || errors.Is(err, node.ErrInvalidStatus) {
			slog.Debug("Launch skipped, node is no longer pending",
				"node", node.FormatID(nodeID), "error", err)
			return nil
		}
		return fmt.Errorf("activate %s: %w", node.FormatID(nodeID), err)
	}

	spec, err := s.runtime.CommandPlan(runtime.LaunchRequest{
		NodeID:    nodeID,
		Prompt:    prompt,
		DBPath:    s.opts.DBPath,
		ConfigDir: s.opts.ConfigDir,
		WorkDir:   s.opts.WorkDir,
		Model:     s.opts.Model,
		BudgetUSD: s.opts.BudgetUSD,
	})
	if err != nil {
		s.failLaunch(nodeID, err)
		return err
	}

	var (
		procCtx context.Context
		cancel  context.CancelFunc
	)
	if s.opts.MaxRuntime > 0 {
		procCtx, cancel = context.WithTimeout(context.Background(), s.opts.MaxRuntime)
	} else {
		procCtx, cancel = context.WithCancel(context.Background())
	}

	cmd := exec.CommandContext(procCtx, spec.Args[0], spec.Args[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = s.mergeEnv(spec.Env)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.opts.Grace

	if err := cmd.Start(); err != nil {
		cancel()
		s.failLaunch(nodeID, err)
		return fmt.Errorf("spawn agent for %s: %w", node.FormatID(nodeID), err)
	}

	runID, err := s.store.RecordLaunch(ctx, nodeID, cmd.Process.Pid, s.runtime.Name(), s.opts.Model)
	if err != nil {
		slog.Warn("Failed to record launch", "node", node.FormatID(nodeID), "error", err)
	}

	s.track(nodeID, cmd, cancel)
	launched = true
	slog.Info("Agent launched",
		"node", node.FormatID(nodeID),
		"pid", cmd.Process.Pid,
		"runtime", s.runtime.Name())

	s.wg.Add(1)
	go s.reap(nodeID, runID, cmd, cancel, &stdout, &stderr)
	return nil
}

// Signal sends SIGTERM to a node's subprocess. Returns false when no live
// process is tracked for the node.
func (s *Supervisor) Signal(nodeID int64) bool {
	s.mu.Lock()
	p, ok := s.procs[nodeID]
	s.mu.Unlock()
	if !ok || p.cancel == nil {
		return false
	}
	p.cancel()
	return true
}

// StopAll signals every tracked subprocess and waits for the reapers, or
// until the context expires.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	for _, p := range s.procs {
		if p.cancel != nil {
			p.cancel()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for agent processes: %w", ctx.Err())
	}
}

// IsLive reports whether a node has a tracked subprocess.
func (s *Supervisor) IsLive(nodeID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[nodeID]
	return ok
}

// Live returns the tracked node ids in ascending order.
func (s *Supervisor) Live() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count returns the number of tracked subprocesses.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Free returns how many more subprocesses fit under the cap.
func (s *Supervisor) Free() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	free := s.opts.MaxProcs - len(s.procs)
	if free < 0 {
		return 0
	}
	return free
}

// ── internal ─────────────────────────────────────────────────────────────

// reserve claims a capacity slot for the node before the spawn.
func (s *Supervisor) reserve(nodeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.procs[nodeID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, node.FormatID(nodeID))
	}
	if len(s.procs) >= s.opts.MaxProcs {
		return ErrAtCapacity
	}
	s.procs[nodeID] = &process{nodeID: nodeID}
	return nil
}

func (s *Supervisor) release(nodeID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, nodeID)
}

func (s *Supervisor) track(nodeID int64, cmd *exec.Cmd, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[nodeID]; ok {
		p.cmd = cmd
		p.cancel = cancel
	}
}

// failLaunch marks a node failed after its subprocess could not be
// spawned. Uses a background context so the write lands even when the
// caller is shutting down.
func (s *Supervisor) failLaunch(nodeID int64, cause error) {
	slog.Error("Agent launch failed",
		"node", node.FormatID(nodeID), "error", cause)
	if _, err := s.store.Transition(context.Background(), nodeID, node.StatusActive, node.StatusFailed); err != nil {
		slog.Error("Failed to mark node failed after launch error",
			"node", node.FormatID(nodeID), "error", err)
	}
}

// reap waits for one subprocess, closes its run row, and reports the exit.
func (s *Supervisor) reap(nodeID, runID int64, cmd *exec.Cmd, cancel context.CancelFunc, stdout, stderr *bytes.Buffer) {
	defer s.wg.Done()
	defer cancel()

	waitErr := cmd.Wait()
	code := 0
	if waitErr != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
	}

	outText := stdout.String()
	errText := stderr.String()

	if runID != 0 {
		if err := s.store.FinishRun(context.Background(), runID, code, tail(outText), tail(errText)); err != nil {
			slog.Warn("Failed to close run row", "node", node.FormatID(nodeID), "error", err)
		}
	}

	slog.Debug("Agent exited",
		"node", node.FormatID(nodeID), "exit_code", code)

	// Deliver before untracking: while the event sits undrained the node
	// still counts as live, so the scheduler cannot act on stale state.
	s.exits <- ExitEvent{
		NodeID:   nodeID,
		RunID:    runID,
		ExitCode: code,
		Stdout:   outText,
		Stderr:   errText,
	}
	s.release(nodeID)
}

// tail keeps the last tailBytes of captured output for run bookkeeping.
func tail(s string) string {
	if len(s) <= tailBytes {
		return s
	}
	return s[len(s)-tailBytes:]
}

// mergeEnv combines the adapter's environment with the configured extras.
func (s *Supervisor) mergeEnv(specEnv []string) []string {
	if len(s.opts.ExtraEnv) == 0 {
		return specEnv
	}
	env := specEnv
	if env == nil {
		env = os.Environ()
	}
	return append(append([]string{}, env...), s.opts.ExtraEnv...)
}
