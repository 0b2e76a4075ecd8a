package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cordkit/cord/pkg/api"
	"github.com/cordkit/cord/pkg/config"
	"github.com/cordkit/cord/pkg/engine"
	"github.com/cordkit/cord/pkg/events"
	"github.com/cordkit/cord/pkg/metrics"
	"github.com/cordkit/cord/pkg/node"
	"github.com/cordkit/cord/pkg/proc"
	"github.com/cordkit/cord/pkg/render"
	"github.com/cordkit/cord/pkg/runtime"
	"github.com/cordkit/cord/pkg/store"
	"github.com/cordkit/cord/pkg/telemetry"
)

func buildRunCmd() *cobra.Command {
	var (
		budget   float64
		model    string
		rtName   string
		dbPath   string
		maxProcs int
		poll     time.Duration
		listen   string
		trace    string
		plain    bool
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "run <goal-or-path>",
		Short: "Run a goal to completion",
		Long: `Run a goal by seeding a root node and coordinating agent subprocesses
until the tree settles. The argument is either literal goal text or a
path to a file whose contents become the goal.

The run refuses to reuse a store that already holds a tree; pass --force
to discard the previous run first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("budget") {
				cfg.BudgetUSD = budget
			}
			if flags.Changed("model") {
				cfg.Model = model
			}
			if flags.Changed("runtime") {
				cfg.Runtime = rtName
			}
			if flags.Changed("db") {
				cfg.DB = dbPath
			}
			if flags.Changed("max-procs") {
				cfg.MaxProcs = maxProcs
			}
			if flags.Changed("poll") {
				cfg.PollInterval = poll
			}
			if flags.Changed("listen") {
				cfg.Listen = listen
			}
			if flags.Changed("trace") {
				cfg.TraceFile = trace
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			goal, err := readGoal(args[0])
			if err != nil {
				return err
			}
			return runRun(cmd.Context(), cfg, goal, force, plain)
		},
	}

	cmd.Flags().Float64Var(&budget, "budget", 0, "Per-agent spend cap in USD (0 = uncapped)")
	cmd.Flags().StringVar(&model, "model", "", "Model override for the runtime")
	cmd.Flags().StringVar(&rtName, "runtime", "", "Agent runtime adapter ("+strings.Join(runtime.Names(), ", ")+")")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite path or postgres:// URL for the store")
	cmd.Flags().IntVar(&maxProcs, "max-procs", 0, "Concurrent agent subprocess cap")
	cmd.Flags().DurationVar(&poll, "poll", 0, "Scheduler poll interval")
	cmd.Flags().StringVar(&listen, "listen", "", "Serve the inspection API on this address")
	cmd.Flags().StringVar(&trace, "trace", "", "Write spans to this trace file")
	cmd.Flags().BoolVar(&plain, "plain", false, "Disable ANSI tree rendering")
	cmd.Flags().BoolVar(&force, "force", false, "Discard a previous run in the store")

	return cmd
}

func runRun(ctx context.Context, cfg *config.Config, goal string, force, plain bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting cord",
		"goal", firstLine(goal),
		"runtime", cfg.Runtime,
		"db", cfg.DB,
		"max_procs", cfg.MaxProcs)

	// 1. Open the store and make sure it is fresh
	st, err := store.Open(ctx, store.DefaultConfig(cfg.DB))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()
	if err := ensureFresh(ctx, st, force); err != nil {
		return err
	}
	slog.Info("Store ready", "dialect", st.Dialect())

	// 2. Telemetry
	shutdownTrace, err := telemetry.Setup(ctx, cfg.TraceFile)
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTrace(context.Background()); err != nil {
			slog.Error("Error flushing traces", "error", err)
		}
	}()

	// 3. Runtime adapter and supervisor
	rt, err := runtime.New(cfg.Runtime)
	if err != nil {
		return err
	}
	workDir, err := os.Getwd()
	if err != nil {
		return err
	}
	configDir := filepath.Join(workDir, ".cord")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	dbRef := cfg.DB
	if st.Dialect() == store.DialectSQLite {
		// Agents run with their own working directories, so the sqlite
		// path they receive has to be absolute.
		if dbRef, err = filepath.Abs(cfg.DB); err != nil {
			return err
		}
	}
	sup := proc.NewSupervisor(st, rt, proc.Options{
		DBPath:     dbRef,
		ConfigDir:  configDir,
		WorkDir:    workDir,
		Model:      cfg.Model,
		BudgetUSD:  cfg.BudgetUSD,
		MaxProcs:   cfg.MaxProcs,
		LaunchRate: cfg.LaunchRate,
		Grace:      cfg.ProcessGrace,
		MaxRuntime: cfg.MaxRuntime,
		ExtraEnv:   envList(cfg.AgentEnv),
	})
	slog.Info("Supervisor ready", "runtime", rt.Name(), "model", modelName(cfg, rt))

	// 4. Event bus, metrics, inspection API
	bus := events.NewBus(256)
	m := metrics.New()
	m.TrackStore(st)
	m.TrackProcesses(sup.Count)
	stopWatch := m.WatchBus(bus)

	auxCtx, cancelAux := context.WithCancel(ctx)
	defer cancelAux()
	g, gctx := errgroup.WithContext(auxCtx)
	if cfg.Listen != "" {
		srv := api.New(st, bus, m.Handler())
		g.Go(func() error { return srv.Serve(gctx, cfg.Listen) })
	}

	// 5. Seed the root goal
	root, err := st.CreateRoot(ctx, store.CreateRootInput{Goal: goal})
	if err != nil {
		return fmt.Errorf("seed root: %w", err)
	}
	slog.Info("Seeded root goal", "node", root.Ref())

	// 6. Tree renderer and human asker
	stderrTTY := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	stdinTTY := isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
	renderer := render.New(os.Stderr, plain || !stderrTTY)

	var asking atomic.Bool
	var asker engine.Asker = defaultAsker{}
	if stdinTTY && stderrTTY {
		asker = &formAsker{asking: &asking}
	}
	g.Go(renderLoop(gctx, st, sup, bus, renderer, &asking, cfg.PollInterval))

	// 7. Run the engine to termination
	eng := engine.New(st, engine.Options{
		Supervisor:   sup,
		Bus:          bus,
		Asker:        asker,
		PollInterval: cfg.PollInterval,
		StdoutLimit:  cfg.StdoutLimit,
	})
	outcome, runErr := eng.Run(ctx)

	// 8. Wind down the auxiliary goroutines
	cancelAux()
	if err := g.Wait(); err != nil {
		slog.Warn("Background component failed", "error", err)
	}
	stopWatch()
	bus.Close()

	// 9. Report the outcome
	if outcome == nil {
		return runErr
	}
	if outcome.Result != "" {
		fmt.Println(outcome.Result)
	}
	switch {
	case errors.Is(runErr, context.Canceled):
		return errors.New("run cancelled")
	case runErr != nil:
		return runErr
	case len(outcome.Stuck) > 0:
		return fmt.Errorf("run stuck: %s cannot make progress", strings.Join(nodeRefs(outcome.Stuck), ", "))
	case outcome.RootStatus != node.StatusComplete:
		return fmt.Errorf("root finished %s", outcome.RootStatus)
	}
	return nil
}

// ensureFresh refuses to reuse a store holding a previous run. With force
// the schema is rolled back and reapplied, which drops all rows.
func ensureFresh(ctx context.Context, st *store.Store, force bool) error {
	root, err := st.Root(ctx)
	if errors.Is(err, node.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !force {
		return fmt.Errorf("store already contains a run rooted at %s (%q); pass --force to discard it",
			root.Ref(), firstLine(root.Goal))
	}
	slog.Warn("Discarding previous run", "root", root.Ref())
	if err := store.MigrateDown(st.DB(), st.Dialect()); err != nil {
		return err
	}
	return store.MigrateUp(st.DB(), st.Dialect())
}

func renderLoop(ctx context.Context, st *store.Store, sup *proc.Supervisor, bus *events.Bus,
	r *render.Renderer, asking *atomic.Bool, poll time.Duration) func() error {
	return func() error {
		sub, cancel := bus.Subscribe()
		defer cancel()
		tick := time.NewTicker(poll)
		defer tick.Stop()

		draw := func(ctx context.Context) {
			if asking.Load() {
				// An interactive form owns the terminal right now.
				return
			}
			tree, err := st.Snapshot(ctx)
			if err != nil {
				return
			}
			r.Draw(tree, sup.Live())
		}

		for {
			draw(ctx)
			select {
			case <-ctx.Done():
				draw(context.Background())
				return nil
			case _, ok := <-sub:
				if !ok {
					return nil
				}
			case <-tick.C:
			}
		}
	}
}

// readGoal treats the argument as a file path when one exists, otherwise
// as literal goal text.
func readGoal(arg string) (string, error) {
	if info, err := os.Stat(arg); err == nil && !info.IsDir() {
		data, err := os.ReadFile(arg)
		if err != nil {
			return "", err
		}
		goal := strings.TrimSpace(string(data))
		if goal == "" {
			return "", fmt.Errorf("goal file %s is empty", arg)
		}
		return goal, nil
	}
	goal := strings.TrimSpace(arg)
	if goal == "" {
		return "", errors.New("goal must not be empty")
	}
	return goal, nil
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func modelName(cfg *config.Config, rt runtime.Runtime) string {
	if cfg.Model != "" {
		return cfg.Model
	}
	return rt.DefaultModel()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > 80 {
		s = string(r[:80]) + "..."
	}
	return s
}

func nodeRefs(ids []int64) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = node.FormatID(id)
	}
	return out
}
