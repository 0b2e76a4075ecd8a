package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/cordkit/cord/pkg/node"
	"github.com/cordkit/cord/pkg/render"
	"github.com/cordkit/cord/pkg/store"
)

// watchDebounce coalesces the burst of file events one sqlite commit
// produces into a single redraw.
const watchDebounce = 100 * time.Millisecond

func buildTreeCmd() *cobra.Command {
	var (
		dbPath string
		watch  bool
		plain  bool
	)

	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print the node tree from a store",
		Long: `Print the status tree of an existing store. With --watch the view
refreshes whenever another process commits a change.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("db") {
				cfg.DB = dbPath
			}
			return runTree(cmd.Context(), cfg.DB, watch, plain)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite path or postgres:// URL for the store")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep redrawing as the store changes")
	cmd.Flags().BoolVar(&plain, "plain", false, "Disable ANSI tree rendering")

	return cmd
}

func runTree(ctx context.Context, dsn string, watch, plain bool) error {
	// Opening a store creates it, which is not what an inspection command
	// should do with a mistyped path.
	if store.DetectDialect(dsn) == store.DialectSQLite {
		if _, err := os.Stat(dsn); err != nil {
			return fmt.Errorf("no store at %s", dsn)
		}
	}

	st, err := store.Open(ctx, store.DefaultConfig(dsn))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	stdoutTTY := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	r := render.New(os.Stdout, plain || !stdoutTTY || !watch)

	draw := func() error {
		tree, err := st.Snapshot(ctx)
		if errors.Is(err, node.ErrNotFound) {
			return errors.New("store has no tree yet")
		}
		if err != nil {
			return err
		}
		r.Draw(tree, nil)
		return nil
	}

	if err := draw(); err != nil {
		return err
	}
	if !watch {
		return nil
	}
	if st.Dialect() != store.DialectSQLite {
		return errors.New("--watch requires a sqlite store")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return watchStore(ctx, dsn, draw)
}

// watchStore redraws on file events under the store's directory. The WAL
// and journal sidecars change on every commit, so the whole directory is
// watched and events are filtered by path prefix.
func watchStore(ctx context.Context, dsn string, draw func() error) error {
	abs, err := filepath.Abs(dsn)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var pending *time.Timer
	redraw := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(ev.Name, abs) {
				continue
			}
			if pending == nil {
				pending = time.AfterFunc(watchDebounce, func() {
					select {
					case redraw <- struct{}{}:
					default:
					}
				})
			} else {
				pending.Reset(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Watcher error", "error", err)
		case <-redraw:
			pending = nil
			if err := draw(); err != nil {
				return err
			}
		}
	}
}
