package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cordkit/cord/pkg/node"
	"github.com/cordkit/cord/pkg/store"
	"github.com/cordkit/cord/pkg/toolserver"
)

// buildToolserverCmd is the stdio MCP entry point agent subprocesses are
// pointed at. Hidden because humans never run it by hand.
func buildToolserverCmd() *cobra.Command {
	var (
		dbPath   string
		agentRef string
	)

	cmd := &cobra.Command{
		Use:    "toolserver",
		Short:  "Serve coordination tools for one agent over stdio",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			agentID, err := node.ParseID(agentRef)
			if err != nil {
				return fmt.Errorf("invalid agent ref %q", agentRef)
			}

			st, err := store.Open(ctx, store.DefaultConfig(dbPath))
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			if _, err := st.Get(ctx, agentID); err != nil {
				return fmt.Errorf("agent node: %w", err)
			}
			return toolserver.New(st, agentID).ServeStdio()
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite path or postgres:// URL for the store")
	cmd.Flags().StringVar(&agentRef, "agent", "", `Node id this server acts for (like "#3")`)
	_ = cmd.MarkFlagRequired("db")
	_ = cmd.MarkFlagRequired("agent")

	return cmd
}
