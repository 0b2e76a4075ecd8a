package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cordkit/cord/pkg/store"
)

// buildMigrateCmd manages the store schema by hand. `cord run` migrates
// automatically; these commands exist for shared postgres stores and for
// wiping a database without deleting the file.
func buildMigrateCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the store schema",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite path or postgres:// URL for the store")

	resolve := func(cmd *cobra.Command) (string, error) {
		cfg, err := loadConfig()
		if err != nil {
			return "", err
		}
		if cmd.Flags().Changed("db") {
			return dbPath, nil
		}
		return cfg.DB, nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				dsn, err := resolve(cmd)
				if err != nil {
					return err
				}
				db, dialect, err := store.OpenDB(cmd.Context(), store.DefaultConfig(dsn))
				if err != nil {
					return err
				}
				defer db.Close()

				if err := store.MigrateUp(db, dialect); err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				slog.Info("Migrations applied", "dialect", dialect)
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back all migrations, dropping every node and run",
			RunE: func(cmd *cobra.Command, args []string) error {
				dsn, err := resolve(cmd)
				if err != nil {
					return err
				}
				db, dialect, err := store.OpenDB(cmd.Context(), store.DefaultConfig(dsn))
				if err != nil {
					return err
				}
				defer db.Close()

				if err := store.MigrateDown(db, dialect); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				slog.Info("Migrations rolled back", "dialect", dialect)
				return nil
			},
		},
	)

	return cmd
}
