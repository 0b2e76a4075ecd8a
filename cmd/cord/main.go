// Cord runs a goal by coordinating a tree of LLM agent subprocesses.
//
// The root agent decomposes its goal into child nodes through MCP tools;
// cord schedules the children as their dependencies complete, relaunches
// parents to synthesize results, and keeps the whole tree in a store that
// survives restarts.
//
// # Basic Usage
//
// Run a goal (literal text or a path to a plan file):
//
//	cord run "write a short story about a lighthouse"
//	cord run plan.md --budget 5 --model sonnet
//
// Inspect a store:
//
//	cord tree --db .cord/cord.db --watch
//
// Manage the schema by hand:
//
//	cord migrate up --db postgres://localhost/cord
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cordkit/cord/pkg/config"
	"github.com/cordkit/cord/pkg/version"
)

var (
	configPath string
	verbose    bool
)

func main() {
	setupLogging(slog.LevelInfo)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "cord",
		Short:   "Coordinator for trees of LLM agent subprocesses",
		Version: version.Full(),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Local .env files carry runtime credentials during development.
			if err := godotenv.Load(); err == nil {
				slog.Debug("Loaded environment from .env")
			}
			if verbose {
				setupLogging(slog.LevelDebug)
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")

	rootCmd.AddCommand(
		buildRunCmd(),
		buildTreeCmd(),
		buildToolserverCmd(),
		buildMigrateCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func setupLogging(level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// loadConfig reads the config file (if any) and applies the log level,
// unless --verbose already forced Debug.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if !verbose {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		setupLogging(level)
	}
	return cfg, nil
}
