// Package config loads and validates cord's runtime configuration from an
// optional YAML file merged over built-in defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the engine configuration. Every field has a built-in default;
// a config file and CLI flags override it in that order.
type Config struct {
	// DB is a SQLite path or a postgres:// URL.
	DB string `yaml:"db"`

	// Runtime selects the agent runtime adapter (claude, amp, mock).
	Runtime string `yaml:"runtime"`

	// Model overrides the runtime's default model when non-empty.
	Model string `yaml:"model"`

	// BudgetUSD is the per-agent spend cap passed to runtimes that
	// support one. Zero means uncapped.
	BudgetUSD float64 `yaml:"budget_usd"`

	// MaxProcs is the global cap on concurrent agent subprocesses.
	MaxProcs int `yaml:"max_procs"`

	// LaunchRate limits subprocess launches per second; bursts up to
	// MaxProcs are allowed.
	LaunchRate float64 `yaml:"launch_rate"`

	// PollInterval is the scheduler's inter-tick sleep.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ProcessGrace is how long a signalled process gets between SIGTERM
	// and SIGKILL.
	ProcessGrace time.Duration `yaml:"process_grace"`

	// MaxRuntime terminates an agent subprocess after this long. Zero
	// means no wall-clock limit; budget enforcement is the agent's job.
	MaxRuntime time.Duration `yaml:"max_runtime"`

	// StdoutLimit caps how much captured stdout becomes an implicit
	// result, in bytes.
	StdoutLimit int `yaml:"stdout_limit"`

	// Listen enables the HTTP API on this address when non-empty.
	Listen string `yaml:"listen"`

	// TraceFile enables trace export to this path when non-empty.
	TraceFile string `yaml:"trace_file"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// AgentEnv is extra environment passed to every agent subprocess.
	AgentEnv map[string]string `yaml:"agent_env"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DB:           "cord.db",
		Runtime:      "claude",
		MaxProcs:     4,
		LaunchRate:   2,
		PollInterval: 1 * time.Second,
		ProcessGrace: 5 * time.Second,
		StdoutLimit:  500,
		LogLevel:     "info",
	}
}

// Load returns the built-in defaults overlaid with the YAML file at path.
//
// Steps performed:
//  1. Read the file (an empty path keeps the defaults)
//  2. Expand environment variables
//  3. Parse YAML
//  4. Merge file values over built-in defaults
//  5. Validate
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
			}
			return nil, NewLoadError(path, err)
		}

		data = ExpandEnv(data)

		var file Config
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
		}
		if err := mergo.Merge(cfg, &file, mergo.WithOverride); err != nil {
			return nil, NewLoadError(path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field against its legal range.
func (c *Config) Validate() error {
	if c.DB == "" {
		return fmt.Errorf("%w: db", ErrMissingRequiredField)
	}
	if c.Runtime == "" {
		return fmt.Errorf("%w: runtime", ErrMissingRequiredField)
	}
	if c.MaxProcs < 1 {
		return fmt.Errorf("%w: max_procs must be at least 1, got %d", ErrInvalidValue, c.MaxProcs)
	}
	if c.LaunchRate <= 0 {
		return fmt.Errorf("%w: launch_rate must be positive, got %v", ErrInvalidValue, c.LaunchRate)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll_interval must be positive, got %v", ErrInvalidValue, c.PollInterval)
	}
	if c.ProcessGrace <= 0 {
		return fmt.Errorf("%w: process_grace must be positive, got %v", ErrInvalidValue, c.ProcessGrace)
	}
	if c.MaxRuntime < 0 {
		return fmt.Errorf("%w: max_runtime must not be negative, got %v", ErrInvalidValue, c.MaxRuntime)
	}
	if c.StdoutLimit < 1 {
		return fmt.Errorf("%w: stdout_limit must be at least 1, got %d", ErrInvalidValue, c.StdoutLimit)
	}
	if c.BudgetUSD < 0 {
		return fmt.Errorf("%w: budget_usd must not be negative, got %v", ErrInvalidValue, c.BudgetUSD)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLogLevel maps a config log level to its slog level.
func ParseLogLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: log_level %q", ErrInvalidValue, level)
	}
}
