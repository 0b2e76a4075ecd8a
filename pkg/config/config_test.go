package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cord.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "cord.db", cfg.DB)
	assert.Equal(t, "claude", cfg.Runtime)
	assert.Equal(t, 4, cfg.MaxProcs)
	assert.Equal(t, 1*time.Second, cfg.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.ProcessGrace)
	assert.Equal(t, 500, cfg.StdoutLimit)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Zero(t, cfg.BudgetUSD)
	assert.Empty(t, cfg.Listen)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
db: /tmp/run.db
runtime: amp
model: smart
max_procs: 8
budget_usd: 2.5
log_level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/run.db", cfg.DB)
	assert.Equal(t, "amp", cfg.Runtime)
	assert.Equal(t, "smart", cfg.Model)
	assert.Equal(t, 8, cfg.MaxProcs)
	assert.Equal(t, 2.5, cfg.BudgetUSD)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Unset fields keep the built-in defaults.
	assert.Equal(t, 1*time.Second, cfg.PollInterval)
	assert.Equal(t, 500, cfg.StdoutLimit)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "db: [unclosed")
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, path, loadErr.File)
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("CORD_TEST_MODEL", "from-env")
	path := writeConfig(t, "model: '{{.CORD_TEST_MODEL}}'\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Model)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errIs  error
	}{
		{"empty db", func(c *Config) { c.DB = "" }, ErrMissingRequiredField},
		{"empty runtime", func(c *Config) { c.Runtime = "" }, ErrMissingRequiredField},
		{"zero max procs", func(c *Config) { c.MaxProcs = 0 }, ErrInvalidValue},
		{"zero launch rate", func(c *Config) { c.LaunchRate = 0 }, ErrInvalidValue},
		{"zero poll", func(c *Config) { c.PollInterval = 0 }, ErrInvalidValue},
		{"zero grace", func(c *Config) { c.ProcessGrace = 0 }, ErrInvalidValue},
		{"zero stdout limit", func(c *Config) { c.StdoutLimit = 0 }, ErrInvalidValue},
		{"negative budget", func(c *Config) { c.BudgetUSD = -1 }, ErrInvalidValue},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, ErrInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.errIs)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLogLevel(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpandEnvPassesThroughLiteralDollars(t *testing.T) {
	in := []byte("prompt: costs $5 and ${MORE}")
	assert.Equal(t, in, ExpandEnv(in))
}
