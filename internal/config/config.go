// Package config defines fanout's configuration, loaded through viper
// from config.yaml, FANOUT_* environment variables, and flags.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete fanout configuration.
type Config struct {
	Agents     AgentsConfig     `mapstructure:"agents"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Paths      PathsConfig      `mapstructure:"paths"`
	TUI        TUIConfig        `mapstructure:"tui"`
}

// AgentsConfig controls the agent pool.
type AgentsConfig struct {
	// MaxParallel is the default number of agent slots. A workflow's
	// map block may override it.
	MaxParallel int `mapstructure:"max_parallel"`
	// MaxRetries is how many times a failed item is re-dispatched
	// before it is dead-lettered.
	MaxRetries int `mapstructure:"max_retries"`
	// ShutdownGraceSeconds is how long in-flight agents get to finish
	// after an interrupt before they are canceled.
	ShutdownGraceSeconds int `mapstructure:"shutdown_grace_seconds"`
	// TimeoutMinutes caps a single agent invocation (0 = unlimited).
	TimeoutMinutes int `mapstructure:"timeout_minutes"`
}

// CheckpointConfig controls when checkpoints fire and how long they
// are retained.
type CheckpointConfig struct {
	// ItemInterval checkpoints every N item completions (0 = disabled).
	ItemInterval int `mapstructure:"item_interval"`
	// TimeIntervalMinutes checkpoints every N minutes (0 = disabled).
	TimeIntervalMinutes int `mapstructure:"time_interval_minutes"`
	// Retention is how many history snapshots to keep per job.
	Retention int `mapstructure:"retention"`
	// MaxAgeDays prunes history snapshots older than this (0 = keep).
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// LoggingConfig controls the structured log file.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// PathsConfig controls where fanout keeps its state.
type PathsConfig struct {
	// DataDir holds checkpoints, logs, and the session and dead-letter
	// databases. Relative paths resolve against the repository root.
	DataDir string `mapstructure:"data_dir"`
	// WorktreeDir is where job worktrees are created. Relative paths
	// resolve against the repository root's parent, so worktrees land
	// beside the checkout rather than inside it.
	WorktreeDir string `mapstructure:"worktree_dir"`
}

// TUIConfig controls the live progress view.
type TUIConfig struct {
	// Enabled turns the progress view on when stdout is a terminal.
	Enabled bool `mapstructure:"enabled"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			MaxParallel:          3,
			MaxRetries:           2,
			ShutdownGraceSeconds: 30,
			TimeoutMinutes:       0,
		},
		Checkpoint: CheckpointConfig{
			ItemInterval:        10,
			TimeIntervalMinutes: 5,
			Retention:           10,
			MaxAgeDays:          14,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Paths: PathsConfig{
			DataDir:     ".fanout",
			WorktreeDir: ".fanout-worktrees",
		},
		TUI: TUIConfig{
			Enabled: true,
		},
	}
}

// SetDefaults registers default values with viper.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("agents.max_parallel", defaults.Agents.MaxParallel)
	viper.SetDefault("agents.max_retries", defaults.Agents.MaxRetries)
	viper.SetDefault("agents.shutdown_grace_seconds", defaults.Agents.ShutdownGraceSeconds)
	viper.SetDefault("agents.timeout_minutes", defaults.Agents.TimeoutMinutes)

	viper.SetDefault("checkpoint.item_interval", defaults.Checkpoint.ItemInterval)
	viper.SetDefault("checkpoint.time_interval_minutes", defaults.Checkpoint.TimeIntervalMinutes)
	viper.SetDefault("checkpoint.retention", defaults.Checkpoint.Retention)
	viper.SetDefault("checkpoint.max_age_days", defaults.Checkpoint.MaxAgeDays)

	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	viper.SetDefault("paths.data_dir", defaults.Paths.DataDir)
	viper.SetDefault("paths.worktree_dir", defaults.Paths.WorktreeDir)

	viper.SetDefault("tui.enabled", defaults.TUI.Enabled)
}

// BindEnv wires FANOUT_* environment variables into viper, with dots
// in keys mapped to underscores (agents.max_parallel becomes
// FANOUT_AGENTS_MAX_PARALLEL).
func BindEnv() {
	viper.SetEnvPrefix("FANOUT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// Load reads the configuration from viper into a Config and validates
// it, reporting every violation at once.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// ShutdownGrace returns the agent drain grace as a duration.
func (c *AgentsConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// Timeout returns the per-agent timeout, zero meaning unlimited.
func (c *AgentsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// TimeInterval returns the time-based checkpoint trigger as a duration.
func (c *CheckpointConfig) TimeInterval() time.Duration {
	return time.Duration(c.TimeIntervalMinutes) * time.Minute
}

// MaxAge returns the history pruning age, zero meaning keep forever.
func (c *CheckpointConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeDays) * 24 * time.Hour
}

// ResolveDataDir resolves the data directory against the repo root.
func (p *PathsConfig) ResolveDataDir(repoRoot string) string {
	if filepath.IsAbs(p.DataDir) {
		return p.DataDir
	}
	return filepath.Join(repoRoot, p.DataDir)
}

// ResolveWorktreeDir resolves the worktree directory. Relative paths
// land beside the repository, not inside it, so agent globs and git
// status never see other jobs' worktrees.
func (p *PathsConfig) ResolveWorktreeDir(repoRoot string) string {
	if filepath.IsAbs(p.WorktreeDir) {
		return p.WorktreeDir
	}
	return filepath.Join(filepath.Dir(repoRoot), p.WorktreeDir)
}

// ConfigDir returns the path to the user's config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "fanout")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fanout"
	}
	return filepath.Join(home, ".config", "fanout")
}

// ConfigFile returns the path to the config file.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
