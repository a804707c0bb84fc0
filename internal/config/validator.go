package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string // the config field path, e.g. "agents.max_parallel"
	Value   any    // the invalid value
	Message string // human-readable error description
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all
// validation errors found, not just the first.
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateAgents()...)
	errors = append(errors, c.validateCheckpoint()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validatePaths()...)

	return errors
}

func (c *Config) validateAgents() []ValidationError {
	var errors []ValidationError

	if c.Agents.MaxParallel < 1 {
		errors = append(errors, ValidationError{
			Field:   "agents.max_parallel",
			Value:   c.Agents.MaxParallel,
			Message: "must be at least 1",
		})
	}
	if c.Agents.MaxParallel > 100 {
		errors = append(errors, ValidationError{
			Field:   "agents.max_parallel",
			Value:   c.Agents.MaxParallel,
			Message: "must be at most 100",
		})
	}
	if c.Agents.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "agents.max_retries",
			Value:   c.Agents.MaxRetries,
			Message: "must not be negative",
		})
	}
	if c.Agents.ShutdownGraceSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "agents.shutdown_grace_seconds",
			Value:   c.Agents.ShutdownGraceSeconds,
			Message: "must not be negative",
		})
	}
	if c.Agents.TimeoutMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "agents.timeout_minutes",
			Value:   c.Agents.TimeoutMinutes,
			Message: "must not be negative (0 disables the timeout)",
		})
	}

	return errors
}

func (c *Config) validateCheckpoint() []ValidationError {
	var errors []ValidationError

	if c.Checkpoint.ItemInterval < 0 {
		errors = append(errors, ValidationError{
			Field:   "checkpoint.item_interval",
			Value:   c.Checkpoint.ItemInterval,
			Message: "must not be negative (0 disables the item trigger)",
		})
	}
	if c.Checkpoint.TimeIntervalMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "checkpoint.time_interval_minutes",
			Value:   c.Checkpoint.TimeIntervalMinutes,
			Message: "must not be negative (0 disables the time trigger)",
		})
	}
	if c.Checkpoint.ItemInterval == 0 && c.Checkpoint.TimeIntervalMinutes == 0 {
		errors = append(errors, ValidationError{
			Field:   "checkpoint.item_interval",
			Value:   c.Checkpoint.ItemInterval,
			Message: "at least one checkpoint trigger must be enabled",
		})
	}
	if c.Checkpoint.Retention < 1 {
		errors = append(errors, ValidationError{
			Field:   "checkpoint.retention",
			Value:   c.Checkpoint.Retention,
			Message: "must keep at least 1 history snapshot",
		})
	}
	if c.Checkpoint.MaxAgeDays < 0 {
		errors = append(errors, ValidationError{
			Field:   "checkpoint.max_age_days",
			Value:   c.Checkpoint.MaxAgeDays,
			Message: "must not be negative (0 keeps snapshots forever)",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if c.Logging.MaxSizeMB < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must not be negative (0 disables rotation)",
		})
	}
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must not be negative",
		})
	}

	return errors
}

func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Paths.DataDir) == "" {
		errors = append(errors, ValidationError{
			Field:   "paths.data_dir",
			Value:   c.Paths.DataDir,
			Message: "must not be empty",
		})
	}
	if strings.TrimSpace(c.Paths.WorktreeDir) == "" {
		errors = append(errors, ValidationError{
			Field:   "paths.worktree_dir",
			Value:   c.Paths.WorktreeDir,
			Message: "must not be empty",
		})
	}

	return errors
}
