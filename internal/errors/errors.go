// Package errors provides centralized error definitions and error handling
// utilities for the fanout codebase. It defines domain-specific errors,
// semantic error types, error constructors with context wrapping, and error
// classification helpers.
//
// # Error Types
//
// The package provides two categories of errors:
//
// Domain-specific errors represent errors from specific subsystems:
//   - TransitionError: illegal work item state change (a coordination bug)
//   - CheckpointError: checkpoint persistence failures (I/O and integrity)
//   - DispatchError: an agent failed to start or run for a work item
//   - SessionError: errors related to session/job correlation
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
// Creating errors:
//
//	// Domain-specific error
//	err := errors.NewCheckpointError("save failed", errors.ErrCheckpointIO)
//
//	// With context wrapping
//	err := errors.NewCheckpointError("save failed", cause).WithJobID("job-1")
//
// Checking errors:
//
//	// Check for specific sentinel errors
//	if errors.Is(err, errors.ErrCheckpointCorrupted) { ... }
//
//	// Use classification helpers
//	if errors.IsRetryable(err) { ... }
//
// # Error Classification
//
// Errors can be classified by severity and behavior:
//   - Retryable: transient errors that may succeed on retry
//   - UserFacing: errors safe to display to users (vs internal errors)
//   - Severity: Debug, Info, Warning, Error, Critical
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Checkpoint-related sentinel errors
var (
	// ErrCheckpointNotFound indicates that no checkpoint exists for a job.
	ErrCheckpointNotFound = New("checkpoint not found")
	// ErrCheckpointIO indicates a transient storage failure during a
	// checkpoint read or write.
	ErrCheckpointIO = New("checkpoint i/o failure")
	// ErrCheckpointCorrupted indicates that a checkpoint failed its
	// integrity check or could not be parsed.
	ErrCheckpointCorrupted = New("checkpoint corrupted")
	// ErrHistoryExhausted indicates that every checkpoint in history
	// failed validation during corruption fallback.
	ErrHistoryExhausted = New("checkpoint history exhausted")
	// ErrWorkflowModified indicates the workflow definition changed since
	// the checkpoint was written.
	ErrWorkflowModified = New("workflow modified since checkpoint")
)

// Session-related sentinel errors
var (
	// ErrSessionNotFound indicates that a session could not be found.
	ErrSessionNotFound = New("session not found")
	// ErrJobNotFound indicates that no job is recorded for a session.
	ErrJobNotFound = New("job not found")
	// ErrSessionLocked indicates that a session is locked by another process.
	ErrSessionLocked = New("session is locked")
)

// Coordinator-related sentinel errors
var (
	// ErrItemNotFound indicates that a work item could not be found.
	ErrItemNotFound = New("work item not found")
	// ErrInvalidTransition indicates an illegal work item status transition.
	ErrInvalidTransition = New("invalid status transition")
	// ErrAgentStartFailed indicates that an agent failed to start.
	ErrAgentStartFailed = New("agent failed to start")
	// ErrCoordinatorDraining indicates that the coordinator is shutting
	// down and no longer accepts dispatches.
	ErrCoordinatorDraining = New("coordinator is draining")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// FanoutError is the base interface for all fanout errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type FanoutError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	// This is used by errors.Is() for error comparison.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// TransitionError represents an illegal work item state change. It always
// indicates a coordination bug rather than a recoverable runtime condition,
// so it is never retryable.
//
// Example:
//
//	err := errors.NewTransitionError("completed", "agent_complete")
//	fmt.Println(err) // `transition error: cannot apply event "agent_complete" in state "completed"`
type TransitionError struct {
	baseError
	State  string
	Event  string
	ItemID string
}

// NewTransitionError creates a new TransitionError for the given current
// state and rejected event.
func NewTransitionError(state, event string) *TransitionError {
	return &TransitionError{
		baseError: baseError{
			message:    fmt.Sprintf("cannot apply event %q in state %q", event, state),
			cause:      ErrInvalidTransition,
			severity:   SeverityCritical,
			retryable:  false,
			userFacing: false,
		},
		State: state,
		Event: event,
	}
}

// WithItemID adds the affected work item ID to the error context.
func (e *TransitionError) WithItemID(id string) *TransitionError {
	e.ItemID = id
	return e
}

// Error returns the formatted error message.
func (e *TransitionError) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("transition error [item=%s]: %s", e.ItemID, e.message)
	}
	return fmt.Sprintf("transition error: %s", e.message)
}

// Is checks if this error matches the target.
func (e *TransitionError) Is(target error) bool {
	if _, ok := target.(*TransitionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// CheckpointError represents a checkpoint persistence failure. I/O failures
// are retryable by default; integrity failures are not.
//
// Example:
//
//	err := errors.NewCheckpointError("save failed", cause).WithJobID("job-7")
type CheckpointError struct {
	baseError
	JobID    string
	Path     string
	Attempts int
}

// NewCheckpointError creates a new CheckpointError. The error is retryable
// by default; callers mark it non-retryable once retries are exhausted.
func NewCheckpointError(message string, cause error) *CheckpointError {
	return &CheckpointError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
	}
}

// WithJobID adds a job ID to the error context.
func (e *CheckpointError) WithJobID(id string) *CheckpointError {
	e.JobID = id
	return e
}

// WithPath adds the checkpoint file path to the error context.
func (e *CheckpointError) WithPath(path string) *CheckpointError {
	e.Path = path
	return e
}

// WithAttempts records how many attempts were made before giving up.
func (e *CheckpointError) WithAttempts(n int) *CheckpointError {
	e.Attempts = n
	return e
}

// WithSeverity sets the error severity.
func (e *CheckpointError) WithSeverity(s Severity) *CheckpointError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *CheckpointError) WithRetryable(r bool) *CheckpointError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *CheckpointError) Error() string {
	var parts []string
	if e.JobID != "" {
		parts = append(parts, fmt.Sprintf("job=%s", e.JobID))
	}
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}
	if e.Attempts > 0 {
		parts = append(parts, fmt.Sprintf("attempts=%d", e.Attempts))
	}

	prefix := "checkpoint error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("checkpoint error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *CheckpointError) Is(target error) bool {
	if _, ok := target.(*CheckpointError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// DispatchError represents a failure to start or run an agent for a work
// item. Dispatch failures are treated as item failures subject to the
// retry policy.
//
// Example:
//
//	err := errors.NewDispatchError("agent exited abnormally", cause).WithItemID("42")
type DispatchError struct {
	baseError
	ItemID  string
	AgentID string
}

// NewDispatchError creates a new DispatchError.
func NewDispatchError(message string, cause error) *DispatchError {
	return &DispatchError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
	}
}

// WithItemID adds a work item ID to the error context.
func (e *DispatchError) WithItemID(id string) *DispatchError {
	e.ItemID = id
	return e
}

// WithAgentID adds an agent ID to the error context.
func (e *DispatchError) WithAgentID(id string) *DispatchError {
	e.AgentID = id
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *DispatchError) WithRetryable(r bool) *DispatchError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *DispatchError) Error() string {
	var parts []string
	if e.ItemID != "" {
		parts = append(parts, fmt.Sprintf("item=%s", e.ItemID))
	}
	if e.AgentID != "" {
		parts = append(parts, fmt.Sprintf("agent=%s", e.AgentID))
	}

	prefix := "dispatch error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("dispatch error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *DispatchError) Is(target error) bool {
	if _, ok := target.(*DispatchError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// SessionError represents errors related to session/job correlation.
type SessionError struct {
	baseError
	SessionID string
	JobID     string
}

// NewSessionError creates a new SessionError.
func NewSessionError(message string, cause error) *SessionError {
	return &SessionError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithSessionID adds a session ID to the error context.
func (e *SessionError) WithSessionID(id string) *SessionError {
	e.SessionID = id
	return e
}

// WithJobID adds a job ID to the error context.
func (e *SessionError) WithJobID(id string) *SessionError {
	e.JobID = id
	return e
}

// Error returns the formatted error message.
func (e *SessionError) Error() string {
	var parts []string
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}
	if e.JobID != "" {
		parts = append(parts, fmt.Sprintf("job=%s", e.JobID))
	}

	prefix := "session error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("session error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *SessionError) Is(target error) bool {
	if _, ok := target.(*SessionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("checkpoint", "job-abc123")
//	fmt.Println(err) // "checkpoint not found: job-abc123"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s not found", resourceType),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.ResourceID != "" {
		return fmt.Sprintf("%s not found: %s", e.ResourceType, e.ResourceID)
	}
	return fmt.Sprintf("%s not found", e.ResourceType)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("workflow hash mismatch")
//	err = err.WithField("workflow_hash")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("waiting for agents to drain", 30*time.Second)
//	fmt.Println(err) // "timeout error: waiting for agents to drain (timeout: 30s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true, // Timeouts are generally retryable
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing FanoutError with IsRetryable() returning true
//   - TimeoutError instances
//   - Errors wrapping ErrTimeout or ErrCheckpointIO
//
// Example:
//
//	if errors.IsRetryable(err) {
//	    time.Sleep(backoff)
//	    return retry(operation)
//	}
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Check if error implements FanoutError
	var fanoutErr FanoutError
	if As(err, &fanoutErr) {
		return fanoutErr.IsRetryable()
	}

	// Check for known retryable sentinel errors
	if Is(err, ErrTimeout) || Is(err, ErrCheckpointIO) {
		return true
	}

	return false
}

// IsUserFacing returns true if the error message is safe to display to end users.
//
// Example:
//
//	if errors.IsUserFacing(err) {
//	    displayToUser(err.Error())
//	} else {
//	    displayToUser("An internal error occurred")
//	    log.Error("internal error", "err", err)
//	}
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	// Check if error implements FanoutError
	var fanoutErr FanoutError
	if As(err, &fanoutErr) {
		return fanoutErr.IsUserFacing()
	}

	// Semantic errors are always user-facing
	var notFound *NotFoundError
	var validation *ValidationError
	var timeout *TimeoutError

	if As(err, &notFound) || As(err, &validation) || As(err, &timeout) {
		return true
	}

	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement FanoutError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var fanoutErr FanoutError
	if As(err, &fanoutErr) {
		return fanoutErr.Severity()
	}

	// Default to Error severity for unknown errors
	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to persist checkpoint")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
//
// Example:
//
//	err := errors.Wrapf(baseErr, "failed to load checkpoint for job %s", jobID)
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
