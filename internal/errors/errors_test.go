package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

// -----------------------------------------------------------------------------
// Severity Tests
// -----------------------------------------------------------------------------

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// TransitionError Tests
// -----------------------------------------------------------------------------

func TestNewTransitionError(t *testing.T) {
	err := NewTransitionError("completed", "agent_complete")

	if err.State != "completed" {
		t.Errorf("State = %q, want %q", err.State, "completed")
	}
	if err.Event != "agent_complete" {
		t.Errorf("Event = %q, want %q", err.Event, "agent_complete")
	}
	if err.Severity() != SeverityCritical {
		t.Errorf("Severity() = %v, want %v", err.Severity(), SeverityCritical)
	}
	if err.IsRetryable() {
		t.Error("IsRetryable() = true, want false")
	}
	if err.IsUserFacing() {
		t.Error("IsUserFacing() = true, want false")
	}
}

func TestTransitionError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *TransitionError
		want string
	}{
		{
			name: "without item",
			err:  NewTransitionError("pending", "agent_complete"),
			want: `transition error: cannot apply event "agent_complete" in state "pending"`,
		},
		{
			name: "with item",
			err:  NewTransitionError("completed", "agent_fail").WithItemID("42"),
			want: `transition error [item=42]: cannot apply event "agent_fail" in state "completed"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTransitionError_Is(t *testing.T) {
	err := NewTransitionError("pending", "retry")

	if !errors.Is(err, ErrInvalidTransition) {
		t.Error("expected TransitionError to match ErrInvalidTransition")
	}
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Error("expected errors.As to find *TransitionError")
	}
}

// -----------------------------------------------------------------------------
// CheckpointError Tests
// -----------------------------------------------------------------------------

func TestNewCheckpointError(t *testing.T) {
	cause := ErrCheckpointIO
	err := NewCheckpointError("save failed", cause)

	if err.cause != cause {
		t.Errorf("cause = %v, want %v", err.cause, cause)
	}
	if !err.IsRetryable() {
		t.Error("IsRetryable() = false, want true")
	}
	if !err.IsUserFacing() {
		t.Error("IsUserFacing() = false, want true")
	}
}

func TestCheckpointError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *CheckpointError
		want string
	}{
		{
			name: "basic",
			err:  NewCheckpointError("save failed", nil),
			want: "checkpoint error: save failed",
		},
		{
			name: "with job and attempts",
			err:  NewCheckpointError("save failed", nil).WithJobID("job-1").WithAttempts(3),
			want: "checkpoint error [job=job-1, attempts=3]: save failed",
		},
		{
			name: "with cause",
			err:  NewCheckpointError("save failed", ErrCheckpointIO),
			want: "checkpoint error: save failed: checkpoint i/o failure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCheckpointError_RetryableToggle(t *testing.T) {
	err := NewCheckpointError("save failed", ErrCheckpointIO).
		WithRetryable(false).
		WithSeverity(SeverityCritical)

	if err.IsRetryable() {
		t.Error("IsRetryable() = true after WithRetryable(false)")
	}
	if err.Severity() != SeverityCritical {
		t.Errorf("Severity() = %v, want %v", err.Severity(), SeverityCritical)
	}
}

func TestCheckpointError_Is(t *testing.T) {
	err := NewCheckpointError("integrity mismatch", ErrCheckpointCorrupted)

	if !errors.Is(err, ErrCheckpointCorrupted) {
		t.Error("expected CheckpointError to match ErrCheckpointCorrupted")
	}
	wrapped := fmt.Errorf("loading: %w", err)
	var ce *CheckpointError
	if !errors.As(wrapped, &ce) {
		t.Error("expected errors.As to find *CheckpointError through wrapping")
	}
}

// -----------------------------------------------------------------------------
// DispatchError Tests
// -----------------------------------------------------------------------------

func TestDispatchError_Error(t *testing.T) {
	err := NewDispatchError("agent exited abnormally", nil).
		WithItemID("7").
		WithAgentID("agent-3")

	want := "dispatch error [item=7, agent=agent-3]: agent exited abnormally"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestDispatchError_Is(t *testing.T) {
	err := NewDispatchError("spawn failed", ErrAgentStartFailed)

	if !errors.Is(err, ErrAgentStartFailed) {
		t.Error("expected DispatchError to match ErrAgentStartFailed")
	}
}

// -----------------------------------------------------------------------------
// SessionError Tests
// -----------------------------------------------------------------------------

func TestSessionError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *SessionError
		want string
	}{
		{
			name: "basic error",
			err:  NewSessionError("lookup failed", nil),
			want: "session error: lookup failed",
		},
		{
			name: "with session and job",
			err:  NewSessionError("lookup failed", nil).WithSessionID("sess-1").WithJobID("job-9"),
			want: "session error [session=sess-1, job=job-9]: lookup failed",
		},
		{
			name: "with cause",
			err:  NewSessionError("lookup failed", ErrSessionNotFound),
			want: "session error: lookup failed: session not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// Semantic Error Tests
// -----------------------------------------------------------------------------

func TestNotFoundError_Error(t *testing.T) {
	err := NewNotFoundError("checkpoint", "job-abc")
	want := "checkpoint not found: job-abc"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	err = NewNotFoundError("checkpoint", "")
	want = "checkpoint not found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestValidationError_Error(t *testing.T) {
	err := NewValidationError("workflow hash mismatch").WithField("workflow_hash")
	want := "validation error [field=workflow_hash]: workflow hash mismatch"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestValidationError_Is(t *testing.T) {
	err := NewValidationError("bad input")
	if !errors.Is(err, ErrInvalidInput) {
		t.Error("expected ValidationError to match ErrInvalidInput")
	}
}

func TestTimeoutError_Error(t *testing.T) {
	err := NewTimeoutError("waiting for agents to drain", 30*time.Second)
	want := "timeout error: waiting for agents to drain (timeout: 30s)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

// -----------------------------------------------------------------------------
// Classification Helper Tests
// -----------------------------------------------------------------------------

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"timeout error", NewTimeoutError("op", time.Second), true},
		{"checkpoint io sentinel", fmt.Errorf("write: %w", ErrCheckpointIO), true},
		{"transition error", NewTransitionError("pending", "retry"), false},
		{"dispatch error", NewDispatchError("spawn failed", nil), true},
		{"exhausted checkpoint error", NewCheckpointError("save failed", nil).WithRetryable(false), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsUserFacing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"transition error", NewTransitionError("pending", "retry"), false},
		{"validation error", NewValidationError("bad"), true},
		{"checkpoint error", NewCheckpointError("save failed", nil), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUserFacing(tt.err); got != tt.want {
				t.Errorf("IsUserFacing() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetSeverity(t *testing.T) {
	if got := GetSeverity(nil); got != SeverityDebug {
		t.Errorf("GetSeverity(nil) = %v, want %v", got, SeverityDebug)
	}
	if got := GetSeverity(errors.New("boom")); got != SeverityError {
		t.Errorf("GetSeverity(plain) = %v, want %v", got, SeverityError)
	}
	if got := GetSeverity(NewTransitionError("a", "b")); got != SeverityCritical {
		t.Errorf("GetSeverity(transition) = %v, want %v", got, SeverityCritical)
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("Wrap(nil) should return nil")
	}

	base := ErrCheckpointNotFound
	wrapped := Wrap(base, "loading job state")
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should match the base error")
	}
	want := "loading job state: checkpoint not found"
	if wrapped.Error() != want {
		t.Errorf("Error() = %q, want %q", wrapped.Error(), want)
	}
}

func TestWrapf(t *testing.T) {
	if Wrapf(nil, "job %s", "j1") != nil {
		t.Error("Wrapf(nil) should return nil")
	}

	wrapped := Wrapf(ErrJobNotFound, "resolving session %s", "sess-1")
	if !errors.Is(wrapped, ErrJobNotFound) {
		t.Error("wrapped error should match ErrJobNotFound")
	}
	want := "resolving session sess-1: job not found"
	if wrapped.Error() != want {
		t.Errorf("Error() = %q, want %q", wrapped.Error(), want)
	}
}
