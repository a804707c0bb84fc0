// Package checkpoint implements the incremental checkpoint and resume
// engine: the durable snapshot model with integrity hashing, the trigger
// policy that decides when snapshots are written, the atomic on-disk store
// with bounded history and corruption fallback, the validator that checks
// a loaded snapshot against the current workflow, and the resume planner
// that turns a validated snapshot into an execution plan.
package checkpoint

import (
	"time"

	"github.com/mkallio/fanout/internal/workitem"
)

// Version is the current checkpoint format version. Checkpoints written
// with a different major version are rejected on load.
const Version = 1

// Phase identifies the workflow phase a checkpoint was taken in.
type Phase string

const (
	// PhaseSetup covers the one-time setup commands before fan-out.
	PhaseSetup Phase = "setup"

	// PhaseMap covers parallel per-item agent execution.
	PhaseMap Phase = "map"

	// PhaseReduce covers the sequential aggregation steps after fan-out.
	PhaseReduce Phase = "reduce"
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// Reason records why a checkpoint was written.
type Reason string

const (
	// ReasonItemInterval means the configured item-count trigger fired.
	ReasonItemInterval Reason = "item_interval"

	// ReasonTimeInterval means the configured time trigger fired.
	ReasonTimeInterval Reason = "time_interval"

	// ReasonSignal means an interrupt forced a final checkpoint before exit.
	ReasonSignal Reason = "signal"

	// ReasonPhaseCompletion means a phase boundary forced a checkpoint.
	ReasonPhaseCompletion Reason = "phase_completion"

	// ReasonManual means the checkpoint was requested explicitly.
	ReasonManual Reason = "manual"
)

// SetupState carries the phase-specific data for a setup checkpoint.
// Captured outputs are injected into the map phase context on resume so
// setup is never recomputed.
type SetupState struct {
	// Complete reports whether every setup command finished.
	Complete bool `json:"complete"`

	// Outputs maps capture names to the output of setup commands.
	Outputs map[string]string `json:"outputs,omitempty"`
}

// ReduceState carries the phase-specific data for a reduce checkpoint.
// A job interrupted mid-reduce resumes at exactly StepIndex, re-using the
// aggregated map results stored in the checkpoint variables.
type ReduceState struct {
	// StepIndex is the zero-based reduce step to execute next.
	StepIndex int `json:"step_index"`

	// TotalSteps is the number of reduce steps in the workflow.
	TotalSteps int `json:"total_steps"`
}

// Checkpoint is a durable, versioned, integrity-hashed snapshot of job
// execution state. The phase-specific payloads form a tagged union keyed
// by Phase, with completed setup state carried forward into later phases.
//
// Invariants for every persisted checkpoint:
//   - len(Completed)+len(Failed)+len(Pending)+len(InProgress) == TotalItems
//   - len(InProgress) == 0 (in-flight items are normalized to pending
//     before the write)
//   - IntegrityHash matches a fresh recomputation over the content with
//     the hash field cleared
type Checkpoint struct {
	Version      int    `json:"version"`
	JobID        string `json:"job_id"`
	Phase        Phase  `json:"phase"`
	WorkflowPath string `json:"workflow_path"`
	WorkflowHash string `json:"workflow_hash"`
	WorktreePath string `json:"worktree_path,omitempty"`

	TotalItems      int             `json:"total_items"`
	CompletedItems  []workitem.Item `json:"completed_items"`
	FailedItems     []workitem.Item `json:"failed_items"`
	PendingItems    []workitem.Item `json:"pending_items"`
	InProgressItems []workitem.Item `json:"in_progress_items"`

	// Variables carries workflow-scoped name/value bindings, including
	// the aggregated map results consumed by the reduce phase.
	Variables map[string]string `json:"variables,omitempty"`

	// Setup and Reduce are the phase-specific payloads. Setup, once
	// complete, is carried forward by map and reduce checkpoints so its
	// captured outputs survive resume; Reduce is populated only in
	// reduce-phase checkpoints.
	Setup  *SetupState  `json:"setup,omitempty"`
	Reduce *ReduceState `json:"reduce,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	Reason        Reason    `json:"reason"`
	IntegrityHash string    `json:"integrity_hash"`
}

// AccountedItems returns the number of items across all state buckets.
func (c *Checkpoint) AccountedItems() int {
	return len(c.CompletedItems) + len(c.FailedItems) + len(c.PendingItems) + len(c.InProgressItems)
}

// RetryableFailed returns the failed items that are still eligible for
// retry.
func (c *Checkpoint) RetryableFailed() []workitem.Item {
	var out []workitem.Item
	for _, item := range c.FailedItems {
		if item.Retryable {
			out = append(out, item)
		}
	}
	return out
}
