// Package workitem defines the work item model and its state machine.
//
// A work item is one unit of input data processed by exactly one agent.
// All status changes go through [Transition], a pure function that either
// returns the updated item or rejects the change with a TransitionError.
// The coordinator owns the live item collection; nothing else mutates it.
package workitem

import (
	"encoding/json"
	"time"

	"github.com/mkallio/fanout/internal/errors"
)

// Status represents the current state of a work item.
type Status string

const (
	// StatusPending indicates the item is waiting to be dispatched.
	StatusPending Status = "pending"

	// StatusInProgress indicates an agent is actively processing the item.
	StatusInProgress Status = "in_progress"

	// StatusCompleted indicates the item finished successfully.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the most recent attempt failed. The item may
	// still be eligible for retry depending on Retryable and RetryCount.
	StatusFailed Status = "failed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state for an
// item that can no longer be dispatched. A failed item is terminal only
// once it is no longer retryable.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted
}

// EventKind identifies a state machine event.
type EventKind string

const (
	// EventAgentStart fires when an agent slot is assigned to the item.
	EventAgentStart EventKind = "agent_start"

	// EventAgentComplete fires when the agent finishes successfully.
	EventAgentComplete EventKind = "agent_complete"

	// EventAgentFail fires when the agent reports a failure.
	EventAgentFail EventKind = "agent_fail"

	// EventInterrupt fires during shutdown to normalize an in-flight item
	// back to pending before the final checkpoint is written.
	EventInterrupt EventKind = "interrupt"

	// EventRetry fires when a failed, retryable item is returned to the
	// pending pool.
	EventRetry EventKind = "retry"
)

// Event carries a state machine event and its associated data. Only the
// fields relevant to the event kind are read.
type Event struct {
	Kind EventKind

	// AgentID identifies the agent assigned on EventAgentStart.
	AgentID string

	// Result holds the agent output on EventAgentComplete.
	Result json.RawMessage

	// Failure describes the error on EventAgentFail.
	Failure string

	// Retryable reports whether the failure on EventAgentFail is transient.
	Retryable bool

	// At is the event timestamp. The zero value means time.Now().
	At time.Time
}

// Item is one unit of work. The ID is a stable key assigned at partition
// time; the payload is opaque to the orchestrator and handed verbatim to
// the agent.
type Item struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
	Status  Status          `json:"status"`

	// AgentID is the agent currently processing the item. Set only while
	// the item is in progress.
	AgentID string `json:"agent_id,omitempty"`

	// StartedAt is when the current attempt began. Set only while the
	// item is in progress.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// Result holds the agent output for a completed item.
	Result json.RawMessage `json:"result,omitempty"`

	// Failure contains error context from the most recent failure.
	Failure string `json:"failure,omitempty"`

	// RetryCount is the number of failed attempts so far.
	RetryCount int `json:"retry_count"`

	// Retryable reports whether the most recent failure may succeed on
	// retry. Meaningful only while the item is failed.
	Retryable bool `json:"retryable,omitempty"`
}

// New creates a pending work item with the given stable ID and payload.
func New(id string, payload json.RawMessage) Item {
	return Item{
		ID:      id,
		Payload: payload,
		Status:  StatusPending,
	}
}

// Transition applies an event to an item and returns the updated item.
// It is a pure function: the input item is never modified. Illegal
// state/event combinations return a TransitionError identifying both;
// the coordinator treats that as a programming invariant violation, not
// a retryable condition.
//
// Legal transitions:
//
//	pending      --agent_start--->   in_progress
//	in_progress  --agent_complete--> completed
//	in_progress  --agent_fail--->    failed (retry_count+1)
//	in_progress  --interrupt--->     pending
//	failed       --retry--->         pending (only if retryable)
func Transition(item Item, ev Event) (Item, error) {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	switch {
	case item.Status == StatusPending && ev.Kind == EventAgentStart:
		item.Status = StatusInProgress
		item.AgentID = ev.AgentID
		item.StartedAt = &at
		return item, nil

	case item.Status == StatusInProgress && ev.Kind == EventAgentComplete:
		item.Status = StatusCompleted
		item.Result = ev.Result
		item.AgentID = ""
		item.StartedAt = nil
		return item, nil

	case item.Status == StatusInProgress && ev.Kind == EventAgentFail:
		item.Status = StatusFailed
		item.Failure = ev.Failure
		item.Retryable = ev.Retryable
		item.RetryCount++
		item.AgentID = ""
		item.StartedAt = nil
		return item, nil

	case item.Status == StatusInProgress && ev.Kind == EventInterrupt:
		item.Status = StatusPending
		item.AgentID = ""
		item.StartedAt = nil
		return item, nil

	case item.Status == StatusFailed && ev.Kind == EventRetry:
		if !item.Retryable {
			return item, errors.NewTransitionError(string(item.Status), string(ev.Kind)).
				WithItemID(item.ID)
		}
		item.Status = StatusPending
		item.Failure = ""
		return item, nil

	default:
		return item, errors.NewTransitionError(string(item.Status), string(ev.Kind)).
			WithItemID(item.ID)
	}
}
