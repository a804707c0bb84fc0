package checkpoint

import (
	"github.com/mkallio/fanout/internal/workitem"
)

// ResumePlan is the derived, never-persisted execution plan built from a
// validated checkpoint: which items to skip, which to retry, and where
// execution picks up.
type ResumePlan struct {
	// Phase is the phase execution resumes in.
	Phase Phase

	// Process holds the items to (re)process, all normalized to pending.
	Process []workitem.Item

	// SkipSet holds the IDs of already-completed items; these are never
	// dispatched again.
	SkipSet map[string]bool

	// RetrySet holds the IDs of failed-but-retryable items included in
	// Process.
	RetrySet map[string]bool

	// Completed carries the completed items with their results, so
	// aggregation does not reprocess them.
	Completed []workitem.Item

	// Failed carries the terminally failed items. They are never
	// re-dispatched, but the resumed job keeps them in its accounting
	// so later checkpoints still cover the original partition and stay
	// consistent with the dead-letter queue.
	Failed []workitem.Item

	// SetupOutputs holds captured setup-phase outputs to inject into the
	// map phase context instead of recomputing setup. Nil when setup must
	// run.
	SetupOutputs map[string]string

	// ReduceStep is the reduce step index to resume at when Phase is
	// PhaseReduce.
	ReduceStep int

	// Variables carries the checkpoint's variable bindings, including
	// aggregated map results for a mid-reduce resume.
	Variables map[string]string
}

// SetupComplete reports whether the plan skips the setup phase.
func (p *ResumePlan) SetupComplete() bool {
	return p.SetupOutputs != nil
}

// PlanResume converts a validated checkpoint into a concrete resume plan.
// It is pure: the checkpoint is read, never modified.
//
//   - Completed items go to the skip set.
//   - Pending items and retryable failed items form the processing set,
//     with retried items moved back to pending through the state machine.
//   - Terminally failed items are carried as-is; they are not work, but
//     dropping them would shrink the item accounting on resume.
//   - A complete setup phase is skipped and its captured outputs injected
//     into the map context.
//   - A mid-reduce interruption resumes at the exact recorded reduce step,
//     re-using the aggregated map results in the checkpoint variables.
func PlanResume(cp *Checkpoint) ResumePlan {
	plan := ResumePlan{
		Phase:     cp.Phase,
		SkipSet:   make(map[string]bool, len(cp.CompletedItems)),
		RetrySet:  make(map[string]bool),
		Completed: cp.CompletedItems,
		Variables: cp.Variables,
	}

	for _, item := range cp.CompletedItems {
		plan.SkipSet[item.ID] = true
	}

	for _, item := range cp.PendingItems {
		plan.Process = append(plan.Process, item)
	}

	for _, item := range cp.FailedItems {
		if !item.Retryable {
			plan.Failed = append(plan.Failed, item)
			continue
		}
		retried, err := workitem.Transition(item, workitem.Event{Kind: workitem.EventRetry})
		if err != nil {
			// Retryable was checked above; a rejection here would be a
			// state machine bug, and the item is safer left failed.
			plan.Failed = append(plan.Failed, item)
			continue
		}
		plan.RetrySet[item.ID] = true
		plan.Process = append(plan.Process, retried)
	}

	switch cp.Phase {
	case PhaseSetup:
		if cp.Setup != nil && cp.Setup.Complete {
			// Setup finished before the interruption; move straight to map.
			plan.Phase = PhaseMap
			plan.SetupOutputs = setupOutputs(cp.Setup)
		}
	case PhaseMap:
		if cp.Setup != nil && cp.Setup.Complete {
			plan.SetupOutputs = setupOutputs(cp.Setup)
		}
	case PhaseReduce:
		if cp.Setup != nil && cp.Setup.Complete {
			plan.SetupOutputs = setupOutputs(cp.Setup)
		}
		if cp.Reduce != nil {
			plan.ReduceStep = cp.Reduce.StepIndex
		}
	}

	return plan
}

func setupOutputs(s *SetupState) map[string]string {
	if s.Outputs == nil {
		return map[string]string{}
	}
	return s.Outputs
}
