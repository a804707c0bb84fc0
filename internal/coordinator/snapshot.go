package coordinator

import (
	"time"

	"github.com/mkallio/fanout/internal/checkpoint"
	"github.com/mkallio/fanout/internal/workitem"
)

// saveLocked snapshots current state and persists it through the
// store. Callers hold mu, so checkpoint writes are totally ordered
// with respect to item mutations.
func (c *Coordinator) saveLocked(reason checkpoint.Reason) error {
	cp := c.snapshotLocked(reason)
	if err := c.store.Save(cp); err != nil {
		return err
	}
	c.lastSave = time.Now()
	c.sinceSave = 0
	c.log.Debug("checkpoint saved",
		"reason", string(reason),
		"phase", string(cp.Phase),
		"completed", len(cp.CompletedItems),
		"failed", len(cp.FailedItems),
		"pending", len(cp.PendingItems))
	return nil
}

// snapshotLocked builds a checkpoint from live state. Items still in
// flight are recorded as pending — the snapshot view is normalized
// even while agents keep running — so every persisted checkpoint holds
// the zero-in-progress invariant.
func (c *Coordinator) snapshotLocked(reason checkpoint.Reason) *checkpoint.Checkpoint {
	cp := &checkpoint.Checkpoint{
		Version:      checkpoint.Version,
		JobID:        c.job.ID,
		Phase:        c.phase,
		WorkflowPath: c.job.WorkflowPath,
		WorkflowHash: c.job.WorkflowHash,
		WorktreePath: c.job.WorktreePath,
		TotalItems:   len(c.items),
		CreatedAt:    time.Now().UTC(),
		Reason:       reason,
	}

	for _, id := range c.order {
		item := c.items[id]
		switch item.Status {
		case workitem.StatusCompleted:
			cp.CompletedItems = append(cp.CompletedItems, item)
		case workitem.StatusFailed:
			cp.FailedItems = append(cp.FailedItems, item)
		case workitem.StatusPending:
			cp.PendingItems = append(cp.PendingItems, item)
		case workitem.StatusInProgress:
			normalized, err := workitem.Transition(item, workitem.Event{Kind: workitem.EventInterrupt})
			if err != nil {
				c.log.Error("snapshot normalization rejected", "item_id", id, "error", err)
				normalized = item
				normalized.Status = workitem.StatusPending
				normalized.AgentID = ""
				normalized.StartedAt = nil
			}
			cp.PendingItems = append(cp.PendingItems, normalized)
		}
	}

	if len(c.variables) > 0 {
		cp.Variables = make(map[string]string, len(c.variables))
		for k, v := range c.variables {
			cp.Variables[k] = v
		}
	}

	if c.setup != nil {
		setup := &checkpoint.SetupState{Complete: c.setup.Complete}
		if c.setup.Outputs != nil {
			setup.Outputs = make(map[string]string, len(c.setup.Outputs))
			for k, v := range c.setup.Outputs {
				setup.Outputs[k] = v
			}
		}
		cp.Setup = setup
	}

	if c.phase == checkpoint.PhaseReduce && c.job.Workflow != nil {
		cp.Reduce = &checkpoint.ReduceState{
			StepIndex:  c.reduceStep,
			TotalSteps: len(c.job.Workflow.Reduce),
		}
	}

	return cp
}
