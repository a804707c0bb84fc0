package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mkallio/fanout/internal/checkpoint"
	"github.com/mkallio/fanout/internal/errors"
	"github.com/mkallio/fanout/internal/workitem"
)

// runMap is the dispatch loop: fill free slots with eligible items,
// sleep until a completion or drain wakes it, repeat until every item
// is terminal. Agents run under their own context so that a parent
// cancellation drains gracefully instead of killing them outright.
func (c *Coordinator) runMap(ctx context.Context) error {
	agentCtx, agentCancel := context.WithCancel(context.Background())
	defer agentCancel()

	for {
		c.mu.Lock()
		if c.fatalErr != nil {
			err := c.fatalErr
			c.mu.Unlock()
			c.drainAgents(agentCancel)
			return err
		}
		if c.draining {
			c.mu.Unlock()
			c.drainAgents(agentCancel)
			return c.interrupted()
		}

		for c.active < c.config.MaxParallel {
			id, ok := c.nextEligibleLocked()
			if !ok {
				break
			}
			c.dispatchLocked(agentCtx, id)
		}
		done := c.active == 0 && !c.anyEligibleLocked()
		c.mu.Unlock()

		if done {
			break
		}

		select {
		case <-c.wake:
		case <-c.drainCh:
		}
	}

	return c.finishMap()
}

// finishMap records the map aggregate into the job variables, writes
// the phase-completion checkpoint, and advances to reduce when the
// workflow has reduce steps.
func (c *Coordinator) finishMap() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.progressLocked()
	c.variables["map.total"] = strconv.Itoa(p.Total)
	c.variables["map.completed"] = strconv.Itoa(p.Completed)
	c.variables["map.failed"] = strconv.Itoa(p.Failed)

	if c.job.Workflow != nil && len(c.job.Workflow.Reduce) > 0 {
		c.phase = checkpoint.PhaseReduce
		c.reduceStep = 0
	}
	if err := c.saveLocked(checkpoint.ReasonPhaseCompletion); err != nil {
		return err
	}
	c.log.Info("map phase complete",
		"completed", p.Completed, "failed", p.Failed, "dead_lettered", c.deadLettered)
	c.notifyProgressLocked()
	return nil
}

// nextEligibleLocked finds the next dispatchable item in stable order:
// pending, or failed-retryable with retries remaining (which is moved
// back to pending through the state machine before dispatch).
func (c *Coordinator) nextEligibleLocked() (string, bool) {
	for _, id := range c.order {
		item := c.items[id]
		switch {
		case item.Status == workitem.StatusPending:
			return id, true

		case c.retryableLocked(item):
			retried, err := workitem.Transition(item, workitem.Event{Kind: workitem.EventRetry})
			if err != nil {
				c.log.Error("retry transition rejected", "item_id", id, "error", err)
				continue
			}
			c.items[id] = retried
			c.log.Info("retrying item", "item_id", id, "attempt", retried.RetryCount+1)
			return id, true
		}
	}
	return "", false
}

func (c *Coordinator) anyEligibleLocked() bool {
	for _, item := range c.items {
		if item.Status == workitem.StatusPending || c.retryableLocked(item) {
			return true
		}
	}
	return false
}

func (c *Coordinator) retryableLocked(item workitem.Item) bool {
	return item.Status == workitem.StatusFailed &&
		item.Retryable &&
		item.RetryCount <= c.config.MaxRetries
}

// dispatchLocked assigns a free slot to the item and starts its agent.
func (c *Coordinator) dispatchLocked(ctx context.Context, id string) {
	c.agentSeq++
	agentID := fmt.Sprintf("agent-%d", c.agentSeq)

	started, err := workitem.Transition(c.items[id], workitem.Event{
		Kind:    workitem.EventAgentStart,
		AgentID: agentID,
	})
	if err != nil {
		// Eligibility was just checked under the same lock; this is a
		// coordination bug, fatal for the item.
		c.log.Error("dispatch transition rejected", "item_id", id, "error", err)
		return
	}
	c.items[id] = started
	c.active++
	c.log.Debug("dispatching item", "item_id", id, "agent_id", agentID, "active", c.active)
	c.notifyProgressLocked()

	env := c.agentEnvLocked()
	c.wg.Add(1)
	go func(item workitem.Item) {
		defer c.wg.Done()
		result, execErr := c.executor.Execute(ctx, item, env)
		c.handleAgentDone(ctx, item.ID, result, execErr)
	}(started)
}

// agentEnvLocked builds the per-dispatch environment: job variables
// plus captured setup outputs under FANOUT_SETUP_* names.
func (c *Coordinator) agentEnvLocked() map[string]string {
	env := make(map[string]string, len(c.variables)+4)
	env["FANOUT_JOB_ID"] = c.job.ID
	for k, v := range c.variables {
		env[envName("FANOUT_VAR", k)] = v
	}
	if c.setup != nil && c.setup.Complete {
		for k, v := range c.setup.Outputs {
			env[envName("FANOUT_SETUP", k)] = v
		}
	}
	return env
}

// handleAgentDone is the single entry point for agent completion and
// failure events. Everything it does happens under mu, so concurrent
// completions are serialized.
func (c *Coordinator) handleAgentDone(agentCtx context.Context, id, result string, execErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active--
	item, ok := c.items[id]
	if !ok || item.Status != workitem.StatusInProgress {
		c.log.Error("completion for item not in flight", "item_id", id)
		c.wakeLocked()
		return
	}

	switch {
	case execErr == nil:
		c.completeItemLocked(item, result)

	case c.draining && agentCtx.Err() != nil:
		// The agent was cut off by shutdown, not by its own failure;
		// put the item back in the pending pool without burning a retry.
		normalized, err := workitem.Transition(item, workitem.Event{Kind: workitem.EventInterrupt})
		if err != nil {
			c.log.Error("interrupt transition rejected", "item_id", id, "error", err)
		} else {
			c.items[id] = normalized
		}

	default:
		c.failItemLocked(item, execErr)
	}

	c.sinceSave++
	c.maybeCheckpointLocked()
	c.notifyProgressLocked()
	c.wakeLocked()
}

func (c *Coordinator) completeItemLocked(item workitem.Item, result string) {
	payload, err := json.Marshal(result)
	if err != nil {
		payload = []byte(`""`)
	}
	updated, err := workitem.Transition(item, workitem.Event{
		Kind:   workitem.EventAgentComplete,
		Result: payload,
	})
	if err != nil {
		c.log.Error("complete transition rejected", "item_id", item.ID, "error", err)
		return
	}
	c.items[item.ID] = updated
	c.log.Info("item completed", "item_id", item.ID)
}

func (c *Coordinator) failItemLocked(item workitem.Item, execErr error) {
	retryable := true
	var de *errors.DispatchError
	if errors.As(execErr, &de) {
		retryable = de.IsRetryable()
	}

	updated, err := workitem.Transition(item, workitem.Event{
		Kind:      workitem.EventAgentFail,
		Failure:   execErr.Error(),
		Retryable: retryable,
	})
	if err != nil {
		c.log.Error("fail transition rejected", "item_id", item.ID, "error", err)
		return
	}

	if !c.retryableLocked(updated) {
		// Retries exhausted (or the failure was never retryable):
		// terminal. Mark it so and hand it to the dead-letter queue
		// with the same retry count the checkpoint will record.
		updated.Retryable = false
		c.items[item.ID] = updated
		c.deadLettered++
		c.log.Warn("item exhausted retries",
			"item_id", item.ID, "retry_count", updated.RetryCount, "error", execErr)
		if c.dlq != nil {
			if dlqErr := c.dlq.Add(context.Background(), c.job.ID, updated, execErr.Error()); dlqErr != nil {
				c.log.Error("dead-letter write failed", "item_id", item.ID, "error", dlqErr)
			}
		}
		return
	}

	c.items[item.ID] = updated
	c.log.Warn("item failed",
		"item_id", item.ID, "retry_count", updated.RetryCount, "error", execErr)
}

// maybeCheckpointLocked consults the trigger policy and writes an
// incremental checkpoint when it fires. A write failure that survives
// the store's retries is fatal for the run: it is recorded and the
// dispatch loop stops, because silently continuing past a missed
// checkpoint would break the resume guarantee.
func (c *Coordinator) maybeCheckpointLocked() {
	if c.draining || c.fatalErr != nil {
		return
	}
	elapsed := time.Since(c.lastSave)
	if !c.config.Trigger.ShouldCheckpoint(c.sinceSave, elapsed) {
		return
	}

	reason := checkpoint.ReasonTimeInterval
	if c.config.Trigger.ItemInterval > 0 && c.sinceSave >= c.config.Trigger.ItemInterval {
		reason = checkpoint.ReasonItemInterval
	}
	if err := c.saveLocked(reason); err != nil {
		c.log.Error("incremental checkpoint failed", "error", err)
		c.fatalErr = err
	}
}

func (c *Coordinator) wakeLocked() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// drainAgents gives in-flight agents the configured grace period, then
// cancels them and waits for every handler to finish.
func (c *Coordinator) drainAgents(cancel context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(c.config.ShutdownGrace):
		c.log.Warn("shutdown grace period expired; canceling in-flight agents",
			"grace", c.config.ShutdownGrace.String())
	}

	cancel()
	<-done
}
