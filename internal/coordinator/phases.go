package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/mkallio/fanout/internal/checkpoint"
)

// runSetup executes the workflow's setup commands sequentially,
// capturing each step's output. A completed setup is checkpointed so a
// resumed job injects the captured outputs instead of recomputing them.
func (c *Coordinator) runSetup(ctx context.Context) error {
	c.mu.Lock()
	if c.setup == nil {
		c.setup = &checkpoint.SetupState{Outputs: make(map[string]string)}
	}
	steps := c.job.Workflow.Setup
	c.mu.Unlock()

	log := c.log.WithPhase(string(checkpoint.PhaseSetup))

	for i, step := range steps {
		if c.isDraining() {
			return c.interrupted()
		}

		name := step.Name
		if name == "" {
			name = fmt.Sprintf("step_%d", i)
		}
		log.Info("running setup step", "step", name)

		out, err := c.steps(ctx, step.Command, c.job.WorktreePath, c.stepEnv())
		if err != nil {
			if c.isDraining() {
				return c.interrupted()
			}
			return fmt.Errorf("setup step %q: %w", name, err)
		}

		c.mu.Lock()
		c.setup.Outputs[name] = out
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.setup.Complete = true
	if err := c.saveLocked(checkpoint.ReasonPhaseCompletion); err != nil {
		return err
	}
	c.phase = checkpoint.PhaseMap
	log.Info("setup phase complete", "steps", len(steps))
	c.notifyProgressLocked()
	return nil
}

// runReduce executes the reduce steps from the recorded position. The
// step index is checkpointed after every step, so an interruption
// resumes at exactly the step that did not finish.
func (c *Coordinator) runReduce(ctx context.Context) error {
	steps := c.job.Workflow.Reduce
	log := c.log.WithPhase(string(checkpoint.PhaseReduce))

	c.mu.Lock()
	start := c.reduceStep
	c.mu.Unlock()

	for i := start; i < len(steps); i++ {
		if c.isDraining() {
			return c.interrupted()
		}

		step := steps[i]
		name := step.Name
		if name == "" {
			name = fmt.Sprintf("step_%d", i)
		}
		log.Info("running reduce step", "step", name, "index", i, "total", len(steps))

		out, err := c.steps(ctx, step.Command, c.job.WorktreePath, c.stepEnv())
		if err != nil {
			if c.isDraining() {
				return c.interrupted()
			}
			// Persist the position before failing so a resume retries
			// this exact step. A checkpoint failure here outranks the
			// step error: it must never pass silently.
			c.mu.Lock()
			if saveErr := c.saveLocked(checkpoint.ReasonPhaseCompletion); saveErr != nil {
				c.mu.Unlock()
				return saveErr
			}
			c.mu.Unlock()
			return fmt.Errorf("reduce step %q: %w", name, err)
		}

		c.mu.Lock()
		c.variables["reduce."+name] = out
		c.reduceStep = i + 1
		if err := c.saveLocked(checkpoint.ReasonPhaseCompletion); err != nil {
			c.mu.Unlock()
			return err
		}
		c.notifyProgressLocked()
		c.mu.Unlock()
	}

	log.Info("reduce phase complete", "steps", len(steps))
	return nil
}

// stepEnv builds the environment for setup and reduce commands: the
// workflow env, job variables, and captured setup outputs.
func (c *Coordinator) stepEnv() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	env := make(map[string]string)
	if c.job.Workflow != nil {
		for k, v := range c.job.Workflow.Env {
			env[k] = v
		}
	}
	env["FANOUT_JOB_ID"] = c.job.ID
	for k, v := range c.variables {
		env[envName("FANOUT_VAR", k)] = v
	}
	if c.setup != nil {
		for k, v := range c.setup.Outputs {
			env[envName("FANOUT_SETUP", k)] = v
		}
	}
	return env
}

func (c *Coordinator) isDraining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining
}

// envName converts a variable name into a safe environment variable
// under the given prefix: "map.completed" becomes
// "FANOUT_VAR_MAP_COMPLETED".
func envName(prefix, name string) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('_')
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
