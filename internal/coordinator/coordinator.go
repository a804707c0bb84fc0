// Package coordinator drives a fanout job: it owns the authoritative
// in-memory work item collection, fans items out to a bounded pool of
// agent slots, serializes every state mutation through a single lock,
// and consults the checkpoint trigger policy after each mutation so
// progress is persisted incrementally. On interrupt it drains in-flight
// agents, normalizes unfinished items back to pending, and awaits a
// final checkpoint before returning.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mkallio/fanout/internal/agent"
	"github.com/mkallio/fanout/internal/checkpoint"
	"github.com/mkallio/fanout/internal/errors"
	"github.com/mkallio/fanout/internal/logging"
	"github.com/mkallio/fanout/internal/workflow"
	"github.com/mkallio/fanout/internal/workitem"
)

// Executor processes one work item and returns its result. The
// coordinator treats it as an opaque async operation; the production
// implementation is agent.CommandExecutor.
type Executor interface {
	Execute(ctx context.Context, item workitem.Item, env map[string]string) (string, error)
}

// DeadLetterer receives items whose retries are exhausted.
type DeadLetterer interface {
	Add(ctx context.Context, jobID string, item workitem.Item, finalErr string) error
}

// StepRunner executes one setup or reduce step command. Injected so
// tests can run phases without shelling out.
type StepRunner func(ctx context.Context, command, dir string, env map[string]string) (string, error)

// Config holds the coordinator's tunables.
type Config struct {
	// MaxParallel is the number of agent slots.
	MaxParallel int

	// MaxRetries is how many times a failed item is re-dispatched
	// before it is handed to the dead-letter queue. An item is
	// attempted at most MaxRetries+1 times.
	MaxRetries int

	// Trigger decides when incremental checkpoints are written.
	Trigger checkpoint.TriggerPolicy

	// ShutdownGrace is how long in-flight agents get to finish after
	// an interrupt before they are canceled.
	ShutdownGrace time.Duration
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallel: 3,
		MaxRetries:  2,
		Trigger: checkpoint.TriggerPolicy{
			ItemInterval: 10,
			TimeInterval: 5 * time.Minute,
		},
		ShutdownGrace: 30 * time.Second,
	}
}

// Job identifies what the coordinator is running and where.
type Job struct {
	ID           string
	Workflow     *workflow.Workflow
	WorkflowPath string
	WorkflowHash string
	WorktreePath string
}

// Progress is a point-in-time snapshot of job state for display.
type Progress struct {
	Phase        checkpoint.Phase
	Total        int
	Completed    int
	Failed       int
	Pending      int
	InProgress   int
	DeadLettered int
	ReduceStep   int
	ReduceTotal  int
	Draining     bool
	LastSave     time.Time
}

// Coordinator runs one job. All item state lives behind mu; that mutex
// is the single serialization point demanded by the concurrency model,
// so simultaneous agent completions can never lose or duplicate an
// update.
type Coordinator struct {
	config   Config
	job      Job
	executor Executor
	store    *checkpoint.Store
	dlq      DeadLetterer
	steps    StepRunner
	log      *logging.Logger

	onProgress func(Progress)

	mu           sync.Mutex
	items        map[string]workitem.Item
	order        []string
	variables    map[string]string
	setup        *checkpoint.SetupState
	reduceStep   int
	phase        checkpoint.Phase
	active       int
	deadLettered int
	draining     bool
	sinceSave    int
	lastSave     time.Time
	fatalErr     error
	agentSeq     int

	wake      chan struct{}
	drainCh   chan struct{}
	drainOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(log *logging.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithDeadLetterer sets the dead-letter queue for retry-exhausted items.
func WithDeadLetterer(d DeadLetterer) Option {
	return func(c *Coordinator) { c.dlq = d }
}

// WithStepRunner overrides how setup and reduce commands are executed.
func WithStepRunner(r StepRunner) Option {
	return func(c *Coordinator) { c.steps = r }
}

// WithProgressFunc registers a callback invoked after every state
// mutation with a fresh progress snapshot.
func WithProgressFunc(fn func(Progress)) Option {
	return func(c *Coordinator) { c.onProgress = fn }
}

// New creates a coordinator for a fresh job over the given items.
func New(cfg Config, job Job, items []workitem.Item, executor Executor, store *checkpoint.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		config:    cfg,
		job:       job,
		executor:  executor,
		store:     store,
		steps:     agent.RunStep,
		log:       logging.NopLogger(),
		items:     make(map[string]workitem.Item, len(items)),
		variables: make(map[string]string),
		phase:     checkpoint.PhaseMap,
		wake:      make(chan struct{}, 1),
		drainCh:   make(chan struct{}),
	}
	if job.Workflow != nil && len(job.Workflow.Setup) > 0 {
		c.phase = checkpoint.PhaseSetup
	}
	for _, item := range items {
		c.items[item.ID] = item
		c.order = append(c.order, item.ID)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithJob(job.ID)
	return c
}

// NewFromPlan creates a coordinator that resumes a job from a resume
// plan: completed items are never re-dispatched, retryable failures
// and pending items form the work set, terminally failed items are
// carried for accounting, and setup outputs, variables, and the reduce
// position are restored.
func NewFromPlan(cfg Config, job Job, plan checkpoint.ResumePlan, executor Executor, store *checkpoint.Store, opts ...Option) *Coordinator {
	var items []workitem.Item
	items = append(items, plan.Completed...)
	items = append(items, plan.Failed...)
	items = append(items, plan.Process...)

	c := New(cfg, job, items, executor, store, opts...)
	c.phase = plan.Phase
	c.reduceStep = plan.ReduceStep
	// Terminally failed items were handed to the dead-letter queue
	// before the checkpoint recorded them.
	c.deadLettered = len(plan.Failed)
	if plan.Variables != nil {
		c.variables = make(map[string]string, len(plan.Variables))
		for k, v := range plan.Variables {
			c.variables[k] = v
		}
	}
	if plan.SetupComplete() {
		c.setup = &checkpoint.SetupState{Complete: true, Outputs: plan.SetupOutputs}
	}
	return c
}

// Shutdown requests a graceful stop: no new dispatches, a bounded
// grace period for in-flight agents, then a final checkpoint. It is
// the single entry point for interrupt delivery and is safe to call
// from any goroutine, more than once.
func (c *Coordinator) Shutdown() {
	c.drainOnce.Do(func() {
		c.mu.Lock()
		c.draining = true
		c.mu.Unlock()
		close(c.drainCh)
		c.log.Info("shutdown requested; draining")
	})
}

// Checkpoint forces an immediate manual checkpoint.
func (c *Coordinator) Checkpoint() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked(checkpoint.ReasonManual)
}

// Progress returns a snapshot of the job's current state.
func (c *Coordinator) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progressLocked()
}

func (c *Coordinator) progressLocked() Progress {
	p := Progress{
		Phase:        c.phase,
		Total:        len(c.items),
		DeadLettered: c.deadLettered,
		ReduceStep:   c.reduceStep,
		Draining:     c.draining,
		LastSave:     c.lastSave,
	}
	if c.job.Workflow != nil {
		p.ReduceTotal = len(c.job.Workflow.Reduce)
	}
	for _, item := range c.items {
		switch item.Status {
		case workitem.StatusCompleted:
			p.Completed++
		case workitem.StatusFailed:
			p.Failed++
		case workitem.StatusPending:
			p.Pending++
		case workitem.StatusInProgress:
			p.InProgress++
		}
	}
	return p
}

func (c *Coordinator) notifyProgressLocked() {
	if c.onProgress != nil {
		c.onProgress(c.progressLocked())
	}
}

// Run executes the job from its current phase to completion. It
// returns ErrCanceled (wrapped) if the job was interrupted — after the
// final checkpoint has been written — and the checkpoint write error
// itself if persisting state failed beyond retries.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.lastSave = time.Now()
	c.mu.Unlock()

	runDone := make(chan struct{})
	defer close(runDone)
	go func() {
		select {
		case <-ctx.Done():
			c.Shutdown()
		case <-runDone:
		}
	}()

	if c.phase == checkpoint.PhaseSetup {
		if err := c.runSetup(ctx); err != nil {
			return err
		}
	}

	if c.phase == checkpoint.PhaseMap {
		if err := c.runMap(ctx); err != nil {
			return err
		}
	}

	if c.phase == checkpoint.PhaseReduce {
		if err := c.runReduce(ctx); err != nil {
			return err
		}
	}

	c.log.Info("job complete")
	return nil
}

// interrupted writes the final signal checkpoint and reports the
// interruption to the caller. The save is awaited: a failure here is
// returned in place of the interruption error so it cannot pass
// unnoticed.
func (c *Coordinator) interrupted() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.normalizeInFlightLocked()
	if err := c.saveLocked(checkpoint.ReasonSignal); err != nil {
		c.log.Error("final checkpoint failed during shutdown", "error", err)
		return err
	}
	c.log.Info("interrupted; state checkpointed")
	return fmt.Errorf("job interrupted: %w", errors.ErrCanceled)
}

// normalizeInFlightLocked transitions every in-progress item back to
// pending so no work is recorded as half-done.
func (c *Coordinator) normalizeInFlightLocked() {
	for id, item := range c.items {
		if item.Status != workitem.StatusInProgress {
			continue
		}
		normalized, err := workitem.Transition(item, workitem.Event{Kind: workitem.EventInterrupt})
		if err != nil {
			c.log.Error("normalization rejected", "item_id", id, "error", err)
			continue
		}
		c.items[id] = normalized
	}
}
