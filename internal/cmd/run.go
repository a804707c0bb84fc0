package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mkallio/fanout/internal/agent"
	"github.com/mkallio/fanout/internal/coordinator"
	"github.com/mkallio/fanout/internal/workflow"
	"github.com/mkallio/fanout/internal/workitem"
)

var runCmd = &cobra.Command{
	Use:   "run <workflow.yaml>",
	Short: "Run a workflow",
	Long: `Run a workflow: expand its input patterns into work items, create an
isolated git worktree for the job, and fan the items out to a pool of
parallel agents. Progress is checkpointed continuously, so an
interrupted run can be resumed with 'fanout resume'.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runParallel     int
	runMaxRetries   int
	runKeepWorktree bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVarP(&runParallel, "parallel", "p", 0, "Agent pool size (overrides workflow and config)")
	runCmd.Flags().IntVar(&runMaxRetries, "max-retries", -1, "Retries per failed item (overrides workflow and config)")
	runCmd.Flags().BoolVar(&runKeepWorktree, "keep-worktree", false, "Keep the job worktree after a successful run")
}

func runRun(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	workflowPath, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	wf, err := workflow.Load(workflowPath)
	if err != nil {
		return err
	}
	hash, err := workflow.Hash(workflowPath)
	if err != nil {
		return err
	}

	inputs, err := workflow.ExpandInputs(env.repoRoot, wf.Map.Inputs)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return fmt.Errorf("workflow %q matched no inputs", wf.Name)
	}

	items := make([]workitem.Item, 0, len(inputs))
	for _, input := range inputs {
		payload, err := json.Marshal(map[string]string{"input": input})
		if err != nil {
			return err
		}
		items = append(items, workitem.New(input, payload))
	}

	jobID := uuid.NewString()
	wtPath := filepath.Join(env.cfg.Paths.ResolveWorktreeDir(env.repoRoot), jobID)
	if _, err := env.trees.Create(jobID, wtPath); err != nil {
		return err
	}

	job := coordinator.Job{
		ID:           jobID,
		Workflow:     wf,
		WorkflowPath: workflowPath,
		WorkflowHash: hash,
		WorktreePath: wtPath,
	}

	mapParallel := wf.Map.MaxParallel
	if runParallel > 0 {
		mapParallel = runParallel
	}
	mapRetries := wf.Map.MaxRetries
	if runMaxRetries >= 0 {
		mapRetries = runMaxRetries
	}
	cfg := env.coordinatorConfig(mapParallel, mapRetries)

	executor := agent.NewCommandExecutor(wf.Map.Command, wtPath)
	executor.Env = wf.Env
	executor.Timeout = env.cfg.Agents.Timeout()
	executor.Log = env.log

	// Changes to the workflow file mid-run invalidate a plain resume;
	// the watcher logs them as they happen.
	watcher, err := workflow.NewWatcher(workflowPath, env.log, nil)
	if err != nil {
		env.log.Warn("workflow watch unavailable", "error", err)
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	fmt.Printf("job %s: %d items across up to %d agents\n", jobID, len(items), cfg.MaxParallel)

	runErr := executeJob(env, jobID, wf.Name, workflowPath, false, func(opts ...coordinator.Option) *coordinator.Coordinator {
		return coordinator.New(cfg, job, items, executor, env.store, opts...)
	})
	if runErr != nil {
		return runErr
	}

	if !runKeepWorktree {
		if err := env.trees.Remove(wtPath); err != nil {
			env.log.Warn("failed to remove job worktree", "path", wtPath, "error", err)
		} else if err := env.trees.DeleteBranch(jobID); err != nil {
			env.log.Warn("failed to delete job branch", "job_id", jobID, "error", err)
		}
	}
	return nil
}
