package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mkallio/fanout/internal/agent"
	"github.com/mkallio/fanout/internal/checkpoint"
	"github.com/mkallio/fanout/internal/coordinator"
	"github.com/mkallio/fanout/internal/workflow"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume an interrupted job from its checkpoint",
	Long: `Resume an interrupted job from its most recent valid checkpoint.
Completed items are never re-run; interrupted and retryable failed
items go back into the work set. Validation problems (modified
workflow, missing worktree, integrity failures) are all reported at
once; --force resumes anyway.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

var resumeForce bool

func init() {
	rootCmd.AddCommand(resumeCmd)

	resumeCmd.Flags().BoolVarP(&resumeForce, "force", "f", false, "Resume despite validation errors")
}

func runResume(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	jobID := args[0]
	cp, loaded, err := env.store.Load(jobID)
	if err != nil {
		return err
	}
	if loaded.FailedAttempts > 0 {
		fmt.Fprintf(os.Stderr, "warning: %d corrupt checkpoint(s) skipped", loaded.FailedAttempts)
		if loaded.FromHistory {
			fmt.Fprintf(os.Stderr, "; resuming from history snapshot %s", loaded.Path)
		}
		fmt.Fprintln(os.Stderr)
	}

	validator := checkpoint.Validator{}
	result := validator.Validate(cp)
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	if !result.Valid {
		for _, e := range result.Errors {
			fmt.Fprintf(os.Stderr, "error: %v\n", e)
		}
		if !resumeForce {
			return fmt.Errorf("checkpoint failed validation with %d error(s); use --force to resume anyway",
				len(result.Errors))
		}
		fmt.Fprintln(os.Stderr, "resuming despite validation errors (--force)")
	}

	wf, err := workflow.Load(cp.WorkflowPath)
	if err != nil {
		return fmt.Errorf("failed to load workflow for resume: %w", err)
	}
	// The stored hash stays authoritative unless the user forced past
	// a modification, in which case the new content is adopted.
	hash := cp.WorkflowHash
	if resumeForce {
		if h, err := workflow.Hash(cp.WorkflowPath); err == nil {
			hash = h
		}
	}

	wtPath := cp.WorktreePath
	if wtPath != "" {
		exists, err := env.trees.Exists(wtPath)
		if err != nil {
			return err
		}
		if !exists {
			if _, err := env.trees.Attach(jobID, wtPath); err != nil {
				return fmt.Errorf("job worktree is gone and could not be recreated: %w", err)
			}
			fmt.Fprintf(os.Stderr, "recreated worktree at %s\n", wtPath)
		}
	}

	plan := checkpoint.PlanResume(cp)
	fmt.Printf("job %s: resuming %s phase — %d done, %d to process\n",
		jobID, plan.Phase, len(plan.Completed), len(plan.Process))

	job := coordinator.Job{
		ID:           jobID,
		Workflow:     wf,
		WorkflowPath: cp.WorkflowPath,
		WorkflowHash: hash,
		WorktreePath: wtPath,
	}
	cfg := env.coordinatorConfig(wf.Map.MaxParallel, wf.Map.MaxRetries)

	executor := agent.NewCommandExecutor(wf.Map.Command, wtPath)
	executor.Env = wf.Env
	executor.Timeout = env.cfg.Agents.Timeout()
	executor.Log = env.log

	watcher, err := workflow.NewWatcher(cp.WorkflowPath, env.log, nil)
	if err != nil {
		env.log.Warn("workflow watch unavailable", "error", err)
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	return executeJob(env, jobID, wf.Name, cp.WorkflowPath, true, func(opts ...coordinator.Option) *coordinator.Coordinator {
		return coordinator.NewFromPlan(cfg, job, plan, executor, env.store, opts...)
	})
}
