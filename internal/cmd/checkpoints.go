package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and manage job checkpoints",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all jobs with checkpoints",
	RunE:  runCheckpointsList,
}

var checkpointsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job's latest checkpoint in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointsShow,
}

var checkpointsCleanCmd = &cobra.Command{
	Use:   "clean <job-id>",
	Short: "Delete a job's checkpoint and history",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointsClean,
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsShowCmd)
	checkpointsCmd.AddCommand(checkpointsCleanCmd)
}

func runCheckpointsList(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	infos, err := env.store.List()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("No checkpoints found.")
		return nil
	}

	fmt.Printf("Found %d job(s):\n\n", len(infos))
	for _, info := range infos {
		fmt.Printf("  Job: %s\n", info.JobID)
		fmt.Printf("    Phase:     %s\n", info.Phase)
		fmt.Printf("    Progress:  %d/%d done, %d failed, %d pending\n",
			info.Completed, info.Total, info.Failed, info.Pending)
		fmt.Printf("    Saved:     %s (%s)\n", info.CreatedAt.Format(time.RFC822), info.Reason)
		fmt.Println()
	}
	return nil
}

func runCheckpointsShow(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	cp, loaded, err := env.store.Load(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Job: %s\n", cp.JobID)
	fmt.Printf("Phase: %s\n", cp.Phase)
	fmt.Printf("Workflow: %s\n", cp.WorkflowPath)
	if cp.WorktreePath != "" {
		fmt.Printf("Worktree: %s\n", cp.WorktreePath)
	}
	fmt.Printf("Saved: %s (%s)\n", cp.CreatedAt.Format("2006-01-02 15:04:05"), cp.Reason)
	if loaded.FromHistory {
		fmt.Printf("Source: history snapshot %s\n", loaded.Path)
	}
	fmt.Printf("\nItems: %d total\n", cp.TotalItems)
	fmt.Printf("  Completed: %d\n", len(cp.CompletedItems))
	fmt.Printf("  Failed:    %d\n", len(cp.FailedItems))
	fmt.Printf("  Pending:   %d\n", len(cp.PendingItems))

	for _, item := range cp.FailedItems {
		fmt.Printf("\n  [failed] %s (retries: %d, retryable: %t)\n", item.ID, item.RetryCount, item.Retryable)
		if item.Failure != "" {
			fmt.Printf("    %s\n", item.Failure)
		}
	}

	if cp.Setup != nil && cp.Setup.Complete {
		fmt.Printf("\nSetup: complete (%d captured output(s))\n", len(cp.Setup.Outputs))
	}
	if cp.Reduce != nil {
		fmt.Printf("Reduce: step %d of %d\n", cp.Reduce.StepIndex, cp.Reduce.TotalSteps)
	}
	if len(cp.Variables) > 0 {
		fmt.Printf("\nVariables:\n")
		for k, v := range cp.Variables {
			fmt.Printf("  %s = %s\n", k, v)
		}
	}
	return nil
}

func runCheckpointsClean(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	jobID := args[0]
	if err := env.store.Delete(jobID); err != nil {
		return err
	}
	fmt.Printf("checkpoint data for job %s removed\n", jobID)

	// Checkpoint gone means the job can't resume; its dead letters are
	// only noise now.
	if n, err := env.letters.Purge(cmd.Context(), jobID); err == nil && n > 0 {
		fmt.Printf("%d dead letter(s) purged\n", n)
	}
	return nil
}
