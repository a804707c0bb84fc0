package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded runs and their jobs",
	Long: `List every recorded run with its job, workflow, and outcome.
Sessions that claim to be running but whose process is gone are marked
stale; their jobs are usually resumable.`,
	RunE: runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	sessions, err := env.sessions.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded.")
		return nil
	}

	fmt.Printf("Found %d session(s):\n\n", len(sessions))
	for _, s := range sessions {
		status := string(s.Status)
		if s.Stale() {
			status += " (stale — process gone, job may be resumable)"
		}

		fmt.Printf("  Session: %s\n", s.ID)
		fmt.Printf("    Job:      %s\n", s.JobID)
		fmt.Printf("    Workflow: %s\n", s.WorkflowName)
		fmt.Printf("    Started:  %s\n", s.StartedAt.Format(time.RFC822))
		if s.EndedAt != nil {
			fmt.Printf("    Ended:    %s\n", s.EndedAt.Format(time.RFC822))
		}
		fmt.Printf("    Status:   %s\n", status)
		if s.Resumed {
			fmt.Printf("    Resumed:  yes\n")
		}
		fmt.Println()
	}
	return nil
}
