package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var deadlettersCmd = &cobra.Command{
	Use:   "deadletters",
	Short: "Inspect items that exhausted their retries",
}

var deadlettersListCmd = &cobra.Command{
	Use:   "list <job-id>",
	Short: "List a job's dead-lettered items",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeadlettersList,
}

var deadlettersPurgeCmd = &cobra.Command{
	Use:   "purge <job-id>",
	Short: "Delete a job's dead letters",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeadlettersPurge,
}

func init() {
	rootCmd.AddCommand(deadlettersCmd)
	deadlettersCmd.AddCommand(deadlettersListCmd)
	deadlettersCmd.AddCommand(deadlettersPurgeCmd)
}

func runDeadlettersList(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	entries, err := env.letters.List(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No dead letters for this job.")
		return nil
	}

	fmt.Printf("Found %d dead letter(s):\n\n", len(entries))
	for _, e := range entries {
		fmt.Printf("  Item: %s\n", e.ItemID)
		fmt.Printf("    Entry:   %s\n", e.ID)
		fmt.Printf("    Retries: %d\n", e.RetryCount)
		fmt.Printf("    Added:   %s\n", e.AddedAt.Format(time.RFC822))
		fmt.Printf("    Failure: %s\n", e.Failure)
		fmt.Println()
	}
	return nil
}

func runDeadlettersPurge(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	n, err := env.letters.Purge(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%d dead letter(s) purged\n", n)
	return nil
}
