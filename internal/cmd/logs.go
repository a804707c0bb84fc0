package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkallio/fanout/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View and filter the structured log",
	Long: `View fanout's structured log with filtering.

Examples:
  # Last 50 entries
  fanout logs

  # Everything a job logged
  fanout logs --job 4f1c... -n 0

  # Warnings and errors from the last hour
  fanout logs --level warn --since 1h

  # Entries mentioning a work item
  fanout logs --grep "src/parser.go"`,
	RunE: runLogs,
}

var (
	logsJobID string
	logsLevel string
	logsSince string
	logsGrep  string
	logsTail  int
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().StringVar(&logsJobID, "job", "", "Filter by job ID")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Entries since duration ago (e.g. 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Entries whose message contains this text")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of entries to show (0 for all)")
}

func runLogs(cmd *cobra.Command, args []string) error {
	env, err := openEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	entries, err := logging.ReadEntries(filepath.Join(env.dataDir, "logs"))
	if err != nil {
		return err
	}

	filter := logging.Filter{
		JobID:    logsJobID,
		Contains: logsGrep,
	}
	if logsLevel != "" {
		filter.Level = logging.ParseLevel(logsLevel)
	}
	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			return fmt.Errorf("invalid --since duration: %w", err)
		}
		filter.Since = time.Now().Add(-d)
	}

	entries = logging.FilterEntries(entries, filter)
	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}

	for _, e := range entries {
		fmt.Println(logging.FormatEntry(e))
	}
	return nil
}
