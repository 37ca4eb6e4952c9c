package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentyard/yard/internal/config"
	"github.com/agentyard/yard/internal/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [run]",
	Short: "Show recent yard operations",
	Long: `Show the operation history across all runs, newest first. With a run
argument, only that run's operations.`,
	Args: cobra.MaximumNArgs(1),
	RunE: showHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "entries to show")
}

func showHistory(cmd *cobra.Command, args []string) error {
	hist, err := history.Open(config.HistoryPath())
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer hist.Close()

	runID := ""
	if len(args) > 0 {
		// The run may already be deleted; match the prefix against history
		// only if the store cannot resolve it.
		if id, err := resolveRun(newStore(), args[0]); err == nil {
			runID = id
		} else {
			runID = args[0]
		}
	}

	entries, err := hist.Recent(runID, historyLimit)
	if err != nil {
		return err
	}

	if jsonOut {
		if entries == nil {
			entries = []history.Entry{}
		}
		return json.NewEncoder(os.Stdout).Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Println("No history.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tOP\tRUN\tDETAIL")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", formatAge(e.Time), e.Op, e.RunID, e.Detail)
	}
	return w.Flush()
}
