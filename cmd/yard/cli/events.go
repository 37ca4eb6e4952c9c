package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentyard/yard/internal/run"
)

var eventsLimit int

var eventsCmd = &cobra.Command{
	Use:   "events <run>",
	Short: "Show a run's event log",
	Long: `Print the run's append-only event log: provisioning steps, state
changes, fetches, syncs, and repairs, oldest first.`,
	Args: cobra.ExactArgs(1),
	RunE: showEvents,
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 20, "most recent events to show (0 for all)")
}

func showEvents(cmd *cobra.Command, args []string) error {
	store := newStore()
	id, err := resolveRun(store, args[0])
	if err != nil {
		return err
	}

	events, err := store.ReadEvents(id, eventsLimit)
	if err != nil {
		return err
	}

	if jsonOut {
		if events == nil {
			events = []run.Event{}
		}
		return json.NewEncoder(os.Stdout).Encode(events)
	}

	if len(events) == 0 {
		fmt.Println("No events recorded.")
		return nil
	}
	for _, ev := range events {
		line := fmt.Sprintf("%s  %-20s", ev.Time.Local().Format("Jan 02 15:04:05"), ev.Type)
		if len(ev.Fields) > 0 {
			detail, err := json.Marshal(ev.Fields)
			if err == nil {
				line += "  " + string(detail)
			}
		}
		fmt.Println(line)
	}
	return nil
}
