package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/agentyard/yard/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status <run>",
	Short: "Show one run in detail",
	Long: `Show a run's record, its container as the engine sees it, its clones,
and the tail of its event log.`,
	Args: cobra.ExactArgs(1),
	RunE: showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	mgr, done, err := newManager()
	if err != nil {
		return err
	}
	defer done()

	id, err := resolveRun(mgr.Store(), args[0])
	if err != nil {
		return err
	}
	view, err := mgr.Status(context.Background(), id)
	if err != nil {
		return err
	}
	rec := view.Record

	if jsonOut {
		out := map[string]any{
			"record":          rec,
			"container_state": view.ActualState(),
			"drifted":         view.Drifted(),
		}
		return json.NewEncoder(os.Stdout).Encode(out)
	}

	fmt.Printf("%s\n", ui.Bold(rec.ID))
	fmt.Printf("  config:    %s\n", rec.Config)
	if rec.Tag != "" {
		fmt.Printf("  tag:       %s\n", rec.Tag)
	}
	fmt.Printf("  status:    %s\n", ui.Status(string(rec.Status)))
	fmt.Printf("  branch:    %s\n", rec.Branch)
	fmt.Printf("  created:   %s\n", formatAge(rec.CreatedAt))
	if view.Container != nil {
		fmt.Printf("  container: %s (%s)\n", view.Container.Name, ui.Status(view.Container.State))
	} else {
		fmt.Printf("  container: %s\n", ui.Status("missing"))
	}

	if len(rec.Clones) > 0 {
		fmt.Println("  clones:")
		keys := make([]string, 0, len(rec.Clones))
		for key := range rec.Clones {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Printf("    %-12s %s\n", key, rec.Clones[key])
		}
	}

	events, err := mgr.Store().ReadEvents(id, 5)
	if err == nil && len(events) > 0 {
		fmt.Println("  recent events:")
		for _, ev := range events {
			fmt.Printf("    %s  %s\n", ev.Time.Local().Format("Jan 02 15:04:05"), ev.Type)
		}
	}

	if view.Drifted() {
		fmt.Println()
		ui.Warnf("record and container disagree")
		ui.Hintf("run yard gc to reconcile")
	}
	return nil
}
