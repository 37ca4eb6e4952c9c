package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/agentyard/yard/internal/container"
	"github.com/agentyard/yard/internal/ui"
)

var newTag string

var newCmd = &cobra.Command{
	Use:   "new <config>",
	Short: "Create and start a run",
	Long: `Create a run of the named config: clone its repositories onto a branch
named after the run, start the container, and report the workspace.

The optional tag becomes part of the run id, so parallel runs of the same
config stay tellable apart: api-plan22-Mar02-1400 vs api-Mar02-1400.`,
	Args: cobra.ExactArgs(1),
	RunE: newRun,
}

func init() {
	rootCmd.AddCommand(newCmd)
	newCmd.Flags().StringVarP(&newTag, "tag", "t", "", "tag to include in the run id")
}

func newRun(cmd *cobra.Command, args []string) error {
	mgr, done, err := newManager()
	if err != nil {
		return err
	}
	defer done()

	rec, err := mgr.Create(context.Background(), args[0], newTag)
	if err != nil {
		return err
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(rec)
	}

	fmt.Printf("%s %s\n", ui.Tick(), ui.Bold(rec.ID))
	fmt.Printf("  branch:    %s\n", rec.Branch)
	fmt.Printf("  container: %s\n", container.Name(rec.ID))
	keys := make([]string, 0, len(rec.Clones))
	for key := range rec.Clones {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Printf("  clone:     %s -> %s\n", key, rec.Clones[key])
	}
	fmt.Printf("\nWhen the agent has committed, pull its work back with: yard fetch %s\n", rec.ID)
	return nil
}
