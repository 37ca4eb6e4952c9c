package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentyard/yard/internal/ui"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List all runs",
	Long: `Show every stored run next to what the container engine reports for it.
A ! in the CONTAINER column marks drift between the two; yard gc repairs it.`,
	RunE: listRuns,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func listRuns(cmd *cobra.Command, args []string) error {
	mgr, done, err := newManager()
	if err != nil {
		return err
	}
	defer done()

	views, err := mgr.List(context.Background())
	if err != nil {
		return err
	}

	if jsonOut {
		type row struct {
			ID        string `json:"id"`
			Config    string `json:"config"`
			Status    string `json:"status"`
			Container string `json:"container_state"`
			Drifted   bool   `json:"drifted"`
		}
		rows := make([]row, 0, len(views))
		for _, v := range views {
			rows = append(rows, row{
				ID:        v.Record.ID,
				Config:    v.Record.Config,
				Status:    string(v.Record.Status),
				Container: v.ActualState(),
				Drifted:   v.Drifted(),
			})
		}
		return json.NewEncoder(os.Stdout).Encode(rows)
	}

	if len(views) == 0 {
		fmt.Println("No runs. Create one with: yard new <config>")
		return nil
	}

	drifted := false
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tCONTAINER\tAGE")
	for _, v := range views {
		marker := ""
		if v.Drifted() {
			drifted = true
			marker = " !"
		}
		fmt.Fprintf(w, "%s\t%s\t%s%s\t%s\n",
			v.Record.ID,
			ui.Status(string(v.Record.Status)),
			ui.Status(v.ActualState()), marker,
			formatAge(v.Record.CreatedAt),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if drifted {
		fmt.Println()
		fmt.Println(ui.Dim("! record and container disagree; run yard gc to reconcile"))
	}
	return nil
}
