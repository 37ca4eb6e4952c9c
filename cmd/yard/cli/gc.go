package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/agentyard/yard/internal/gc"
	"github.com/agentyard/yard/internal/ui"
)

var (
	gcApply       bool
	gcYes         bool
	gcForce       bool
	gcIncludeLive bool
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Find and collect leftover runs, containers, and images",
	Long: `Scan for disagreement between run records, containers, and images:
containers without records, records whose container died, runs whose
provisioning or delete never finished, unreadable run directories, and
images nothing references.

Without --apply only the plan is printed. Apply asks for confirmation on
a terminal (--yes skips), re-checks every item before acting, and skips
anything that is live again; --include-live overrides that for resources
you know are abandoned, and --force kills containers that are still
running when their removal is due.`,
	RunE: collectGarbage,
}

func init() {
	rootCmd.AddCommand(gcCmd)
	gcCmd.Flags().BoolVar(&gcApply, "apply", false, "collect instead of just reporting")
	gcCmd.Flags().BoolVar(&gcYes, "yes", false, "skip the confirmation prompt")
	gcCmd.Flags().BoolVar(&gcForce, "force", false, "kill running containers instead of failing their removal")
	gcCmd.Flags().BoolVar(&gcIncludeLive, "include-live", false, "collect even resources that are running")
}

var classTitles = map[gc.Class]string{
	gc.ClassOrphanedContainer: "Orphaned containers",
	gc.ClassStaleRecord:       "Stale records",
	gc.ClassAbandonedRun:      "Abandoned runs",
	gc.ClassDeadRunDir:        "Dead run directories",
	gc.ClassUnusedImage:       "Unused images",
}

func collectGarbage(cmd *cobra.Command, args []string) error {
	mgr, done, err := newManager()
	if err != nil {
		return err
	}
	defer done()

	ctx := context.Background()
	collector := gc.New(mgr, mgr.History())

	plan, err := collector.Plan(ctx)
	if err != nil {
		return err
	}

	if jsonOut && !gcApply {
		return json.NewEncoder(os.Stdout).Encode(planJSON(plan))
	}

	if plan.Empty() {
		if jsonOut {
			return json.NewEncoder(os.Stdout).Encode(resultJSON(&gc.Result{}))
		}
		fmt.Println("Nothing to collect.")
		return nil
	}

	if !jsonOut {
		printPlan(plan)
	}
	if !gcApply {
		fmt.Println("Run 'yard gc --apply' to collect.")
		return nil
	}

	if !gcYes && isatty.IsTerminal(os.Stdin.Fd()) {
		fmt.Fprintf(os.Stderr, "Collect %d item(s)? [y/N]: ", len(plan.Items))
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		answer = strings.TrimSpace(strings.ToLower(answer))
		if answer != "y" && answer != "yes" {
			ui.Infof("Canceled")
			return nil
		}
	}

	res, err := collector.Apply(ctx, plan, gc.ApplyOptions{IncludeLive: gcIncludeLive, Force: gcForce})
	if err != nil {
		return err
	}
	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(resultJSON(res))
	}
	fmt.Println()
	printResult(res)
	return nil
}

// planJSON shapes a plan for --json output.
func planJSON(plan *gc.Plan) any {
	type item struct {
		Class  string `json:"class"`
		ID     string `json:"id"`
		Run    string `json:"run,omitempty"`
		Reason string `json:"reason"`
		Size   int64  `json:"size_bytes,omitempty"`
	}
	items := make([]item, 0, len(plan.Items))
	for _, it := range plan.Items {
		items = append(items, item{string(it.Class), it.ID, it.Run, it.Reason, it.Size})
	}
	return items
}

// resultJSON shapes an apply result for --json output.
func resultJSON(res *gc.Result) any {
	type action struct {
		Class   string `json:"class"`
		ID      string `json:"id"`
		Outcome string `json:"outcome"`
		Detail  string `json:"detail,omitempty"`
	}
	out := struct {
		Actions    []action `json:"actions"`
		FreedBytes int64    `json:"freed_bytes"`
	}{Actions: make([]action, 0, len(res.Actions)), FreedBytes: res.FreedBytes}
	for _, a := range res.Actions {
		out.Actions = append(out.Actions, action{string(a.Item.Class), a.Item.ID, string(a.Outcome), a.Detail})
	}
	return out
}

func printPlan(plan *gc.Plan) {
	for _, class := range []gc.Class{
		gc.ClassOrphanedContainer,
		gc.ClassStaleRecord,
		gc.ClassAbandonedRun,
		gc.ClassDeadRunDir,
		gc.ClassUnusedImage,
	} {
		items := plan.ByClass(class)
		if len(items) == 0 {
			continue
		}
		fmt.Printf("%s (%d):\n", ui.Bold(classTitles[class]), len(items))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, item := range items {
			size := ""
			if item.Size > 0 {
				size = fmt.Sprintf("%d MB", item.Size/(1024*1024))
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\n", item.ID, item.Reason, size)
		}
		w.Flush()
		fmt.Println()
	}
}

func printResult(res *gc.Result) {
	for _, a := range res.Actions {
		switch a.Outcome {
		case gc.OutcomeRemoved:
			fmt.Printf("%s removed %s %s\n", ui.Tick(), a.Item.Class, a.Item.ID)
		case gc.OutcomeRepaired:
			fmt.Printf("%s repaired %s %s (%s)\n", ui.Tick(), a.Item.Class, a.Item.ID, a.Detail)
		case gc.OutcomeSkipped:
			fmt.Printf("- skipped %s %s (%s)\n", a.Item.Class, a.Item.ID, a.Detail)
		case gc.OutcomeFailed:
			fmt.Printf("%s failed %s %s: %s\n", ui.Cross(), a.Item.Class, a.Item.ID, a.Detail)
		}
	}

	fmt.Println()
	summary := fmt.Sprintf("Collected %d, repaired %d, skipped %d",
		res.Count(gc.OutcomeRemoved), res.Count(gc.OutcomeRepaired), res.Count(gc.OutcomeSkipped))
	if failed := res.Count(gc.OutcomeFailed); failed > 0 {
		summary += fmt.Sprintf(", %d failed", failed)
	}
	if res.FreedBytes > 0 {
		summary += fmt.Sprintf(", freed %d MB", res.FreedBytes/(1024*1024))
	}
	fmt.Println(summary)
}
