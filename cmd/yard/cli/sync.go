package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/agentyard/yard/internal/clone"
	"github.com/agentyard/yard/internal/ui"
)

var (
	syncCheckout     string
	syncNoUpdateMain bool
)

var syncCmd = &cobra.Command{
	Use:   "sync <run> [repo...]",
	Short: "Refresh the run's clones from the source repositories",
	Long: `Fetch each source repository into its clone and fast-forward the
clone's default branch. A clone whose default branch has diverged is left
alone and reported; merge or rebase it inside the clone.

--checkout additionally switches the clone to the named branch, refusing
if the clone has uncommitted changes. --no-update-main fetches refs
without touching the clone's default branch. With no repo arguments every
clone is synced.`,
	Args: cobra.MinimumNArgs(1),
	RunE: syncRun,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().StringVar(&syncCheckout, "checkout", "", "branch to check out in the clones after syncing")
	syncCmd.Flags().BoolVar(&syncNoUpdateMain, "no-update-main", false, "fetch only; leave the clone's default branch alone")
}

func syncRun(cmd *cobra.Command, args []string) error {
	mgr, done, err := newManager()
	if err != nil {
		return err
	}
	defer done()

	id, err := resolveRun(mgr.Store(), args[0])
	if err != nil {
		return err
	}

	results, err := mgr.Sync(context.Background(), id, args[1:], clone.SyncOptions{
		UpdateMain: !syncNoUpdateMain,
		Checkout:   syncCheckout,
	})
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(results))
	for key := range results {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		res := results[key]
		line := "refs fetched"
		if !syncNoUpdateMain {
			line = res.MainBranch + " already current"
			if res.MainUpdated {
				line = res.MainBranch + " fast-forwarded"
			}
		}
		if res.CheckedOut != "" {
			line += ", checked out " + res.CheckedOut
		}
		fmt.Printf("%s %s: %s\n", ui.Tick(), key, line)
	}
	return nil
}
