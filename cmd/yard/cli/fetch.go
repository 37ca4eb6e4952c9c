package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/agentyard/yard/internal/ui"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <run> [repo...]",
	Short: "Pull the run's commits into the source repositories",
	Long: `Fast-forward each source repository's copy of the run branch to match
the clone. The source's checked-out branch and working tree are never
touched; the commits land on a branch named after the run, ready for
review and merge.

With no repo arguments every clone is fetched. A source branch that has
diverged is refused; sync the clone first.`,
	Args: cobra.MinimumNArgs(1),
	RunE: fetchRun,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}

func fetchRun(cmd *cobra.Command, args []string) error {
	mgr, done, err := newManager()
	if err != nil {
		return err
	}
	defer done()

	id, err := resolveRun(mgr.Store(), args[0])
	if err != nil {
		return err
	}

	counts, err := mgr.Fetch(context.Background(), id, args[1:])
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		switch n := counts[key]; n {
		case 0:
			fmt.Printf("%s %s: already up to date\n", ui.Tick(), key)
		case 1:
			fmt.Printf("%s %s: 1 commit fetched to branch %s\n", ui.Tick(), key, id)
		default:
			fmt.Printf("%s %s: %d commits fetched to branch %s\n", ui.Tick(), key, n, id)
		}
	}
	return nil
}
