package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var rmForce bool

var rmCmd = &cobra.Command{
	Use:   "rm <run>",
	Short: "Remove a run and all its resources",
	Long: `Remove the run's container, its clones, and its record, in that order.
Commits that were never fetched back to a source repository are lost with
the clones.

Removing a running run asks for confirmation; --force skips the prompt.`,
	Args: cobra.ExactArgs(1),
	RunE: removeRun,
}

func init() {
	rootCmd.AddCommand(rmCmd)
	rmCmd.Flags().BoolVarP(&rmForce, "force", "f", false, "remove without confirmation")
}

func removeRun(cmd *cobra.Command, args []string) error {
	mgr, done, err := newManager()
	if err != nil {
		return err
	}
	defer done()

	id, err := resolveRun(mgr.Store(), args[0])
	if err != nil {
		return err
	}

	rec, err := mgr.Store().Load(id)
	if err != nil {
		return err
	}
	force := rmForce
	if rec.Status.Live() && !force {
		fmt.Fprintf(os.Stderr, "Run %s is %s. Remove it anyway? [y/N]: ", id, rec.Status)
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		answer = strings.TrimSpace(strings.ToLower(answer))
		if answer != "y" && answer != "yes" {
			fmt.Println("Canceled")
			return nil
		}
		// The confirmation covers killing the live container.
		force = true
	}

	if err := mgr.Delete(context.Background(), id, force); err != nil {
		return err
	}
	fmt.Printf("Run %s removed\n", id)
	return nil
}
