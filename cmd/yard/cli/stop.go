package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop <run>",
	Short: "Stop a run's container",
	Long: `Stop the run's container and record the stopped status. The run's
clones and record stay; restart it with yard start, or remove it with
yard rm.`,
	Args: cobra.ExactArgs(1),
	RunE: stopRun,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func stopRun(cmd *cobra.Command, args []string) error {
	mgr, done, err := newManager()
	if err != nil {
		return err
	}
	defer done()

	id, err := resolveRun(mgr.Store(), args[0])
	if err != nil {
		return err
	}
	if err := mgr.Stop(context.Background(), id); err != nil {
		return fmt.Errorf("stopping run %s: %w", id, err)
	}
	fmt.Printf("Run %s stopped\n", id)
	return nil
}
