package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start <run>",
	Short: "Restart a stopped run",
	Long: `Start the run's existing container again. The clones keep whatever
state the agent left in them.`,
	Args: cobra.ExactArgs(1),
	RunE: startRun,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func startRun(cmd *cobra.Command, args []string) error {
	mgr, done, err := newManager()
	if err != nil {
		return err
	}
	defer done()

	id, err := resolveRun(mgr.Store(), args[0])
	if err != nil {
		return err
	}
	if err := mgr.Start(context.Background(), id); err != nil {
		return fmt.Errorf("starting run %s: %w", id, err)
	}
	fmt.Printf("Run %s started\n", id)
	return nil
}
