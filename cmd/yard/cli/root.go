// Package cli implements the yard command-line interface using Cobra. It
// provides commands for creating and managing agent runs, moving commits
// between clones and their source repositories, and reconciling state after
// crashes.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/agentyard/yard/internal/config"
	"github.com/agentyard/yard/internal/log"
)

var (
	verbose bool
	quiet   bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "yard",
	Short: "yard - disposable workspaces for coding agents",
	Long: `Yard provisions disposable workspaces for coding agents. Each run is a
container plus a private clone of your repositories on a branch named after
the run; the agent works in the clone, and you pull the commits you want back
into your repository with yard fetch. Nothing touches your checkout.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		global := config.LoadGlobal()
		if err := log.Init(log.Options{
			Verbose:       verbose,
			Quiet:         quiet,
			FileDir:       config.LogsDir(),
			RetentionDays: global.LogRetentionDays,
		}); err != nil {
			// Logging failure never blocks the command itself.
			cmd.PrintErrf("Warning: could not initialize logging: %v\n", err)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "errors only")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
}
