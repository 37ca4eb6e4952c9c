package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentyard/yard/internal/ui"
)

var buildNoCache bool

var buildCmd = &cobra.Command{
	Use:   "build <config>",
	Short: "Build a config's container image",
	Long: `Build the image for a config that declares a build section, streaming
the engine's build output. Runs of the config use the image yard/<config>
unless the config names an image explicitly.`,
	Args: cobra.ExactArgs(1),
	RunE: buildImage,
}

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().BoolVar(&buildNoCache, "no-cache", false, "build without the layer cache")
}

func buildImage(cmd *cobra.Command, args []string) error {
	mgr, done, err := newManager()
	if err != nil {
		return err
	}
	defer done()

	ref, err := mgr.Build(context.Background(), args[0], buildNoCache, os.Stdout)
	if err != nil {
		return err
	}
	fmt.Printf("%s built %s\n", ui.Tick(), ref)
	return nil
}
