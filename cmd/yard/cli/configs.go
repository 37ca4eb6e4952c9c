package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentyard/yard/internal/config"
	"github.com/agentyard/yard/internal/ui"
)

var configsCmd = &cobra.Command{
	Use:   "configs",
	Short: "List the run configs on this machine",
	Long: `List every config under ` + "`~/.yard/templates`" + ` with its image and
repositories. Configs that fail to load are reported, not hidden.`,
	RunE: listConfigs,
}

func init() {
	rootCmd.AddCommand(configsCmd)
}

func listConfigs(cmd *cobra.Command, args []string) error {
	names, err := config.ListTemplates()
	if err != nil {
		return err
	}

	type row struct {
		Name  string   `json:"name"`
		Image string   `json:"image"`
		Repos []string `json:"repos"`
		Error string   `json:"error,omitempty"`
	}
	rows := make([]row, 0, len(names))
	for _, name := range names {
		tmpl, err := config.LoadTemplate(name)
		if err != nil {
			rows = append(rows, row{Name: name, Error: err.Error()})
			continue
		}
		repos := make([]string, 0, len(tmpl.Repos))
		for key := range tmpl.Repos {
			repos = append(repos, key)
		}
		sort.Strings(repos)
		rows = append(rows, row{Name: name, Image: tmpl.ImageRef(), Repos: repos})
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No configs found.")
		fmt.Printf("Create one at %s/<name>.yml\n", config.TemplatesDir())
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CONFIG\tIMAGE\tREPOS")
	for _, r := range rows {
		if r.Error != "" {
			fmt.Fprintf(w, "%s\t%s\t\n", r.Name, ui.Red("broken"))
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, r.Image, strings.Join(r.Repos, ", "))
	}
	return w.Flush()
}
