package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/harun/toolrun/pkg/coretools"
	"github.com/harun/toolrun/pkg/toolstore"
	"github.com/spf13/cobra"
)

var toolsJSON bool

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the built-in tools",
	Args:  cobra.NoArgs,
	RunE:  runTools,
}

func init() {
	toolsCmd.Flags().BoolVar(&toolsJSON, "json", false, "print tool definitions as JSON")
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	store := toolstore.New(toolstore.Options{Name: "core"})
	if err := coretools.RegisterCoreTools(store, coretools.Options{}); err != nil {
		return err
	}
	defs := store.Definitions()

	out := cmd.OutOrStdout()
	if toolsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(defs)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPARAMETERS\tDESCRIPTION")
	for _, def := range defs {
		params := make([]string, 0, len(def.Parameters))
		for _, p := range def.Parameters {
			name := p.Name
			if p.Required {
				name += "*"
			}
			params = append(params, name)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", def.Name, strings.Join(params, ","), def.Description)
	}
	return w.Flush()
}
