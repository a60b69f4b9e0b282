// Package modules implements the "modules" command listing built-in modules.
package modules

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tphakala/framecast/internal/host"
)

// Command creates the command that lists the modules compiled into registry.
func Command(registry *host.Registry) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "modules",
		Short: "List available capture and delivery modules",
		Long:  "List the built-in modules and the directories searched for plugin modules.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			infos := append(registry.Modules(host.RoleCapture), registry.Modules(host.RoleDelivery)...)
			out := cmd.OutOrStdout()

			if asJSON {
				type entry struct {
					Name        string `json:"name"`
					Role        string `json:"role"`
					Description string `json:"description"`
				}
				entries := make([]entry, 0, len(infos))
				for _, m := range infos {
					entries = append(entries, entry{Name: m.Name, Role: m.Role.String(), Description: m.Description})
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ROLE\tNAME\tDESCRIPTION")
			for _, m := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Role, m.Name, m.Description)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			fmt.Fprintln(out, "\nPlugin search paths:")
			for _, p := range registry.SearchPaths() {
				fmt.Fprintln(out, "  "+p)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the module list as JSON")

	return cmd
}
