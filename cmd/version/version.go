// Package version implements the "version" command.
package version

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tphakala/framecast/internal/buildinfo"
)

// Command creates a new cobra.Command to print build information.
func Command(info *buildinfo.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the framecast version and build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), info.String())
			return nil
		},
	}
}
