// Package config implements the "config" command for inspecting and creating
// configuration files.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tphakala/framecast/internal/conf"
)

// Loader reads the effective settings for cmd.
type Loader func(cmd *cobra.Command) (*conf.Settings, error)

// Command creates the config command with its print and init subcommands.
func Command(load Loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}

	cmd.AddCommand(printCommand(load), initCommand())

	return cmd
}

func printCommand(load Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration as YAML",
		Long:  "Print the configuration after merging defaults, the configuration file and FRAMECAST_* environment variables.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := load(cmd)
			if err != nil {
				return err
			}
			if settings.ConfigFile != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# loaded from %s\n", settings.ConfigFile)
			}
			return conf.Dump(cmd.OutOrStdout(), settings)
		},
	}
}

func initCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration file",
		Long:  "Write the default configuration to path, or to ~/.config/framecast/config.yaml. Existing files are never overwritten.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := initPath(args)
			if err != nil {
				return err
			}
			if err := conf.WriteDefaultConfig(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}

func initPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory, pass a path: %w", err)
	}
	return filepath.Join(home, ".config", "framecast", "config.yaml"), nil
}
