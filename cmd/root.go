package cmd

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tphakala/framecast/cmd/config"
	"github.com/tphakala/framecast/cmd/modules"
	"github.com/tphakala/framecast/cmd/serve"
	"github.com/tphakala/framecast/cmd/version"
	"github.com/tphakala/framecast/internal/buildinfo"
	"github.com/tphakala/framecast/internal/conf"
	"github.com/tphakala/framecast/internal/host"
	"github.com/tphakala/framecast/internal/logger"
)

// ExitError carries a non-zero process exit status out of a command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// flagKeys maps command line flags to the settings keys they override.
var flagKeys = map[string]string{
	"debug":        "debug",
	"input":        "modules.input",
	"plugin-path":  "modules.searchpaths",
	"stop-timeout": "shutdown.stoptimeout",
	"grace":        "shutdown.graceperiod",
}

// options holds flag values that are not bound through viper.
type options struct {
	configFile string
	outputs    []string
}

// RootCommand creates and returns the root command. Run without a
// subcommand it streams from the configured capture module to the delivery
// modules until interrupted.
func RootCommand(info *buildinfo.Context) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "framecast",
		Short: "Stream JPEG frames from one capture module to many delivery modules",
		Long: `framecast loads one capture module and up to ten delivery modules.
The capture module publishes frames, every delivery module receives the latest one.

  framecast -i "testpicture --fps 10" -o "http --port 8080" -o "file --folder /tmp/cam"`,
		Version:       info.Version(),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := opts.load(cmd)
			if err != nil {
				return err
			}

			closeLog, err := setupLogging(settings)
			if err != nil {
				return err
			}
			defer closeLog()

			if status := serve.Run(cmd.Context(), settings, info); status != 0 {
				return &ExitError{Code: status}
			}
			return nil
		},
	}

	setupFlags(rootCmd, opts)

	rootCmd.AddCommand(
		modules.Command(host.DefaultRegistry()),
		config.Command(opts.load),
		version.Command(info),
	)

	return rootCmd
}

// setupFlags defines the global and streaming flags.
func setupFlags(rootCmd *cobra.Command, opts *options) {
	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "Configuration file (default: search ./, ~/.config/framecast, /etc/framecast)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")

	rootCmd.Flags().StringP("input", "i", "", "Capture module and its arguments, e.g. \"testpicture --fps 10\"")
	rootCmd.Flags().StringArrayVarP(&opts.outputs, "output", "o", nil, "Delivery module and its arguments, repeatable")
	rootCmd.Flags().StringSliceP("plugin-path", "P", nil, "Directories searched for plugin modules")
	rootCmd.Flags().Duration("stop-timeout", 0, "Bound on each module's stop call")
	rootCmd.Flags().Duration("grace", 0, "Settle time between stopping and unloading modules")
}

// load reads settings, letting flags given on the command line override the
// configuration file and environment.
func (o *options) load(cmd *cobra.Command) (*conf.Settings, error) {
	bindings := make(map[string]*pflag.Flag)
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			bindings[key] = f
		}
	}

	settings, err := conf.Load(o.configFile, bindings)
	if err != nil {
		return nil, err
	}

	// Module specs contain spaces and commas, so -o is applied here rather
	// than through viper's slice parsing.
	if f := cmd.Flags().Lookup("output"); f != nil && f.Changed {
		settings.Modules.Outputs = o.outputs
		if err := conf.ValidateSettings(settings); err != nil {
			return nil, err
		}
	}

	return settings, nil
}

// setupLogging installs the global logger described by settings.
func setupLogging(settings *conf.Settings) (func(), error) {
	level := settings.Main.Log.Level
	if settings.Debug {
		level = string(logger.LogLevelDebug)
	}

	cl, err := logger.NewCentralLogger(&logger.LoggingConfig{
		DefaultLevel: level,
		Console:      true,
		FilePath:     settings.Main.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("error setting up logging: %w", err)
	}
	logger.SetGlobal(cl)

	return func() { _ = cl.Close() }, nil
}

// Execute runs the command line and returns the process exit status.
func Execute(info *buildinfo.Context, args []string, stderr io.Writer) int {
	rootCmd := RootCommand(info)
	rootCmd.SetArgs(args)
	rootCmd.SetErr(stderr)

	err := rootCmd.Execute()
	if err == nil {
		return 0
	}

	var exitErr *ExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.Code
	}

	fmt.Fprintln(stderr, "Error:", err)
	return host.ExitCode(err)
}

// Main is the entry point used by package main.
func Main(info *buildinfo.Context) {
	os.Exit(Execute(info, os.Args[1:], os.Stderr))
}
