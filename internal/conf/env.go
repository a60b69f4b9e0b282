// env.go - Environment variable configuration and validation for framecast
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// listSeparator splits list-valued environment variables. Module specs contain
// spaces, so whitespace cannot be used.
const listSeparator = ";"

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
	List      bool               // value is a listSeparator separated list
}

// getEnvBindings returns all environment variable bindings with validation
func getEnvBindings() []envBinding {
	return []envBinding{
		{ConfigKey: "debug", EnvVar: "FRAMECAST_DEBUG", Validate: validateEnvBool},

		{ConfigKey: "main.name", EnvVar: "FRAMECAST_NAME"},
		{ConfigKey: "main.log.level", EnvVar: "FRAMECAST_LOG_LEVEL", Validate: validateEnvLogLevel},
		{ConfigKey: "main.log.file", EnvVar: "FRAMECAST_LOG_FILE", Validate: validateEnvPath},

		{ConfigKey: "modules.input", EnvVar: "FRAMECAST_INPUT", Validate: validateEnvModuleSpec},
		{ConfigKey: "modules.outputs", EnvVar: "FRAMECAST_OUTPUTS", List: true},
		{ConfigKey: "modules.searchpaths", EnvVar: "FRAMECAST_PLUGIN_PATH", List: true},
		{ConfigKey: "modules.maxoutputs", EnvVar: "FRAMECAST_MAX_OUTPUTS", Validate: validateEnvMaxOutputs},

		{ConfigKey: "shutdown.stoptimeout", EnvVar: "FRAMECAST_STOP_TIMEOUT", Validate: validateEnvDuration},
		{ConfigKey: "shutdown.graceperiod", EnvVar: "FRAMECAST_GRACE_PERIOD", Validate: validateEnvDuration},

		{ConfigKey: "telemetry.sentry.enabled", EnvVar: "FRAMECAST_SENTRY_ENABLED", Validate: validateEnvBool},
		{ConfigKey: "telemetry.sentry.dsn", EnvVar: "FRAMECAST_SENTRY_DSN"},
	}
}

// bindEnvVars sets up environment variable bindings with validation (internal)
func bindEnvVars(v *viper.Viper) error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		envValue, set := os.LookupEnv(binding.EnvVar)

		if binding.List {
			// viper splits env slices on whitespace, so lists are set explicitly
			if set && envValue != "" {
				v.Set(binding.ConfigKey, splitEnvList(envValue))
			}
			continue
		}

		if err := v.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate != nil && set && envValue != "" {
			if err := binding.Validate(envValue); err != nil {
				warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}

	return nil
}

func splitEnvList(value string) []string {
	parts := strings.Split(value, listSeparator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Environment variable validation functions

// validateEnvBool validates boolean environment variables
func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("invalid boolean value '%s': must be true/false, 1/0, t/f, TRUE/FALSE, T/F", value)
	}
	return nil
}

func validateEnvLogLevel(value string) error {
	if !isValidLogLevel(value) {
		return fmt.Errorf("log level must be one of trace, debug, info, warn, error")
	}
	return nil
}

func validateEnvPath(value string) error {
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("path contains NUL byte")
	}
	if strings.HasSuffix(value, string(filepath.Separator)) {
		return fmt.Errorf("path %q names a directory, expected a file", value)
	}
	return nil
}

func validateEnvModuleSpec(value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("module spec must name a module")
	}
	return nil
}

func validateEnvMaxOutputs(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer: %w", err)
	}
	if n < 1 || n > MaxOutputs {
		return fmt.Errorf("must be between 1 and %d, got %d", MaxOutputs, n)
	}
	return nil
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	if d < 0 {
		return fmt.Errorf("duration must not be negative")
	}
	return nil
}
