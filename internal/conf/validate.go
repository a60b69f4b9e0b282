// conf/validate.go

package conf

import (
	"fmt"
	"slices"
	"strings"

	"github.com/tphakala/framecast/internal/errors"
)

var validLogLevels = []string{"trace", "debug", "info", "warn", "error"}

func isValidLogLevel(level string) bool {
	return slices.Contains(validLogLevels, strings.ToLower(level))
}

// ValidateSettings checks the loaded settings and returns one validation error
// listing every problem found.
func ValidateSettings(settings *Settings) error {
	var problems []string

	if !isValidLogLevel(settings.Main.Log.Level) {
		problems = append(problems, fmt.Sprintf("main.log.level %q is not one of %s",
			settings.Main.Log.Level, strings.Join(validLogLevels, ", ")))
	}

	problems = append(problems, validateModuleSettings(&settings.Modules)...)

	if settings.Shutdown.StopTimeout <= 0 {
		problems = append(problems, "shutdown.stoptimeout must be positive")
	}
	if settings.Shutdown.GracePeriod < 0 {
		problems = append(problems, "shutdown.graceperiod must not be negative")
	}

	if settings.Telemetry.Sentry.Enabled && settings.Telemetry.Sentry.DSN == "" {
		problems = append(problems, "telemetry.sentry.dsn is required when sentry is enabled")
	}

	if len(problems) == 0 {
		return nil
	}

	return errors.Newf("invalid configuration: %s", strings.Join(problems, "; ")).
		Category(errors.CategoryValidation).
		Context("problems", len(problems)).
		Build()
}

func validateModuleSettings(m *ModuleSettings) []string {
	var problems []string

	if strings.TrimSpace(m.Input) == "" {
		problems = append(problems, "modules.input must name a capture module")
	}

	if m.MaxOutputs < 1 || m.MaxOutputs > MaxOutputs {
		problems = append(problems, fmt.Sprintf("modules.maxoutputs must be between 1 and %d", MaxOutputs))
	} else if len(m.Outputs) > m.MaxOutputs {
		problems = append(problems, fmt.Sprintf("at most %d output modules can be configured, got %d",
			m.MaxOutputs, len(m.Outputs)))
	}

	for i, out := range m.Outputs {
		if strings.TrimSpace(out) == "" {
			problems = append(problems, fmt.Sprintf("modules.outputs[%d] is empty", i))
		}
	}

	return problems
}
