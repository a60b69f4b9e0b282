// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultInput is the capture module used when none is configured.
	DefaultInput = "testpicture --resolution 640x480 --fps 5"
	// DefaultOutput is the delivery module used when none is configured.
	DefaultOutput = "http --port 8080"
)

// Sets default values for the configuration.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("main.name", "framecast")
	v.SetDefault("main.log.level", "info")
	v.SetDefault("main.log.file", "")

	v.SetDefault("modules.input", DefaultInput)
	v.SetDefault("modules.outputs", []string{})
	v.SetDefault("modules.searchpaths", []string{})
	v.SetDefault("modules.maxoutputs", MaxOutputs)

	v.SetDefault("shutdown.stoptimeout", 5*time.Second)
	v.SetDefault("shutdown.graceperiod", time.Second)

	v.SetDefault("telemetry.sentry.enabled", false)
	v.SetDefault("telemetry.sentry.dsn", "")
}
