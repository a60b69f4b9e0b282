// Package conf loads framecast settings from config.yaml, FRAMECAST_* environment
// variables and command line overrides.
package conf

import (
	"embed"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tphakala/framecast/internal/errors"
	"github.com/tphakala/framecast/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// MaxOutputs is the hard ceiling on simultaneously loaded delivery modules.
const MaxOutputs = 10

// Settings contains all configuration options for framecast.
type Settings struct {
	Debug bool `yaml:"debug"` // true to enable debug logging

	Main struct {
		Name string     `yaml:"name"` // instance name, used in status output and MQTT topics
		Log  LogSetting `yaml:"log"`
	} `yaml:"main"`

	Modules ModuleSettings `yaml:"modules"`

	Shutdown ShutdownSettings `yaml:"shutdown"`

	Telemetry struct {
		Sentry SentrySettings `yaml:"sentry"`
	} `yaml:"telemetry"`

	// ConfigFile is the file settings were read from, empty when running on defaults.
	ConfigFile string `yaml:"-" mapstructure:"-"`
}

// LogSetting controls the host logger.
type LogSetting struct {
	Level string `yaml:"level"` // trace, debug, info, warn or error
	File  string `yaml:"file"`  // optional JSON log file, empty to disable
}

// ModuleSettings selects the capture and delivery modules.
type ModuleSettings struct {
	Input       string   `yaml:"input"`       // "<name> [args...]" of the capture module
	Outputs     []string `yaml:"outputs"`     // "<name> [args...]" of each delivery module
	SearchPaths []string `yaml:"searchpaths"` // extra directories searched for plugin modules
	MaxOutputs  int      `yaml:"maxoutputs"`  // upper bound on len(Outputs)
}

// ShutdownSettings bounds the teardown sequence.
type ShutdownSettings struct {
	StopTimeout time.Duration `yaml:"stoptimeout"` // per-module stop bound
	GracePeriod time.Duration `yaml:"graceperiod"` // settle time before modules are unloaded
}

// SentrySettings enables optional error telemetry.
type SentrySettings struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables into Settings.
// An explicit configFile must exist; otherwise the default search paths are
// tried and a missing file is not an error. Flags in bindings override both,
// but only when they were set on the command line.
func Load(configFile string, bindings map[string]*pflag.Flag) (*Settings, error) {
	v, err := newViper(configFile)
	if err != nil {
		return nil, err
	}

	for key, flag := range bindings {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, errors.New(err).
				Category(errors.CategoryConfiguration).
				Context("key", key).
				Build()
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.Newf("error unmarshaling config into struct: %w", err).
			Category(errors.CategoryConfiguration).
			Build()
	}
	settings.ConfigFile = v.ConfigFileUsed()
	if settings.ConfigFile != "" {
		GetLogger().Debug("configuration loaded", logger.String("file", settings.ConfigFile))
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}

	settingsMutex.Lock()
	settingsInstance = settings
	settingsMutex.Unlock()

	return settings, nil
}

// newViper initializes a viper instance with defaults, environment bindings and
// the configuration file.
func newViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaultConfig(v)

	if err := bindEnvVars(v); err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("operation", "bind-env").
			Build()
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Newf("error reading config file %s: %w", configFile, err).
				Category(errors.CategoryConfiguration).
				Build()
		}
		return v, nil
	}

	v.SetConfigName("config")
	for _, path := range GetDefaultConfigPaths() {
		v.AddConfigPath(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if stderrors.As(err, &notFound) {
			// Running on defaults is fine
			return v, nil
		}
		return nil, errors.Newf("fatal error reading config file: %w", err).
			Category(errors.CategoryConfiguration).
			Build()
	}

	return v, nil
}

// GetDefaultConfigPaths returns the directories searched for config.yaml, in order.
func GetDefaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "framecast"))
	}
	return append(paths, "/etc/framecast")
}

// GetSettings returns the settings from the last successful Load, or nil.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// DefaultConfig returns the commented default configuration file.
func DefaultConfig() ([]byte, error) {
	data, err := configFiles.ReadFile("config.yaml")
	if err != nil {
		return nil, fmt.Errorf("error reading embedded config: %w", err)
	}
	return data, nil
}

// WriteDefaultConfig writes the default configuration to path, refusing to
// overwrite an existing file.
func WriteDefaultConfig(path string) error {
	data, err := DefaultConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.New(err).
			Category(errors.CategoryFileIO).
			Context("path", filepath.Dir(path)).
			Build()
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errors.New(err).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.New(err).
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	return f.Close()
}
