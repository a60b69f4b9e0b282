package conf

import "github.com/tphakala/framecast/internal/logger"

// GetLogger returns the config package logger scoped to the config module.
// The logger is fetched from the global logger each time so it follows
// logger.SetGlobal calls made after package init.
func GetLogger() logger.Logger {
	return logger.Global().Module("config")
}
