package testpicture

import (
	"io"

	"github.com/tphakala/framecast/internal/logger"
)

func quietLogger() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil)
}
