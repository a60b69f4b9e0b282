package conf

import (
	"io"

	"github.com/tphakala/framecast/internal/errors"
	"gopkg.in/yaml.v3"
)

// Dump writes the effective settings to w as YAML.
func Dump(w io.Writer, settings *Settings) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("operation", "dump-config").
			Build()
	}
	return enc.Close()
}
