// Package secrets resolves credentials given to modules: literal values,
// ${VAR} references to the environment and file: references to mounted
// secret files (Docker/Kubernetes secrets).
//
// Secret values are never logged.
package secrets

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tphakala/framecast/internal/errors"
	"github.com/tphakala/framecast/internal/logger"
)

const (
	// maxSecretFileSize limits secret file reads; secrets are tokens and passwords
	maxSecretFileSize = 64 * 1024

	// filePrefix marks a value that names a secret file
	filePrefix = "file:"
)

// varPattern matches ${VAR} and ${VAR:-default}. A bare $ is left alone so
// passwords containing one survive.
var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandString replaces ${VAR} references with environment values.
// ${VAR:-default} falls back to default when VAR is unset or empty; a
// reference without a default to an unset variable is an error.
func ExpandString(s string) (string, error) {
	var missing []string
	expanded := varPattern.ReplaceAllStringFunc(s, func(ref string) string {
		m := varPattern.FindStringSubmatch(ref)
		name, hasDefault := m[1], strings.Contains(ref, ":-")
		if value := os.Getenv(name); value != "" {
			return value
		}
		if hasDefault {
			return m[2]
		}
		missing = append(missing, name)
		return ""
	})

	if len(missing) > 0 {
		return "", errors.Newf("missing required environment variable(s): %s", strings.Join(missing, ", ")).
			Component("secrets").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return expanded, nil
}

// ReadFile reads a secret file, trimming trailing newlines. Files readable by
// group or others are accepted with a warning.
func ReadFile(path string) (string, error) {
	if path == "" {
		return "", errors.Newf("secret file path is empty").
			Component("secrets").
			Category(errors.CategoryConfiguration).
			Build()
	}
	cleanPath := filepath.Clean(path)

	info, err := os.Stat(cleanPath)
	if err != nil {
		return "", fileError(err, cleanPath)
	}
	if !info.Mode().IsRegular() {
		return "", errors.Newf("secret path is not a regular file: %s", cleanPath).
			Component("secrets").
			Category(errors.CategoryFileIO).
			Build()
	}
	if info.Size() > maxSecretFileSize {
		return "", errors.Newf("secret file too large (max %d bytes): %s", maxSecretFileSize, cleanPath).
			Component("secrets").
			Category(errors.CategoryLimit).
			Build()
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Global().Module("secrets").Warn("secret file is readable by group or others",
			logger.String("path", cleanPath),
			logger.String("perm", perm.String()))
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return "", fileError(err, cleanPath)
	}

	secret := strings.TrimRight(string(data), "\r\n")
	if secret == "" {
		return "", errors.Newf("secret file is empty: %s", cleanPath).
			Component("secrets").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return secret, nil
}

// Resolve returns the secret value meant by value: the contents of the file
// for "file:/path", otherwise value with ${VAR} references expanded.
func Resolve(value string) (string, error) {
	if path, ok := strings.CutPrefix(value, filePrefix); ok {
		return ReadFile(path)
	}
	return ExpandString(value)
}

func fileError(err error, path string) error {
	return errors.New(err).
		Component("secrets").
		Category(errors.CategoryFileIO).
		Context("path", path).
		Build()
}
