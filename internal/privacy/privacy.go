// Package privacy removes credentials from URLs and messages before they are
// logged, shown in status output or sent to telemetry.
package privacy

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// urlPattern finds URLs of the schemes framecast talks to.
var urlPattern = regexp.MustCompile(`\b(?:https?|ftp|sftp|tcp|ssl|tls|wss?|mqtts?)://\S+`)

// RedactURL replaces the password in rawURL with "xxxxx". Values that do not
// parse are replaced by a short hash so nothing sensitive leaks.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		hash := sha256.Sum256([]byte(rawURL))
		return fmt.Sprintf("url-hash-%x", hash[:8])
	}
	return u.Redacted()
}

// ScrubMessage redacts every URL found in message.
func ScrubMessage(message string) string {
	return urlPattern.ReplaceAllStringFunc(message, RedactURL)
}

// secretFlags are module options whose value must never be logged.
var secretFlags = []string{"--password", "--credentials", "-c"}

// ScrubArgs redacts URLs and the values of password-like options in a module
// argument string.
func ScrubArgs(args string) string {
	fields := strings.Fields(ScrubMessage(args))
	for i := 0; i < len(fields); i++ {
		for _, flag := range secretFlags {
			switch {
			case fields[i] == flag && i+1 < len(fields):
				fields[i+1] = "xxxxx"
				i++
			case strings.HasPrefix(fields[i], flag+"="):
				fields[i] = flag + "=xxxxx"
			}
		}
	}
	return strings.Join(fields, " ")
}
