package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tphakala/framecast/internal/buildinfo"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestVersionSubcommand(t *testing.T) {
	var out bytes.Buffer
	root := RootCommand(buildinfo.NewContext("1.4.0", "2026-10-01", ""))
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "framecast 1.4.0 (built 2026-10-01")
}

func TestModulesSubcommandListsBuiltins(t *testing.T) {
	var out bytes.Buffer
	root := RootCommand(buildinfo.NewContext("", "", ""))
	root.SetOut(&out)
	root.SetArgs([]string{"modules"})
	require.NoError(t, root.Execute())

	for _, name := range []string{"testpicture", "file", "http", "mqtt", "upload", "journal"} {
		assert.Contains(t, out.String(), name)
	}
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := writeConfig(t, `
modules:
  input: "file --folder /srv/frames"
  outputs:
    - "http --port 9000"
shutdown:
  stoptimeout: 3s
`)

	var out bytes.Buffer
	root := RootCommand(buildinfo.NewContext("", "", ""))
	root.SetOut(&out)
	root.SetArgs([]string{"config", "print", "--config", path})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "input: file --folder /srv/frames")
	assert.Contains(t, out.String(), "stoptimeout: 3s")

	root = RootCommand(buildinfo.NewContext("", "", ""))
	opts := &options{configFile: path, outputs: []string{"file --folder /tmp/a,b", "mqtt --broker tcp://localhost:1883"}}
	require.NoError(t, root.ParseFlags([]string{
		"-i", "testpicture --fps 2",
		"-o", "file --folder /tmp/a,b",
		"-o", "mqtt --broker tcp://localhost:1883",
		"--stop-timeout", "7s",
	}))
	settings, err := opts.load(root)
	require.NoError(t, err)
	assert.Equal(t, "testpicture --fps 2", settings.Modules.Input)
	assert.Equal(t, []string{"file --folder /tmp/a,b", "mqtt --broker tcp://localhost:1883"}, settings.Modules.Outputs)
	assert.Equal(t, "7s", settings.Shutdown.StopTimeout.String())
}

func TestExecuteReportsErrors(t *testing.T) {
	var stderr bytes.Buffer
	status := Execute(buildinfo.NewContext("", "", ""), []string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "config", "print"}, &stderr)
	assert.Equal(t, 1, status)
	assert.Contains(t, stderr.String(), "Error:")

	stderr.Reset()
	status = Execute(buildinfo.NewContext("", "", ""), []string{"config", "print", "--no-such-flag"}, &stderr)
	assert.Equal(t, 1, status)
}

func TestTooManyOutputsRejected(t *testing.T) {
	args := []string{"-i", "testpicture"}
	for range 11 {
		args = append(args, "-o", "http")
	}
	var stderr bytes.Buffer
	status := Execute(buildinfo.NewContext("", "", ""), args, &stderr)
	assert.Equal(t, 1, status)
	assert.Contains(t, stderr.String(), "at most 10 output modules")
}
