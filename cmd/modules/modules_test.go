package modules

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tphakala/framecast/internal/host"
)

func testRegistry(t *testing.T) *host.Registry {
	t.Helper()
	r := host.NewRegistry()
	r.SetSearchPaths([]string{"/opt/framecast"})
	noop := func() host.Module { return nil }
	require.NoError(t, r.Register(host.RoleCapture, "cam", "test camera", noop))
	require.NoError(t, r.Register(host.RoleDelivery, "http", "mjpeg server", noop))
	return r
}

func TestModulesCommandTable(t *testing.T) {
	t.Parallel()

	cmd := Command(testRegistry(t))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())

	text := out.String()
	assert.Contains(t, text, "ROLE")
	assert.Regexp(t, `capture\s+cam\s+test camera`, text)
	assert.Regexp(t, `delivery\s+http\s+mjpeg server`, text)
	assert.Contains(t, text, "/opt/framecast")
}

func TestModulesCommandJSON(t *testing.T) {
	t.Parallel()

	cmd := Command(testRegistry(t))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--json"})
	require.NoError(t, cmd.Execute())

	var entries []map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "cam", entries[0]["name"])
	assert.Equal(t, "capture", entries[0]["role"])
	assert.Equal(t, "delivery", entries[1]["role"])
}
