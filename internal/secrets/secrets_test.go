package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tphakala/framecast/internal/errors"
)

func TestExpandString(t *testing.T) {
	t.Setenv("FC_TOKEN", "secret123")
	t.Setenv("FC_USER", "admin")
	t.Setenv("FC_EMPTY", "")

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "empty string", input: "", want: ""},
		{name: "literal", input: "literal-value", want: "literal-value"},
		{name: "bare dollar kept", input: "pa$$word", want: "pa$$word"},
		{name: "variable", input: "${FC_TOKEN}", want: "secret123"},
		{name: "prefix and suffix", input: "Bearer ${FC_TOKEN}!", want: "Bearer secret123!"},
		{name: "multiple", input: "${FC_USER}:${FC_TOKEN}", want: "admin:secret123"},
		{name: "default unused", input: "${FC_TOKEN:-x}", want: "secret123"},
		{name: "default used", input: "${FC_MISSING:-fallback}", want: "fallback"},
		{name: "empty default", input: "${FC_EMPTY:-}", want: ""},
		{name: "missing", input: "${FC_MISSING}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandString(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "FC_MISSING")
				assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(good, []byte("s3cret\n"), 0o600))
	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0o600))
	big := filepath.Join(dir, "big")
	require.NoError(t, os.WriteFile(big, make([]byte, maxSecretFileSize+1), 0o600))

	got, err := ReadFile(good)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	_, err = ReadFile(empty)
	require.Error(t, err)

	_, err = ReadFile(big)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryLimit))

	_, err = ReadFile(dir)
	require.Error(t, err, "directories are rejected")

	_, err = ReadFile(filepath.Join(dir, "missing"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))

	_, err = ReadFile("")
	require.Error(t, err)
}

func TestResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pw")
	require.NoError(t, os.WriteFile(path, []byte("from-file"), 0o600))
	t.Setenv("FC_PASSWORD", "from-env")

	got, err := Resolve("file:" + path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)

	got, err = Resolve("${FC_PASSWORD}")
	require.NoError(t, err)
	assert.Equal(t, "from-env", got)

	got, err = Resolve("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", got)
}
