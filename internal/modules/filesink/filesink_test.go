package filesink

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/framecast/internal/errors"
	"github.com/tphakala/framecast/internal/host"
	"github.com/tphakala/framecast/internal/modules/modtest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func start(t *testing.T, args string) (*modtest.Pipeline, *modtest.FakeCapture) {
	t.Helper()
	p := modtest.New(t)
	fc := p.WithFakeCapture(t)
	p.Register(t, host.RoleDelivery, Name, New)
	require.NoError(t, p.Start(modtest.FakeCaptureName, "file "+args))
	return p, fc
}

func frameFiles(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, filePrefix+"*"+fileExt))
	require.NoError(t, err)
	return files
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// publishEach publishes frames one at a time, waiting until each is stored.
func publishEach(t *testing.T, p *modtest.Pipeline, fc *modtest.FakeCapture, frames ...string) {
	t.Helper()
	for i, f := range frames {
		fc.Publish(t, []byte(f))
		want := "written=" + strconv.Itoa(i+1)
		waitFor(t, func() bool {
			out, err := p.State.Command(Name, "status")
			return err == nil && strings.HasPrefix(out, want+" ")
		})
	}
}

func TestWritesOneFilePerFrame(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "out")
	p, fc := start(t, "--folder "+dir)

	publishEach(t, p, fc, "a", "b", "c")

	files := frameFiles(t, dir)
	require.Len(t, files, 3)
	var contents []string
	for _, f := range files {
		data, err := os.ReadFile(f)
		require.NoError(t, err)
		contents = append(contents, string(data))
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, contents)
}

func TestSizeKeepsNewestFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// a leftover from an earlier run counts towards the limit
	require.NoError(t, os.WriteFile(filepath.Join(dir, filePrefix+"00000000_000000.000000_000000000"+fileExt), []byte("old"), 0o600))

	p, fc := start(t, "--folder "+dir+" --size 2")
	publishEach(t, p, fc, "1", "2", "3")

	files := frameFiles(t, dir)
	require.Len(t, files, 2)
	for _, f := range files {
		data, err := os.ReadFile(f)
		require.NoError(t, err)
		assert.Contains(t, []string{"2", "3"}, string(data))
	}
}

func TestMJPEGAppends(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p, fc := start(t, "--folder "+dir+" --mjpeg video.mjpg")
	publishEach(t, p, fc, "AA", "BB")
	require.Equal(t, 0, p.Shutdown())

	data, err := os.ReadFile(filepath.Join(dir, "video.mjpg"))
	require.NoError(t, err)
	assert.Equal(t, "AABB", string(data))
	assert.Empty(t, frameFiles(t, dir))
}

func TestIntervalSkipsFrames(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p, fc := start(t, "--folder "+dir+" --interval 1h")

	publishEach(t, p, fc, "first")
	fc.Publish(t, []byte("second"))
	time.Sleep(50 * time.Millisecond)

	out, err := p.State.Command(Name, "status")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "written=1 "), out)
}

func TestSaveCommand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p, fc := start(t, "--folder "+dir+" --interval 1h")
	publishEach(t, p, fc, "x")

	name, err := p.State.Command(Name, "save")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, filePrefix), name)
	_, err = os.Stat(filepath.Join(dir, name))
	require.NoError(t, err)

	_, err = p.State.Command(Name, "format")
	require.Error(t, err)
}

func TestInvalidArguments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	tests := []struct {
		args     string
		category errors.ErrorCategory
	}{
		{"", errors.CategoryValidation},
		{"--folder " + dir + " --size -1", errors.CategoryValidation},
		{"--folder " + dir + " --mjpeg sub/video.mjpg", errors.CategoryValidation},
		{"--folder " + dir + " --interval -1s", errors.CategoryValidation},
		{"--folder " + filepath.Join(blocker, "sub"), errors.CategoryFileIO},
	}
	for _, tt := range tests {
		t.Run(tt.args, func(t *testing.T) {
			t.Parallel()
			p := modtest.New(t)
			p.WithFakeCapture(t)
			p.Register(t, host.RoleDelivery, Name, New)
			err := p.Start(modtest.FakeCaptureName, strings.TrimSpace("file "+tt.args))
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, tt.category), "got %v", err)
		})
	}
}
