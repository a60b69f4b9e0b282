package fileinput

import (
	"os"
	"path/filepath"
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

// fakeJPEG returns a minimal byte stream with JPEG start and end markers.
func fakeJPEG(payload byte) []byte {
	return []byte{0xff, 0xd8, payload, payload, 0xff, 0xd9}
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func newPipeline(t *testing.T) (*modtest.Pipeline, *modtest.Recorder) {
	t.Helper()
	p := modtest.New(t)
	p.Register(t, host.RoleCapture, Name, New)
	return p, p.WithRecorder(t)
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

func TestPublishesFilesInNameOrder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "b.jpg", fakeJPEG(2))
	writeFile(t, dir, "a.jpg", fakeJPEG(1))
	writeFile(t, dir, "c.JPEG", fakeJPEG(3))
	writeFile(t, dir, "notes.txt", []byte("ignored"))
	writeFile(t, dir, "broken.jpg", []byte{0xff, 0xd8, 0x00})

	p, rec := newPipeline(t)
	require.NoError(t, p.Start("file --folder "+dir+" --delay 30ms", modtest.RecorderName))

	frames := rec.WaitFrames(t, 3, 5*time.Second)
	assert.Equal(t, fakeJPEG(1), frames[0].Data)
	assert.Equal(t, fakeJPEG(2), frames[1].Data)
	assert.Equal(t, fakeJPEG(3), frames[2].Data)

	out, err := p.State.Command(Name, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "published=3")
	assert.Contains(t, out, "current=c.JPEG")

	assert.Equal(t, 0, p.Shutdown())
}

func TestLoopStartsOver(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "1.jpg", fakeJPEG(1))
	writeFile(t, dir, "2.jpg", fakeJPEG(2))

	p, rec := newPipeline(t)
	require.NoError(t, p.Start("file -f "+dir+" -d 10ms --loop", modtest.RecorderName))

	frames := rec.WaitFrames(t, 4, 5*time.Second)
	seen := map[byte]int{}
	for _, f := range frames {
		seen[f.Data[2]]++
	}
	assert.GreaterOrEqual(t, seen[1]+seen[2], 4)
	assert.Positive(t, seen[1])
	assert.Positive(t, seen[2])
}

func TestRemoveAfterPublish(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "only.jpg", fakeJPEG(7))

	p, rec := newPipeline(t)
	require.NoError(t, p.Start("file --folder "+dir+" --remove --delay 0s", modtest.RecorderName))

	rec.WaitFrames(t, 1, 5*time.Second)
	waitFor(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	})
}

func TestWatchPublishesNewFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "existing.jpg", fakeJPEG(1))

	p, rec := newPipeline(t)
	require.NoError(t, p.Start("file --folder "+dir+" --watch", modtest.RecorderName))

	// write under a temporary name so the watcher only sees the finished file
	tmp := writeFile(t, dir, "incoming.tmp", fakeJPEG(9))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, "incoming.jpg")))

	frames := rec.WaitFrames(t, 1, 5*time.Second)
	assert.Equal(t, fakeJPEG(9), frames[0].Data, "existing files are not published in watch mode")
}

func TestInvalidArguments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := writeFile(t, dir, "x.jpg", fakeJPEG(1))

	tests := []struct {
		name string
		spec string
	}{
		{"missing folder flag", "file"},
		{"loop and watch", "file --folder " + dir + " --loop --watch"},
		{"loop and remove", "file --folder " + dir + " --loop --remove"},
		{"negative delay", "file --folder " + dir + " --delay -1s"},
		{"not a folder", "file --folder " + file},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, _ := newPipeline(t)
			err := p.Start(tt.spec, modtest.RecorderName)
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation), "got %v", err)
		})
	}

	t.Run("folder does not exist", func(t *testing.T) {
		t.Parallel()
		p, _ := newPipeline(t)
		err := p.Start("file --folder "+filepath.Join(dir, "nope"), modtest.RecorderName)
		require.Error(t, err)
		assert.True(t, errors.IsCategory(err, errors.CategoryFileIO), "got %v", err)
	})
}

func TestDelayCommand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "a.jpg", fakeJPEG(1))

	p, rec := newPipeline(t)
	require.NoError(t, p.Start("file --folder "+dir, modtest.RecorderName))
	rec.WaitFrames(t, 1, 5*time.Second)

	out, err := p.State.Command(Name, "delay 250ms")
	require.NoError(t, err)
	assert.Equal(t, "delay=250ms", out)

	_, err = p.State.Command(Name, "delay soon")
	require.Error(t, err)
	_, err = p.State.Command(Name, "jump")
	require.Error(t, err)
}

func TestCompleteJPEG(t *testing.T) {
	t.Parallel()

	assert.True(t, completeJPEG(fakeJPEG(0)))
	assert.False(t, completeJPEG([]byte{0xff, 0xd8, 0xff, 0xd8}))
	assert.False(t, completeJPEG([]byte{0x00, 0xd8, 0xff, 0xd9}))
	assert.False(t, completeJPEG(nil))
}
