package testpicture

import (
	"bytes"
	"image/jpeg"
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

func newPipeline(t *testing.T) (*modtest.Pipeline, *modtest.Recorder) {
	t.Helper()
	p := modtest.New(t)
	p.Register(t, host.RoleCapture, Name, New)
	return p, p.WithRecorder(t)
}

func TestFramesAreDecodableJPEG(t *testing.T) {
	t.Parallel()

	p, rec := newPipeline(t)
	require.NoError(t, p.Start("testpicture --resolution 64x48 --fps 100 --quality 50", modtest.RecorderName))

	frames := rec.WaitFrames(t, 3, 5*time.Second)
	for i, f := range frames {
		img, err := jpeg.Decode(bytes.NewReader(f.Data))
		require.NoError(t, err, "frame %d", i)
		assert.Equal(t, 64, img.Bounds().Dx())
		assert.Equal(t, 48, img.Bounds().Dy())
		if i > 0 {
			assert.Greater(t, f.Generation, frames[i-1].Generation)
		}
	}

	assert.Equal(t, 0, p.Shutdown())
}

func TestNamedResolution(t *testing.T) {
	t.Parallel()

	p, rec := newPipeline(t)
	require.NoError(t, p.Start("testpicture -r QSIF -f 50", modtest.RecorderName))

	f := rec.WaitFrames(t, 1, 5*time.Second)[0]
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(f.Data))
	require.NoError(t, err)
	assert.Equal(t, 160, cfg.Width)
	assert.Equal(t, 120, cfg.Height)
}

func TestInvalidArguments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		spec string
	}{
		{"zero fps", "testpicture --fps 0"},
		{"too fast", "testpicture --fps 1000"},
		{"bad resolution", "testpicture --resolution big"},
		{"bad quality", "testpicture --quality 0"},
		{"unknown flag", "testpicture --colour red"},
		{"positional", "testpicture extra"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, _ := newPipeline(t)
			err := p.Start(tt.spec, modtest.RecorderName)
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation), "got %v", err)
			assert.ErrorIs(t, err, host.ErrInitRejected)
			assert.Equal(t, 0, host.ExitCode(err))
		})
	}
}

func TestHelpRequestsCleanExit(t *testing.T) {
	t.Parallel()

	p, _ := newPipeline(t)
	err := p.Start("testpicture --help", modtest.RecorderName)
	require.ErrorIs(t, err, host.ErrExitRequested)
	assert.Equal(t, 0, host.ExitCode(err))
}

func TestCommands(t *testing.T) {
	t.Parallel()

	p, rec := newPipeline(t)
	require.NoError(t, p.Start("testpicture --resolution 32x32 --fps 20", modtest.RecorderName))
	rec.WaitFrames(t, 1, 5*time.Second)

	out, err := p.State.Command(Name, "fps 60")
	require.NoError(t, err)
	assert.Equal(t, "fps=60", out)

	out, err = p.State.Command(Name, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "fps=60")
	assert.Contains(t, out, "resolution=32x32")

	_, err = p.State.Command(Name, "fps 0")
	require.Error(t, err)
	_, err = p.State.Command(Name, "fps")
	require.Error(t, err)
	_, err = p.State.Command(Name, "reboot")
	require.Error(t, err)
	_, err = p.State.Command(Name, "")
	require.Error(t, err)
}

func TestRenderMovesBand(t *testing.T) {
	t.Parallel()

	c := &Capture{quality: 90}
	require.NoError(t, c.Init(host.Params{
		Name:   Name,
		Args:   []string{"--resolution", "16x32"},
		Logger: quietLogger(),
	}))

	a, err := c.render(0)
	require.NoError(t, err)
	first := bytes.Clone(a)
	b, err := c.render(8)
	require.NoError(t, err)
	assert.NotEqual(t, first, b)
}
