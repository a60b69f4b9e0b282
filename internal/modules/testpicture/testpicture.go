// Package testpicture is a capture module that renders a moving colour bar
// pattern, so the pipeline can run without a camera.
package testpicture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/tphakala/framecast/internal/errors"
	"github.com/tphakala/framecast/internal/host"
	"github.com/tphakala/framecast/internal/logger"
	"github.com/tphakala/framecast/internal/modules"
)

// Name is the module name used on the command line.
const Name = "testpicture"

const maxFPS = 120

func init() {
	host.Register(host.RoleCapture, Name, "generated colour bar test pattern", New)
}

// bars are the classic SMPTE-ish colour bars, left to right.
var bars = []color.RGBA{
	{0xc0, 0xc0, 0xc0, 0xff},
	{0xc0, 0xc0, 0x00, 0xff},
	{0x00, 0xc0, 0xc0, 0xff},
	{0x00, 0xc0, 0x00, 0xff},
	{0xc0, 0x00, 0xc0, 0xff},
	{0xc0, 0x00, 0x00, 0xff},
	{0x00, 0x00, 0xc0, 0xff},
	{0x10, 0x10, 0x10, 0xff},
}

// Capture generates JPEG frames at a fixed rate.
type Capture struct {
	width, height int
	quality       int

	limiter   *rate.Limiter
	publisher host.Publisher
	state     *host.State
	log       logger.Logger
	worker    modules.Worker

	mu     sync.Mutex // guards img and buf
	img    *image.RGBA
	buf    bytes.Buffer
	frames atomic.Uint64
}

// New returns an uninitialized test picture module.
func New() host.Module { return &Capture{} }

func (c *Capture) Init(p host.Params) error {
	fs := modules.NewFlagSet(Name)
	resolution := fs.StringP("resolution", "r", "640x480", "frame size, WxH or a name such as VGA")
	fps := fs.Float64P("fps", "f", 5, "frames per second")
	quality := fs.IntP("quality", "q", 80, "JPEG quality 1-100")
	if err := modules.ParseFlags(fs, p); err != nil {
		return err
	}

	w, h, err := modules.ParseResolution(*resolution)
	if err != nil {
		return modules.InvalidArgument(Name, "%v", err)
	}
	if err := checkFPS(*fps); err != nil {
		return err
	}
	if *quality < 1 || *quality > 100 {
		return modules.InvalidArgument(Name, "quality %d out of range 1-100", *quality)
	}

	c.width, c.height, c.quality = w, h, *quality
	c.limiter = rate.NewLimiter(rate.Limit(*fps), 1)
	c.publisher, c.state, c.log = p.Publisher, p.State, p.Logger
	c.img = image.NewRGBA(image.Rect(0, 0, w, h))

	c.log.Info("test picture configured",
		logger.String("resolution", fmt.Sprintf("%dx%d", w, h)),
		logger.Float64("fps", *fps),
		logger.Int("quality", *quality))
	return nil
}

func checkFPS(fps float64) error {
	if fps <= 0 || fps > maxFPS {
		return modules.InvalidArgument(Name, "fps %g out of range (0, %d]", fps, maxFPS)
	}
	return nil
}

func (c *Capture) Run() error {
	c.worker.Start(c.state.Context(), c.loop)
	return nil
}

func (c *Capture) Stop() error {
	c.worker.Stop()
	c.log.Debug("test picture stopped", logger.Uint64("frames", c.frames.Load()))
	return nil
}

// Cmd accepts "fps N" to change the frame rate and "status".
func (c *Capture) Cmd(payload string) (string, error) {
	fields := strings.Fields(payload)
	if len(fields) == 0 {
		return "", modules.InvalidArgument(Name, "empty command")
	}
	switch fields[0] {
	case "fps":
		if len(fields) != 2 {
			return "", modules.InvalidArgument(Name, "usage: fps N")
		}
		fps, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return "", modules.InvalidArgument(Name, "fps %q: %v", fields[1], err)
		}
		if err := checkFPS(fps); err != nil {
			return "", err
		}
		c.limiter.SetLimit(rate.Limit(fps))
		return fmt.Sprintf("fps=%g", fps), nil
	case "status":
		return fmt.Sprintf("frames=%d fps=%g resolution=%dx%d quality=%d",
			c.frames.Load(), float64(c.limiter.Limit()), c.width, c.height, c.quality), nil
	default:
		return "", modules.InvalidArgument(Name, "unknown command %q", fields[0])
	}
}

func (c *Capture) loop(ctx context.Context) {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		n := c.frames.Load()
		data, err := c.render(n)
		if err != nil {
			c.log.Error("render test picture", logger.Error(err))
			c.state.RequestShutdown("test picture encoder failed")
			return
		}
		if _, err := c.publisher.Publish(data); err != nil {
			if !errors.Is(err, host.ErrChannelClosed) {
				c.log.Warn("publish frame", logger.Error(err))
			}
			return
		}
		c.frames.Add(1)
	}
}

// render draws frame n and returns the encoded JPEG. The returned slice is
// only valid until the next call.
func (c *Capture) render(n uint64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.img.Bounds()
	barWidth := max(b.Dx()/len(bars), 1)
	// a white band sweeps down the picture, one row per frame
	band := int(n % uint64(b.Dy())) //nolint:gosec // bounded by the frame height
	bandHeight := max(b.Dy()/16, 1)

	for y := b.Min.Y; y < b.Max.Y; y++ {
		inBand := y >= band && y < band+bandHeight
		for x := b.Min.X; x < b.Max.X; x++ {
			col := bars[min(x/barWidth, len(bars)-1)]
			if inBand {
				col = color.RGBA{0xff, 0xff, 0xff, 0xff}
			}
			c.img.SetRGBA(x, y, col)
		}
	}

	c.buf.Reset()
	if err := jpeg.Encode(&c.buf, c.img, &jpeg.Options{Quality: c.quality}); err != nil {
		return nil, errors.New(err).
			Component("testpicture").
			Category(errors.CategoryGeneric).
			Build()
	}
	return c.buf.Bytes(), nil
}
