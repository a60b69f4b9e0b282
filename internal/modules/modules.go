// Package modules holds helpers shared by the built-in capture and delivery
// modules: argument parsing, worker goroutines and the frame consume loop.
package modules

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/tphakala/framecast/internal/errors"
	"github.com/tphakala/framecast/internal/host"
	"github.com/tphakala/framecast/internal/privacy"
)

// NewFlagSet creates a module-local flag set that reports errors instead of exiting.
func NewFlagSet(module string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(module, pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.SortFlags = false
	return fs
}

// ParseFlags parses p.Args into fs. --help prints the usage and returns
// host.ErrExitRequested so the process exits cleanly.
func ParseFlags(fs *pflag.FlagSet, p host.Params) error {
	if err := fs.Parse(p.Args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return fmt.Errorf("%s help: %w", p.Name, host.ErrExitRequested)
		}
		return errors.Newf("%s: %w", p.Name, err).
			Category(errors.CategoryValidation).
			Context("module", p.Name).
			Context("args", privacy.ScrubArgs(p.ArgString)).
			Build()
	}
	if fs.NArg() > 0 {
		return InvalidArgument(p.Name, "unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return nil
}

// InvalidArgument builds a validation error for a module option.
func InvalidArgument(module, format string, args ...any) error {
	return errors.Newf("%s: "+format, append([]any{module}, args...)...).
		Category(errors.CategoryValidation).
		Context("module", module).
		Build()
}

// resolutions are the named frame sizes accepted by --resolution.
var resolutions = map[string][2]int{
	"QSIF": {160, 120},
	"QCIF": {176, 144},
	"CGA":  {320, 200},
	"QVGA": {320, 240},
	"CIF":  {352, 288},
	"VGA":  {640, 480},
	"SVGA": {800, 600},
	"XGA":  {1024, 768},
	"HD":   {1280, 720},
	"SXGA": {1280, 1024},
	"FHD":  {1920, 1080},
}

// ParseResolution accepts "WxH" or a name such as "VGA".
func ParseResolution(s string) (width, height int, err error) {
	if wh, ok := resolutions[strings.ToUpper(s)]; ok {
		return wh[0], wh[1], nil
	}
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("resolution %q is not WxH or a known name", s)
	}
	if width, err = strconv.Atoi(ws); err != nil {
		return 0, 0, fmt.Errorf("resolution %q: bad width: %w", s, err)
	}
	if height, err = strconv.Atoi(hs); err != nil {
		return 0, 0, fmt.Errorf("resolution %q: bad height: %w", s, err)
	}
	if width <= 0 || height <= 0 || width > 8192 || height > 8192 {
		return 0, 0, fmt.Errorf("resolution %q out of range", s)
	}
	return width, height, nil
}

// Consume calls fn for every frame src delivers until end of stream or ctx is
// done, reusing one buffer between frames. fn must not keep frame.Data.
// An error from fn ends the loop and is returned.
func Consume(ctx context.Context, src host.Source, fn func(frame host.Frame) error) error {
	var last uint64
	var buf []byte
	for {
		frame, err := src.AwaitFrameContext(ctx, last, buf)
		switch {
		case errors.Is(err, host.ErrEndOfStream), errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			return err
		}
		last, buf = frame.Generation, frame.Data
		if err := fn(frame); err != nil {
			return err
		}
	}
}
