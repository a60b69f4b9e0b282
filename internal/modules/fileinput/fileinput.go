// Package fileinput is a capture module that publishes JPEG files from a
// folder, either once in name order, in a loop, or as new files appear.
package fileinput

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tphakala/framecast/internal/errors"
	"github.com/tphakala/framecast/internal/host"
	"github.com/tphakala/framecast/internal/logger"
	"github.com/tphakala/framecast/internal/modules"
)

// Name is the module name used on the command line.
const Name = "file"

func init() {
	host.Register(host.RoleCapture, Name, "publish JPEG files from a folder", New)
}

var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

// Capture reads frames from files.
type Capture struct {
	folder string
	loop   bool
	watch  bool
	remove bool
	delay  atomic.Int64 // time.Duration

	publisher host.Publisher
	state     *host.State
	log       logger.Logger
	worker    modules.Worker
	watcher   *fsnotify.Watcher

	published atomic.Uint64
	mu        sync.Mutex
	current   string
}

// New returns an uninitialized file capture module.
func New() host.Module { return &Capture{} }

func (c *Capture) Init(p host.Params) error {
	fs := modules.NewFlagSet(Name)
	folder := fs.StringP("folder", "f", "", "folder to read JPEG files from (required)")
	delay := fs.DurationP("delay", "d", time.Second, "pause between two files")
	loop := fs.BoolP("loop", "l", false, "start over after the last file")
	watch := fs.BoolP("watch", "w", false, "publish files as they are added to the folder")
	remove := fs.BoolP("remove", "r", false, "delete each file after it was published")
	if err := modules.ParseFlags(fs, p); err != nil {
		return err
	}

	if *folder == "" {
		return modules.InvalidArgument(Name, "--folder is required")
	}
	if *delay < 0 {
		return modules.InvalidArgument(Name, "negative delay %v", *delay)
	}
	if *loop && *watch {
		return modules.InvalidArgument(Name, "--loop and --watch are mutually exclusive")
	}
	if *loop && *remove {
		return modules.InvalidArgument(Name, "--loop and --remove are mutually exclusive")
	}
	info, err := os.Stat(*folder)
	if err != nil {
		return errors.New(err).
			Component(Name).
			Category(errors.CategoryFileIO).
			Context("folder", *folder).
			Build()
	}
	if !info.IsDir() {
		return modules.InvalidArgument(Name, "%s is not a folder", *folder)
	}

	c.folder, c.loop, c.watch, c.remove = *folder, *loop, *watch, *remove
	c.delay.Store(int64(*delay))
	c.publisher, c.state, c.log = p.Publisher, p.State, p.Logger
	return nil
}

func (c *Capture) Run() error {
	if !c.watch {
		c.worker.Start(c.state.Context(), c.scan)
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.New(err).Component(Name).Category(errors.CategorySystem).Build()
	}
	if err := w.Add(c.folder); err != nil {
		_ = w.Close()
		return errors.New(err).
			Component(Name).
			Category(errors.CategoryFileIO).
			Context("folder", c.folder).
			Build()
	}
	c.watcher = w
	c.worker.Start(c.state.Context(), c.watchLoop)
	return nil
}

func (c *Capture) Stop() error {
	c.worker.Stop()
	return nil
}

// Cmd accepts "status" and "delay D".
func (c *Capture) Cmd(payload string) (string, error) {
	fields := strings.Fields(payload)
	switch {
	case len(fields) == 1 && fields[0] == "status":
		c.mu.Lock()
		current := c.current
		c.mu.Unlock()
		return fmt.Sprintf("published=%d current=%s delay=%v",
			c.published.Load(), current, time.Duration(c.delay.Load())), nil
	case len(fields) == 2 && fields[0] == "delay":
		d, err := time.ParseDuration(fields[1])
		if err != nil || d < 0 {
			return "", modules.InvalidArgument(Name, "bad delay %q", fields[1])
		}
		c.delay.Store(int64(d))
		return "delay=" + d.String(), nil
	default:
		return "", modules.InvalidArgument(Name, "unknown command %q", payload)
	}
}

// scan publishes the folder's files in name order, once or forever.
func (c *Capture) scan(ctx context.Context) {
	for {
		files, err := c.list()
		if err != nil {
			c.log.Error("list folder", logger.Error(err), logger.String("folder", c.folder))
			c.state.RequestShutdown("file input cannot read its folder")
			return
		}
		if len(files) == 0 {
			c.log.Warn("no JPEG files found", logger.String("folder", c.folder))
		}
		for _, path := range files {
			if !c.publishFile(path) {
				return
			}
			if !c.sleep(ctx) {
				return
			}
		}
		if !c.loop {
			c.log.Info("all files published", logger.Int("count", len(files)))
			return
		}
		if len(files) == 0 && !c.sleep(ctx) {
			return
		}
	}
}

func (c *Capture) watchLoop(ctx context.Context) {
	defer func() { _ = c.watcher.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !isJPEGName(ev.Name) {
				continue
			}
			if !c.publishFile(ev.Name) {
				return
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.log.Warn("folder watch error", logger.Error(err))
		}
	}
}

// publishFile reads and publishes one file. It returns false once the frame
// channel is closed.
func (c *Capture) publishFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		// removed or renamed between listing and reading
		c.log.Debug("skip unreadable file", logger.String("file", path), logger.Error(err))
		return true
	}
	if !completeJPEG(data) {
		c.log.Debug("skip incomplete JPEG", logger.String("file", path), logger.Int("size", len(data)))
		return true
	}

	if _, err := c.publisher.Publish(data); err != nil {
		return false
	}
	c.published.Add(1)
	c.mu.Lock()
	c.current = filepath.Base(path)
	c.mu.Unlock()
	c.log.Trace("published file", logger.String("file", path), logger.Int("size", len(data)))

	if c.remove {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.log.Warn("remove published file", logger.String("file", path), logger.Error(err))
		}
	}
	return true
}

func (c *Capture) sleep(ctx context.Context) bool {
	d := time.Duration(c.delay.Load())
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// list returns the JPEG files in the folder sorted by name.
func (c *Capture) list() ([]string, error) {
	entries, err := os.ReadDir(c.folder)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && isJPEGName(e.Name()) {
			files = append(files, filepath.Join(c.folder, e.Name()))
		}
	}
	slices.Sort(files)
	return files, nil
}

func isJPEGName(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return true
	}
	return false
}

// completeJPEG reports whether data holds a whole JPEG stream. Files caught
// mid-write fail the end marker check.
func completeJPEG(data []byte) bool {
	return len(data) >= 4 && bytes.HasPrefix(data, jpegSOI) && bytes.HasSuffix(data, jpegEOI)
}
