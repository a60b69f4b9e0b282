// Package filesink is a delivery module that stores frames on disk, either
// one JPEG file per frame with a bounded history, or appended to a single
// MJPEG file.
package filesink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tphakala/framecast/internal/errors"
	"github.com/tphakala/framecast/internal/host"
	"github.com/tphakala/framecast/internal/logger"
	"github.com/tphakala/framecast/internal/modules"
)

// Name is the module name used on the command line.
const Name = "file"

const (
	filePrefix = "frame_"
	fileExt    = ".jpg"
	timeLayout = "20060102_150405.000000"
)

func init() {
	host.Register(host.RoleDelivery, Name, "write frames to files", New)
}

// Sink writes frames to a folder.
type Sink struct {
	folder      string
	size        int
	mjpeg       string
	minInterval time.Duration

	source host.Source
	state  *host.State
	log    logger.Logger
	worker modules.Worker

	mu      sync.Mutex
	history []string // written files, oldest first
	written uint64
	last    string
	lastAt  time.Time
	out     *os.File // mjpeg file
}

// New returns an uninitialized file delivery module.
func New() host.Module { return &Sink{} }

func (s *Sink) Init(p host.Params) error {
	fs := modules.NewFlagSet(Name)
	folder := fs.StringP("folder", "f", "", "folder for the frame files (required)")
	size := fs.IntP("size", "s", 0, "keep at most this many frame files, 0 keeps all")
	mjpeg := fs.StringP("mjpeg", "m", "", "append all frames to this file inside the folder")
	minInterval := fs.DurationP("interval", "i", 0, "minimum time between two stored frames")
	if err := modules.ParseFlags(fs, p); err != nil {
		return err
	}

	if *folder == "" {
		return modules.InvalidArgument(Name, "--folder is required")
	}
	if *size < 0 {
		return modules.InvalidArgument(Name, "negative size %d", *size)
	}
	if *minInterval < 0 {
		return modules.InvalidArgument(Name, "negative interval %v", *minInterval)
	}
	if *mjpeg != "" && (strings.ContainsRune(*mjpeg, os.PathSeparator) || *mjpeg == "." || *mjpeg == "..") {
		return modules.InvalidArgument(Name, "--mjpeg takes a file name, not a path")
	}
	if err := os.MkdirAll(*folder, 0o755); err != nil {
		return fileError(err, *folder)
	}

	s.folder, s.size, s.mjpeg, s.minInterval = *folder, *size, *mjpeg, *minInterval
	s.source, s.state, s.log = p.Source, p.State, p.Logger

	if s.mjpeg != "" {
		path := filepath.Join(s.folder, s.mjpeg)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fileError(err, path)
		}
		s.out = f
		return nil
	}

	existing, err := filepath.Glob(filepath.Join(s.folder, filePrefix+"*"+fileExt))
	if err != nil {
		return fileError(err, s.folder)
	}
	slices.Sort(existing)
	s.history = existing
	return nil
}

func fileError(err error, path string) error {
	return errors.New(err).
		Component(Name).
		Category(errors.CategoryFileIO).
		Context("path", path).
		Build()
}

func (s *Sink) Run() error {
	s.worker.Start(s.state.Context(), func(ctx context.Context) {
		err := modules.Consume(ctx, s.source, func(f host.Frame) error {
			if s.minInterval > 0 && !s.due(f.Timestamp) {
				return nil
			}
			_, err := s.store(f)
			return err
		})
		if err != nil {
			s.log.Error("file output failed", logger.Error(err))
			s.state.RequestShutdown("file output cannot write")
		}
	})
	return nil
}

func (s *Sink) Stop() error {
	s.worker.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out != nil {
		err := s.out.Close()
		s.out = nil
		if err != nil {
			return fileError(err, s.mjpeg)
		}
	}
	return nil
}

// Cmd accepts "status" and "save", which stores the current frame at once.
func (s *Sink) Cmd(payload string) (string, error) {
	switch strings.TrimSpace(payload) {
	case "status":
		s.mu.Lock()
		defer s.mu.Unlock()
		return fmt.Sprintf("written=%d kept=%d last=%s", s.written, len(s.history), s.last), nil
	case "save":
		f, err := s.source.Latest(nil)
		if err != nil {
			return "", err
		}
		return s.store(f)
	default:
		return "", modules.InvalidArgument(Name, "unknown command %q", payload)
	}
}

func (s *Sink) due(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAt.IsZero() || t.Sub(s.lastAt) >= s.minInterval
}

// store writes one frame and returns the name it was stored under.
func (s *Sink) store(f host.Frame) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.out != nil {
		if _, err := s.out.Write(f.Data); err != nil {
			return "", fileError(err, s.mjpeg)
		}
		s.record(s.mjpeg, f.Timestamp)
		return s.mjpeg, nil
	}
	if s.mjpeg != "" {
		return "", errors.Newf("file output is stopped").Component(Name).Category(errors.CategoryState).Build()
	}

	name := fmt.Sprintf("%s%s_%09d%s", filePrefix, f.Timestamp.Format(timeLayout), f.Generation, fileExt)
	path := filepath.Join(s.folder, name)
	if err := writeAtomic(path, f.Data); err != nil {
		return "", fileError(err, path)
	}
	// "save" may store the frame the worker already wrote
	if n := len(s.history); n == 0 || s.history[n-1] != path {
		s.history = append(s.history, path)
	}
	s.record(name, f.Timestamp)
	s.rotate()
	return name, nil
}

func (s *Sink) record(name string, at time.Time) {
	s.written++
	s.last = name
	s.lastAt = at
	s.log.Trace("frame stored", logger.String("file", name))
}

// rotate removes the oldest files beyond the configured size.
func (s *Sink) rotate() {
	if s.size == 0 {
		return
	}
	for len(s.history) > s.size {
		old := s.history[0]
		s.history = s.history[1:]
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			s.log.Warn("remove old frame", logger.String("file", old), logger.Error(err))
		}
	}
}

// writeAtomic writes to a temporary file and renames it, so readers never
// see a partial frame.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".frame-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
