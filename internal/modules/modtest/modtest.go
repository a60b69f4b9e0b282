// Package modtest runs a module under test inside a real host with a fake
// capture module and a recording delivery module as its peers.
package modtest

import (
	"context"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tphakala/framecast/internal/host"
	"github.com/tphakala/framecast/internal/logger"
	"github.com/tphakala/framecast/internal/modules"
)

const (
	// FakeCaptureName is the capture module registered by WithFakeCapture.
	FakeCaptureName = "fake"
	// RecorderName is the delivery module registered by WithRecorder.
	RecorderName = "recorder"
)

// Pipeline is a host with its own registry, state and coordinator.
type Pipeline struct {
	Registry    *host.Registry
	State       *host.State
	Manager     *host.Manager
	Coordinator *host.Coordinator

	once sync.Once
}

// New creates a pipeline that is shut down when the test ends.
func New(t *testing.T) *Pipeline {
	t.Helper()

	quiet := logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil)
	state, err := host.NewState(host.StateOptions{Logger: quiet, ModuleLogger: quiet})
	require.NoError(t, err)

	registry := host.NewRegistry()
	registry.SetSearchPaths(nil)
	manager := host.NewManager(state, registry)
	p := &Pipeline{
		Registry:    registry,
		State:       state,
		Manager:     manager,
		Coordinator: host.NewCoordinator(state, manager, host.ShutdownConfig{StopTimeout: 5 * time.Second}),
	}
	t.Cleanup(func() { p.Shutdown() })
	return p
}

// Register adds a module factory to the pipeline's registry.
func (p *Pipeline) Register(t *testing.T, role host.Role, name string, factory host.Factory) {
	t.Helper()
	require.NoError(t, p.Registry.Register(role, name, "", factory))
}

// Start starts the capture module and the outputs, then runs them.
func (p *Pipeline) Start(capture string, outputs ...string) error {
	if err := p.Manager.StartCapture(capture); err != nil {
		return err
	}
	if err := p.Manager.StartDelivery(outputs); err != nil {
		return err
	}
	return p.Manager.Run()
}

// Shutdown runs the teardown once and returns the exit status.
func (p *Pipeline) Shutdown() int {
	var status int
	p.once.Do(func() { status = p.Coordinator.Shutdown("test finished") })
	return status
}

// FakeCapture publishes whatever the test hands it.
type FakeCapture struct {
	mu        sync.Mutex
	publisher host.Publisher
}

// WithFakeCapture registers a capture module named FakeCaptureName.
func (p *Pipeline) WithFakeCapture(t *testing.T) *FakeCapture {
	t.Helper()
	fc := &FakeCapture{}
	p.Register(t, host.RoleCapture, FakeCaptureName, func() host.Module { return fc })
	return fc
}

func (f *FakeCapture) Init(p host.Params) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publisher = p.Publisher
	return nil
}

func (f *FakeCapture) Run() error  { return nil }
func (f *FakeCapture) Stop() error { return nil }

// Publish pushes one frame into the pipeline.
func (f *FakeCapture) Publish(t *testing.T, data []byte) uint64 {
	t.Helper()
	f.mu.Lock()
	pub := f.publisher
	f.mu.Unlock()
	require.NotNil(t, pub, "capture not initialized")
	gen, err := pub.Publish(data)
	require.NoError(t, err)
	return gen
}

// Recorder is a delivery module that keeps a copy of every frame it sees.
type Recorder struct {
	worker modules.Worker
	source host.Source
	state  *host.State

	mu     sync.Mutex
	frames []host.Frame
}

// WithRecorder registers a delivery module named RecorderName.
func (p *Pipeline) WithRecorder(t *testing.T) *Recorder {
	t.Helper()
	r := &Recorder{}
	p.Register(t, host.RoleDelivery, RecorderName, func() host.Module { return r })
	return r
}

func (r *Recorder) Init(p host.Params) error {
	r.source, r.state = p.Source, p.State
	return nil
}

func (r *Recorder) Run() error {
	r.worker.Start(r.state.Context(), func(ctx context.Context) {
		_ = modules.Consume(ctx, r.source, func(f host.Frame) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.frames = append(r.frames, host.Frame{
				Data:       slices.Clone(f.Data),
				Generation: f.Generation,
				Timestamp:  f.Timestamp,
			})
			return nil
		})
	})
	return nil
}

func (r *Recorder) Stop() error {
	r.worker.Stop()
	return nil
}

// Frames returns a copy of the recorded frames.
func (r *Recorder) Frames() []host.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.frames)
}

// WaitFrames waits until at least n frames were recorded and returns them.
func (r *Recorder) WaitFrames(t *testing.T, n int, timeout time.Duration) []host.Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if frames := r.Frames(); len(frames) >= n {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d frames, got %d", n, len(r.Frames()))
	return nil
}
