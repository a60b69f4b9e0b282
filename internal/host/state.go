package host

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tphakala/framecast/internal/errors"
	"github.com/tphakala/framecast/internal/logger"
	"github.com/tphakala/framecast/internal/privacy"
)

// defaultFrameCapacity preallocates room for a typical VGA JPEG.
const defaultFrameCapacity = 64 * 1024

// StateOptions configures NewState. Zero values get defaults.
type StateOptions struct {
	Logger        logger.Logger // host logger, defaults to the global "host" module
	ModuleLogger  logger.Logger // parent of per-module loggers, defaults to the global "module" module
	Metrics       *Metrics      // defaults to a private registry
	FrameCapacity int           // initial frame buffer capacity
}

// State is the process-wide context shared by the host and every module.
type State struct {
	stopRequested atomic.Bool
	ctx           context.Context
	cancel        context.CancelFunc

	channel     *FrameChannel
	outputCount atomic.Int32

	metrics   *Metrics
	log       logger.Logger
	moduleLog logger.Logger

	shutdownReq  chan string
	shutdownOnce sync.Once

	manager atomic.Pointer[Manager]
}

// ModuleStatus describes one started module.
type ModuleStatus struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	Args        string `json:"args"`
	Origin      string `json:"origin"`
	State       string `json:"state"`
	Commandable bool   `json:"commandable"`
}

// NewState creates the shared state with an empty frame channel.
func NewState(opts StateOptions) (*State, error) {
	if opts.Logger == nil {
		opts.Logger = logger.Global().Module("host")
	}
	if opts.ModuleLogger == nil {
		opts.ModuleLogger = logger.Global().Module("module")
	}
	if opts.FrameCapacity == 0 {
		opts.FrameCapacity = defaultFrameCapacity
	}
	if opts.Metrics == nil {
		m, err := NewMetrics(nil)
		if err != nil {
			return nil, err
		}
		opts.Metrics = m
	}

	ch, err := NewFrameChannel(opts.FrameCapacity)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &State{
		ctx:         ctx,
		cancel:      cancel,
		channel:     ch,
		metrics:     opts.Metrics,
		log:         opts.Logger,
		moduleLog:   opts.ModuleLogger,
		shutdownReq: make(chan string, 1),
	}, nil
}

// StopRequested reports whether shutdown has begun. Once true it stays true.
func (s *State) StopRequested() bool {
	return s.stopRequested.Load()
}

// Done is closed when stop is requested.
func (s *State) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Context is cancelled when stop is requested. Modules use it as their
// cancellation token.
func (s *State) Context() context.Context {
	return s.ctx
}

// OutputCount returns the number of delivery modules, fixed after startup.
func (s *State) OutputCount() int {
	return int(s.outputCount.Load())
}

// Metrics returns the host metrics.
func (s *State) Metrics() *Metrics {
	return s.metrics
}

// Logger returns the host logger.
func (s *State) Logger() logger.Logger {
	return s.log
}

// RequestShutdown asks the shutdown coordinator to tear the process down.
// Only the first request is kept; later ones are dropped.
func (s *State) RequestShutdown(reason string) {
	s.shutdownOnce.Do(func() {
		s.shutdownReq <- reason
	})
}

// Command forwards a control message to a started module.
func (s *State) Command(name, payload string) (string, error) {
	m := s.manager.Load()
	if m == nil {
		return "", errors.Newf("module %q: %w", name, ErrModuleNotFound).
			Component(componentHost).
			Context("module", name).
			Build()
	}
	return m.Command(name, payload)
}

// Modules lists the started modules, capture first.
func (s *State) Modules() []ModuleStatus {
	m := s.manager.Load()
	if m == nil {
		return nil
	}
	bindings := m.Bindings()
	out := make([]ModuleStatus, 0, len(bindings))
	for _, b := range bindings {
		out = append(out, ModuleStatus{
			ID:          b.ID(),
			Name:        b.Name(),
			Role:        b.Role().String(),
			Args:        privacy.ScrubArgs(b.Args()),
			Origin:      b.Origin(),
			State:       b.State().String(),
			Commandable: b.Commandable(),
		})
	}
	return out
}

// shutdownRequests delivers the reason of the first RequestShutdown call.
func (s *State) shutdownRequests() <-chan string {
	return s.shutdownReq
}

// requestStop sets the stop flag, cancels the context and releases every
// waiter on the frame channel. It reports whether this call set the flag.
func (s *State) requestStop() bool {
	if !s.stopRequested.CompareAndSwap(false, true) {
		return false
	}
	s.cancel()
	s.channel.halt()
	return true
}

func (s *State) setOutputCount(n int) {
	s.outputCount.Store(int32(n)) //nolint:gosec // bounded by MaxOutputs
	s.metrics.SetOutputs(n)
}

// publisher is the capture module's Publisher.
type publisher struct {
	ch      *FrameChannel
	metrics *Metrics
}

func (p *publisher) Publish(data []byte) (uint64, error) {
	gen, err := p.ch.Publish(data)
	if err != nil {
		return 0, err
	}
	p.metrics.RecordPublish(gen, len(data))
	return gen, nil
}

// source is a module's Source. It counts frames a consumer skipped between
// consecutive reads.
type source struct {
	ch      *FrameChannel
	metrics *Metrics
	id      string
}

func (s *source) AwaitFrame(lastSeen uint64, dst []byte) (Frame, error) {
	return s.AwaitFrameContext(context.Background(), lastSeen, dst)
}

func (s *source) AwaitFrameContext(ctx context.Context, lastSeen uint64, dst []byte) (Frame, error) {
	f, err := s.ch.AwaitFrameContext(ctx, lastSeen, dst)
	if err != nil {
		return f, err
	}
	var superseded uint64
	if lastSeen > 0 {
		superseded = f.Generation - lastSeen - 1
	}
	s.metrics.RecordDelivery(s.id, superseded)
	return f, nil
}

func (s *source) Latest(dst []byte) (Frame, error) {
	return s.ch.Latest(dst)
}
