package host

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tphakala/framecast/internal/logger"
)

// waitForCondition polls a condition with a specified interval until it returns true or timeout
func waitForCondition(t *testing.T, timeout, pollInterval time.Duration, condition func() bool, description string) {
	t.Helper()
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(pollInterval)
	}

	t.Fatalf("timeout waiting for %s after %v", description, timeout)
}

// eventLog records lifecycle calls across modules in call order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

// matching returns the events with the given suffix, e.g. ":stop".
func (l *eventLog) matching(suffix string) []string {
	var out []string
	for _, e := range l.all() {
		if strings.HasSuffix(e, suffix) {
			out = append(out, e)
		}
	}
	return out
}

// fakeModule records its lifecycle calls. Delivery instances with consume set
// read frames on their own goroutine until end of stream.
type fakeModule struct {
	label   string
	log     *eventLog
	initErr error
	runErr  error
	consume bool

	// initGate and stopGate, when set, make Init or Stop block until closed
	initGate chan struct{}
	stopGate chan struct{}

	params    Params
	initCalls atomic.Int32
	runCalls  atomic.Int32
	stopCalls atomic.Int32

	mu       sync.Mutex
	received []Frame
	endErr   error
	wg       sync.WaitGroup
}

func (f *fakeModule) Init(p Params) error {
	f.initCalls.Add(1)
	f.params = p
	f.log.add("%s:init", f.label)
	if f.initGate != nil {
		<-f.initGate
	}
	return f.initErr
}

func (f *fakeModule) Run() error {
	f.runCalls.Add(1)
	f.log.add("%s:run", f.label)
	if f.runErr != nil {
		return f.runErr
	}
	if f.consume {
		f.wg.Add(1)
		go f.loop()
	}
	return nil
}

func (f *fakeModule) loop() {
	defer f.wg.Done()
	var last uint64
	var buf []byte
	for {
		frame, err := f.params.Source.AwaitFrame(last, buf)
		if err != nil {
			f.mu.Lock()
			f.endErr = err
			f.mu.Unlock()
			return
		}
		last = frame.Generation
		buf = frame.Data
		f.mu.Lock()
		f.received = append(f.received, Frame{
			Data:       slices.Clone(frame.Data),
			Generation: frame.Generation,
			Timestamp:  frame.Timestamp,
		})
		f.mu.Unlock()
	}
}

func (f *fakeModule) Stop() error {
	f.stopCalls.Add(1)
	f.log.add("%s:stop", f.label)
	if f.stopGate != nil {
		<-f.stopGate
	}
	f.wg.Wait()
	return nil
}

func (f *fakeModule) Cmd(payload string) (string, error) {
	f.log.add("%s:cmd", f.label)
	return strings.ToUpper(payload), nil
}

func (f *fakeModule) frames() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.received)
}

func (f *fakeModule) end() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endErr
}

// fixture bundles a registry with fake modules and a fresh state.
type fixture struct {
	log      *eventLog
	registry *Registry
	state    *State
	manager  *Manager
	modules  map[string]*fakeModule
	created  map[string]int
	mu       sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	quiet := logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil)
	metrics, err := NewMetrics(nil)
	require.NoError(t, err)
	state, err := NewState(StateOptions{Logger: quiet, ModuleLogger: quiet, Metrics: metrics})
	require.NoError(t, err)

	fx := &fixture{
		log:      &eventLog{},
		registry: NewRegistry(),
		state:    state,
		modules:  make(map[string]*fakeModule),
		created:  make(map[string]int),
	}
	fx.manager = NewManager(state, fx.registry)
	return fx
}

// add registers a module; configure is applied to each created instance.
func (fx *fixture) add(t *testing.T, role Role, name string, configure func(*fakeModule)) {
	t.Helper()
	require.NoError(t, fx.registry.Register(role, name, "fake "+name, func() Module {
		fx.mu.Lock()
		defer fx.mu.Unlock()
		fx.created[name]++
		m := &fakeModule{label: name, log: fx.log, consume: role == RoleDelivery}
		if configure != nil {
			configure(m)
		}
		fx.modules[name] = m
		return m
	}))
}

func (fx *fixture) module(name string) *fakeModule {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.modules[name]
}

func (fx *fixture) createdCount(name string) int {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return fx.created[name]
}

func (fx *fixture) coordinator() *Coordinator {
	c := NewCoordinator(fx.state, fx.manager, ShutdownConfig{StopTimeout: time.Second})
	c.sleep = func(time.Duration) {}
	return c
}

// publish pushes a frame through the capture module's Publisher.
func (fx *fixture) publish(t *testing.T, data []byte) uint64 {
	t.Helper()
	capture := fx.module(fx.manager.Capture().Name())
	gen, err := capture.params.Publisher.Publish(data)
	require.NoError(t, err)
	return gen
}
