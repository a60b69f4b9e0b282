package host

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tphakala/framecast/internal/errors"
	"github.com/tphakala/framecast/internal/logger"
)

// Role is the part a module plays in the pipeline.
type Role int

const (
	RoleCapture Role = iota
	RoleDelivery
)

func (r Role) String() string {
	switch r {
	case RoleCapture:
		return "capture"
	case RoleDelivery:
		return "delivery"
	default:
		return "role(" + strconv.Itoa(int(r)) + ")"
	}
}

// symbolPrefix is the prefix of the entry points a plugin exports for the role.
func (r Role) symbolPrefix() string {
	if r == RoleCapture {
		return "Capture"
	}
	return "Delivery"
}

// filePrefix is the conventional plugin file name prefix for the role.
func (r Role) filePrefix() string {
	if r == RoleCapture {
		return "input_"
	}
	return "output_"
}

// Module is the capability set every capture and delivery module implements.
//
// Init is called once right after load and may reject startup by returning an
// error; returning ErrExitRequested asks for a clean exit. Run starts the
// module's own goroutines and must not block. Stop asks the module to finish
// and may block until its goroutines have exited.
type Module interface {
	Init(p Params) error
	Run() error
	Stop() error
}

// Commander is implemented by modules that accept runtime control messages.
type Commander interface {
	Cmd(payload string) (string, error)
}

// Factory creates a fresh module instance.
type Factory func() Module

// Publisher is the capture module's write side of the frame channel.
type Publisher interface {
	Publish(data []byte) (uint64, error)
}

// Source is a module's read side of the frame channel. Frames are copied into
// dst under the channel lock; callers own the returned Data.
type Source interface {
	AwaitFrame(lastSeen uint64, dst []byte) (Frame, error)
	AwaitFrameContext(ctx context.Context, lastSeen uint64, dst []byte) (Frame, error)
	Latest(dst []byte) (Frame, error)
}

// Params is handed to Init exactly once.
type Params struct {
	Name      string   // module name as resolved by the registry
	ArgString string   // everything after the module name
	Args      []string // ArgString split on whitespace
	Index     int      // position among delivery modules, 0 for capture

	State     *State
	Publisher Publisher // nil for delivery modules
	Source    Source
	Logger    logger.Logger
}

// LifecycleState is a binding's position in load, init, run, stop, unload.
type LifecycleState int32

const (
	StateLoaded LifecycleState = iota
	StateInitialized
	StateRunning
	StateStopped
	StateUnloaded
)

func (s LifecycleState) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

// Binding is the host's record of one loaded module.
type Binding struct {
	name   string
	role   Role
	index  int
	args   string
	origin string // "builtin" or the plugin file path

	mu     sync.Mutex
	state  LifecycleState
	module Module
	handle any // plugin handle, kept until unload

	metrics *Metrics
}

func newBinding(role Role, name, args, origin string, module Module, handle any) *Binding {
	return &Binding{
		name:   name,
		role:   role,
		args:   args,
		origin: origin,
		module: module,
		handle: handle,
		state:  StateLoaded,
	}
}

// Name returns the module name.
func (b *Binding) Name() string { return b.name }

// Role returns the module role.
func (b *Binding) Role() Role { return b.role }

// Args returns the argument string handed to Init.
func (b *Binding) Args() string { return b.args }

// Origin returns "builtin" or the path the plugin was opened from.
func (b *Binding) Origin() string { return b.origin }

// Index returns the delivery position, 0 for the capture module.
func (b *Binding) Index() int { return b.index }

// ID identifies the binding in logs and metric labels. Delivery IDs carry the
// index so two instances of the same module stay distinct.
func (b *Binding) ID() string {
	if b.role == RoleCapture {
		return b.name
	}
	return fmt.Sprintf("%s#%d", b.name, b.index)
}

// State returns the current lifecycle state.
func (b *Binding) State() LifecycleState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Commandable reports whether the module accepts Cmd messages.
func (b *Binding) Commandable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.module.(Commander)
	return ok
}

// Cmd forwards a control message to a running or initialized module.
func (b *Binding) Cmd(payload string) (string, error) {
	b.mu.Lock()
	state := b.state
	cmd, ok := b.module.(Commander)
	b.mu.Unlock()

	if !ok {
		return "", errors.Newf("module %q: %w", b.name, ErrNotCommandable).
			Component(componentHost).
			Context("module", b.name).
			Build()
	}
	if state != StateInitialized && state != StateRunning {
		return "", invalidTransition(b, "cmd", state)
	}
	return cmd.Cmd(payload)
}

func (b *Binding) setStateLocked(s LifecycleState) {
	b.state = s
	b.metrics.RecordTransition(b.ID(), b.role, s)
}

func (b *Binding) init(p Params) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateLoaded {
		return invalidTransition(b, "init", b.state)
	}
	if err := b.module.Init(p); err != nil {
		return initRejected(b, err)
	}
	b.setStateLocked(StateInitialized)
	return nil
}

func (b *Binding) run() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateInitialized {
		return invalidTransition(b, "run", b.state)
	}
	if err := b.module.Run(); err != nil {
		return errors.Newf("%s module %q failed to start: %w", b.role, b.name, err).
			Component(componentHost).
			Category(errors.CategoryModuleInit).
			Context("module", b.name).
			Build()
	}
	b.setStateLocked(StateRunning)
	return nil
}

// needsStop reports whether Init succeeded and Stop has not been called yet.
func (b *Binding) needsStop() bool {
	s := b.State()
	return s == StateInitialized || s == StateRunning
}

// stop calls the module's Stop at most once. With a positive timeout it stops
// waiting after timeout and returns ErrModuleStopTimeout; the binding is then
// treated as stopped and the call keeps running in the background.
func (b *Binding) stop(timeout time.Duration) error {
	b.mu.Lock()
	if b.state != StateInitialized && b.state != StateRunning {
		state := b.state
		b.mu.Unlock()
		return invalidTransition(b, "stop", state)
	}
	module := b.module
	b.setStateLocked(StateStopped)
	b.mu.Unlock()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop: %v", r)
			}
		}()
		done <- module.Stop()
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case err := <-done:
		elapsed := time.Since(start)
		b.metrics.RecordStop(b.ID(), elapsed, false)
		if err != nil {
			return errors.Newf("%s module %q stop: %w", b.role, b.name, err).
				Component(componentHost).
				Category(errors.CategoryModuleStop).
				Context("module", b.name).
				Timing("module-stop", elapsed).
				Build()
		}
		return nil
	case <-timer:
		elapsed := time.Since(start)
		b.metrics.RecordStop(b.ID(), elapsed, true)
		return errors.Newf("%s module %q: %w after %s", b.role, b.name, ErrModuleStopTimeout, timeout).
			Component(componentHost).
			Context("module", b.name).
			Context("timeout", timeout.String()).
			Timing("module-stop", elapsed).
			Build()
	}
}

// unload drops the module and its handle. Go plugins stay mapped for the life
// of the process; releasing the references is all that can be done.
func (b *Binding) unload() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateUnloaded:
		return nil
	case StateInitialized, StateRunning:
		return invalidTransition(b, "unload", b.state)
	}

	b.module = nil
	b.handle = nil
	b.setStateLocked(StateUnloaded)
	return nil
}
