package host

import (
	"slices"
	"strings"
	"sync"

	"github.com/tphakala/framecast/internal/errors"
	"github.com/tphakala/framecast/internal/logger"
	"github.com/tphakala/framecast/internal/privacy"
)

const (
	// MaxOutputs is the maximum number of delivery modules.
	MaxOutputs = 10

	// DefaultDelivery is started when no delivery module is configured.
	DefaultDelivery = "http --port 8080"
)

// Manager drives load, init and run for the capture module and the ordered
// delivery modules.
type Manager struct {
	state    *State
	registry *Registry
	log      logger.Logger

	mu         sync.Mutex
	capture    *Binding
	deliveries []*Binding
	running    bool
}

// NewManager creates a manager resolving modules through registry.
func NewManager(state *State, registry *Registry) *Manager {
	if registry == nil {
		registry = DefaultRegistry()
	}
	m := &Manager{
		state:    state,
		registry: registry,
		log:      state.log.Module("lifecycle"),
	}
	state.manager.CompareAndSwap(nil, m)
	return m
}

// StartCapture loads and initializes the capture module.
func (m *Manager) StartCapture(spec string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.capture != nil {
		return errors.Newf("capture module already started: %s", m.capture.Name()).
			Component(componentHost).
			Category(errors.CategoryConflict).
			Build()
	}
	if m.state.StopRequested() {
		return startupInterrupted("load capture module " + spec)
	}

	b, err := m.registry.Load(RoleCapture, spec)
	if err != nil {
		return err
	}
	b.metrics = m.state.metrics
	b.metrics.RecordTransition(b.ID(), b.role, StateLoaded)
	m.capture = b

	params := m.params(b)
	params.Publisher = &publisher{ch: m.state.channel, metrics: m.state.metrics}
	return m.initBinding(b, params)
}

// StartDelivery loads and initializes each delivery module in order. Init of
// module i+1 starts only after module i returned; the first failure stops the
// sequence. An empty specs slice starts DefaultDelivery.
func (m *Manager) StartDelivery(specs []string) error {
	if len(specs) == 0 {
		specs = []string{DefaultDelivery}
	}
	if len(specs) > MaxOutputs {
		return errors.Newf("%w: %d configured, at most %d allowed", ErrTooManyOutputs, len(specs), MaxOutputs).
			Component(componentHost).
			Context("outputs", len(specs)).
			Build()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.deliveries) > 0 {
		return errors.Newf("delivery modules already started").
			Component(componentHost).
			Category(errors.CategoryConflict).
			Build()
	}

	for i, spec := range specs {
		if m.state.StopRequested() {
			return startupInterrupted("load delivery module " + spec)
		}
		b, err := m.registry.Load(RoleDelivery, spec)
		if err != nil {
			return err
		}
		b.index = i
		b.metrics = m.state.metrics
		b.metrics.RecordTransition(b.ID(), b.role, StateLoaded)
		m.deliveries = append(m.deliveries, b)

		if err := m.initBinding(b, m.params(b)); err != nil {
			return err
		}
	}

	m.state.setOutputCount(len(m.deliveries))
	return nil
}

func (m *Manager) params(b *Binding) Params {
	return Params{
		Name:      b.name,
		ArgString: b.args,
		Args:      strings.Fields(b.args),
		Index:     b.index,
		State:     m.state,
		Source:    &source{ch: m.state.channel, metrics: m.state.metrics, id: b.ID()},
		Logger:    m.state.moduleLog.Module(b.name),
	}
}

func (m *Manager) initBinding(b *Binding, p Params) error {
	m.log.Debug("initializing module",
		logger.String("module", b.ID()),
		logger.String("role", b.role.String()),
		logger.String("origin", b.origin),
		logger.String("args", privacy.ScrubArgs(b.args)))

	if err := b.init(p); err != nil {
		if errors.Is(err, ErrExitRequested) {
			m.log.Info("module requested exit during init", logger.String("module", b.ID()))
		} else {
			m.log.Info("module rejected init, exiting",
				logger.String("module", b.ID()),
				logger.String("reason", privacy.ScrubMessage(err.Error())))
		}
		return err
	}
	return nil
}

// Run starts the capture module, then each delivery module in order. It must
// be called after StartCapture and StartDelivery succeeded, and only once.
func (m *Manager) Run() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.Newf("modules already running").
			Component(componentHost).
			Category(errors.CategoryState).
			Build()
	}
	if m.capture == nil || len(m.deliveries) == 0 {
		return errors.Newf("cannot run without a capture and at least one delivery module").
			Component(componentHost).
			Category(errors.CategoryState).
			Build()
	}
	if m.state.StopRequested() {
		return startupInterrupted("run modules")
	}

	m.running = true
	for _, b := range slices.Concat([]*Binding{m.capture}, m.deliveries) {
		if err := b.run(); err != nil {
			m.log.Error("module failed to start", logger.String("module", b.ID()), logger.Error(err))
			return err
		}
		m.log.Info("module running",
			logger.String("module", b.ID()),
			logger.String("role", b.role.String()))
	}
	return nil
}

// Capture returns the capture binding, nil before StartCapture.
func (m *Manager) Capture() *Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capture
}

// Deliveries returns the delivery bindings in registration order.
func (m *Manager) Deliveries() []*Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.deliveries)
}

// Bindings returns the capture binding followed by the delivery bindings.
func (m *Manager) Bindings() []*Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capture == nil {
		return slices.Clone(m.deliveries)
	}
	return slices.Concat([]*Binding{m.capture}, m.deliveries)
}

// Lookup finds a binding by ID, or by name when the name is unambiguous.
func (m *Manager) Lookup(name string) (*Binding, bool) {
	var match *Binding
	for _, b := range m.Bindings() {
		if b.ID() == name {
			return b, true
		}
		if b.Name() == name {
			if match != nil {
				return nil, false
			}
			match = b
		}
	}
	return match, match != nil
}

// Command forwards a control message to the named module.
func (m *Manager) Command(name, payload string) (string, error) {
	b, ok := m.Lookup(name)
	if !ok {
		return "", errors.Newf("module %q: %w", name, ErrModuleNotFound).
			Component(componentHost).
			Context("module", name).
			Build()
	}
	return b.Cmd(payload)
}
