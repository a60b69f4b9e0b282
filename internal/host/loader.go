package host

import (
	"plugin"

	"github.com/tphakala/framecast/internal/errors"
)

// Plugin entry point names, prefixed with "Capture" or "Delivery":
//
//	func CaptureInit(p host.Params) error
//	func CaptureRun() error
//	func CaptureStop() error
//	func CaptureCmd(payload string) (string, error) // optional
const (
	symbolInit = "Init"
	symbolRun  = "Run"
	symbolStop = "Stop"
	symbolCmd  = "Cmd"
)

// symbolLookup is the part of *plugin.Plugin the loader needs.
type symbolLookup interface {
	Lookup(symName string) (plugin.Symbol, error)
}

func openGoPlugin(path string) (symbolLookup, error) {
	return plugin.Open(path)
}

// pluginModule adapts exported plugin functions to Module.
type pluginModule struct {
	init func(Params) error
	run  func() error
	stop func() error
}

func (m *pluginModule) Init(p Params) error { return m.init(p) }
func (m *pluginModule) Run() error          { return m.run() }
func (m *pluginModule) Stop() error         { return m.stop() }

// commandPluginModule is a pluginModule that also exports Cmd.
type commandPluginModule struct {
	pluginModule
	cmd func(string) (string, error)
}

func (m *commandPluginModule) Cmd(payload string) (string, error) { return m.cmd(payload) }

// resolveSymbols looks up the mandatory entry points in order and fails on the
// first one that is missing or has the wrong signature.
func resolveSymbols(role Role, name string, lib symbolLookup) (Module, error) {
	prefix := role.symbolPrefix()
	pm := pluginModule{}

	var err error
	if pm.init, err = lookupFunc[func(Params) error](lib, name, prefix+symbolInit); err != nil {
		return nil, err
	}
	if pm.run, err = lookupFunc[func() error](lib, name, prefix+symbolRun); err != nil {
		return nil, err
	}
	if pm.stop, err = lookupFunc[func() error](lib, name, prefix+symbolStop); err != nil {
		return nil, err
	}

	if _, lerr := lib.Lookup(prefix + symbolCmd); lerr != nil {
		return &pm, nil
	}
	cmd, err := lookupFunc[func(string) (string, error)](lib, name, prefix+symbolCmd)
	if err != nil {
		return nil, err
	}
	return &commandPluginModule{pluginModule: pm, cmd: cmd}, nil
}

func lookupFunc[F any](lib symbolLookup, module, symbol string) (F, error) {
	var zero F
	sym, err := lib.Lookup(symbol)
	if err != nil {
		return zero, SymbolMissing(module, symbol)
	}
	fn, ok := sym.(F)
	if !ok {
		return zero, errors.Newf("module %q: %w: %s has type %T", module, ErrSymbolMissing, symbol, sym).
			Component(componentHost).
			Context("module", module).
			Context("symbol", symbol).
			Build()
	}
	return fn, nil
}
